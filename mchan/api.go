package mchan

// ExtensionAPI is the channel surface handed to one extension.
// Every channel it opens is keyed by the extension's ID.
type ExtensionAPI struct {
	r   *Registry
	ext string
}

// API returns the channel API for the extension with the given ID.
func (r *Registry) API(ext string) ExtensionAPI {
	return ExtensionAPI{r: r, ext: ext}
}

// ID returns the owning extension's ID.
func (a ExtensionAPI) ID() string { return a.ext }

// OpenChannel returns the extension's channel with the given index,
// opening it if necessary.
func (a ExtensionAPI) OpenChannel(index uint16) (*Channel, error) {
	return a.r.Open(Key{Ext: a.ext, Index: index})
}

// CloseChannel closes the extension's channel with the given index, if open.
func (a ExtensionAPI) CloseChannel(index uint16) {
	if ch, ok := a.r.Lookup(Key{Ext: a.ext, Index: index}); ok {
		ch.Close()
	}
}
