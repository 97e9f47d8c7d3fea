package mext_test

import (
	"testing"

	"github.com/gordian-engine/modnet/mext"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRegistry_enabledPreservesLoadOrder(t *testing.T) {
	t.Parallel()

	r := mext.NewRegistry()
	require.NoError(t, r.Add(mext.Extension{ID: "B", Managed: true}, true))
	require.NoError(t, r.Add(mext.Extension{ID: "A", Managed: true}, false))
	require.NoError(t, r.Add(mext.Extension{ID: "C"}, true))

	require.Equal(t, []string{"B", "A", "C"}, mext.IDs(r.Loaded()))
	require.Equal(t, []string{"B", "C"}, mext.IDs(r.Enabled()))

	require.Error(t, r.Add(mext.Extension{ID: "A"}, true))
}

func TestRegistry_SetEnabled(t *testing.T) {
	t.Parallel()

	r := mext.NewRegistry()
	require.NoError(t, r.Add(mext.Extension{
		ID: "toggle", Managed: true, Runtime: mext.RuntimeToggleable,
	}, true))
	require.NoError(t, r.Add(mext.Extension{
		ID: "fixed", Managed: true, Runtime: mext.RuntimeFixed,
	}, true))
	require.NoError(t, r.Add(mext.Extension{
		ID: "legacy", Runtime: mext.RuntimeReloadable,
	}, true))

	var toggles []mext.Toggle
	r.Toggled.Subscribe(func(tg mext.Toggle) { toggles = append(toggles, tg) })

	require.NoError(t, r.SetEnabled("toggle", false))
	require.False(t, r.IsEnabled("toggle"))

	// No change, no event.
	require.NoError(t, r.SetEnabled("toggle", false))

	require.ErrorAs(t, r.SetEnabled("fixed", false), new(mext.NotToggleableError))
	require.ErrorAs(t, r.SetEnabled("legacy", false), new(mext.NotToggleableError))
	require.ErrorAs(t, r.SetEnabled("missing", true), new(mext.UnknownExtensionError))

	require.Equal(t, []mext.Toggle{{ID: "toggle", Enabled: false}}, toggles)
}

func TestExtension_yaml(t *testing.T) {
	t.Parallel()

	const doc = `
- id: radar
  managed: true
  multiplayer: requires_all
  runtime: toggleable
- id: hud
`
	var exts []mext.Extension
	require.NoError(t, yaml.Unmarshal([]byte(doc), &exts))

	require.Equal(t, []mext.Extension{
		{ID: "radar", Managed: true, Multiplayer: mext.RequiresAll, Runtime: mext.RuntimeToggleable},
		{ID: "hud", Multiplayer: mext.RequiresHost, Runtime: mext.RuntimeFixed},
	}, exts)

	var bad []mext.Extension
	require.Error(t, yaml.Unmarshal([]byte("- id: x\n  runtime: sometimes\n"), &bad))
}
