package mdisc

import "github.com/gordian-engine/modnet/mext"

// RequiredFor computes the answer to a REQUIRE request:
// which of the locally enabled extensions the asking peer must also have enabled.
//
// Unmanaged extensions declare no policy and are always required.
// The host requires its RequiresAll extensions.
// A client requires its RequiresAll extensions,
// plus its RequiresHost extensions when the asker is the host;
// while the client is still loading, toggleable extensions are exempt
// because it can still switch them to match.
func RequiredFor(enabled []mext.Extension, localIsHost, remoteIsHost, loading bool) []string {
	out := []string{}
	for _, e := range enabled {
		if !e.Managed {
			out = append(out, e.ID)
			continue
		}

		if localIsHost {
			if e.Multiplayer == mext.RequiresAll {
				out = append(out, e.ID)
			}
			continue
		}

		if loading && e.Runtime.CanToggle() {
			continue
		}

		switch e.Multiplayer {
		case mext.RequiresAll:
			out = append(out, e.ID)
		case mext.RequiresHost:
			if remoteIsHost {
				out = append(out, e.ID)
			}
		}
	}
	return out
}
