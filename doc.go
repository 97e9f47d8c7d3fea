// Package modnet multiplexes virtual channels for game extensions
// over a single peer-to-peer transport.
//
// Each extension opens channels by index through [Session.Network].
// A channel binds a virtual port on the transport,
// and remote peers learn that port through the discovery protocol
// spoken on the reserved channel at port 1.
//
// Discovery also exchanges the extensions each peer has enabled,
// which the join authenticator uses to decide whether a joining peer
// may stay in the session.
// See the mchan, mdisc and mjoin packages for the details.
//
// A [Session] does nothing on its own:
// the owner calls [Session.Tick] on a fixed interval, or runs [Session.Run],
// and every callback fires synchronously from that tick.
package modnet
