// Package mchan multiplexes virtual channels over a single [mtransport.Transport].
//
// Each [Channel] is identified by a [Key] (owning extension and index)
// and bound to the lowest free local port while open.
// The [Registry] owns the port table and routes transport events
// to the channel owning each connection.
//
// Connecting to a peer needs the channel's port on that peer,
// which the registry asks a [PortResolver] for (normally discovery).
package mchan
