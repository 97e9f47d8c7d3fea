package modnet

import "errors"

// ErrSessionClosed is returned from [Session.Run] once [Session.Close] is called.
var ErrSessionClosed = errors.New("session closed")
