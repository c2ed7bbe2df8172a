package hirewire

import (
	"context"
	"errors"
)

// Conn is one live duplex connection. Write may be called concurrently
// with Read; Close unblocks a pending Read.
type Conn interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Close(reason string) error
}

// Dialer opens authenticated connections. The token is presented at
// handshake and re-validated by the server on every dial.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// errBadFrame marks an undecodable inbound frame. The read loop skips it.
var errBadFrame = errors.New("bad frame")
