package ipc

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEndpointClosed = errors.New("ipc: endpoint closed")
	ErrEndpointInUse  = errors.New("ipc: endpoint name in use")
)

// Transport opens named endpoints and delivers frames to them.
type Transport interface {
	Open(name string) (Endpoint, error)
	Send(ctx context.Context, to string, msg Message) error
}

// Endpoint is the receiving side of a named channel.
//
// Receive waits at most timeout (forever if timeout <= 0). It returns
// errdefs.ErrTimeout when nothing arrived, an errdefs.ErrChannel error for
// a malformed frame and ErrEndpointClosed once Close was called.
type Endpoint interface {
	Name() string
	Receive(timeout time.Duration) (Message, error)
	Close() error
}
