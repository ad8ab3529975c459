package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
)

// DefaultSocketDir is where endpoints live when no directory is given.
var DefaultSocketDir = filepath.Join(os.TempDir(), "iceoryx")

// UnixTransport binds one unixgram socket per endpoint inside Dir.
type UnixTransport struct {
	Dir string
}

// NewUnixTransport creates the socket directory if needed.
func NewUnixTransport(dir string) (*UnixTransport, error) {
	if dir == "" {
		dir = DefaultSocketDir
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ipc: creating socket dir %s: %w", dir, err)
	}
	return &UnixTransport{Dir: dir}, nil
}

func (t *UnixTransport) path(name string) string {
	return filepath.Join(t.Dir, name+".sock")
}

// Open binds the endpoint socket. A socket file left behind by a crashed
// owner is replaced; a live owner makes Open fail with ErrEndpointInUse.
func (t *UnixTransport) Open(name string) (Endpoint, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: invalid endpoint name %q", errdefs.ErrChannel, name)
	}
	path := t.path(name)
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}

	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil && errors.Is(err, unix.EADDRINUSE) {
		if probeAlive(path) {
			return nil, fmt.Errorf("%w: %s", ErrEndpointInUse, name)
		}
		os.Remove(path)
		conn, err = net.ListenUnixgram("unixgram", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("ipc: binding %s: %w", path, err)
	}
	return &unixEndpoint{name: name, path: path, conn: conn, buf: make([]byte, MaxFrameSize)}, nil
}

// probeAlive reports whether something still reads from path.
func probeAlive(path string) bool {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Send writes one datagram to the endpoint named to.
func (t *UnixTransport) Send(ctx context.Context, to string, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return t.SendRaw(ctx, to, data)
}

// SendRaw writes a frame without encoding it.
func (t *UnixTransport) SendRaw(ctx context.Context, to string, data []byte) error {
	if !ValidName(to) {
		return fmt.Errorf("%w: invalid endpoint name %q", errdefs.ErrChannel, to)
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: t.path(to), Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("%w: dialing %q: %v", errdefs.ErrChannel, to, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: writing to %q: %v", errdefs.ErrChannel, to, err)
	}
	return nil
}

type unixEndpoint struct {
	name string
	path string
	conn *net.UnixConn

	mu     sync.Mutex // serializes readers sharing buf
	buf    []byte
	closed sync.Once
}

func (e *unixEndpoint) Name() string { return e.name }

func (e *unixEndpoint) Receive(timeout time.Duration) (Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Message{}, ErrEndpointClosed
		}
		return Message{}, fmt.Errorf("%w: %v", errdefs.ErrChannel, err)
	}

	n, _, err := e.conn.ReadFromUnix(e.buf)
	switch {
	case err == nil:
		return Decode(e.buf[:n])
	case errors.Is(err, os.ErrDeadlineExceeded):
		return Message{}, errdefs.ErrTimeout
	case errors.Is(err, net.ErrClosed):
		return Message{}, ErrEndpointClosed
	default:
		return Message{}, fmt.Errorf("%w: reading %s: %v", errdefs.ErrChannel, e.name, err)
	}
}

func (e *unixEndpoint) Close() error {
	var err error
	e.closed.Do(func() {
		err = e.conn.Close()
		if rmErr := os.Remove(e.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	})
	return err
}
