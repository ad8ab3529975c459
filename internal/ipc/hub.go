package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
)

// DefaultQueueCapacity is the number of frames a Hub endpoint buffers.
const DefaultQueueCapacity = 64

// Hub is an in-process Transport. Frames still go through the codec so
// malformed input behaves exactly as on a socket.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*hubEndpoint
	capacity  int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*hubEndpoint), capacity: DefaultQueueCapacity}
}

type hubEndpoint struct {
	hub    *Hub
	name   string
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

// Open claims name.
func (h *Hub) Open(name string) (Endpoint, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: invalid endpoint name %q", errdefs.ErrChannel, name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointInUse, name)
	}
	ep := &hubEndpoint{
		hub:    h,
		name:   name,
		frames: make(chan []byte, h.capacity),
		done:   make(chan struct{}),
	}
	h.endpoints[name] = ep
	return ep, nil
}

// Send encodes msg and queues it for the endpoint named to.
func (h *Hub) Send(ctx context.Context, to string, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return h.SendRaw(ctx, to, data)
}

// SendRaw queues a frame without encoding it.
func (h *Hub) SendRaw(ctx context.Context, to string, data []byte) error {
	h.mu.RLock()
	ep, ok := h.endpoints[to]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no endpoint %q", errdefs.ErrChannel, to)
	}

	frame := append([]byte(nil), data...)
	select {
	case ep.frames <- frame:
		return nil
	case <-ep.done:
		return fmt.Errorf("%w: endpoint %q closed", errdefs.ErrChannel, to)
	case <-ctx.Done():
		return fmt.Errorf("%w: sending to %q: %v", errdefs.ErrChannel, to, ctx.Err())
	}
}

// Has reports whether an endpoint named name is open.
func (h *Hub) Has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.endpoints[name]
	return ok
}

func (e *hubEndpoint) Name() string { return e.name }

func (e *hubEndpoint) Receive(timeout time.Duration) (Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-e.done:
		return Message{}, ErrEndpointClosed
	default:
	}

	select {
	case data := <-e.frames:
		return Decode(data)
	case <-e.done:
		return Message{}, ErrEndpointClosed
	case <-expired:
		return Message{}, errdefs.ErrTimeout
	}
}

func (e *hubEndpoint) Close() error {
	e.once.Do(func() {
		e.hub.mu.Lock()
		if e.hub.endpoints[e.name] == e {
			delete(e.hub.endpoints, e.name)
		}
		e.hub.mu.Unlock()
		close(e.done)
	})
	return nil
}
