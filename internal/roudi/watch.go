package roudi

import (
	"sync"

	"github.com/mossmaurice/iceoryx/internal/ipc"
)

// watchers fans introspection snapshots out to subscribers. A slow
// subscriber only ever holds the newest snapshot.
type watchers struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]chan ipc.Introspection
	closed bool
}

func (w *watchers) add() (<-chan ipc.Introspection, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan ipc.Introspection, 1)
	if w.closed {
		close(ch)
		return ch, func() {}
	}
	if w.subs == nil {
		w.subs = make(map[uint64]chan ipc.Introspection)
	}
	key := w.next
	w.next++
	w.subs[key] = ch

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if sub, ok := w.subs[key]; ok {
			delete(w.subs, key)
			close(sub)
		}
	}
}

func (w *watchers) active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs) > 0
}

func (w *watchers) publish(snapshot ipc.Introspection) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

func (w *watchers) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, ch := range w.subs {
		delete(w.subs, key)
		close(ch)
	}
	w.closed = true
}

// Watch subscribes to the snapshot taken after every cyclic update. The
// channel is closed by the returned cancel func or when the broker shuts
// down.
func (r *RouDi) Watch() (<-chan ipc.Introspection, func()) {
	return r.watchers.add()
}
