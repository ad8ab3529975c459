package popo

import "time"

// Waiter is the consumer side of a condition variable. Wait and TimedWait
// are safe to call concurrently from several goroutines or processes
// sharing the same ConditionVariableData.
type Waiter struct {
	data *ConditionVariableData
}

// NewWaiter binds a waiter to data. It panics if data is nil.
func NewWaiter(data *ConditionVariableData) *Waiter {
	if data == nil {
		panic("popo: waiter requires non-nil condition variable data")
	}
	return &Waiter{data: data}
}

// Wait blocks until a notification is pending and consumes it.
func (w *Waiter) Wait() error {
	return w.data.wait(-1)
}

// TimedWait blocks up to timeout for a notification and consumes it.
// It returns errdefs.ErrTimeout when nothing arrived in time.
func (w *Waiter) TimedWait(timeout time.Duration) error {
	if timeout < 0 {
		timeout = 0
	}
	return w.data.wait(timeout)
}

// TryWait consumes a pending notification without blocking.
func (w *Waiter) TryWait() bool {
	return w.data.tryConsume()
}

// Reset discards pending notifications and returns how many were dropped.
func (w *Waiter) Reset() uint32 {
	return w.data.reset()
}
