package popo

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
)

// ConditionVariableDataSize is the number of bytes a ConditionVariableData
// occupies inside a shared-memory segment.
const ConditionVariableDataSize = unsafe.Sizeof(ConditionVariableData{})

var errFutexTimeout = errors.New("futex wait timed out")

// ConditionVariableData is the shared-memory resident state of a
// cross-process condition variable. The zero value is a semaphore with a
// count of 0. It holds no Go pointers and may be placed in any mapping.
type ConditionVariableData struct {
	count   uint32 // pending notifications, also the futex word
	waiters uint32 // threads currently blocked in wait
}

// Pending returns the number of notifications not yet consumed.
func (d *ConditionVariableData) Pending() uint32 {
	return atomic.LoadUint32(&d.count)
}

// Waiters returns the number of threads currently blocked.
func (d *ConditionVariableData) Waiters() uint32 {
	return atomic.LoadUint32(&d.waiters)
}

// post adds n notifications and wakes up to n blocked waiters.
func (d *ConditionVariableData) post(n uint32) {
	atomic.AddUint32(&d.count, n)
	if atomic.LoadUint32(&d.waiters) == 0 {
		return
	}
	if err := futexWake(&d.count, int(n)); err != nil {
		// EFAULT and friends mean the mapping is gone under us.
		panic(fmt.Sprintf("popo: waking condition variable: %v", err))
	}
}

// tryConsume takes one pending notification without blocking.
func (d *ConditionVariableData) tryConsume() bool {
	for {
		c := atomic.LoadUint32(&d.count)
		if c == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&d.count, c, c-1) {
			return true
		}
	}
}

// wait consumes one notification, blocking up to timeout. A negative timeout
// blocks until a notification arrives.
func (d *ConditionVariableData) wait(timeout time.Duration) error {
	if d.tryConsume() {
		return nil
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	// The waiter count must be visible before the futex compare so a
	// concurrent post either sees us or changes the word we sleep on.
	atomic.AddUint32(&d.waiters, 1)
	defer atomic.AddUint32(&d.waiters, ^uint32(0))

	for {
		if d.tryConsume() {
			return nil
		}

		remaining := time.Duration(-1)
		if timeout >= 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return errdefs.ErrTimeout
			}
		}

		if err := futexWaitTimeout(&d.count, 0, remaining); err != nil && !errors.Is(err, errFutexTimeout) {
			return err
		}
	}
}

// reset drops all pending notifications.
func (d *ConditionVariableData) reset() uint32 {
	return atomic.SwapUint32(&d.count, 0)
}
