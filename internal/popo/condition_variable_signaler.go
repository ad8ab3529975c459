package popo

// Signaler is the producer side of a condition variable. It never blocks.
//
// The referenced ConditionVariableData must outlive the Signaler; the
// broker's teardown order guarantees this for data placed in shared memory.
type Signaler struct {
	data *ConditionVariableData
}

// NewSignaler binds a signaler to data. It panics if data is nil.
func NewSignaler(data *ConditionVariableData) *Signaler {
	if data == nil {
		panic("popo: signaler requires non-nil condition variable data")
	}
	return &Signaler{data: data}
}

// NotifyOne posts a single notification. At most one blocked waiter is
// woken; if none is blocked the notification stays pending for the next
// waiter.
func (s *Signaler) NotifyOne() {
	s.data.post(1)
}

// NotifyAll posts one notification per currently blocked waiter, and at
// least one so a waiter arriving late still observes the event.
func (s *Signaler) NotifyAll() {
	n := s.data.Waiters()
	if n == 0 {
		n = 1
	}
	s.data.post(n)
}
