// Package popo provides the cross-process notification primitives used by
// ports: a condition variable whose state lives entirely inside shared
// memory, a Signaler for producers and a Waiter for consumers.
//
// ConditionVariableData is a counting semaphore. A notification posted while
// nobody waits is remembered and consumed by the next Wait, so a producer
// that signals before the consumer blocks never loses the wakeup.
//
// Use sites:
//   - one consumer per ConditionVariableData (a port's waitset): NotifyOne
//   - several independent consumers sharing one ConditionVariableData: NotifyAll
//
// Example Usage:
//
//	data := (*popo.ConditionVariableData)(ptr) // resolved from a relative pointer
//	popo.NewSignaler(data).NotifyOne()
//
//	if err := popo.NewWaiter(data).TimedWait(100 * time.Millisecond); err != nil {
//		// errdefs.ErrTimeout
//	}
package popo
