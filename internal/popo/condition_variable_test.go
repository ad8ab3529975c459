package popo

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
)

// waitReturns runs fn in a goroutine and reports whether it returned
// within limit.
func waitReturns(t *testing.T, limit time.Duration, fn func()) bool {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
		return true
	case <-time.After(limit):
		return false
	}
}

func TestNotifyBeforeWaitDoesNotBlock(t *testing.T) {
	data := new(ConditionVariableData)
	signaler := NewSignaler(data)
	waiter := NewWaiter(data)

	signaler.NotifyOne()

	returned := waitReturns(t, time.Second, func() {
		assert.NoError(t, waiter.Wait())
	})
	assert.True(t, returned, "wait after notify must not block")
	assert.Equal(t, uint32(0), data.Pending())
}

func TestTimedWaitWithoutNotificationTimesOut(t *testing.T) {
	data := new(ConditionVariableData)
	waiter := NewWaiter(data)

	start := time.Now()
	err := waiter.TimedWait(50 * time.Millisecond)

	require.ErrorIs(t, err, errdefs.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, uint32(0), data.Waiters())
}

func TestEarlyNotificationsAreCounted(t *testing.T) {
	data := new(ConditionVariableData)
	signaler := NewSignaler(data)
	waiter := NewWaiter(data)

	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for i := 0; i < 3; i++ {
			signaler.NotifyOne()
		}
	}()
	<-producerDone

	returned := waitReturns(t, time.Second, func() {
		for i := 0; i < 3; i++ {
			assert.NoError(t, waiter.Wait())
		}
	})
	require.True(t, returned, "three pending notifications must satisfy three waits")

	assert.ErrorIs(t, waiter.TimedWait(10*time.Millisecond), errdefs.ErrTimeout)
}

func TestNotifyWakesBlockedWaiter(t *testing.T) {
	data := new(ConditionVariableData)
	signaler := NewSignaler(data)
	waiter := NewWaiter(data)

	done := make(chan error, 1)
	go func() {
		done <- waiter.Wait()
	}()

	require.Eventually(t, func() bool { return data.Waiters() == 1 }, time.Second, time.Millisecond)
	signaler.NotifyOne()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked waiter was not woken")
	}
}

func TestNotifyOneWakesExactlyOneOfSeveralWaiters(t *testing.T) {
	data := new(ConditionVariableData)
	signaler := NewSignaler(data)

	const waiters = 3
	results := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			results <- NewWaiter(data).TimedWait(300 * time.Millisecond)
		}()
	}

	require.Eventually(t, func() bool { return data.Waiters() == waiters }, time.Second, time.Millisecond)
	signaler.NotifyOne()

	var woken, timedOut int
	for i := 0; i < waiters; i++ {
		if err := <-results; err == nil {
			woken++
		} else {
			assert.ErrorIs(t, err, errdefs.ErrTimeout)
			timedOut++
		}
	}
	assert.Equal(t, 1, woken)
	assert.Equal(t, waiters-1, timedOut)
}

func TestNotifyAllWakesEveryBlockedWaiter(t *testing.T) {
	data := new(ConditionVariableData)
	signaler := NewSignaler(data)

	const waiters = 4
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- NewWaiter(data).TimedWait(2 * time.Second)
		}()
	}

	require.Eventually(t, func() bool { return data.Waiters() == waiters }, time.Second, time.Millisecond)
	signaler.NotifyAll()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestNotifyAllWithoutWaitersIsRemembered(t *testing.T) {
	data := new(ConditionVariableData)
	NewSignaler(data).NotifyAll()

	assert.Equal(t, uint32(1), data.Pending())
	assert.True(t, NewWaiter(data).TryWait())
}

func TestTryWaitAndReset(t *testing.T) {
	data := new(ConditionVariableData)
	signaler := NewSignaler(data)
	waiter := NewWaiter(data)

	assert.False(t, waiter.TryWait())

	signaler.NotifyOne()
	signaler.NotifyOne()
	assert.Equal(t, uint32(2), waiter.Reset())
	assert.False(t, waiter.TryWait())
}

func TestConcurrentProducersAndConsumers(t *testing.T) {
	data := new(ConditionVariableData)

	const (
		producers = 4
		perWorker = 250
	)

	var consumed sync.WaitGroup
	for i := 0; i < producers; i++ {
		consumed.Add(1)
		go func() {
			defer consumed.Done()
			waiter := NewWaiter(data)
			for j := 0; j < perWorker; j++ {
				if !assert.NoError(t, waiter.TimedWait(5*time.Second)) {
					return
				}
			}
		}()
	}

	for i := 0; i < producers; i++ {
		go func() {
			signaler := NewSignaler(data)
			for j := 0; j < perWorker; j++ {
				signaler.NotifyOne()
			}
		}()
	}

	require.True(t, waitReturns(t, 10*time.Second, consumed.Wait), "notifications were lost")
	assert.Equal(t, uint32(0), data.Pending())
}

func TestNilDataPanics(t *testing.T) {
	assert.Panics(t, func() { NewSignaler(nil) })
	assert.Panics(t, func() { NewWaiter(nil) })
}

func TestDataSize(t *testing.T) {
	assert.Equal(t, uintptr(8), ConditionVariableDataSize)
}
