//go:build !linux

package popo

import (
	"sync/atomic"
	"time"
)

const (
	minPollInterval = 20 * time.Microsecond
	maxPollInterval = time.Millisecond
)

// futexWaitTimeout polls *addr with exponential backoff on platforms
// without a shareable futex.
func futexWaitTimeout(addr *uint32, val uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	interval := minPollInterval
	for atomic.LoadUint32(addr) == val {
		if timeout >= 0 && !time.Now().Before(deadline) {
			return errFutexTimeout
		}
		time.Sleep(interval)
		if interval < maxPollInterval {
			interval *= 2
		}
	}
	return nil
}

// futexWake is a no-op; pollers observe the counter change on their own.
func futexWake(addr *uint32, n int) error {
	return nil
}
