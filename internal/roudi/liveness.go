package roudi

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Prober reports whether a process still exists.
type Prober interface {
	Alive(pid int) bool
}

// Killer terminates a process, escalating after grace.
type Killer interface {
	Kill(ctx context.Context, pid int, grace time.Duration) error
}

// OSProber probes with kill(pid, 0).
type OSProber struct{}

// Alive implements Prober. EPERM means the process exists but belongs to
// another user.
func (OSProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// OSKiller sends SIGTERM, waits up to grace for the process to go away and
// then sends SIGKILL.
type OSKiller struct {
	PollInterval time.Duration
}

// Kill implements Killer.
func (k OSKiller) Kill(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}

	interval := k.PollInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if !(OSProber{}).Alive(pid) {
				return nil
			}
		case <-deadline.C:
			return kill9(pid)
		case <-ctx.Done():
			return kill9(pid)
		}
	}
}

func kill9(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
