package roudi

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// guard releases one resource. Guards are pushed in acquisition order and
// released in reverse, so a resource is always released after everything
// acquired on top of it.
type guard struct {
	name    string
	release func() error
}

type guardStack struct {
	mu       sync.Mutex
	guards   []guard
	released bool
}

func (s *guardStack) push(name string, release func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		panic("roudi: guard pushed after teardown: " + name)
	}
	s.guards = append(s.guards, guard{name: name, release: release})
}

// releaseAll runs every guard once, newest first, and keeps going past
// failures.
func (s *guardStack) releaseAll(logger *zap.Logger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	s.released = true

	var err error
	for i := len(s.guards) - 1; i >= 0; i-- {
		g := s.guards[i]
		if gErr := g.release(); gErr != nil {
			logger.Error("Teardown step failed", zap.String("step", g.name), zap.Error(gErr))
			err = multierr.Append(err, gErr)
			continue
		}
		logger.Debug("Teardown step done", zap.String("step", g.name))
	}
	s.guards = nil
	return err
}
