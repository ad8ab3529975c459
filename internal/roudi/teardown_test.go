package roudi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func TestGuardStackReleasesInReverse(t *testing.T) {
	var order []string
	var s guardStack
	for _, name := range []string{"registry", "memory", "introspection", "ports"} {
		name := name
		s.push(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	assert.NoError(t, s.releaseAll(zap.NewNop()))
	assert.Equal(t, []string{"ports", "introspection", "memory", "registry"}, order)

	assert.NoError(t, s.releaseAll(zap.NewNop()))
	assert.Len(t, order, 4, "second release is a no-op")
	assert.Panics(t, func() { s.push("late", func() error { return nil }) })
}

func TestGuardStackKeepsGoingPastFailures(t *testing.T) {
	errA, errB := errors.New("a failed"), errors.New("b failed")
	ran := 0
	var s guardStack
	s.push("a", func() error { ran++; return errA })
	s.push("ok", func() error { ran++; return nil })
	s.push("b", func() error { ran++; return errB })

	err := s.releaseAll(zap.NewNop())
	assert.Equal(t, 3, ran)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, multierr.Errors(err), 2)
}
