package application

import (
	"context"
	"errors"
	"testing"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type refusingLocker struct{}

func (refusingLocker) TryLock(context.Context, string) (func(), error) {
	return nil, &domain.ConflictError{Resource: "lock", Err: errors.New("held by pid 1")}
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "prod")
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "prod")
	var ce *domain.ConflictError
	require.ErrorAs(t, err, &ce)

	other, err := l.TryLock(ctx, "test")
	require.NoError(t, err, "environments lock independently")
	other()

	unlock()
	unlock()
	again, err := l.TryLock(ctx, "prod")
	require.NoError(t, err)
	again()
}

func TestCompositeLocker(t *testing.T) {
	t.Run("error - releases earlier locks when one refuses", func(t *testing.T) {
		mem := NewMemoryLocker()
		c := CompositeLocker{mem, refusingLocker{}}

		_, err := c.TryLock(context.Background(), "prod")
		assert.ErrorIs(t, err, domain.ErrConflict)

		unlock, err := mem.TryLock(context.Background(), "prod")
		require.NoError(t, err, "memory lock must have been released")
		unlock()
	})

	t.Run("success - acquires all", func(t *testing.T) {
		a, b := NewMemoryLocker(), NewMemoryLocker()
		unlock, err := CompositeLocker{a, b}.TryLock(context.Background(), "prod")
		require.NoError(t, err)

		_, err = b.TryLock(context.Background(), "prod")
		assert.Error(t, err)

		unlock()
		u, err := a.TryLock(context.Background(), "prod")
		require.NoError(t, err)
		u()
	})
}
