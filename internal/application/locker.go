package application

import (
	"context"
	"sync"

	"github.com/davarch/ci-promoter/internal/domain"
)

// MemoryLocker grants one holder per environment inside this process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) TryLock(_ context.Context, env string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[env] {
		return nil, &domain.ConflictError{Resource: "environment " + env + " promotion lock"}
	}
	l.held[env] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, env)
			l.mu.Unlock()
		})
	}, nil
}

// CompositeLocker acquires every locker in order and releases what it took
// when one of them refuses.
type CompositeLocker []domain.EnvLocker

func (c CompositeLocker) TryLock(ctx context.Context, env string) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		u, err := l.TryLock(ctx, env)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	return release, nil
}
