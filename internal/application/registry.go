package application

import (
	"context"
	"sync"

	"github.com/davarch/ci-promoter/internal/domain"
)

type runHandle struct {
	mu     sync.Mutex
	run    domain.PipelineRun
	cancel context.CancelFunc
}

func (h *runHandle) snapshot() domain.PipelineRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.Clone()
}

// update applies fn under the handle lock and returns the resulting copy.
func (h *runHandle) update(fn func(r *domain.PipelineRun)) domain.PipelineRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.run)
	return h.run.Clone()
}

// runRegistry tracks runs executing in this process.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*runHandle
	// drained is closed when the last run is removed.
	drained chan struct{}
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*runHandle)}
}

func (r *runRegistry) add(h *runHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[h.run.ID] = h
}

func (r *runRegistry) get(id string) (*runHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[id]
	return h, ok
}

func (r *runRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
	if len(r.runs) == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
}

// wait blocks until no run is registered or ctx ends.
func (r *runRegistry) wait(ctx context.Context) error {
	r.mu.Lock()
	if len(r.runs) == 0 {
		r.mu.Unlock()
		return nil
	}
	if r.drained == nil {
		r.drained = make(chan struct{})
	}
	ch := r.drained
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runRegistry) handles() []*runHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := make([]*runHandle, 0, len(r.runs))
	for _, h := range r.runs {
		hs = append(hs, h)
	}
	return hs
}

func (r *runRegistry) active() []domain.PipelineRun {
	hs := r.handles()
	out := make([]domain.PipelineRun, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.snapshot())
	}
	return out
}
