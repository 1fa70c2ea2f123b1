package application

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/davarch/ci-promoter/internal/domain"
	"go.uber.org/zap"
)

// Scheduler polls the watched projects on a fixed interval. Runs are
// started one at a time; a pause file suspends polling.
type Scheduler struct {
	log       *zap.Logger
	use       *TriggerUseCase
	every     time.Duration
	pauseFile string

	mu   sync.RWMutex
	refs []domain.ProjectRef
}

func NewScheduler(l *zap.Logger, u *TriggerUseCase, refs []domain.ProjectRef, every time.Duration, pauseFile string) *Scheduler {
	return &Scheduler{
		log: l, use: u, refs: refs, every: every, pauseFile: pauseFile,
	}
}

func (s *Scheduler) UpdateRefs(refs []domain.ProjectRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = refs
	s.log.Info("config reloaded", zap.Int("projects", len(refs)))
}

func (s *Scheduler) Refs() []domain.ProjectRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ProjectRef, len(s.refs))
	copy(out, s.refs)
	return out
}

func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.every)
	defer t.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.isPaused() {
		s.log.Debug("paused: skipping poll")
		return
	}
	for _, pr := range s.Refs() {
		if ctx.Err() != nil {
			return
		}
		run, err := s.use.PollOnce(ctx, pr)
		if run != nil {
			s.log.Info("triggered run finished",
				zap.Int64("project", pr.ProjectID),
				zap.String("run", run.ID),
				zap.String("state", string(run.State)),
				zap.Int("exit_code", domain.ExitCode(*run)),
			)
			continue
		}
		if err != nil {
			s.log.Warn("poll failed",
				zap.Int64("project", pr.ProjectID),
				zap.String("ref", pr.Ref),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) isPaused() bool {
	if s.pauseFile == "" {
		return false
	}
	_, err := os.Stat(s.pauseFile)
	return err == nil
}
