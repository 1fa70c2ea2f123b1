package cli

import (
	"context"
	"errors"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davarch/ci-promoter/internal/application"
	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/davarch/ci-promoter/internal/infrastructure/config"
	"github.com/davarch/ci-promoter/internal/infrastructure/gitlab_http"
	"github.com/davarch/ci-promoter/internal/infrastructure/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll GitLab and promote every new successful build",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := buildApp(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		sched, err := newWatcher(log, a)
		if err != nil {
			return err
		}
		watchAndReload(ctx, cfgPath, log, sched)

		log.Info("start",
			zap.String("version", version),
			zap.Int("projects", len(sched.Refs())),
			zap.Duration("every", cfg.Watch.Interval),
			zap.String("gitlab", cfg.GitLab.BaseURL),
			zap.String("pause_file", cfg.Watch.PauseFile),
		)
		sched.Run(ctx)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func newWatcher(log *zap.Logger, a *app) (*application.Scheduler, error) {
	refs := enabledRefs(a.cfg)
	if len(refs) == 0 {
		return nil, errors.New("no enabled projects")
	}
	gl := gitlab_http.New(a.cfg.GitLab.BaseURL, a.cfg.GitLab.Token, a.cfg.GitLab.Timeout)
	uc := application.NewTriggerUseCase(log, gl, a.controller, a.pipeline, a.cfg.Watch.SkipInitial)
	return application.NewScheduler(log, uc, refs, a.cfg.Watch.Interval, a.cfg.Watch.PauseFile), nil
}

func enabledRefs(cfg config.Config) []domain.ProjectRef {
	var refs []domain.ProjectRef
	for _, p := range cfg.Watch.Projects {
		if p.Enabled {
			refs = append(refs, domain.ProjectRef{ProjectID: p.ProjectID, Ref: p.Ref})
		}
	}
	return refs
}

// watchAndReload swaps the watched projects whenever the config file
// changes until ctx ends. Editors emit bursts of events, so reloads are
// debounced. The returned channel is closed once watching has stopped.
func watchAndReload(ctx context.Context, cfgPath string, log *zap.Logger, sched *application.Scheduler) <-chan struct{} {
	done := make(chan struct{})
	if cfgPath == "" {
		close(done)
		return done
	}

	dir := filepath.Dir(cfgPath)
	base := filepath.Base(cfgPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		close(done)
		return done
	}
	if err := w.Add(dir); err != nil {
		log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
		_ = w.Close()
		close(done)
		return done
	}

	reload := func() {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		refs := enabledRefs(cfg)
		if len(refs) == 0 {
			log.Warn("config reload: no enabled projects")
		}
		sched.UpdateRefs(refs)
	}

	go func() {
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
			_ = w.Close()
			close(done)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(300*time.Millisecond, reload)
				} else {
					timer.Reset(300 * time.Millisecond)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
	return done
}
