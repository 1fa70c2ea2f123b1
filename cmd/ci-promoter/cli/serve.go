package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/davarch/ci-promoter/internal/infrastructure/config"
	"github.com/davarch/ci-promoter/internal/infrastructure/httpapi"
	"github.com/davarch/ci-promoter/internal/infrastructure/logging"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveAddr  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := buildApp(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		jobs, err := gocron.NewScheduler()
		if err != nil {
			return err
		}
		defer func() { _ = jobs.Shutdown() }()
		if err := scheduleRetention(jobs, log, a.store, cfg.Store.Retention); err != nil {
			return err
		}
		jobs.Start()

		watching := make(chan struct{})
		if serveWatch {
			sched, err := newWatcher(log, a)
			if err != nil {
				return err
			}
			watchAndReload(ctx, cfgPath, log, sched)
			go func() {
				defer close(watching)
				sched.Run(ctx)
			}()
		} else {
			close(watching)
		}

		e := httpapi.NewServer(log, a.controller, a.pipeline)
		errCh := make(chan error, 1)
		go func() {
			log.Info("start",
				zap.String("version", version),
				zap.String("addr", cfg.Server.Addr),
				zap.Bool("watch", serveWatch),
			)
			errCh <- e.Start(cfg.Server.Addr)
		}()

		var serveErr error
		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				serveErr = err
			}
			cancel()
		case <-ctx.Done():
		}

		// Runs are cancelled and recorded before the store closes.
		log.Info("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		if err := e.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		select {
		case <-watching:
		case <-sctx.Done():
		}
		if err := a.controller.Shutdown(sctx); err != nil {
			log.Error("runs did not finish", zap.Error(err))
		}
		return serveErr
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "also poll GitLab for new builds")

	rootCmd.AddCommand(serveCmd)
}

// scheduleRetention removes finished runs older than retention every hour.
// A zero retention keeps runs forever.
func scheduleRetention(s gocron.Scheduler, log *zap.Logger, store domain.RunStore, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	_, err := s.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(func() {
			n, err := store.DeleteRunsBefore(context.Background(), time.Now().Add(-retention))
			if err != nil {
				log.Warn("run retention failed", zap.Error(err))
				return
			}
			if n > 0 {
				log.Info("expired runs removed", zap.Int64("count", n), zap.Duration("retention", retention))
			}
		}),
		gocron.WithName("run-retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	return err
}
