package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/davarch/ci-promoter/internal/infrastructure/config"
	"github.com/davarch/ci-promoter/internal/infrastructure/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resumeJSON bool

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Retry the promotion of a run that failed while promoting",
	Args:  cobra.ExactArgs(1),
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

		run, runErr := a.controller.Resume(ctx, args[0], a.pipeline)
		_ = a.Close()
		if run.ID == "" {
			return runErr
		}

		if err := printRun(os.Stdout, run, resumeJSON); err != nil {
			return err
		}
		if runErr != nil {
			log.Error("resumed run failed", zap.String("run", run.ID), zap.String("resumed_from", args[0]), zap.Error(runErr))
		}
		return runResult(run)
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeJSON, "json", false, "print the final run as JSON")
	resumeCmd.ValidArgsFunction = completeRunIDs

	rootCmd.AddCommand(resumeCmd)
}
