package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/davarch/ci-promoter/internal/infrastructure/config"
	"github.com/davarch/ci-promoter/internal/infrastructure/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runBuildNumber string
	runRevision    string
	runRepository  string
	runJSON        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build, test, gate and promote one build",
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

		src := domain.SourceRef{
			Repository:  runRepository,
			Revision:    runRevision,
			BuildNumber: runBuildNumber,
		}
		if src.Repository == "" {
			src.Repository = cfg.Pipeline.Source
		}

		log.Info("start",
			zap.String("version", version),
			zap.String("build", src.BuildNumber),
			zap.String("revision", src.Revision),
			zap.String("test", cfg.Pipeline.TestEnvironment),
			zap.String("prod", cfg.Pipeline.ProdEnvironment),
		)
		run, runErr := a.controller.RunPipeline(ctx, src, a.pipeline)
		_ = a.Close()

		if err := printRun(os.Stdout, run, runJSON); err != nil {
			return err
		}
		if runErr != nil {
			log.Error("run failed", zap.String("run", run.ID), zap.Error(runErr))
		}
		return runResult(run)
	},
}

func init() {
	runCmd.Flags().StringVar(&runBuildNumber, "build-number", "", "CI build counter used as the image tag")
	runCmd.Flags().StringVar(&runRevision, "revision", "", "source revision being built")
	runCmd.Flags().StringVar(&runRepository, "repository", "", "source repository (defaults to pipeline.source)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final run as JSON")
	_ = runCmd.MarkFlagRequired("build-number")

	rootCmd.AddCommand(runCmd)
}
