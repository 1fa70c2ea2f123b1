package application

import (
	"context"

	"github.com/davarch/ci-promoter/internal/domain"
	"go.uber.org/zap"
)

type PipelineRunner interface {
	RunPipeline(ctx context.Context, src domain.SourceRef, cfg PipelineConfig) (domain.PipelineRun, error)
}

// TriggerUseCase starts a run whenever the artifact source reports a build
// number it has not seen for a project.
type TriggerUseCase struct {
	log    *zap.Logger
	src    domain.ArtifactSource
	runner PipelineRunner
	cfg    PipelineConfig

	skipInitial bool
	last        map[domain.ProjectRef]string
}

func NewTriggerUseCase(log *zap.Logger, src domain.ArtifactSource, runner PipelineRunner, cfg PipelineConfig, skipInitial bool) *TriggerUseCase {
	return &TriggerUseCase{
		log:         log,
		src:         src,
		runner:      runner,
		cfg:         cfg,
		skipInitial: skipInitial,
		last:        make(map[domain.ProjectRef]string),
	}
}

// PollOnce returns the run it started, or nil when nothing changed.
func (uc *TriggerUseCase) PollOnce(ctx context.Context, pr domain.ProjectRef) (*domain.PipelineRun, error) {
	src, err := uc.src.LatestSource(ctx, pr)
	if err != nil {
		return nil, err
	}
	if src.BuildNumber == "" {
		return nil, nil
	}

	prev, seen := uc.last[pr]
	if seen && prev == src.BuildNumber {
		return nil, nil
	}
	uc.last[pr] = src.BuildNumber

	if !seen && uc.skipInitial {
		uc.log.Info("trigger: baseline recorded", zap.Int64("project", pr.ProjectID), zap.String("build", src.BuildNumber))
		return nil, nil
	}

	uc.log.Info("trigger: new build",
		zap.Int64("project", pr.ProjectID),
		zap.String("ref", pr.Ref),
		zap.String("build", src.BuildNumber),
		zap.String("previous", prev),
	)
	run, err := uc.runner.RunPipeline(ctx, src, uc.cfg)
	return &run, err
}
