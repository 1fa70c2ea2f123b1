package application

import (
	"context"
	"errors"
	"testing"

	"github.com/davarch/ci-promoter/internal/domain"
	"go.uber.org/zap"
)

type recordingRunner struct {
	sources []domain.SourceRef
}

func (r *recordingRunner) RunPipeline(ctx context.Context, src domain.SourceRef, cfg PipelineConfig) (domain.PipelineRun, error) {
	r.sources = append(r.sources, src)
	run := domain.NewPipelineRun("run-"+src.BuildNumber, src, fixedNow)
	run.State = domain.StateConverged
	return run, nil
}

var project = domain.ProjectRef{ProjectID: 42, Ref: "main"}

func TestPollOnce_NewBuildStartsRun(t *testing.T) {
	src := &domain.MockArtifactSource{Source: domain.SourceRef{BuildNumber: "7", Revision: "abc"}}
	runner := &recordingRunner{}
	uc := NewTriggerUseCase(zap.NewNop(), src, runner, pipelineCfg, false)

	run, err := uc.PollOnce(context.Background(), project)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run == nil || run.ID != "run-7" {
		t.Fatalf("expected run-7, got %+v", run)
	}
	if len(runner.sources) != 1 || runner.sources[0].Revision != "abc" {
		t.Errorf("runner got %+v", runner.sources)
	}
}

func TestPollOnce_SameBuildDoesNothing(t *testing.T) {
	src := &domain.MockArtifactSource{Source: domain.SourceRef{BuildNumber: "7"}}
	runner := &recordingRunner{}
	uc := NewTriggerUseCase(zap.NewNop(), src, runner, pipelineCfg, false)

	_, _ = uc.PollOnce(context.Background(), project)
	run, _ := uc.PollOnce(context.Background(), project)

	if run != nil {
		t.Errorf("expected no run for an unchanged build")
	}
	if len(runner.sources) != 1 {
		t.Errorf("expected 1 run total, got %d", len(runner.sources))
	}
}

func TestPollOnce_SkipInitialRecordsBaseline(t *testing.T) {
	src := &domain.MockArtifactSource{Source: domain.SourceRef{BuildNumber: "7"}}
	runner := &recordingRunner{}
	uc := NewTriggerUseCase(zap.NewNop(), src, runner, pipelineCfg, true)

	if run, _ := uc.PollOnce(context.Background(), project); run != nil {
		t.Fatal("first poll should only record the baseline")
	}
	src.Source.BuildNumber = "8"
	run, err := uc.PollOnce(context.Background(), project)
	if err != nil || run == nil {
		t.Fatalf("expected a run for build 8, got %v %v", run, err)
	}
	if run.Source.BuildNumber != "8" {
		t.Errorf("build = %s", run.Source.BuildNumber)
	}
}

func TestPollOnce_SourceErrorAndEmptyBuild(t *testing.T) {
	src := &domain.MockArtifactSource{Err: errors.New("gitlab down")}
	runner := &recordingRunner{}
	uc := NewTriggerUseCase(zap.NewNop(), src, runner, pipelineCfg, false)

	if _, err := uc.PollOnce(context.Background(), project); err == nil {
		t.Error("expected source error")
	}

	src.Err = nil
	if run, err := uc.PollOnce(context.Background(), project); run != nil || err != nil {
		t.Errorf("empty build number should be ignored, got %v %v", run, err)
	}
	if len(runner.sources) != 0 {
		t.Errorf("no run expected, got %d", len(runner.sources))
	}
}
