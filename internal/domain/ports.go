package domain

import (
	"context"
	"time"
)

type BuildBackend interface {
	Build(ctx context.Context, src SourceRef, imageRepository string) (BuildReport, error)
}

type Registry interface {
	Push(ctx context.Context, image, tag string) (bool, error)
}

// QualityBackend does not enforce a deadline of its own; callers bound it
// through ctx.
type QualityBackend interface {
	SubmitAnalysis(ctx context.Context, artifact ArtifactReference) (GateOutcome, map[string]any, error)
}

type ClusterBackend interface {
	ApplyDeployment(ctx context.Context, target DeploymentTarget) error
	GetStatus(ctx context.Context, target DeploymentTarget) (ObservedState, error)
}

// ConvergenceWaiter is implemented by backends that can block until a
// target has converged. The returned state is judged like GetStatus.
type ConvergenceWaiter interface {
	AwaitConverged(ctx context.Context, target DeploymentTarget, timeout time.Duration) (ObservedState, error)
}

type GitOpsStore interface {
	CurrentDesiredState(ctx context.Context, path string) (DesiredState, error)
	CommitDesiredState(ctx context.Context, path string, patch DesiredStatePatch) (CommitRef, error)
}

type PromotionEngine interface {
	Sync(ctx context.Context, app string) (bool, error)
	WaitHealthy(ctx context.Context, app string, timeout time.Duration) (AppStatus, error)
}

type Prober interface {
	Probe(ctx context.Context, url string) (int, error)
}

type CommandResult struct {
	ExitCode int
	Output   string
}

type CommandRunner interface {
	Run(ctx context.Context, dir string, argv []string, env []string) (CommandResult, error)
}

type GateEvaluator interface {
	Name() string
	Required() bool
	Evaluate(ctx context.Context, target DeploymentTarget) GateResult
}

type EnvLocker interface {
	// TryLock returns a *ConflictError when another holder owns env.
	TryLock(ctx context.Context, env string) (unlock func(), err error)
}

type RunStore interface {
	SaveRun(ctx context.Context, run PipelineRun) error
	GetRun(ctx context.Context, id string) (PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]PipelineRun, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)
}

type RunArchiver interface {
	Archive(ctx context.Context, run PipelineRun) error
}

type Notifier interface {
	Notify(ctx context.Context, title, body, url string) error
}

type StatusCache interface {
	Write(ctx context.Context, s Snapshot) error
}

type ArtifactSource interface {
	LatestSource(ctx context.Context, ref ProjectRef) (SourceRef, error)
}

// ProjectRef selects the upstream CI project watched for new builds.
type ProjectRef struct {
	ProjectID int64
	Ref       string
}
