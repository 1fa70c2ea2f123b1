package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type UnitTestPolicy string

const (
	UnitTestsAdvisory UnitTestPolicy = "advisory"
	UnitTestsFatal    UnitTestPolicy = "fatal"
)

// PipelineConfig is everything a run needs to know about where it deploys.
// It is passed into every run rather than read from the environment.
type PipelineConfig struct {
	ImageRepository string
	TestEnvironment string
	ProdEnvironment string
	ValuesPath      string
	UnitTestPolicy  UnitTestPolicy
	// RequireNewer rejects a build number not greater than the one
	// production currently declares.
	RequireNewer bool
	// GateParallelism bounds concurrent gate evaluations; 0 means all at once.
	GateParallelism int
}

func (c PipelineConfig) validate() error {
	switch {
	case c.ImageRepository == "":
		return &domain.ValidationError{Field: "image_repository", Reason: "must not be empty"}
	case c.TestEnvironment == "":
		return &domain.ValidationError{Field: "test_environment", Reason: "must not be empty"}
	case c.ProdEnvironment == "":
		return &domain.ValidationError{Field: "prod_environment", Reason: "must not be empty"}
	case c.TestEnvironment == c.ProdEnvironment:
		return &domain.ValidationError{Field: "prod_environment", Value: c.ProdEnvironment, Reason: "must differ from the test environment"}
	case c.ValuesPath == "":
		return &domain.ValidationError{Field: "values_path", Reason: "must not be empty"}
	}
	switch c.UnitTestPolicy {
	case "", UnitTestsAdvisory, UnitTestsFatal:
		return nil
	default:
		return &domain.ValidationError{Field: "unit_test_policy", Value: string(c.UnitTestPolicy), Reason: "must be advisory or fatal"}
	}
}

// Collaborators are the backends a controller drives. Archiver, Notifier
// and Cache may be nil.
type Collaborators struct {
	Builder  domain.BuildBackend
	Registry domain.Registry
	Driver   *DeploymentDriver
	Gates    []domain.GateEvaluator
	GitOps   domain.GitOpsStore
	Locker   domain.EnvLocker
	Store    domain.RunStore
	Archiver domain.RunArchiver
	Notifier domain.Notifier
	Cache    domain.StatusCache
}

// PromotionController drives runs through
// pending -> building -> deployed_test -> gating -> promoting -> converged.
type PromotionController struct {
	log   *zap.Logger
	c     Collaborators
	runs  *runRegistry
	now   func() time.Time
	newID func() string

	// lockRetry is how often a run waiting for the test environment retries.
	lockRetry time.Duration
	stopping  atomic.Bool
}

func NewPromotionController(log *zap.Logger, c Collaborators) (*PromotionController, error) {
	switch {
	case c.Builder == nil:
		return nil, errors.New("build backend is required")
	case c.Registry == nil:
		return nil, errors.New("registry is required")
	case c.Driver == nil:
		return nil, errors.New("deployment driver is required")
	case c.GitOps == nil:
		return nil, errors.New("gitops store is required")
	case c.Store == nil:
		return nil, errors.New("run store is required")
	}
	if c.Locker == nil {
		c.Locker = NewMemoryLocker()
	}
	return &PromotionController{
		log:   log,
		c:     c,
		runs:  newRunRegistry(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		lockRetry: 500 * time.Millisecond,
	}, nil
}

// RunPipeline executes one run to a terminal state. The returned error is
// the cause of a failed run, nil when it converged.
func (pc *PromotionController) RunPipeline(ctx context.Context, src domain.SourceRef, cfg PipelineConfig) (domain.PipelineRun, error) {
	h, rctx := pc.start(ctx, domain.NewPipelineRun(pc.newID(), src, pc.now()))
	defer h.cancel()

	err := pc.execute(rctx, h, cfg)
	return pc.finish(h), err
}

// Start launches a run in the background and returns its id.
func (pc *PromotionController) Start(ctx context.Context, src domain.SourceRef, cfg PipelineConfig) string {
	h, rctx := pc.start(context.WithoutCancel(ctx), domain.NewPipelineRun(pc.newID(), src, pc.now()))
	go func() {
		defer h.cancel()
		if err := pc.execute(rctx, h, cfg); err != nil {
			pc.log.Warn("run failed", zap.String("run", h.run.ID), zap.Error(err))
		}
		pc.finish(h)
	}()
	return h.run.ID
}

// Resume starts a new run that retries the promotion of a run which failed
// while promoting. Gate results are carried over; the gates are not re-run.
func (pc *PromotionController) Resume(ctx context.Context, runID string, cfg PipelineConfig) (domain.PipelineRun, error) {
	run, err := pc.resumable(ctx, runID)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	h, rctx := pc.start(ctx, run)
	defer h.cancel()

	err = pc.repromote(rctx, h, cfg)
	return pc.finish(h), err
}

// StartResume is Resume in the background. Only the eligibility check is
// synchronous.
func (pc *PromotionController) StartResume(ctx context.Context, runID string, cfg PipelineConfig) (string, error) {
	run, err := pc.resumable(ctx, runID)
	if err != nil {
		return "", err
	}
	h, rctx := pc.start(context.WithoutCancel(ctx), run)
	go func() {
		defer h.cancel()
		if err := pc.repromote(rctx, h, cfg); err != nil {
			pc.log.Warn("resumed run failed", zap.String("run", run.ID), zap.Error(err))
		}
		pc.finish(h)
	}()
	return run.ID, nil
}

func (pc *PromotionController) resumable(ctx context.Context, runID string) (domain.PipelineRun, error) {
	prev, err := pc.GetRunStatus(ctx, runID)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	if prev.State != domain.StateFailed || prev.FailedStage() != domain.StagePromoting {
		return domain.PipelineRun{}, &domain.ValidationError{
			Field: "run", Value: runID, Reason: "only runs that failed while promoting can be resumed",
		}
	}
	if !prev.RequiredGatesPassed() || prev.Artifact.IsZero() {
		return domain.PipelineRun{}, &domain.ValidationError{
			Field: "run", Value: runID, Reason: "run has no verified artifact",
		}
	}

	run := domain.NewPipelineRun(pc.newID(), prev.Source, pc.now())
	run.ResumedFrom = prev.ID
	run.Artifact = prev.Artifact
	run.Gates = prev.Clone().Gates
	for env, st := range prev.Environments {
		run.Environments[env] = st
	}
	return run, nil
}

func (pc *PromotionController) repromote(ctx context.Context, h *runHandle, cfg PipelineConfig) error {
	if err := cfg.validate(); err != nil {
		pc.fail(h, domain.StageValidate, err)
		return err
	}
	return pc.promote(ctx, h, cfg, h.snapshot().Artifact)
}

// Cancel stops a run executing in this process. A run cancelled before it
// reached promoting never promotes.
func (pc *PromotionController) Cancel(runID string) error {
	h, ok := pc.runs.get(runID)
	if !ok {
		return domain.ErrRunNotFound
	}
	h.mu.Lock()
	if h.run.State.Terminal() {
		h.mu.Unlock()
		return fmt.Errorf("run %s already %s", runID, h.run.State)
	}
	h.run.Cancelled = true
	h.mu.Unlock()

	h.cancel()
	pc.log.Info("run cancelled", zap.String("run", runID))
	return nil
}

// Shutdown cancels every run executing in this process and waits until each
// has recorded its terminal state. Runs started afterwards fail as cancelled.
func (pc *PromotionController) Shutdown(ctx context.Context) error {
	pc.stopping.Store(true)
	for _, h := range pc.runs.handles() {
		if err := pc.Cancel(h.snapshot().ID); err != nil && !errors.Is(err, domain.ErrRunNotFound) {
			pc.log.Debug("shutdown: cancel", zap.Error(err))
		}
	}
	if err := pc.runs.wait(ctx); err != nil {
		return fmt.Errorf("runs still active: %w", err)
	}
	return nil
}

func (pc *PromotionController) GetRunStatus(ctx context.Context, runID string) (domain.PipelineRun, error) {
	if h, ok := pc.runs.get(runID); ok {
		return h.snapshot(), nil
	}
	return pc.c.Store.GetRun(ctx, runID)
}

// ListRuns merges runs executing here with stored ones, newest first.
func (pc *PromotionController) ListRuns(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	stored, err := pc.c.Store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.PipelineRun, len(stored))
	for _, r := range stored {
		byID[r.ID] = r
	}
	for _, r := range pc.runs.active() {
		byID[r.ID] = r
	}
	out := make([]domain.PipelineRun, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (pc *PromotionController) start(ctx context.Context, run domain.PipelineRun) (*runHandle, context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	h := &runHandle{run: run, cancel: cancel}
	if pc.stopping.Load() {
		h.run.Cancelled = true
		cancel()
	}
	pc.runs.add(h)
	pc.persist(ctx, run)
	pc.log.Info("run started",
		zap.String("run", run.ID),
		zap.String("build", run.Source.BuildNumber),
		zap.String("resumed_from", run.ResumedFrom),
	)
	return h, rctx
}

func (pc *PromotionController) execute(ctx context.Context, h *runHandle, cfg PipelineConfig) error {
	if err := cfg.validate(); err != nil {
		pc.fail(h, domain.StageValidate, err)
		return err
	}
	src := h.snapshot().Source
	if !domain.IsBuildCounter(src.BuildNumber) {
		err := &domain.ValidationError{Field: "build_number", Value: src.BuildNumber, Reason: "must be a positive build number"}
		pc.fail(h, domain.StageValidate, err)
		return err
	}

	if err := pc.advance(ctx, h, domain.StateBuilding); err != nil {
		pc.fail(h, domain.StageBuild, err)
		return err
	}
	artifact, stage, err := pc.build(ctx, h, src, cfg)
	if err != nil {
		pc.fail(h, stage, err)
		return err
	}

	// The test environment stays with this run until its gates have joined,
	// so every gate observes this artifact.
	unlockTest, err := pc.acquire(ctx, h, cfg.TestEnvironment)
	if err != nil {
		pc.fail(h, domain.StageDeployTest, err)
		return err
	}
	defer unlockTest()

	st, err := pc.c.Driver.Deploy(ctx, cfg.TestEnvironment, artifact)
	pc.recordEnv(h, st)
	if err != nil {
		pc.fail(h, domain.StageDeployTest, err)
		return err
	}
	if err := pc.advance(ctx, h, domain.StateDeployedTest); err != nil {
		pc.fail(h, domain.StageDeployTest, err)
		return err
	}

	if err := pc.advance(ctx, h, domain.StateGating); err != nil {
		pc.fail(h, domain.StageGating, err)
		return err
	}
	err = pc.gate(ctx, h, cfg)
	unlockTest()
	if err != nil {
		pc.fail(h, domain.StageGating, err)
		return err
	}

	return pc.promote(ctx, h, cfg, artifact)
}

// acquire waits until this run holds the lock on env. Only a conflict with
// another holder is retried. The returned release is safe to call twice.
func (pc *PromotionController) acquire(ctx context.Context, h *runHandle, env string) (func(), error) {
	var (
		release func()
		waiting bool
	)
	op := func() error {
		unlock, err := pc.c.Locker.TryLock(ctx, env)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		release = sync.OnceFunc(unlock)
		return nil
	}
	notify := func(err error, _ time.Duration) {
		if !waiting {
			waiting = true
			pc.log.Info("waiting for environment",
				zap.String("run", h.run.ID), zap.String("env", env), zap.Error(err))
		}
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(pc.lockRetry), ctx)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return nil, fmt.Errorf("lock %s: %w", env, err)
	}
	return release, nil
}

func (pc *PromotionController) build(ctx context.Context, h *runHandle, src domain.SourceRef, cfg PipelineConfig) (domain.ArtifactReference, domain.Stage, error) {
	report, err := pc.c.Builder.Build(ctx, src, cfg.ImageRepository)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return domain.ArtifactReference{}, domain.StageValidate, err
		}
		var be *domain.BuildError
		if !errors.As(err, &be) && ctx.Err() == nil {
			err = &domain.BuildError{Step: "build", Err: err}
		}
		return domain.ArtifactReference{}, domain.StageBuild, err
	}
	artifact := report.Artifact

	fatal := cfg.UnitTestPolicy == UnitTestsFatal
	if report.UnitTests != nil {
		res := unitTestResult(report.UnitTests, fatal)
		h.update(func(r *domain.PipelineRun) { r.Gates = append(r.Gates, res) })
		if !res.Passed() {
			if fatal {
				return artifact, domain.StageBuild, &domain.BuildError{Step: "unit-tests", Output: tail(report.UnitTests.Output, outputTail)}
			}
			pc.log.Warn("unit tests failed, continuing under advisory policy", zap.String("run", h.run.ID))
		}
	}

	h.update(func(r *domain.PipelineRun) { r.Artifact = artifact })

	if cfg.RequireNewer {
		cur, err := pc.c.GitOps.CurrentDesiredState(ctx, cfg.ValuesPath)
		if err != nil {
			return artifact, domain.StageBuild, fmt.Errorf("read production desired state: %w", err)
		}
		if n, perr := strconv.ParseUint(cur.Tag, 10, 64); perr == nil && artifact.BuildNumber() <= n {
			return artifact, domain.StageValidate, &domain.ValidationError{
				Field: "tag", Value: artifact.Tag(), Reason: "not newer than production tag " + cur.Tag,
			}
		}
	}

	ok, err := pc.c.Registry.Push(ctx, artifact.Repository(), artifact.Tag())
	if err != nil {
		if ctx.Err() != nil {
			return artifact, domain.StageBuild, err
		}
		return artifact, domain.StageBuild, &domain.BuildError{Step: "push", Err: err}
	}
	if !ok {
		return artifact, domain.StageBuild, &domain.BuildError{Step: "push", Err: errors.New("registry refused image")}
	}
	return artifact, "", nil
}

// gate evaluates every gate concurrently and joins before judging.
func (pc *PromotionController) gate(ctx context.Context, h *runHandle, cfg PipelineConfig) error {
	target, err := pc.c.Driver.Target(cfg.TestEnvironment)
	if err != nil {
		return err
	}

	results := make([]domain.GateResult, len(pc.c.Gates))
	var g errgroup.Group
	if cfg.GateParallelism > 0 {
		g.SetLimit(cfg.GateParallelism)
	}
	for i, gate := range pc.c.Gates {
		g.Go(func() error {
			results[i] = gate.Evaluate(ctx, target)
			pc.log.Info("gate evaluated",
				zap.String("run", h.run.ID),
				zap.String("gate", gate.Name()),
				zap.String("outcome", string(results[i].Outcome)),
				zap.Duration("took", results[i].Duration),
			)
			return nil
		})
	}
	_ = g.Wait()

	var failed []domain.GateResult
	cancelled := false
	h.update(func(r *domain.PipelineRun) {
		r.Gates = append(r.Gates, results...)
		cancelled = r.Cancelled
	})
	pc.persist(ctx, h.snapshot())

	if cancelled || ctx.Err() != nil {
		return domain.ErrCancelled
	}
	for _, res := range results {
		if res.Required && !res.Passed() {
			failed = append(failed, res)
		}
	}
	if len(failed) > 0 {
		return &domain.GateFailure{Results: failed}
	}
	return nil
}

// promote records the production desired state and waits for convergence.
// A desired state that already carries the artifact tag is not committed
// again, and one that declares a newer build is never rolled back.
func (pc *PromotionController) promote(ctx context.Context, h *runHandle, cfg PipelineConfig, artifact domain.ArtifactReference) error {
	if err := pc.advance(ctx, h, domain.StatePromoting); err != nil {
		pc.fail(h, domain.StagePromoting, err)
		return err
	}

	unlock, err := pc.c.Locker.TryLock(ctx, cfg.ProdEnvironment)
	if err != nil {
		pc.fail(h, domain.StagePromoting, err)
		return err
	}
	defer unlock()

	cur, err := pc.c.GitOps.CurrentDesiredState(ctx, cfg.ValuesPath)
	if err != nil {
		err = fmt.Errorf("read desired state: %w", err)
		pc.fail(h, domain.StagePromoting, err)
		return err
	}

	if n, perr := strconv.ParseUint(cur.Tag, 10, 64); perr == nil && n > artifact.BuildNumber() {
		err := &domain.ConflictError{
			Resource: cfg.ValuesPath,
			Err:      fmt.Errorf("production already declares newer build %s than %s", cur.Tag, artifact.Tag()),
		}
		pc.fail(h, domain.StagePromoting, err)
		return err
	}

	if cur.Tag == artifact.Tag() && cur.Repository == artifact.Repository() {
		pc.log.Info("desired state already records artifact",
			zap.String("run", h.run.ID), zap.String("tag", artifact.Tag()), zap.String("revision", cur.Revision))
		h.update(func(r *domain.PipelineRun) { r.PendingConvergence = true })
	} else {
		ref, err := pc.c.GitOps.CommitDesiredState(ctx, cfg.ValuesPath, domain.DesiredStatePatch{
			Repository:  artifact.Repository(),
			Tag:         artifact.Tag(),
			ExpectedTag: cur.Tag,
			Message:     fmt.Sprintf("promote %s to %s (run %s)", artifact.Image(), cfg.ProdEnvironment, h.run.ID),
		})
		if err != nil {
			pc.fail(h, domain.StagePromoting, err)
			return err
		}
		h.update(func(r *domain.PipelineRun) {
			r.Commit = &ref
			r.PendingConvergence = true
		})
		pc.persist(ctx, h.snapshot())
		pc.log.Info("desired state committed",
			zap.String("run", h.run.ID), zap.String("sha", ref.SHA), zap.String("tag", artifact.Tag()))
	}

	st, err := pc.c.Driver.Deploy(ctx, cfg.ProdEnvironment, artifact)
	pc.recordEnv(h, st)
	if err != nil {
		pc.fail(h, domain.StagePromoting, err)
		return err
	}

	h.update(func(r *domain.PipelineRun) { r.PendingConvergence = false })
	if err := pc.advance(ctx, h, domain.StateConverged); err != nil {
		pc.fail(h, domain.StagePromoting, err)
		return err
	}
	return nil
}

// advance performs a transition under the run lock. A cancelled run only
// transitions to failed.
func (pc *PromotionController) advance(ctx context.Context, h *runHandle, to domain.RunState) error {
	var (
		err  error
		from domain.RunState
	)
	snap := h.update(func(r *domain.PipelineRun) {
		from = r.State
		if r.Cancelled || ctx.Err() != nil {
			err = domain.ErrCancelled
			return
		}
		err = r.Advance(to, pc.now())
	})
	if err != nil {
		return err
	}
	pc.log.Info("transition", zap.String("run", snap.ID), zap.String("from", string(from)), zap.String("to", string(to)))
	pc.persist(ctx, snap)
	return nil
}

func (pc *PromotionController) fail(h *runHandle, stage domain.Stage, err error) {
	snap := h.update(func(r *domain.PipelineRun) {
		if r.Cancelled && !errors.Is(err, domain.ErrCancelled) {
			err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
		}
		r.Fail(stage, err, pc.now())
	})
	pc.log.Warn("run failed",
		zap.String("run", snap.ID),
		zap.String("stage", string(stage)),
		zap.Bool("retryable", snap.Failure != nil && snap.Failure.Retryable),
		zap.Error(err),
	)
	pc.persist(context.Background(), snap)
}

func (pc *PromotionController) recordEnv(h *runHandle, st domain.DeploymentStatus) {
	if st.Environment == "" {
		return
	}
	h.update(func(r *domain.PipelineRun) { r.Environments[st.Environment] = st })
}

func (pc *PromotionController) persist(ctx context.Context, run domain.PipelineRun) {
	if err := pc.c.Store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		pc.log.Error("persist run", zap.String("run", run.ID), zap.Error(err))
	}
}

// finish publishes a terminal run and drops it from the in-process registry.
func (pc *PromotionController) finish(h *runHandle) domain.PipelineRun {
	run := h.snapshot()
	ctx := context.Background()
	pc.persist(ctx, run)

	if pc.c.Archiver != nil && run.State.Terminal() {
		if err := pc.c.Archiver.Archive(ctx, run); err != nil {
			pc.log.Warn("archive run", zap.String("run", run.ID), zap.Error(err))
		}
	}
	if pc.c.Cache != nil {
		_ = pc.c.Cache.Write(ctx, domain.Snapshot{
			RunID:     run.ID,
			State:     run.State,
			Stage:     run.FailedStage(),
			Image:     run.Artifact.Image(),
			Retrieved: pc.now().Unix(),
		})
	}
	if pc.c.Notifier != nil {
		_ = pc.c.Notifier.Notify(ctx, titleFor(run), bodyFor(run), "")
	}

	pc.runs.remove(run.ID)
	pc.log.Info("run finished",
		zap.String("run", run.ID),
		zap.String("state", string(run.State)),
		zap.String("stage", string(run.FailedStage())),
		zap.Int("exit_code", domain.ExitCode(run)),
	)
	return run
}

func titleFor(r domain.PipelineRun) string {
	switch r.State {
	case domain.StateConverged:
		return "✅ promote: converged"
	case domain.StateFailed:
		if r.Cancelled {
			return "⛔ promote: cancelled"
		}
		return "❌ promote: failed at " + string(r.FailedStage())
	default:
		return "ℹ️ promote: " + string(r.State)
	}
}

func bodyFor(r domain.PipelineRun) string {
	body := "Run " + r.ID
	if img := r.Artifact.Image(); img != "" {
		body += " (" + img + ")"
	}
	if r.Failure != nil {
		body += "\n" + r.Failure.Message
	}
	return body
}
