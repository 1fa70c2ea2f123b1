package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var pipelineCfg = PipelineConfig{
	ImageRepository: "registry.example.com/shop/api",
	TestEnvironment: "test",
	ProdEnvironment: "prod",
	ValuesPath:      "charts/api/values-prod.yaml",
	UnitTestPolicy:  UnitTestsAdvisory,
}

type fixture struct {
	build    *domain.MockBuild
	registry *domain.MockRegistry
	test     *domain.MockCluster
	prod     *domain.MockCluster
	gitops   *domain.MockGitOps
	store    *domain.MockRunStore
	archiver *domain.MockArchiver
	notifier *domain.MockNotifier
	cache    *domain.MockCache
	gates    []domain.GateEvaluator
	locker   domain.EnvLocker

	testTimeout time.Duration
}

func newFixture() *fixture {
	return &fixture{
		build:       &domain.MockBuild{},
		registry:    &domain.MockRegistry{OK: true},
		test:        &domain.MockCluster{ReadyAfter: 1},
		prod:        &domain.MockCluster{ReadyAfter: 1},
		gitops:      &domain.MockGitOps{},
		store:       domain.NewMockRunStore(),
		archiver:    &domain.MockArchiver{},
		notifier:    &domain.MockNotifier{},
		cache:       &domain.MockCache{},
		testTimeout: time.Second,
	}
}

// controller wires the fixture with a clock that advances one second per
// reading, so runs sort deterministically.
func (f *fixture) controller(t *testing.T) *PromotionController {
	t.Helper()
	driver, err := NewDeploymentDriver(zap.NewNop(),
		[]domain.DeploymentTarget{fastTarget("test", f.testTimeout), fastTarget("prod", time.Second)},
		map[string]domain.ClusterBackend{"test": f.test, "prod": f.prod})
	require.NoError(t, err)

	pc, err := NewPromotionController(zap.NewNop(), Collaborators{
		Builder:  f.build,
		Registry: f.registry,
		Driver:   driver,
		Gates:    f.gates,
		GitOps:   f.gitops,
		Locker:   f.locker,
		Store:    f.store,
		Archiver: f.archiver,
		Notifier: f.notifier,
		Cache:    f.cache,
	})
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		cur = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	)
	pc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
	pc.lockRetry = 5 * time.Millisecond
	return pc
}

func source(build string) domain.SourceRef {
	return domain.SourceRef{Repository: "https://gitlab.example.com/shop/api.git", Revision: "abc123", BuildNumber: build}
}

func passingGate(name string) *domain.MockGate {
	return &domain.MockGate{GateName: name, IsRequired: true, Outcome: domain.OutcomePass}
}

// testImageGate passes when the test environment still declares the gated
// image once its delay is over.
type testImageGate struct {
	driver *DeploymentDriver
	delay  time.Duration

	mu   sync.Mutex
	seen map[string]string
}

func (g *testImageGate) Name() string   { return "test-image" }
func (g *testImageGate) Required() bool { return true }

func (g *testImageGate) Evaluate(ctx context.Context, target domain.DeploymentTarget) domain.GateResult {
	start := time.Now()
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
	}
	st, _ := g.driver.CurrentStatus(target.Environment)
	g.mu.Lock()
	g.seen[target.DesiredImage.Image()] = st.DesiredImage
	g.mu.Unlock()

	outcome := domain.OutcomePass
	if st.DesiredImage != target.DesiredImage.Image() {
		outcome = domain.OutcomeFail
	}
	return domain.GateResult{
		Gate: g.Name(), Outcome: outcome, Required: true,
		StartedAt: start, Duration: time.Since(start), EvaluatedAt: time.Now(),
	}
}

// stuckGate ignores cancellation until release is closed.
type stuckGate struct{ release chan struct{} }

func (g stuckGate) Name() string   { return "stuck" }
func (g stuckGate) Required() bool { return true }

func (g stuckGate) Evaluate(ctx context.Context, target domain.DeploymentTarget) domain.GateResult {
	<-g.release
	return domain.GateResult{Gate: "stuck", Outcome: domain.OutcomePass, Required: true, EvaluatedAt: time.Now()}
}

func waitTerminal(t *testing.T, store *domain.MockRunStore, id string) domain.PipelineRun {
	t.Helper()
	var run domain.PipelineRun
	require.Eventually(t, func() bool {
		r, err := store.GetRun(context.Background(), id)
		run = r
		return err == nil && r.State.Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	return run
}

func TestNewPromotionController(t *testing.T) {
	_, err := NewPromotionController(zap.NewNop(), Collaborators{})
	assert.Error(t, err)
}

func TestPromotionController_RunPipeline(t *testing.T) {
	t.Run("success - build converges in production", func(t *testing.T) {
		// arrange
		f := newFixture()
		health := passingGate("health")
		f.gates = []domain.GateEvaluator{health, passingGate("quality")}
		pc := f.controller(t)

		// act
		run, err := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)

		// assert
		require.NoError(t, err)
		assert.Equal(t, domain.StateConverged, run.State)
		assert.Equal(t, 0, domain.ExitCode(run))
		assert.Equal(t, "42", f.gitops.Tag())
		assert.Equal(t, "registry.example.com/shop/api", f.gitops.State.Repository)
		assert.Equal(t, []string{"registry.example.com/shop/api:42"}, f.registry.Pushed)
		assert.Equal(t, 1, f.prod.ApplyCount())
		assert.Equal(t, domain.PhaseReady, run.Environments["test"].Phase)
		assert.Equal(t, domain.PhaseReady, run.Environments["prod"].Phase)
		require.NotNil(t, run.Commit)
		assert.Equal(t, "c0ffee42", run.Commit.SHA)
		assert.False(t, run.PendingConvergence)
		assert.Len(t, run.Gates, 2)
		assert.Equal(t, 1, health.Evaluated)

		var states []domain.RunState
		for _, tr := range run.History {
			states = append(states, tr.To)
		}
		assert.Equal(t, []domain.RunState{
			domain.StateBuilding, domain.StateDeployedTest, domain.StateGating, domain.StatePromoting, domain.StateConverged,
		}, states)

		stored, err := f.store.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateConverged, stored.State)
		assert.Equal(t, []string{run.ID}, f.archiver.Archived)
		require.Len(t, f.cache.Snapshots, 1)
		assert.Equal(t, domain.StateConverged, f.cache.Snapshots[0].State)
		require.Len(t, f.notifier.Messages, 1)
		assert.Contains(t, f.notifier.Messages[0], "converged")
	})

	t.Run("error - failed health gate leaves production untouched", func(t *testing.T) {
		f := newFixture()
		f.gitops.State = domain.DesiredState{Repository: "registry.example.com/shop/api", Tag: "42"}
		f.gates = []domain.GateEvaluator{
			&domain.MockGate{GateName: "health", IsRequired: true, Outcome: domain.OutcomeFail},
			passingGate("quality"),
		}
		pc := f.controller(t)

		run, err := pc.RunPipeline(context.Background(), source("43"), pipelineCfg)

		var gf *domain.GateFailure
		require.ErrorAs(t, err, &gf)
		require.Len(t, gf.Results, 1)
		assert.Equal(t, "health", gf.Results[0].Gate)
		assert.Equal(t, domain.StateFailed, run.State)
		assert.Equal(t, domain.StageGating, run.FailedStage())
		assert.Equal(t, 5, domain.ExitCode(run))
		assert.Equal(t, "42", f.gitops.Tag())
		assert.Empty(t, f.gitops.Commits)
		assert.Equal(t, 0, f.prod.ApplyCount())
		assert.Len(t, run.Gates, 2, "every gate result is kept")
	})

	t.Run("error - quality gate that never answers times out", func(t *testing.T) {
		f := newFixture()
		f.gates = []domain.GateEvaluator{
			passingGate("health"),
			NewQualityGate(QualityGateConfig{Timeout: 20 * time.Millisecond, Required: true}, &domain.MockQuality{Hang: true}),
		}
		pc := f.controller(t)

		run, err := pc.RunPipeline(context.Background(), source("44"), pipelineCfg)

		require.Error(t, err)
		assert.Equal(t, domain.StageGating, run.FailedStage())
		require.Len(t, run.Gates, 2)
		assert.Equal(t, domain.OutcomeTimeout, run.Gates[1].Outcome)
		assert.Empty(t, f.gitops.Commits)
	})

	t.Run("success - optional gate failure does not block", func(t *testing.T) {
		f := newFixture()
		f.gates = []domain.GateEvaluator{
			passingGate("health"),
			&domain.MockGate{GateName: "perf", Outcome: domain.OutcomeFail},
		}
		pc := f.controller(t)

		run, err := pc.RunPipeline(context.Background(), source("45"), pipelineCfg)

		require.NoError(t, err)
		assert.Equal(t, domain.StateConverged, run.State)
	})

	t.Run("success - gates run concurrently", func(t *testing.T) {
		f := newFixture()
		for _, name := range []string{"a", "b", "c"} {
			f.gates = append(f.gates, &domain.MockGate{GateName: name, IsRequired: true, Outcome: domain.OutcomePass, Delay: 100 * time.Millisecond})
		}
		pc := f.controller(t)

		start := time.Now()
		_, err := pc.RunPipeline(context.Background(), source("46"), pipelineCfg)

		require.NoError(t, err)
		assert.Less(t, time.Since(start), 280*time.Millisecond)
	})

	t.Run("error - commit conflict fails promoting and keeps test ready", func(t *testing.T) {
		f := newFixture()
		f.gates = []domain.GateEvaluator{passingGate("health")}
		f.gitops.CommitErr = &domain.ConflictError{Resource: "values-prod.yaml", Expected: "", Actual: "41"}
		pc := f.controller(t)

		run, err := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)

		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.Equal(t, domain.StagePromoting, run.FailedStage())
		require.NotNil(t, run.Failure)
		assert.Equal(t, domain.KindConflict, run.Failure.Kind)
		assert.True(t, run.Failure.Retryable)
		assert.Equal(t, 6, domain.ExitCode(run))
		assert.Equal(t, domain.PhaseReady, run.Environments["test"].Phase)
		assert.Equal(t, 0, f.prod.ApplyCount())
	})

	t.Run("success - desired state already recording the tag is not committed again", func(t *testing.T) {
		f := newFixture()
		f.gitops.State = domain.DesiredState{Repository: "registry.example.com/shop/api", Tag: "42"}
		pc := f.controller(t)

		run, err := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)

		require.NoError(t, err)
		assert.Equal(t, domain.StateConverged, run.State)
		assert.Empty(t, f.gitops.Commits)
		assert.Nil(t, run.Commit)
		assert.Equal(t, 1, f.prod.ApplyCount())
	})

	t.Run("error - production lock held elsewhere", func(t *testing.T) {
		f := newFixture()
		locker := NewMemoryLocker()
		unlock, err := locker.TryLock(context.Background(), "prod")
		require.NoError(t, err)
		defer unlock()
		f.locker = locker
		pc := f.controller(t)

		run, err := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)

		var ce *domain.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, domain.StagePromoting, run.FailedStage())
		assert.Empty(t, f.gitops.Commits)
	})

	t.Run("error - newer production build is not rolled back", func(t *testing.T) {
		f := newFixture()
		f.gitops.State = domain.DesiredState{Repository: "registry.example.com/shop/api", Tag: "43"}
		pc := f.controller(t)

		run, err := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)

		var ce *domain.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Contains(t, err.Error(), "newer build 43")
		assert.Equal(t, domain.StagePromoting, run.FailedStage())
		assert.Equal(t, "43", f.gitops.Tag())
		assert.Empty(t, f.gitops.Commits)
		assert.Equal(t, 0, f.prod.ApplyCount())
	})

	t.Run("success - overlapping runs take turns on the test environment", func(t *testing.T) {
		// arrange
		f := newFixture()
		gate := &testImageGate{delay: 100 * time.Millisecond, seen: map[string]string{}}
		f.gates = []domain.GateEvaluator{gate}
		pc := f.controller(t)
		gate.driver = pc.c.Driver
		ctx := context.Background()

		// act
		first := pc.Start(ctx, source("42"), pipelineCfg)
		require.Eventually(t, func() bool {
			r, err := pc.GetRunStatus(ctx, first)
			return err == nil && r.State == domain.StateGating
		}, 2*time.Second, 5*time.Millisecond)
		second := pc.Start(ctx, source("43"), pipelineCfg)

		// assert
		a := waitTerminal(t, f.store, first)
		b := waitTerminal(t, f.store, second)
		assert.Equal(t, domain.StateConverged, a.State)
		assert.Equal(t, domain.StateConverged, b.State)
		gate.mu.Lock()
		assert.Equal(t, map[string]string{
			"registry.example.com/shop/api:42": "registry.example.com/shop/api:42",
			"registry.example.com/shop/api:43": "registry.example.com/shop/api:43",
		}, gate.seen)
		gate.mu.Unlock()
		assert.Equal(t, "43", f.gitops.Tag())
		var tags []string
		for _, c := range f.gitops.Commits {
			tags = append(tags, c.Tag)
		}
		assert.Equal(t, []string{"42", "43"}, tags)
	})

	t.Run("error - invalid build number", func(t *testing.T) {
		f := newFixture()
		pc := f.controller(t)

		run, err := pc.RunPipeline(context.Background(), source("v42"), pipelineCfg)

		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, domain.StageValidate, run.FailedStage())
		assert.Equal(t, 2, domain.ExitCode(run))
		assert.Equal(t, 0, f.build.Called)
	})

	t.Run("error - invalid pipeline config", func(t *testing.T) {
		f := newFixture()
		pc := f.controller(t)
		cfg := pipelineCfg
		cfg.ProdEnvironment = cfg.TestEnvironment

		run, err := pc.RunPipeline(context.Background(), source("42"), cfg)

		require.Error(t, err)
		assert.Equal(t, domain.StageValidate, run.FailedStage())
	})

	t.Run("error - build not newer than production", func(t *testing.T) {
		f := newFixture()
		f.gitops.State = domain.DesiredState{Repository: "registry.example.com/shop/api", Tag: "50"}
		pc := f.controller(t)
		cfg := pipelineCfg
		cfg.RequireNewer = true

		run, err := pc.RunPipeline(context.Background(), source("42"), cfg)

		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, domain.StageValidate, run.FailedStage())
		assert.Empty(t, f.registry.Pushed)
	})

	t.Run("error - registry refuses the image", func(t *testing.T) {
		f := newFixture()
		f.registry.OK = false
		pc := f.controller(t)

		run, err := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)

		var be *domain.BuildError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "push", be.Step)
		assert.Equal(t, 3, domain.ExitCode(run))
		assert.Equal(t, 0, f.test.ApplyCount())
	})

	t.Run("error - test environment never becomes ready", func(t *testing.T) {
		f := newFixture()
		f.test.Never = true
		f.testTimeout = 30 * time.Millisecond
		pc := f.controller(t)

		run, err := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)

		var te *domain.DeployTimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, domain.StageDeployTest, run.FailedStage())
		assert.Equal(t, 4, domain.ExitCode(run))
		assert.Equal(t, domain.PhaseDegraded, run.Environments["test"].Phase)
	})
}

func TestPromotionController_UnitTestPolicy(t *testing.T) {
	failing := &domain.TestReport{Passed: false, Output: "Tests run: 10, Failures: 1"}

	t.Run("success - advisory failures are recorded and ignored", func(t *testing.T) {
		f := newFixture()
		f.build.Report.UnitTests = failing
		pc := f.controller(t)

		run, err := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)

		require.NoError(t, err)
		assert.Equal(t, domain.StateConverged, run.State)
		require.NotEmpty(t, run.Gates)
		assert.Equal(t, "unit-tests", run.Gates[0].Gate)
		assert.Equal(t, domain.OutcomeFail, run.Gates[0].Outcome)
		assert.False(t, run.Gates[0].Required)
	})

	t.Run("error - fatal failures stop the build", func(t *testing.T) {
		f := newFixture()
		f.build.Report.UnitTests = failing
		pc := f.controller(t)
		cfg := pipelineCfg
		cfg.UnitTestPolicy = UnitTestsFatal

		run, err := pc.RunPipeline(context.Background(), source("42"), cfg)

		var be *domain.BuildError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "unit-tests", be.Step)
		assert.Equal(t, domain.StageBuild, run.FailedStage())
		assert.Empty(t, f.registry.Pushed)
	})
}

func TestPromotionController_Cancel(t *testing.T) {
	t.Run("success - cancel during gating never promotes", func(t *testing.T) {
		// arrange
		f := newFixture()
		f.gates = []domain.GateEvaluator{
			&domain.MockGate{GateName: "slow", IsRequired: true, Outcome: domain.OutcomePass, Delay: 5 * time.Second},
		}
		pc := f.controller(t)
		ctx := context.Background()

		// act
		id := pc.Start(ctx, source("42"), pipelineCfg)
		require.Eventually(t, func() bool {
			r, err := pc.GetRunStatus(ctx, id)
			return err == nil && r.State == domain.StateGating
		}, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, pc.Cancel(id))

		// assert
		var run domain.PipelineRun
		require.Eventually(t, func() bool {
			r, err := f.store.GetRun(ctx, id)
			run = r
			return err == nil && r.State.Terminal()
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, domain.StateFailed, run.State)
		assert.True(t, run.Cancelled)
		require.NotNil(t, run.Failure)
		assert.Equal(t, domain.KindCancelled, run.Failure.Kind)
		assert.Equal(t, domain.StageGating, run.FailedStage())
		assert.Empty(t, f.gitops.Commits)
		assert.Equal(t, 0, f.prod.ApplyCount())
	})

	t.Run("error - unknown run", func(t *testing.T) {
		pc := newFixture().controller(t)
		assert.ErrorIs(t, pc.Cancel("nope"), domain.ErrRunNotFound)
	})
}

func TestPromotionController_Resume(t *testing.T) {
	failedPromotion := func(t *testing.T) (*fixture, *PromotionController, domain.PipelineRun, *domain.MockGate) {
		t.Helper()
		f := newFixture()
		gate := passingGate("health")
		f.gates = []domain.GateEvaluator{gate}
		f.gitops.CommitErr = &domain.ConflictError{Resource: "values-prod.yaml"}
		pc := f.controller(t)
		run, err := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)
		require.Error(t, err)
		require.Equal(t, domain.StagePromoting, run.FailedStage())
		f.gitops.CommitErr = nil
		return f, pc, run, gate
	}

	t.Run("success - promotion retried without re-running gates", func(t *testing.T) {
		f, pc, prev, gate := failedPromotion(t)

		run, err := pc.Resume(context.Background(), prev.ID, pipelineCfg)

		require.NoError(t, err)
		assert.NotEqual(t, prev.ID, run.ID)
		assert.Equal(t, prev.ID, run.ResumedFrom)
		assert.Equal(t, domain.StateConverged, run.State)
		assert.Equal(t, "42", f.gitops.Tag())
		assert.Equal(t, 1, gate.Evaluated)
		assert.Equal(t, 1, f.build.Called)
		assert.Len(t, run.Gates, 1)
		assert.Equal(t, domain.PhaseReady, run.Environments["test"].Phase)
	})

	t.Run("success - background resume", func(t *testing.T) {
		f, pc, prev, _ := failedPromotion(t)

		id, err := pc.StartResume(context.Background(), prev.ID, pipelineCfg)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			r, err := f.store.GetRun(context.Background(), id)
			return err == nil && r.State == domain.StateConverged
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("error - resume does not roll back a newer production build", func(t *testing.T) {
		f, pc, prev, _ := failedPromotion(t)
		f.gitops.State = domain.DesiredState{Repository: "registry.example.com/shop/api", Tag: "43"}

		run, err := pc.Resume(context.Background(), prev.ID, pipelineCfg)

		var ce *domain.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, domain.StagePromoting, run.FailedStage())
		assert.Equal(t, "43", f.gitops.Tag())
		assert.Equal(t, 0, f.prod.ApplyCount())
	})

	t.Run("error - converged runs cannot be resumed", func(t *testing.T) {
		f := newFixture()
		pc := f.controller(t)
		run, err := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)
		require.NoError(t, err)

		_, err = pc.Resume(context.Background(), run.ID, pipelineCfg)

		var ve *domain.ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("error - runs failed before promoting cannot be resumed", func(t *testing.T) {
		f := newFixture()
		f.gates = []domain.GateEvaluator{&domain.MockGate{GateName: "health", IsRequired: true, Outcome: domain.OutcomeFail}}
		pc := f.controller(t)
		run, _ := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)

		_, err := pc.StartResume(context.Background(), run.ID, pipelineCfg)

		var ve *domain.ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("error - unknown run", func(t *testing.T) {
		pc := newFixture().controller(t)
		_, err := pc.Resume(context.Background(), "missing", pipelineCfg)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})
}

func TestPromotionController_ListRuns(t *testing.T) {
	f := newFixture()
	pc := f.controller(t)
	first, _ := pc.RunPipeline(context.Background(), source("41"), pipelineCfg)
	second, _ := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)

	runs, err := pc.ListRuns(context.Background(), 10)

	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)

	runs, err = pc.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestPromotionController_Shutdown(t *testing.T) {
	t.Run("success - active runs are cancelled and recorded", func(t *testing.T) {
		// arrange
		f := newFixture()
		f.gates = []domain.GateEvaluator{
			&domain.MockGate{GateName: "slow", IsRequired: true, Outcome: domain.OutcomePass, Delay: 5 * time.Second},
		}
		pc := f.controller(t)
		ctx := context.Background()
		id := pc.Start(ctx, source("42"), pipelineCfg)
		require.Eventually(t, func() bool {
			r, err := pc.GetRunStatus(ctx, id)
			return err == nil && r.State == domain.StateGating
		}, 2*time.Second, 5*time.Millisecond)

		// act
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := pc.Shutdown(sctx)

		// assert
		require.NoError(t, err)
		run, err := f.store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateFailed, run.State)
		require.NotNil(t, run.Failure)
		assert.Equal(t, domain.KindCancelled, run.Failure.Kind)
		assert.Equal(t, domain.StageGating, run.FailedStage())
		assert.Empty(t, f.gitops.Commits)
	})

	t.Run("success - runs started after shutdown fail as cancelled", func(t *testing.T) {
		f := newFixture()
		pc := f.controller(t)
		require.NoError(t, pc.Shutdown(context.Background()))

		run, err := pc.RunPipeline(context.Background(), source("42"), pipelineCfg)

		require.Error(t, err)
		assert.Equal(t, domain.StateFailed, run.State)
		require.NotNil(t, run.Failure)
		assert.Equal(t, domain.KindCancelled, run.Failure.Kind)
		assert.Equal(t, 0, f.build.Called)
	})

	t.Run("error - deadline while a run is still finishing", func(t *testing.T) {
		f := newFixture()
		gate := stuckGate{release: make(chan struct{})}
		f.gates = []domain.GateEvaluator{gate}
		pc := f.controller(t)
		ctx := context.Background()
		id := pc.Start(ctx, source("42"), pipelineCfg)
		require.Eventually(t, func() bool {
			r, err := pc.GetRunStatus(ctx, id)
			return err == nil && r.State == domain.StateGating
		}, 2*time.Second, 5*time.Millisecond)

		sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err := pc.Shutdown(sctx)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		close(gate.release)
		run := waitTerminal(t, f.store, id)
		assert.Equal(t, domain.StateFailed, run.State)
	})
}
