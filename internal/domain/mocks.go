package domain

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MockBuild struct {
	mu     sync.Mutex
	Report BuildReport
	Err    error
	Called int
}

func (m *MockBuild) Build(ctx context.Context, src SourceRef, imageRepository string) (BuildReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called++
	if m.Err != nil {
		return BuildReport{}, m.Err
	}
	if m.Report.Artifact.IsZero() {
		a, err := NewArtifactReference(src.BuildNumber, imageRepository, src.BuildNumber)
		if err != nil {
			return BuildReport{}, err
		}
		return BuildReport{Artifact: a, UnitTests: m.Report.UnitTests}, nil
	}
	return m.Report, nil
}

type MockRegistry struct {
	mu     sync.Mutex
	OK     bool
	Err    error
	Pushed []string
}

func (m *MockRegistry) Push(ctx context.Context, image, tag string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pushed = append(m.Pushed, image+":"+tag)
	return m.OK, m.Err
}

// MockQuality blocks until ctx ends when Hang is set.
type MockQuality struct {
	Outcome GateOutcome
	Details map[string]any
	Err     error
	Hang    bool
	Delay   time.Duration
}

func (m *MockQuality) SubmitAnalysis(ctx context.Context, artifact ArtifactReference) (GateOutcome, map[string]any, error) {
	if m.Hang {
		<-ctx.Done()
		return "", nil, ctx.Err()
	}
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	return m.Outcome, m.Details, m.Err
}

// MockCluster reports the last applied image as converged after
// ReadyAfter status calls.
type MockCluster struct {
	mu         sync.Mutex
	ApplyErr   error
	StatusErr  error
	ReadyAfter int
	Replicas   int32
	Never      bool
	Applied    []string
	calls      int
	image      string
}

func (m *MockCluster) ApplyDeployment(ctx context.Context, target DeploymentTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ApplyErr != nil {
		return m.ApplyErr
	}
	m.Applied = append(m.Applied, target.DesiredImage.Image())
	m.image = target.DesiredImage.Image()
	m.calls = 0
	return nil
}

func (m *MockCluster) GetStatus(ctx context.Context, target DeploymentTarget) (ObservedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StatusErr != nil {
		return ObservedState{}, m.StatusErr
	}
	m.calls++
	replicas := m.Replicas
	if replicas == 0 {
		replicas = 1
	}
	if m.Never || m.calls <= m.ReadyAfter {
		return ObservedState{Image: m.image, Replicas: replicas, Reason: "rolling out"}, nil
	}
	return ObservedState{
		Image:           m.image,
		Replicas:        replicas,
		ReadyReplicas:   replicas,
		UpdatedReplicas: replicas,
		Converged:       true,
	}, nil
}

func (m *MockCluster) ApplyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Applied)
}

type MockGitOps struct {
	mu        sync.Mutex
	State     DesiredState
	CommitErr error
	ReadErr   error
	Commits   []DesiredStatePatch
}

func (m *MockGitOps) CurrentDesiredState(ctx context.Context, path string) (DesiredState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return DesiredState{}, m.ReadErr
	}
	s := m.State
	s.Path = path
	return s, nil
}

func (m *MockGitOps) CommitDesiredState(ctx context.Context, path string, patch DesiredStatePatch) (CommitRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return CommitRef{}, m.CommitErr
	}
	if patch.ExpectedTag != m.State.Tag {
		return CommitRef{}, &ConflictError{Resource: path, Expected: patch.ExpectedTag, Actual: m.State.Tag}
	}
	m.Commits = append(m.Commits, patch)
	m.State.Repository = patch.Repository
	m.State.Tag = patch.Tag
	return CommitRef{SHA: "c0ffee" + patch.Tag, Branch: "main"}, nil
}

func (m *MockGitOps) Tag() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.State.Tag
}

// MockProber returns Codes in order and repeats the last one.
type MockProber struct {
	mu    sync.Mutex
	Codes []int
	Err   error
	Calls int
}

func (m *MockProber) Probe(ctx context.Context, url string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return 0, m.Err
	}
	if len(m.Codes) == 0 {
		return 200, nil
	}
	i := m.Calls - 1
	if i >= len(m.Codes) {
		i = len(m.Codes) - 1
	}
	return m.Codes[i], nil
}

type MockRunner struct {
	mu      sync.Mutex
	Results map[string]CommandResult
	Err     error
	Calls   [][]string
}

func (m *MockRunner) Run(ctx context.Context, dir string, argv []string, env []string) (CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, argv)
	if m.Err != nil {
		return CommandResult{}, m.Err
	}
	if len(argv) > 0 {
		if r, ok := m.Results[argv[0]]; ok {
			return r, nil
		}
	}
	return CommandResult{}, nil
}

type MockGate struct {
	GateName   string
	IsRequired bool
	Outcome    GateOutcome
	Delay      time.Duration
	Evaluated  int
	mu         sync.Mutex
}

func (g *MockGate) Name() string   { return g.GateName }
func (g *MockGate) Required() bool { return g.IsRequired }

func (g *MockGate) Evaluate(ctx context.Context, target DeploymentTarget) GateResult {
	g.mu.Lock()
	g.Evaluated++
	g.mu.Unlock()
	start := time.Now()
	outcome := g.Outcome
	if g.Delay > 0 {
		select {
		case <-time.After(g.Delay):
		case <-ctx.Done():
			outcome = OutcomeTimeout
		}
	}
	return GateResult{
		Gate:        g.GateName,
		Outcome:     outcome,
		Required:    g.IsRequired,
		StartedAt:   start,
		Duration:    time.Since(start),
		EvaluatedAt: time.Now(),
	}
}

type MockRunStore struct {
	mu   sync.Mutex
	Runs map[string]PipelineRun
	Err  error
}

func NewMockRunStore() *MockRunStore {
	return &MockRunStore{Runs: make(map[string]PipelineRun)}
}

func (s *MockRunStore) SaveRun(ctx context.Context, run PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Runs[run.ID] = run.Clone()
	return nil
}

func (s *MockRunStore) GetRun(ctx context.Context, id string) (PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Runs[id]
	if !ok {
		return PipelineRun{}, ErrRunNotFound
	}
	return r.Clone(), nil
}

func (s *MockRunStore) ListRuns(ctx context.Context, limit int) ([]PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PipelineRun, 0, len(s.Runs))
	for _, r := range s.Runs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MockRunStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.Runs {
		if r.CreatedAt.Before(before) {
			delete(s.Runs, id)
			n++
		}
	}
	return n, nil
}

type MockArchiver struct {
	mu       sync.Mutex
	Archived []string
	Err      error
}

func (a *MockArchiver) Archive(ctx context.Context, run PipelineRun) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Archived = append(a.Archived, run.ID)
	return a.Err
}

type MockNotifier struct {
	mu       sync.Mutex
	Messages []string
	Err      error
}

func (n *MockNotifier) Notify(ctx context.Context, title, body, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Messages = append(n.Messages, title+"|"+body+"|"+url)
	return n.Err
}

type MockCache struct {
	mu        sync.Mutex
	Snapshots []Snapshot
	Err       error
}

func (c *MockCache) Write(ctx context.Context, s Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Snapshots = append(c.Snapshots, s)
	return nil
}

type MockArtifactSource struct {
	Source SourceRef
	Err    error
	Called int
}

func (m *MockArtifactSource) LatestSource(ctx context.Context, ref ProjectRef) (SourceRef, error) {
	m.Called++
	if m.Err != nil {
		return SourceRef{}, m.Err
	}
	return m.Source, nil
}
