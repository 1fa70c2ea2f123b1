package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-promoter/internal/domain"
	"go.uber.org/zap"
)

var errNotReady = errors.New("not ready")

type envState struct {
	// deploy serializes Deploy calls; mu guards target.
	deploy  sync.Mutex
	mu      sync.RWMutex
	target  domain.DeploymentTarget
	backend domain.ClusterBackend
}

func (s *envState) snapshot() domain.DeploymentTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

func (s *envState) begin(a domain.ArtifactReference, now time.Time) (domain.DeploymentTarget, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target.DesiredImage = a
	s.target.Status = domain.DeploymentStatus{
		Environment:  s.target.Environment,
		DesiredImage: a.Image(),
		Phase:        domain.PhaseConverging,
		Generation:   s.target.Status.Generation + 1,
		UpdatedAt:    now,
	}
	return s.target, s.target.Status.Generation
}

// observe records progress for generation gen. Updates for an older
// generation or after a terminal phase are dropped.
func (s *envState) observe(gen int64, obs domain.ObservedState, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.target.Status
	if st.Generation != gen || st.Phase.Terminal() {
		return
	}
	st.ObservedImage = obs.Image
	st.Replicas = obs.Replicas
	st.ReadyReplicas = obs.ReadyReplicas
	st.Reason = obs.Reason
	st.UpdatedAt = now
}

func (s *envState) finish(gen int64, phase domain.Phase, reason string, now time.Time) domain.DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.target.Status
	if st.Generation == gen && !st.Phase.Terminal() {
		st.Phase = phase
		if reason != "" {
			st.Reason = reason
		}
		st.UpdatedAt = now
	}
	return *st
}

// DeploymentDriver rolls artifacts into environments and tracks their
// observed status. Every environment has its own state and backend.
type DeploymentDriver struct {
	log  *zap.Logger
	now  func() time.Time
	envs map[string]*envState
}

func NewDeploymentDriver(log *zap.Logger, targets []domain.DeploymentTarget, backends map[string]domain.ClusterBackend) (*DeploymentDriver, error) {
	d := &DeploymentDriver{
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
		envs: make(map[string]*envState, len(targets)),
	}
	for _, t := range targets {
		if t.Environment == "" {
			return nil, &domain.ValidationError{Field: "environment", Reason: "must not be empty"}
		}
		if _, dup := d.envs[t.Environment]; dup {
			return nil, &domain.ValidationError{Field: "environment", Value: t.Environment, Reason: "declared twice"}
		}
		b, ok := backends[t.Environment]
		if !ok || b == nil {
			return nil, &domain.ValidationError{Field: "environment", Value: t.Environment, Reason: "no backend configured"}
		}
		t.Readiness = withReadinessDefaults(t.Readiness)
		t.Status = domain.DeploymentStatus{Environment: t.Environment, Phase: domain.PhasePending}
		d.envs[t.Environment] = &envState{target: t, backend: b}
	}
	return d, nil
}

func withReadinessDefaults(p domain.ReadinessPolicy) domain.ReadinessPolicy {
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Minute
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 5 * time.Second
	}
	if p.MinHealthy <= 0 || p.MinHealthy > 1 {
		p.MinHealthy = 1
	}
	return p
}

func (d *DeploymentDriver) env(name string) (*envState, error) {
	s, ok := d.envs[name]
	if !ok {
		return nil, &domain.ValidationError{Field: "environment", Value: name, Reason: "unknown"}
	}
	return s, nil
}

func (d *DeploymentDriver) Target(env string) (domain.DeploymentTarget, error) {
	s, err := d.env(env)
	if err != nil {
		return domain.DeploymentTarget{}, err
	}
	return s.snapshot(), nil
}

func (d *DeploymentDriver) CurrentStatus(env string) (domain.DeploymentStatus, error) {
	s, err := d.env(env)
	if err != nil {
		return domain.DeploymentStatus{}, err
	}
	return s.snapshot().Status, nil
}

// Deploy makes artifact the desired image of env and waits until the
// backend reports it ready. Deploying the image an env already runs is a
// no-op.
func (d *DeploymentDriver) Deploy(ctx context.Context, env string, artifact domain.ArtifactReference) (domain.DeploymentStatus, error) {
	if artifact.IsZero() {
		return domain.DeploymentStatus{}, &domain.ValidationError{Field: "artifact", Reason: "must not be empty"}
	}
	s, err := d.env(env)
	if err != nil {
		return domain.DeploymentStatus{}, err
	}

	s.deploy.Lock()
	defer s.deploy.Unlock()

	cur := s.snapshot().Status
	if cur.Phase == domain.PhaseReady && cur.DesiredImage == artifact.Image() {
		d.log.Debug("deploy: already converged", zap.String("env", env), zap.String("image", artifact.Image()))
		return cur, nil
	}

	target, gen := s.begin(artifact, d.now())
	d.log.Info("deploy: applying",
		zap.String("env", env),
		zap.String("image", artifact.Image()),
		zap.Int64("generation", gen),
	)

	if err := s.backend.ApplyDeployment(ctx, target); err != nil {
		if errors.Is(err, domain.ErrRejected) {
			st := s.finish(gen, domain.PhaseRejected, err.Error(), d.now())
			return st, &domain.DeployRejectedError{Environment: env, Image: artifact.Image(), Err: err}
		}
		st := s.finish(gen, domain.PhaseDegraded, err.Error(), d.now())
		return st, fmt.Errorf("apply %s: %w", env, err)
	}

	return d.await(ctx, s, target, gen)
}

func (d *DeploymentDriver) await(ctx context.Context, s *envState, target domain.DeploymentTarget, gen int64) (domain.DeploymentStatus, error) {
	policy := target.Readiness
	wctx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	op := func() error {
		obs, err := s.backend.GetStatus(wctx, target)
		if err != nil {
			if errors.Is(err, domain.ErrRejected) {
				return backoff.Permanent(err)
			}
			d.log.Debug("deploy: status poll failed", zap.String("env", target.Environment), zap.Error(err))
			return err
		}
		s.observe(gen, obs, d.now())
		if isReady(target, obs) {
			return nil
		}
		return errNotReady
	}

	if w, ok := s.backend.(domain.ConvergenceWaiter); ok {
		obs, err := w.AwaitConverged(wctx, target, policy.Timeout)
		if obs != (domain.ObservedState{}) {
			s.observe(gen, obs, d.now())
		}
		switch {
		case err == nil && isReady(target, obs):
			return d.settle(ctx, s, target, gen, nil)
		case errors.Is(err, domain.ErrRejected):
			return d.settle(ctx, s, target, gen, err)
		}
		d.log.Debug("deploy: backend wait ended before readiness",
			zap.String("env", target.Environment), zap.String("observed", obs.Image), zap.Error(err))
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(policy.PollInterval), wctx)
	return d.settle(ctx, s, target, gen, backoff.Retry(op, bo))
}

// settle records the terminal phase of generation gen for the outcome err
// of its readiness wait.
func (d *DeploymentDriver) settle(ctx context.Context, s *envState, target domain.DeploymentTarget, gen int64, err error) (domain.DeploymentStatus, error) {
	policy := target.Readiness
	switch {
	case err == nil:
		st := s.finish(gen, domain.PhaseReady, "", d.now())
		d.log.Info("deploy: ready", zap.String("env", target.Environment), zap.String("image", st.DesiredImage))
		return st, nil
	case errors.Is(err, domain.ErrRejected):
		st := s.finish(gen, domain.PhaseRejected, err.Error(), d.now())
		return st, &domain.DeployRejectedError{Environment: target.Environment, Image: target.DesiredImage.Image(), Err: err}
	case ctx.Err() != nil:
		st := s.finish(gen, domain.PhaseDegraded, "cancelled", d.now())
		return st, ctx.Err()
	default:
		st := s.finish(gen, domain.PhaseDegraded, "readiness timeout", d.now())
		return st, &domain.DeployTimeoutError{
			Environment: target.Environment,
			Image:       target.DesiredImage.Image(),
			Waited:      policy.Timeout,
			Last:        st,
		}
	}
}

func isReady(t domain.DeploymentTarget, obs domain.ObservedState) bool {
	if !obs.Converged || obs.Image != t.DesiredImage.Image() {
		return false
	}
	if obs.Replicas == 0 {
		return true
	}
	return float64(obs.ReadyReplicas)/float64(obs.Replicas) >= t.Readiness.MinHealthy
}
