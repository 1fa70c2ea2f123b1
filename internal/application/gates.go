package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-promoter/internal/domain"
)

const outputTail = 4096

func newResult(name string, required bool, start time.Time) domain.GateResult {
	return domain.GateResult{
		Gate:       name,
		Required:   required,
		StartedAt:  start,
		Diagnostic: map[string]any{},
	}
}

func closeResult(r domain.GateResult, outcome domain.GateOutcome) domain.GateResult {
	now := time.Now().UTC()
	r.Outcome = outcome
	r.EvaluatedAt = now
	r.Duration = now.Sub(r.StartedAt)
	return r
}

// deadlineHit reports whether inner ended because of its own deadline and
// not because outer was cancelled.
func deadlineHit(outer, inner context.Context) bool {
	return outer.Err() == nil && errors.Is(inner.Err(), context.DeadlineExceeded)
}

type HealthCheckConfig struct {
	Name        string
	URL         string
	Attempts    int
	Interval    time.Duration
	Exponential bool
	Timeout     time.Duration
	Required    bool
}

// HealthCheckGate polls a liveness endpoint until it answers 200 or the
// retry budget is spent.
type HealthCheckGate struct {
	cfg    HealthCheckConfig
	prober domain.Prober
}

func NewHealthCheckGate(cfg HealthCheckConfig, p domain.Prober) *HealthCheckGate {
	if cfg.Name == "" {
		cfg.Name = "health"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 30
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(cfg.Attempts+1) * cfg.Interval
		if cfg.Exponential {
			cfg.Timeout *= 4
		}
	}
	return &HealthCheckGate{cfg: cfg, prober: p}
}

func (g *HealthCheckGate) Name() string   { return g.cfg.Name }
func (g *HealthCheckGate) Required() bool { return g.cfg.Required }

func (g *HealthCheckGate) Evaluate(ctx context.Context, target domain.DeploymentTarget) domain.GateResult {
	res := newResult(g.cfg.Name, g.cfg.Required, time.Now().UTC())

	url := g.cfg.URL
	if url == "" {
		url = target.URL
	}
	res.Diagnostic["url"] = url
	if url == "" {
		res.Diagnostic["error"] = "no health url configured"
		return closeResult(res, domain.OutcomeFail)
	}

	gctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var b backoff.BackOff
	if g.cfg.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = g.cfg.Interval
		eb.MaxInterval = 8 * g.cfg.Interval
		eb.MaxElapsedTime = 0
		b = eb
	} else {
		b = backoff.NewConstantBackOff(g.cfg.Interval)
	}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.cfg.Attempts-1)), gctx)

	var attempts []string
	op := func() error {
		code, err := g.prober.Probe(gctx, url)
		res.Attempts++
		if err != nil {
			attempts = append(attempts, "error: "+err.Error())
			return err
		}
		attempts = append(attempts, strconv.Itoa(code))
		if code != 200 {
			return fmt.Errorf("status %d", code)
		}
		return nil
	}

	err := backoff.Retry(op, b)
	res.Diagnostic["responses"] = attempts
	res.Diagnostic["budget"] = g.cfg.Attempts
	switch {
	case err == nil:
		return closeResult(res, domain.OutcomePass)
	case deadlineHit(ctx, gctx):
		res.Diagnostic["error"] = "health check timed out after " + g.cfg.Timeout.String()
		return closeResult(res, domain.OutcomeTimeout)
	case ctx.Err() != nil:
		res.Diagnostic["error"] = "cancelled"
		return closeResult(res, domain.OutcomeFail)
	default:
		res.Diagnostic["error"] = err.Error()
		return closeResult(res, domain.OutcomeFail)
	}
}

type QualityGateConfig struct {
	Name     string
	Timeout  time.Duration
	Required bool
}

// QualityGate waits for the static-analysis verdict. Only an explicit pass
// received before the deadline counts as a pass.
type QualityGate struct {
	cfg     QualityGateConfig
	backend domain.QualityBackend
}

func NewQualityGate(cfg QualityGateConfig, b domain.QualityBackend) *QualityGate {
	if cfg.Name == "" {
		cfg.Name = "quality"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &QualityGate{cfg: cfg, backend: b}
}

func (g *QualityGate) Name() string   { return g.cfg.Name }
func (g *QualityGate) Required() bool { return g.cfg.Required }

type analysis struct {
	outcome domain.GateOutcome
	details map[string]any
	err     error
}

func (g *QualityGate) Evaluate(ctx context.Context, target domain.DeploymentTarget) domain.GateResult {
	res := newResult(g.cfg.Name, g.cfg.Required, time.Now().UTC())
	res.Attempts = 1
	res.Diagnostic["image"] = target.DesiredImage.Image()

	qctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	done := make(chan analysis, 1)
	go func() {
		o, d, err := g.backend.SubmitAnalysis(qctx, target.DesiredImage)
		done <- analysis{outcome: o, details: d, err: err}
	}()

	select {
	case a := <-done:
		for k, v := range a.details {
			res.Diagnostic[k] = v
		}
		switch {
		case deadlineHit(ctx, qctx):
			res.Diagnostic["error"] = "quality gate timed out after " + g.cfg.Timeout.String()
			return closeResult(res, domain.OutcomeTimeout)
		case a.err != nil:
			res.Diagnostic["error"] = a.err.Error()
			return closeResult(res, domain.OutcomeFail)
		case a.outcome == domain.OutcomePass:
			return closeResult(res, domain.OutcomePass)
		default:
			res.Diagnostic["verdict"] = string(a.outcome)
			return closeResult(res, domain.OutcomeFail)
		}
	case <-qctx.Done():
		if deadlineHit(ctx, qctx) {
			res.Diagnostic["error"] = "quality gate timed out after " + g.cfg.Timeout.String()
			return closeResult(res, domain.OutcomeTimeout)
		}
		res.Diagnostic["error"] = "cancelled"
		return closeResult(res, domain.OutcomeFail)
	}
}

type AcceptanceTestConfig struct {
	Name     string
	Command  []string
	Dir      string
	Env      []string
	Timeout  time.Duration
	Required bool
}

// AcceptanceTestGate runs a test command against the deployed target.
// Placeholders {{url}}, {{image}}, {{tag}}, {{namespace}} and {{env}} are
// substituted in every argument.
type AcceptanceTestGate struct {
	cfg    AcceptanceTestConfig
	runner domain.CommandRunner
}

func NewAcceptanceTestGate(cfg AcceptanceTestConfig, r domain.CommandRunner) *AcceptanceTestGate {
	if cfg.Name == "" {
		cfg.Name = "acceptance"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	return &AcceptanceTestGate{cfg: cfg, runner: r}
}

func (g *AcceptanceTestGate) Name() string   { return g.cfg.Name }
func (g *AcceptanceTestGate) Required() bool { return g.cfg.Required }

func (g *AcceptanceTestGate) Evaluate(ctx context.Context, target domain.DeploymentTarget) domain.GateResult {
	res := newResult(g.cfg.Name, g.cfg.Required, time.Now().UTC())
	res.Attempts = 1
	if len(g.cfg.Command) == 0 {
		res.Diagnostic["error"] = "no command configured"
		return closeResult(res, domain.OutcomeFail)
	}

	rep := strings.NewReplacer(
		"{{url}}", target.URL,
		"{{image}}", target.DesiredImage.Image(),
		"{{tag}}", target.DesiredImage.Tag(),
		"{{namespace}}", target.Namespace,
		"{{env}}", target.Environment,
	)
	argv := make([]string, len(g.cfg.Command))
	for i, a := range g.cfg.Command {
		argv[i] = rep.Replace(a)
	}
	res.Diagnostic["command"] = strings.Join(argv, " ")

	tctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	out, err := g.runner.Run(tctx, g.cfg.Dir, argv, g.cfg.Env)
	res.Diagnostic["exit_code"] = out.ExitCode
	res.Diagnostic["output"] = tail(out.Output, outputTail)
	switch {
	case deadlineHit(ctx, tctx):
		res.Diagnostic["error"] = "acceptance tests timed out after " + g.cfg.Timeout.String()
		return closeResult(res, domain.OutcomeTimeout)
	case err != nil:
		res.Diagnostic["error"] = err.Error()
		return closeResult(res, domain.OutcomeFail)
	case out.ExitCode != 0:
		return closeResult(res, domain.OutcomeFail)
	default:
		return closeResult(res, domain.OutcomePass)
	}
}

// unitTestResult records the build's unit test run as a gate result.
func unitTestResult(r *domain.TestReport, required bool) domain.GateResult {
	res := newResult("unit-tests", required, time.Now().UTC())
	res.Attempts = 1
	res.Diagnostic["output"] = tail(r.Output, outputTail)
	if r.Passed {
		return closeResult(res, domain.OutcomePass)
	}
	return closeResult(res, domain.OutcomeFail)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
