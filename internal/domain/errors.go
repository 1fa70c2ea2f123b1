package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRejected    = errors.New("backend rejected the request")
	ErrConflict    = errors.New("concurrent modification")
	ErrRunNotFound = errors.New("pipeline run not found")
	ErrCancelled   = errors.New("pipeline run cancelled")
)

type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Retryable() bool { return false }

type BuildError struct {
	Step   string
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build step %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("build step %s failed", e.Step)
}

func (e *BuildError) Unwrap() error   { return e.Err }
func (e *BuildError) Retryable() bool { return false }

// GateFailure carries every required gate that did not pass.
type GateFailure struct {
	Results []GateResult
}

func (e *GateFailure) Error() string {
	if len(e.Results) == 1 {
		r := e.Results[0]
		return fmt.Sprintf("gate %s: %s", r.Gate, r.Outcome)
	}
	msg := fmt.Sprintf("%d gates did not pass:", len(e.Results))
	for _, r := range e.Results {
		msg += fmt.Sprintf(" %s=%s", r.Gate, r.Outcome)
	}
	return msg
}

func (e *GateFailure) Retryable() bool { return false }

type DeployTimeoutError struct {
	Environment string
	Image       string
	Waited      time.Duration
	Last        DeploymentStatus
}

func (e *DeployTimeoutError) Error() string {
	return fmt.Sprintf("deployment of %s to %s did not converge within %s (%d/%d ready)",
		e.Image, e.Environment, e.Waited, e.Last.ReadyReplicas, e.Last.Replicas)
}

func (e *DeployTimeoutError) Retryable() bool { return true }

type DeployRejectedError struct {
	Environment string
	Image       string
	Err         error
}

func (e *DeployRejectedError) Error() string {
	return fmt.Sprintf("deployment of %s to %s rejected: %v", e.Image, e.Environment, e.Err)
}

func (e *DeployRejectedError) Unwrap() error   { return e.Err }
func (e *DeployRejectedError) Retryable() bool { return false }

type ConflictError struct {
	Resource string
	Expected string
	Actual   string
	Err      error
}

func (e *ConflictError) Error() string {
	switch {
	case e.Expected != "" || e.Actual != "":
		return fmt.Sprintf("conflict on %s: expected %q, found %q", e.Resource, e.Expected, e.Actual)
	case e.Err != nil:
		return fmt.Sprintf("conflict on %s: %v", e.Resource, e.Err)
	default:
		return fmt.Sprintf("conflict on %s", e.Resource)
	}
}

func (e *ConflictError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConflict, e.Err}
	}
	return []error{ErrConflict}
}

func (e *ConflictError) Retryable() bool { return true }

type FailureKind string

const (
	KindValidation    FailureKind = "validation"
	KindBuild         FailureKind = "build"
	KindGate          FailureKind = "gate"
	KindDeployTimeout FailureKind = "deploy_timeout"
	KindDeployReject  FailureKind = "deploy_rejected"
	KindConflict      FailureKind = "conflict"
	KindCancelled     FailureKind = "cancelled"
	KindInternal      FailureKind = "internal"
)

// Classify maps an error to its taxonomy kind and whether retrying the run
// is safe.
func Classify(err error) (FailureKind, bool) {
	var (
		ve *ValidationError
		be *BuildError
		gf *GateFailure
		dt *DeployTimeoutError
		dr *DeployRejectedError
		ce *ConflictError
	)
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled, true
	case errors.As(err, &ve):
		return KindValidation, false
	case errors.As(err, &be):
		return KindBuild, false
	case errors.As(err, &gf):
		return KindGate, false
	case errors.As(err, &dt):
		return KindDeployTimeout, true
	case errors.As(err, &dr):
		return KindDeployReject, false
	case errors.As(err, &ce):
		return KindConflict, true
	default:
		return KindInternal, false
	}
}
