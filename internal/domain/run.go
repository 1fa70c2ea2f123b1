package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

type RunState string

const (
	StatePending      RunState = "pending"
	StateBuilding     RunState = "building"
	StateDeployedTest RunState = "deployed_test"
	StateGating       RunState = "gating"
	StatePromoting    RunState = "promoting"
	StateConverged    RunState = "converged"
	StateFailed       RunState = "failed"
)

var transitions = map[RunState][]RunState{
	StatePending:      {StateBuilding, StatePromoting, StateFailed},
	StateBuilding:     {StateDeployedTest, StateFailed},
	StateDeployedTest: {StateGating, StateFailed},
	StateGating:       {StatePromoting, StateFailed},
	StatePromoting:    {StateConverged, StateFailed},
}

func (s RunState) Terminal() bool {
	return s == StateConverged || s == StateFailed
}

func (s RunState) CanTransition(to RunState) bool {
	return slices.Contains(transitions[s], to)
}

// Stage names the part of the flow a failure happened in.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageBuild      Stage = "build"
	StageDeployTest Stage = "deploy_test"
	StageGating     Stage = "gating"
	StagePromoting  Stage = "promoting"
)

type Failure struct {
	Stage     Stage       `json:"stage"`
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type Transition struct {
	From RunState  `json:"from"`
	To   RunState  `json:"to"`
	At   time.Time `json:"at"`
}

// PipelineRun is the state of one invocation. It is passed by value between
// stages; the controller owns the only mutable copy.
type PipelineRun struct {
	ID           string                      `json:"id"`
	Source       SourceRef                   `json:"source"`
	Artifact     ArtifactReference           `json:"artifact"`
	State        RunState                    `json:"state"`
	Failure      *Failure                    `json:"failure,omitempty"`
	Gates        []GateResult                `json:"gates,omitempty"`
	Environments map[string]DeploymentStatus `json:"environments,omitempty"`
	Commit       *CommitRef                  `json:"commit,omitempty"`
	// PendingConvergence is set when the production desired state was
	// committed but convergence was not confirmed.
	PendingConvergence bool         `json:"pending_convergence,omitempty"`
	ResumedFrom        string       `json:"resumed_from,omitempty"`
	Cancelled          bool         `json:"cancelled,omitempty"`
	History            []Transition `json:"history,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	EndedAt            *time.Time   `json:"ended_at,omitempty"`
}

func NewPipelineRun(id string, source SourceRef, now time.Time) PipelineRun {
	return PipelineRun{
		ID:           id,
		Source:       source,
		State:        StatePending,
		Environments: make(map[string]DeploymentStatus),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (r *PipelineRun) Advance(to RunState, at time.Time) error {
	if !r.State.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s", r.State, to)
	}
	r.History = append(r.History, Transition{From: r.State, To: to, At: at})
	r.State = to
	r.UpdatedAt = at
	if to.Terminal() {
		ended := at
		r.EndedAt = &ended
	}
	return nil
}

// Fail moves a non-terminal run to failed and attaches the classified error.
func (r *PipelineRun) Fail(stage Stage, err error, at time.Time) {
	if r.State.Terminal() {
		return
	}
	kind, retryable := Classify(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.Failure = &Failure{Stage: stage, Kind: kind, Message: msg, Retryable: retryable}
	_ = r.Advance(StateFailed, at)
}

func (r PipelineRun) FailedStage() Stage {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Stage
}

// RequiredGatesPassed reports whether every required gate result is a pass.
func (r PipelineRun) RequiredGatesPassed() bool {
	for _, g := range r.Gates {
		if g.Required && !g.Passed() {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no mutable memory with r.
func (r PipelineRun) Clone() PipelineRun {
	out := r
	out.Gates = slices.Clone(r.Gates)
	for i := range out.Gates {
		out.Gates[i].Diagnostic = maps.Clone(r.Gates[i].Diagnostic)
	}
	out.Environments = maps.Clone(r.Environments)
	out.History = slices.Clone(r.History)
	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}
	if r.Commit != nil {
		c := *r.Commit
		out.Commit = &c
	}
	if r.EndedAt != nil {
		e := *r.EndedAt
		out.EndedAt = &e
	}
	return out
}

// ExitCode maps a terminal run to the process exit status.
func ExitCode(r PipelineRun) int {
	switch r.State {
	case StateConverged:
		return 0
	case StateFailed:
		switch r.FailedStage() {
		case StageValidate:
			return 2
		case StageBuild:
			return 3
		case StageDeployTest:
			return 4
		case StageGating:
			return 5
		case StagePromoting:
			return 6
		}
	}
	return 1
}
