package domain

import "time"

type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseConverging Phase = "converging"
	PhaseReady      Phase = "ready"
	PhaseDegraded   Phase = "degraded"
	PhaseRejected   Phase = "rejected"
)

// Terminal reports whether no further status arrives for the current
// desired image.
func (p Phase) Terminal() bool {
	return p == PhaseReady || p == PhaseDegraded || p == PhaseRejected
}

type ReadinessPolicy struct {
	Timeout      time.Duration `json:"timeout"`
	PollInterval time.Duration `json:"poll_interval"`
	MinHealthy   float64       `json:"min_healthy"`
}

// DeploymentStatus is the observable state of one environment. Generation
// increases with every new desired image.
type DeploymentStatus struct {
	Environment   string    `json:"environment"`
	DesiredImage  string    `json:"desired_image"`
	ObservedImage string    `json:"observed_image,omitempty"`
	Phase         Phase     `json:"phase"`
	Replicas      int32     `json:"replicas"`
	ReadyReplicas int32     `json:"ready_replicas"`
	Reason        string    `json:"reason,omitempty"`
	Generation    int64     `json:"generation"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type DeploymentTarget struct {
	Environment string `json:"environment"`
	Namespace   string `json:"namespace"`
	// Workload is the Deployment name for Kubernetes, the application name
	// for GitOps-managed environments.
	Workload     string            `json:"workload"`
	Container    string            `json:"container,omitempty"`
	URL          string            `json:"url,omitempty"`
	DesiredImage ArtifactReference `json:"-"`
	Readiness    ReadinessPolicy   `json:"readiness"`
	Status       DeploymentStatus  `json:"status"`
}

// ObservedState is what a ClusterBackend reports for a target.
type ObservedState struct {
	Image           string
	Replicas        int32
	ReadyReplicas   int32
	UpdatedReplicas int32
	// Converged is the backend's own rollout-complete signal.
	Converged bool
	Reason    string
}

type GateOutcome string

const (
	OutcomePass    GateOutcome = "pass"
	OutcomeFail    GateOutcome = "fail"
	OutcomeTimeout GateOutcome = "timeout"
)

type GateResult struct {
	Gate        string         `json:"gate"`
	Outcome     GateOutcome    `json:"outcome"`
	Required    bool           `json:"required"`
	Attempts    int            `json:"attempts,omitempty"`
	Diagnostic  map[string]any `json:"diagnostic,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
}

func (r GateResult) Passed() bool { return r.Outcome == OutcomePass }

type TestReport struct {
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
}

type BuildReport struct {
	Artifact  ArtifactReference
	UnitTests *TestReport
}

// DesiredState is the production image declaration as recorded in the
// GitOps repository.
type DesiredState struct {
	Path       string
	Repository string
	Tag        string
	Revision   string
}

type DesiredStatePatch struct {
	Repository string
	Tag        string
	// ExpectedTag is compared with the recorded tag before writing.
	ExpectedTag string
	Message     string
}

type CommitRef struct {
	SHA    string `json:"sha"`
	Branch string `json:"branch"`
}

type AppStatus struct {
	Name     string
	Health   string
	Sync     string
	Revision string
	Images   []string
	Message  string
}

func (s AppStatus) Healthy() bool {
	return s.Health == "Healthy" && s.Sync == "Synced"
}

// Snapshot is the compact run summary written to the status cache.
type Snapshot struct {
	RunID     string
	State     RunState
	Stage     Stage
	Image     string
	Retrieved int64
}
