package core

import "time"

// PlanKind discriminates the plan variants. Values match the wire
// executionMode field of the transparency envelope.
type PlanKind string

const (
	PlanSingle         PlanKind = "single"
	PlanEnsemble       PlanKind = "ensemble"
	PlanValidationLoop PlanKind = "validation_loop"
)

// Stage names one step of a validation loop.
type Stage string

const (
	StageGenerate Stage = "generate"
	StageReview   Stage = "review"
	StageTest     Stage = "test"
	StageOptimize Stage = "optimize"
)

// SinglePlan routes the whole request to one provider.
type SinglePlan struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// EnsemblePlan fans the request out to several providers in parallel.
type EnsemblePlan struct {
	Providers    []string      `json:"providers"` // at least 2
	Synthesize   bool          `json:"synthesize"`
	MinResponses int           `json:"min_responses"`
	Timeout      time.Duration `json:"timeout"`
}

// StageAssignment binds one validation stage to a provider.
type StageAssignment struct {
	Stage    Stage  `json:"stage"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// ValidationPlan runs the request through an ordered generate/review/test
// pipeline with per-stage confidence gating.
type ValidationPlan struct {
	Stages        []StageAssignment `json:"stages"` // at least 2
	MinConfidence float64           `json:"min_confidence"`
	MaxRetries    int               `json:"max_retries"`
	SkipOptimize  bool              `json:"skip_optimize"`
}

// ShadowSpec names a challenger provider called in parallel purely to gather
// outcome data. Its result is never surfaced to the caller.
type ShadowSpec struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// Plan is the immutable execution description produced by the routing policy.
// Exactly one of Single, Ensemble, or Validation is non-nil, matching Kind.
// The engine treats a Plan as read-only after creation.
type Plan struct {
	ID         string          `json:"id"`
	Kind       PlanKind        `json:"kind"`
	Single     *SinglePlan     `json:"single,omitempty"`
	Ensemble   *EnsemblePlan   `json:"ensemble,omitempty"`
	Validation *ValidationPlan `json:"validation,omitempty"`

	Shadow              *ShadowSpec `json:"shadow,omitempty"`
	RecordingSampleRate float64     `json:"recording_sample_rate"`

	Reasoning  string    `json:"reasoning"`
	Confidence float64   `json:"confidence"`
	Epsilon    float64   `json:"epsilon"`
	Explored   bool      `json:"explored"`
	Bucket     string    `json:"bucket"`
	CreatedAt  time.Time `json:"created_at"`
}
