// Package envelope produces the provenance wrapper around every result:
// which providers were touched, in what role, at what cost, and why the
// routing policy chose them. Wrap is a pure function over the plan and the
// collected traces; it does no I/O.
package envelope

import (
	"time"

	"github.com/jordanhubbard/cognihub/internal/core"
)

// Status tags how a plan finished.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusDegraded  Status = "degraded"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// ProviderTrace records one provider contact, shadow calls included.
type ProviderTrace struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	Role      core.Role `json:"role"`
	LatencyMs int64     `json:"latencyMs"`
	CostUSD   float64   `json:"costUsd"`
	Success   bool      `json:"success"`
}

// Primary identifies the provider whose output the caller received.
type Primary struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// Exploration reports the bandit decision behind the plan.
type Exploration struct {
	Epsilon  float64 `json:"epsilon"`
	Explored bool    `json:"explored"`
}

// Routing explains the plan choice.
type Routing struct {
	Reasoning     string        `json:"reasoning"`
	TaskClass     string        `json:"taskClass"`
	ExecutionMode core.PlanKind `json:"executionMode"`
	Exploration   Exploration   `json:"exploration"`
}

// Totals aggregates cost across every call and the wall-clock latency of the
// whole plan (not the sum of per-call latencies).
type Totals struct {
	CostUSD   float64 `json:"costUsd"`
	LatencyMs int64   `json:"latencyMs"`
}

// Meta is the wire-shaped provenance block.
type Meta struct {
	Providers  []ProviderTrace `json:"providers"`
	Primary    Primary         `json:"primary"`
	Routing    Routing         `json:"routing"`
	Confidence float64         `json:"confidence"`
	Consensus  *float64        `json:"consensus"` // nil unless an ensemble synthesized
	Totals     Totals          `json:"totals"`
}

// Envelope is the complete wrapped result.
type Envelope struct {
	Response  string `json:"response,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
	Status    Status `json:"status"`
	Meta      Meta   `json:"meta"`
}

// Wrap builds the envelope. Traces are carried in completion order; wallClock
// is the elapsed time of the whole plan. primaryHint names the provider whose
// output was surfaced when the engine picked among several successful traces
// (the winner of an unsynthesized ensemble); empty means completion order
// decides.
func Wrap(response string, status Status, errorKind string, traces []ProviderTrace, plan core.Plan, primaryHint string, consensus *float64, wallClock time.Duration) Envelope {
	var cost float64
	for _, t := range traces {
		cost += t.CostUSD
	}

	primary := primaryOf(traces, plan, primaryHint)

	return Envelope{
		Response:  response,
		ErrorKind: errorKind,
		Status:    status,
		Meta: Meta{
			Providers: traces,
			Primary:   primary,
			Routing: Routing{
				Reasoning:     plan.Reasoning,
				TaskClass:     plan.Bucket,
				ExecutionMode: plan.Kind,
				Exploration: Exploration{
					Epsilon:  plan.Epsilon,
					Explored: plan.Explored,
				},
			},
			Confidence: plan.Confidence,
			Consensus:  consensus,
			Totals: Totals{
				CostUSD:   cost,
				LatencyMs: wallClock.Milliseconds(),
			},
		},
	}
}

// primaryOf finds the provider that produced the surfaced output: the
// synthesizer when one ran, otherwise the hinted winner, otherwise the last
// successful non-shadow trace, falling back to the plan's nominal target.
func primaryOf(traces []ProviderTrace, plan core.Plan, hint string) Primary {
	for i := len(traces) - 1; i >= 0; i-- {
		if traces[i].Role == core.RoleSynthesizer && traces[i].Success {
			return Primary{Provider: traces[i].Provider, Model: traces[i].Model}
		}
	}
	if hint != "" {
		for i := len(traces) - 1; i >= 0; i-- {
			t := traces[i]
			if t.Provider == hint && t.Role != core.RoleShadow && t.Success {
				return Primary{Provider: t.Provider, Model: t.Model}
			}
		}
	}
	for i := len(traces) - 1; i >= 0; i-- {
		t := traces[i]
		if t.Role != core.RoleShadow && t.Success {
			return Primary{Provider: t.Provider, Model: t.Model}
		}
	}
	switch {
	case plan.Single != nil:
		return Primary{Provider: plan.Single.Provider, Model: plan.Single.Model}
	case plan.Ensemble != nil && len(plan.Ensemble.Providers) > 0:
		return Primary{Provider: plan.Ensemble.Providers[0]}
	case plan.Validation != nil && len(plan.Validation.Stages) > 0:
		st := plan.Validation.Stages[0]
		return Primary{Provider: st.Provider, Model: st.Model}
	}
	return Primary{}
}
