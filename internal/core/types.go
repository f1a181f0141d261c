// Package core holds the shared request, plan, and outcome types that flow
// between the routing policy, execution engine, feedback ledger, and scheduler.
// It depends on nothing else in the repository so every component can import it.
package core

import "time"

// Mode is the caller-requested interaction mode.
type Mode string

const (
	ModeQuick      Mode = "quick"
	ModeTechnical  Mode = "technical"
	ModeCreative   Mode = "creative"
	ModeStructured Mode = "structured"
)

// TaskType is the coarse task classification supplied with the request.
type TaskType string

const (
	TaskGeneral  TaskType = "general"
	TaskCode     TaskType = "code"
	TaskCreative TaskType = "creative"
	TaskTest     TaskType = "test"
)

// BudgetTier bounds how much a single request is allowed to spend.
type BudgetTier string

const (
	BudgetLow    BudgetTier = "low"
	BudgetMedium BudgetTier = "medium"
	BudgetHigh   BudgetTier = "high"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Override pins the request to a specific provider (and optionally model),
// bypassing learned routing.
type Override struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// Request is an inbound generation request. Immutable after creation.
type Request struct {
	ID               string     `json:"id"`
	Prompt           string     `json:"prompt"`
	Mode             Mode       `json:"mode"`
	TaskType         TaskType   `json:"task_type"`
	History          []Message  `json:"history,omitempty"`
	Override         *Override  `json:"override,omitempty"`
	BudgetTier       BudgetTier `json:"budget_tier"`
	QualityThreshold float64    `json:"quality_threshold"`
	SessionID        string     `json:"session_id,omitempty"`
}

// Role tags which part a provider played in executing a plan.
type Role string

const (
	RolePrimary     Role = "primary"
	RoleReviewer    Role = "reviewer"
	RoleTester      Role = "tester"
	RoleOptimizer   Role = "optimizer"
	RoleSynthesizer Role = "synthesizer"
	RoleShadow      Role = "shadow"
)

// Outcome is one immutable record of what happened when a provider was
// invoked for a plan. Appended to the feedback ledger; the unit of learning.
type Outcome struct {
	PlanID       string    `json:"planId"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	Role         Role      `json:"role"`
	Bucket       string    `json:"bucket"`
	Features     []string  `json:"features,omitempty"`
	Success      bool      `json:"success"`
	Rating       float64   `json:"rating"`
	LatencyMs    int64     `json:"latencyMs"`
	CostUSD      float64   `json:"costUsd"`
	QualityScore float64   `json:"qualityScore"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	Timestamp    time.Time `json:"ts"`
}
