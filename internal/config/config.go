// Package config holds the runtime-versioned configuration for the core.
// The active version is an immutable snapshot swapped atomically: readers
// always see a consistent document, writers serialize through a mutex and
// append every transition to the version log.
package config

import (
	"time"

	"github.com/jordanhubbard/cognihub/internal/core"
)

// Routing is the routing-policy domain.
type Routing struct {
	MinEpsilon          float64       `json:"min_epsilon"`
	MaxEpsilon          float64       `json:"max_epsilon"`
	ShadowRate          float64       `json:"shadow_rate"`
	RecipeBoost         float64       `json:"recipe_boost"`
	EnableRecipes       bool          `json:"enable_recipes"`
	EnsembleSize        int           `json:"ensemble_size"`
	MinResponses        int           `json:"min_responses"`
	EnsembleTimeout     time.Duration `json:"ensemble_timeout"`
	RecordingSampleRate float64       `json:"recording_sample_rate"`
	ProfileTTL          time.Duration `json:"profile_ttl"`
}

// Learning is the feedback-ledger domain.
type Learning struct {
	HalfLifeAttempts   int           `json:"half_life_attempts"`
	MinSampleThreshold int           `json:"min_sample_threshold"`
	QueueSize          int           `json:"queue_size"`
	SnapshotInterval   time.Duration `json:"snapshot_interval"`
}

// Scheduler is the learning-scheduler domain.
type Scheduler struct {
	TickInterval        time.Duration `json:"tick_interval"`
	BaseExplorationRate float64       `json:"base_exploration_rate"`
	MaxBurstDuration    time.Duration `json:"max_burst_duration"`
	MaxIntensity        float64       `json:"max_intensity"`
}

// Budget is the execution-budget domain.
type Budget struct {
	PerCallTimeout  time.Duration               `json:"per_call_timeout"`
	ValidationSlack time.Duration               `json:"validation_slack"`
	MaxRetries      int                         `json:"max_retries"`
	TierCapsUSD     map[core.BudgetTier]float64 `json:"tier_caps_usd"`
}

// Snapshot is one immutable config version spanning all domains.
type Snapshot struct {
	Version   int       `json:"version"`
	Routing   Routing   `json:"routing"`
	Learning  Learning  `json:"learning"`
	Scheduler Scheduler `json:"scheduler"`
	Budget    Budget    `json:"budget"`
}

// Default returns version 1 with the documented defaults.
func Default() Snapshot {
	return Snapshot{
		Version: 1,
		Routing: Routing{
			MinEpsilon:          0.02,
			MaxEpsilon:          0.5,
			ShadowRate:          0.1,
			RecipeBoost:         1.0,
			EnableRecipes:       true,
			EnsembleSize:        3,
			MinResponses:        2,
			EnsembleTimeout:     45 * time.Second,
			RecordingSampleRate: 1.0,
			ProfileTTL:          24 * time.Hour,
		},
		Learning: Learning{
			HalfLifeAttempts:   20,
			MinSampleThreshold: 5,
			QueueSize:          1024,
			SnapshotInterval:   time.Minute,
		},
		Scheduler: Scheduler{
			TickInterval:        5 * time.Second,
			BaseExplorationRate: 0.1,
			MaxBurstDuration:    time.Hour,
			MaxIntensity:        5,
		},
		Budget: Budget{
			PerCallTimeout:  30 * time.Second,
			ValidationSlack: 10 * time.Second,
			MaxRetries:      2,
			TierCapsUSD: map[core.BudgetTier]float64{
				core.BudgetLow:    0.01,
				core.BudgetMedium: 0.10,
				core.BudgetHigh:   1.00,
			},
		},
	}
}
