package store

import (
	"context"
	"time"

	"github.com/jordanhubbard/cognihub/internal/core"
)

// Store defines the durable persistence interface: an archive of outcomes for
// diagnostics and reward warm-up, plus the versioned config log.
type Store interface {
	// Outcome archive
	ArchiveOutcome(ctx context.Context, o core.Outcome) error
	ListOutcomes(ctx context.Context, limit, offset int) ([]core.Outcome, error)
	RewardSummary(ctx context.Context) ([]RewardRow, error)

	// Config version log
	AppendConfigVersion(ctx context.Context, v ConfigVersion) error
	LatestConfigVersion(ctx context.Context) (*ConfigVersion, error)
	ListConfigVersions(ctx context.Context, limit int) ([]ConfigVersion, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// RewardRow aggregates archived outcomes for one (provider, bucket) pair.
// Used to warm routing profiles after a restart.
type RewardRow struct {
	Provider     string  `json:"provider"`
	Bucket       string  `json:"bucket"`
	Count        int     `json:"count"`
	Successes    int     `json:"successes"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`
	AvgQuality   float64 `json:"avg_quality"`
}

// ConfigVersion is one entry of the append-only config version log.
type ConfigVersion struct {
	Version   int       `json:"version"`
	Domain    string    `json:"domain"`
	Payload   []byte    `json:"payload"` // JSON document of the full snapshot
	Timestamp time.Time `json:"timestamp"`
}
