package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jordanhubbard/cognihub/internal/core"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			plan_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'primary',
			bucket TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL DEFAULT 0,
			rating REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			quality REAL NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_ts ON outcomes(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_provider_bucket ON outcomes(provider, bucket)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_plan ON outcomes(plan_id)`,
		`CREATE TABLE IF NOT EXISTS config_versions (
			version INTEGER PRIMARY KEY,
			domain TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ArchiveOutcome(ctx context.Context, o core.Outcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (ts, plan_id, provider, model, role, bucket, success, rating, latency_ms, cost_usd, quality, error_kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Timestamp, o.PlanID, o.Provider, o.Model, string(o.Role), o.Bucket,
		o.Success, o.Rating, o.LatencyMs, o.CostUSD, o.QualityScore, o.ErrorKind,
	)
	if err != nil {
		return fmt.Errorf("archive outcome: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, limit, offset int) ([]core.Outcome, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, plan_id, provider, model, role, bucket, success, rating, latency_ms, cost_usd, quality, error_kind
		 FROM outcomes ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.Outcome
	for rows.Next() {
		var o core.Outcome
		var role string
		if err := rows.Scan(&o.Timestamp, &o.PlanID, &o.Provider, &o.Model, &role, &o.Bucket,
			&o.Success, &o.Rating, &o.LatencyMs, &o.CostUSD, &o.QualityScore, &o.ErrorKind); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Role = core.Role(role)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RewardSummary(ctx context.Context) ([]RewardRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, bucket, COUNT(*), SUM(success), AVG(latency_ms), AVG(cost_usd), AVG(quality)
		 FROM outcomes GROUP BY provider, bucket`)
	if err != nil {
		return nil, fmt.Errorf("reward summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RewardRow
	for rows.Next() {
		var r RewardRow
		if err := rows.Scan(&r.Provider, &r.Bucket, &r.Count, &r.Successes, &r.AvgLatencyMs, &r.AvgCostUSD, &r.AvgQuality); err != nil {
			return nil, fmt.Errorf("scan reward row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendConfigVersion(ctx context.Context, v ConfigVersion) error {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_versions (version, domain, payload, ts) VALUES (?, ?, ?, ?)`,
		v.Version, v.Domain, string(v.Payload), v.Timestamp)
	if err != nil {
		return fmt.Errorf("append config version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestConfigVersion(ctx context.Context) (*ConfigVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, domain, payload, ts FROM config_versions ORDER BY version DESC LIMIT 1`)
	var v ConfigVersion
	var payload string
	if err := row.Scan(&v.Version, &v.Domain, &payload, &v.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest config version: %w", err)
	}
	v.Payload = []byte(payload)
	return &v, nil
}

func (s *SQLiteStore) ListConfigVersions(ctx context.Context, limit int) ([]ConfigVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, domain, payload, ts FROM config_versions ORDER BY version DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list config versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ConfigVersion
	for rows.Next() {
		var v ConfigVersion
		var payload string
		if err := rows.Scan(&v.Version, &v.Domain, &payload, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("scan config version: %w", err)
		}
		v.Payload = []byte(payload)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
