// Package ledger is the append-only feedback store: every provider call
// produces one Outcome, and the ledger folds outcomes into per-(provider,
// feature-bucket) rolling profiles that drive the routing policy's Q-values.
//
// Rollup updates are synchronous and in-memory; persistence is fire-and-forget
// through a bounded queue so recording never blocks the request hot path.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jordanhubbard/cognihub/internal/core"
)

// Profile is the derived rolling statistics for one (provider, bucket) pair.
type Profile struct {
	Provider         string    `json:"provider"`
	Bucket           string    `json:"bucket"`
	Attempts         int       `json:"attempts"`
	Successes        int       `json:"successes"`
	RollingSuccess   float64   `json:"rolling_success"`
	RollingLatencyMs float64   `json:"rolling_latency_ms"`
	RollingCostUSD   float64   `json:"rolling_cost_usd"`
	QValue           float64   `json:"q_value"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Config tunes the ledger.
type Config struct {
	// HalfLifeAttempts is the EWMA half-life, in attempts.
	HalfLifeAttempts int
	// MinSampleThreshold below which QValue is blended with the global mean.
	// Zero disables the cold-start prior.
	MinSampleThreshold int
	// QueueSize bounds the async persistence queue. Overflow drops the oldest
	// queued outcome and increments DroppedCount.
	QueueSize int
	// RecentSize bounds the in-memory ring served by Recent.
	RecentSize int
	// MaxTrackedPlans bounds the registered-plan table and its idempotency
	// keys. When full, registering a new plan evicts the oldest tracked plan;
	// late outcomes for an evicted plan are rejected as orphans.
	MaxTrackedPlans int
	// SnapshotInterval is how often the compactor writes a snapshot.
	SnapshotInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HalfLifeAttempts:   20,
		MinSampleThreshold: 5,
		QueueSize:          1024,
		RecentSize:         512,
		MaxTrackedPlans:    4096,
		SnapshotInterval:   time.Minute,
	}
}

// Archiver persists outcomes durably for diagnostics queries that outlive the
// in-memory ring. Implemented by the SQLite store.
type Archiver interface {
	ArchiveOutcome(ctx context.Context, o core.Outcome) error
}

type profileKey struct {
	provider string
	bucket   string
}

// Ledger is the two-layer feedback store: an append-only log of outcomes plus
// an in-memory rollup table.
type Ledger struct {
	cfg     Config
	alpha   float64 // EWMA smoothing factor derived from HalfLifeAttempts
	log     *AppendLog
	archive Archiver
	logger  *slog.Logger

	mu       sync.RWMutex
	profiles map[profileKey]*Profile
	// plans maps each accepted plan ID to the idempotency keys of its recorded
	// outcomes; outcomes for unknown plans are orphans. Bounded by
	// MaxTrackedPlans with planOrder as the FIFO eviction queue.
	plans     map[string]map[string]struct{}
	planOrder []string
	recent    []core.Outcome
	head      int
	total     int

	observers []func(core.Outcome)

	queue   chan core.Outcome
	dropped atomic.Int64

	stop chan struct{}
	done chan struct{}
}

// Option configures optional Ledger behaviour.
type Option func(*Ledger)

// WithAppendLog attaches the durable JSONL log.
func WithAppendLog(l *AppendLog) Option {
	return func(lg *Ledger) { lg.log = l }
}

// WithArchiver attaches a durable outcome archive.
func WithArchiver(a Archiver) Option {
	return func(lg *Ledger) { lg.archive = a }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithObserver registers a callback invoked synchronously on every accepted
// outcome. Used by the scheduler for goal tracking. Observers must be fast.
func WithObserver(fn func(core.Outcome)) Option {
	return func(lg *Ledger) { lg.observers = append(lg.observers, fn) }
}

// New creates a ledger.
func New(cfg Config, opts ...Option) *Ledger {
	if cfg.HalfLifeAttempts <= 0 {
		cfg.HalfLifeAttempts = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = 512
	}
	if cfg.MaxTrackedPlans <= 0 {
		cfg.MaxTrackedPlans = 4096
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Minute
	}
	l := &Ledger{
		cfg:      cfg,
		alpha:    1 - math.Pow(0.5, 1/float64(cfg.HalfLifeAttempts)),
		logger:   slog.Default(),
		profiles: make(map[profileKey]*Profile),
		plans:    make(map[string]map[string]struct{}),
		recent:   make([]core.Outcome, cfg.RecentSize),
		queue:    make(chan core.Outcome, cfg.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterPlan marks a plan ID as accepted so its outcomes are not rejected
// as orphans. Called by the engine when it accepts a plan. When the tracked
// set is at MaxTrackedPlans, the oldest plan and its idempotency keys are
// evicted.
func (l *Ledger) RegisterPlan(planID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.plans[planID]; ok {
		return
	}
	for len(l.planOrder) >= l.cfg.MaxTrackedPlans {
		oldest := l.planOrder[0]
		l.planOrder = l.planOrder[1:]
		delete(l.plans, oldest)
	}
	l.plans[planID] = make(map[string]struct{})
	l.planOrder = append(l.planOrder, planID)
}

// Record appends an outcome. Rollup update is synchronous; durable
// persistence is queued. Idempotent per (planID, provider, role, attempt
// sequence encoded in the outcome key): re-recording the same outcome is a
// no-op. Orphan outcomes (unknown plan ID) are rejected.
func (l *Ledger) Record(o core.Outcome) error {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}
	key := outcomeKey(o)

	l.mu.Lock()
	keys, ok := l.plans[o.PlanID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("orphan outcome for unknown plan %q", o.PlanID)
	}
	if _, dup := keys[key]; dup {
		l.mu.Unlock()
		return nil
	}
	keys[key] = struct{}{}

	l.applyLocked(o)

	l.recent[l.head] = o
	l.head = (l.head + 1) % len(l.recent)
	if l.total < len(l.recent) {
		l.total++
	}
	observers := l.observers
	l.mu.Unlock()

	for _, fn := range observers {
		fn(o)
	}

	// Fire-and-forget persistence: drop the oldest queued outcome on overflow.
	select {
	case l.queue <- o:
	default:
		select {
		case <-l.queue:
			l.dropped.Add(1)
		default:
		}
		select {
		case l.queue <- o:
		default:
			l.dropped.Add(1)
		}
	}
	return nil
}

// applyLocked folds one outcome into its rollup profile. Caller holds l.mu.
func (l *Ledger) applyLocked(o core.Outcome) {
	k := profileKey{provider: o.Provider, bucket: o.Bucket}
	p, ok := l.profiles[k]
	if !ok {
		p = &Profile{Provider: o.Provider, Bucket: o.Bucket}
		l.profiles[k] = p
	}

	succ := 0.0
	if o.Success {
		succ = 1.0
		p.Successes++
	}
	p.Attempts++
	reward := computeReward(o)

	if p.Attempts == 1 {
		p.RollingSuccess = succ
		p.RollingLatencyMs = float64(o.LatencyMs)
		p.RollingCostUSD = o.CostUSD
		p.QValue = reward
	} else {
		p.RollingSuccess = ewma(p.RollingSuccess, succ, l.alpha)
		p.RollingLatencyMs = ewma(p.RollingLatencyMs, float64(o.LatencyMs), l.alpha)
		p.RollingCostUSD = ewma(p.RollingCostUSD, o.CostUSD, l.alpha)
		p.QValue = ewma(p.QValue, reward, l.alpha)
	}
	p.UpdatedAt = o.Timestamp
}

// Stats returns the current profile for (provider, bucket). Below
// MinSampleThreshold attempts the QValue is a blended prior: the provider's
// own value weighted by attempts/threshold, filled with the global mean, so
// cold start does not lock the policy to whichever provider was tried first.
// Always returns a copy, never a pointer into the live table.
func (l *Ledger) Stats(provider, bucket string) Profile {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.profiles[profileKey{provider: provider, bucket: bucket}]
	if !ok {
		return Profile{
			Provider: provider,
			Bucket:   bucket,
			QValue:   l.globalMeanQLocked(),
		}
	}
	cp := *p
	if l.cfg.MinSampleThreshold > 0 && cp.Attempts < l.cfg.MinSampleThreshold {
		w := float64(cp.Attempts) / float64(l.cfg.MinSampleThreshold)
		cp.QValue = w*cp.QValue + (1-w)*l.globalMeanQLocked()
	}
	return cp
}

// globalMeanQLocked averages QValue over all profiles with data. Caller holds
// at least a read lock. Defaults to 0.5 when nothing has been recorded.
func (l *Ledger) globalMeanQLocked() float64 {
	sum, n := 0.0, 0
	for _, p := range l.profiles {
		if p.Attempts > 0 {
			sum += p.QValue
			n++
		}
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
}

// Profiles returns a copy of every rollup profile, raw (no prior blending).
func (l *Ledger) Profiles() []Profile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Profile, 0, len(l.profiles))
	for _, p := range l.profiles {
		out = append(out, *p)
	}
	return out
}

// Seed pre-populates rollup profiles that have no in-memory state yet, e.g.
// from an aggregate query over the durable archive on startup. Profiles
// restored from a snapshot are never overwritten.
func (l *Ledger) Seed(profiles []Profile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range profiles {
		p := profiles[i]
		k := profileKey{provider: p.Provider, bucket: p.Bucket}
		if _, ok := l.profiles[k]; ok {
			continue
		}
		l.profiles[k] = &p
	}
}

// Filter narrows Recent results. Zero values match everything.
type Filter struct {
	Provider    string
	PlanID      string
	FailedOnly  bool
	SuccessOnly bool
}

// Recent returns up to limit outcomes from the in-memory ring, newest first.
func (l *Ledger) Recent(limit int, f Filter) []core.Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > l.total {
		limit = l.total
	}
	out := make([]core.Outcome, 0, limit)
	for i := 0; i < l.total && len(out) < limit; i++ {
		idx := (l.head - 1 - i + len(l.recent)) % len(l.recent)
		o := l.recent[idx]
		if f.Provider != "" && o.Provider != f.Provider {
			continue
		}
		if f.PlanID != "" && o.PlanID != f.PlanID {
			continue
		}
		if f.FailedOnly && o.Success {
			continue
		}
		if f.SuccessOnly && !o.Success {
			continue
		}
		out = append(out, o)
	}
	return out
}

// DroppedCount reports how many outcomes were dropped from the persistence
// queue under saturation. Rollups are never dropped.
func (l *Ledger) DroppedCount() int64 {
	return l.dropped.Load()
}

// Start launches the persistence worker and the snapshot compactor.
func (l *Ledger) Start() {
	go l.run()
}

// Close drains the persistence queue and stops background work.
func (l *Ledger) Close(ctx context.Context) error {
	close(l.stop)
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.log != nil {
		return l.log.Close()
	}
	return nil
}

func (l *Ledger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case o := <-l.queue:
			l.persist(o)
		case <-ticker.C:
			if err := l.Snapshot(); err != nil {
				l.logger.Warn("ledger snapshot failed", slog.String("error", err.Error()))
			}
		case <-l.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case o := <-l.queue:
					l.persist(o)
				default:
					if err := l.Snapshot(); err != nil {
						l.logger.Warn("ledger final snapshot failed", slog.String("error", err.Error()))
					}
					return
				}
			}
		}
	}
}

func (l *Ledger) persist(o core.Outcome) {
	if l.log != nil {
		if _, err := l.log.Append(o); err != nil {
			l.logger.Warn("ledger append failed", slog.String("error", err.Error()))
		}
	}
	if l.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.archive.ArchiveOutcome(ctx, o); err != nil {
			l.logger.Warn("ledger archive failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

func outcomeKey(o core.Outcome) string {
	// Attempt ordinal is folded into the timestamp for retries: the engine
	// stamps each attempt before recording, so identical stamps mean a
	// duplicate record of the same attempt.
	return fmt.Sprintf("%s/%s/%s/%d", o.PlanID, o.Provider, o.Role, o.Timestamp.UnixNano())
}

func ewma(old, val, alpha float64) float64 {
	return (1-alpha)*old + alpha*val
}

// computeReward calculates a 0-1 normalized reward from an outcome: cost and
// latency efficiency plus the caller rating and the stage quality score.
// Failures are worth zero regardless of cost. A zero rating means no rating
// was collected, so the remaining terms are renormalized to keep the full 0-1
// range rather than capping every unrated outcome at 0.7.
func computeReward(o core.Outcome) float64 {
	if !o.Success {
		return 0
	}
	costNorm := o.CostUSD / 0.1
	if costNorm > 1 {
		costNorm = 1
	}
	latNorm := float64(o.LatencyMs) / 30000.0
	if latNorm > 1 {
		latNorm = 1
	}
	base := 0.2*(1-costNorm) + 0.2*(1-latNorm) + 0.3*o.QualityScore
	if o.Rating == 0 {
		return base / 0.7
	}
	return base + 0.3*o.Rating
}
