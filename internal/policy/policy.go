// Package policy turns request features into an execution plan: provider
// choice, plan shape (single, ensemble, validation loop), shadow challenger,
// and a human-readable reasoning string. Selection is epsilon-greedy over the
// Q-values maintained by the feedback ledger; the exploration rate comes from
// the learning scheduler's published state.
package policy

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/cognihub/internal/core"
	"github.com/jordanhubbard/cognihub/internal/feature"
	"github.com/jordanhubbard/cognihub/internal/ledger"
	"github.com/jordanhubbard/cognihub/internal/registry"
	"github.com/jordanhubbard/cognihub/internal/scheduler"
)

// Config is the hot-swappable routing knob set.
type Config struct {
	MinEpsilon          float64
	MaxEpsilon          float64
	ShadowRate          float64 // used when no scheduler view is attached
	RecipeBoost         float64
	EnableRecipes       bool
	EnsembleSize        int
	MinResponses        int
	EnsembleTimeout     time.Duration
	RecordingSampleRate float64
	MinSampleThreshold  int
	// ProfileTTL expires rolling profiles: a provider whose profile for the
	// bucket was last updated longer ago than this is not routable until it
	// is re-explored. Zero disables expiry.
	ProfileTTL  time.Duration
	TierCapsUSD map[core.BudgetTier]float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinEpsilon:          0.02,
		MaxEpsilon:          0.5,
		ShadowRate:          0.1,
		RecipeBoost:         1.0,
		EnableRecipes:       true,
		EnsembleSize:        3,
		MinResponses:        2,
		EnsembleTimeout:     45 * time.Second,
		RecordingSampleRate: 1.0,
		MinSampleThreshold:  5,
		ProfileTTL:          24 * time.Hour,
	}
}

// ProfileSource supplies rolling per-(provider, bucket) statistics.
// Implemented by the feedback ledger.
type ProfileSource interface {
	Stats(provider, bucket string) ledger.Profile
}

// SchedulerView supplies the published scheduler state. Defined here so the
// router does not hold a back-pointer into the scheduler's internals.
type SchedulerView interface {
	Snapshot() scheduler.State
}

// Stats are the router's cumulative counters.
type Stats struct {
	Plans        int64   `json:"plans"`
	Explored     int64   `json:"explored"`
	Shadowed     int64   `json:"shadowed"`
	Fallbacks    int64   `json:"fallbacks"`
	ShadowTrials int64   `json:"shadow_trials"`
	ShadowWins   int64   `json:"shadow_wins"`
	ShadowWinPct float64 `json:"shadow_win_pct"`
}

// Router is the routing policy.
type Router struct {
	reg      *registry.Registry
	profiles ProfileSource
	sched    SchedulerView

	mu  sync.RWMutex
	cfg Config

	plans        atomic.Int64
	explored     atomic.Int64
	shadowed     atomic.Int64
	fallbacks    atomic.Int64
	shadowTrials atomic.Int64
	shadowWins   atomic.Int64

	// randFloat/randIntn are injectable for deterministic tests.
	randFloat func() float64
	randIntn  func(n int) int
}

// Option configures the Router.
type Option func(*Router)

// WithSchedulerView attaches the scheduler state source.
func WithSchedulerView(v SchedulerView) Option {
	return func(r *Router) { r.sched = v }
}

// WithRandFuncs overrides the random sources (tests).
func WithRandFuncs(randFloat func() float64, randIntn func(int) int) Option {
	return func(r *Router) {
		r.randFloat = randFloat
		r.randIntn = randIntn
	}
}

// New creates a router.
func New(reg *registry.Registry, profiles ProfileSource, cfg Config, opts ...Option) *Router {
	if cfg.EnsembleSize < 2 {
		cfg.EnsembleSize = 3
	}
	if cfg.MinResponses < 1 {
		cfg.MinResponses = 2
	}
	if cfg.EnsembleTimeout <= 0 {
		cfg.EnsembleTimeout = 45 * time.Second
	}
	if cfg.RecipeBoost <= 0 {
		cfg.RecipeBoost = 1
	}
	r := &Router{
		reg:       reg,
		profiles:  profiles,
		cfg:       cfg,
		randFloat: rand.Float64,
		randIntn:  rand.Intn,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UpdateConfig hot-swaps the routing knobs.
func (r *Router) UpdateConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Stats returns cumulative router counters including the shadow-win rate.
func (r *Router) Stats() Stats {
	s := Stats{
		Plans:        r.plans.Load(),
		Explored:     r.explored.Load(),
		Shadowed:     r.shadowed.Load(),
		Fallbacks:    r.fallbacks.Load(),
		ShadowTrials: r.shadowTrials.Load(),
		ShadowWins:   r.shadowWins.Load(),
	}
	if s.ShadowTrials > 0 {
		s.ShadowWinPct = float64(s.ShadowWins) / float64(s.ShadowTrials)
	}
	return s
}

// RecordShadowResult feeds back one completed shadow experiment.
func (r *Router) RecordShadowResult(win bool) {
	r.shadowTrials.Add(1)
	if win {
		r.shadowWins.Add(1)
	}
}

// candidate pairs a provider with its profile for ranking.
type candidate struct {
	provider registry.Provider
	profile  ledger.Profile
}

// Plan builds an execution plan for the request. Pure over the current
// profile and scheduler snapshots: concurrent ledger updates do not
// interleave within a single call.
func (r *Router) Plan(req core.Request, f feature.Features) (core.Plan, error) {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	bucket := f.Bucket()
	now := time.Now().UTC()

	// User override is never second-guessed.
	if req.Override != nil && req.Override.Provider != "" {
		if r.reg.IsAvailable(req.Override.Provider) {
			p, _ := r.reg.Get(req.Override.Provider)
			model := req.Override.Model
			if model == "" {
				model = p.DefaultModel
			}
			prof := r.profiles.Stats(p.ID, bucket)
			r.plans.Add(1)
			return core.Plan{
				ID:                  uuid.NewString(),
				Kind:                core.PlanSingle,
				Single:              &core.SinglePlan{Provider: p.ID, Model: model},
				RecordingSampleRate: cfg.RecordingSampleRate,
				Reasoning:           fmt.Sprintf("user override: %s", p.ID),
				Confidence:          r.confidence(prof, cfg),
				Bucket:              bucket,
				CreatedAt:           now,
			}, nil
		}
		// Overridden provider unavailable: fall through to learned routing.
	}

	caps := capsForTask(req.TaskType)
	cands := r.candidates(bucket, cfg, req.BudgetTier, caps...)
	if len(cands) == 0 {
		// Last resort: cheapest healthy chat provider.
		p, ok := r.reg.CheapestChat()
		if !ok {
			return core.Plan{}, core.ErrNoProviderAvailable
		}
		r.fallbacks.Add(1)
		r.plans.Add(1)
		prof := r.profiles.Stats(p.ID, bucket)
		return core.Plan{
			ID:                  uuid.NewString(),
			Kind:                core.PlanSingle,
			Single:              &core.SinglePlan{Provider: p.ID, Model: p.DefaultModel},
			RecordingSampleRate: cfg.RecordingSampleRate,
			Reasoning:           fmt.Sprintf("fallback: no candidate matched %v, using cheapest chat provider %s", caps, p.ID),
			Confidence:          r.confidence(prof, cfg),
			Bucket:              bucket,
			CreatedAt:           now,
		}, nil
	}

	eps, shadowRate := r.rates(cfg)
	explored := r.randFloat() < eps

	var chosen candidate
	if explored {
		chosen = cands[r.randIntn(len(cands))]
		r.explored.Add(1)
	} else {
		chosen = cands[0] // candidates are ranked exploit-first
	}

	plan := r.shapePlan(req, f, cfg, cands, chosen, bucket)
	plan.ID = uuid.NewString()
	plan.Epsilon = eps
	plan.Explored = explored
	plan.RecordingSampleRate = cfg.RecordingSampleRate
	plan.Bucket = bucket
	plan.CreatedAt = now

	// Shadow challenger: second-best candidate, result recorded but never
	// surfaced.
	if shadowRate > 0 && len(cands) >= 2 && r.randFloat() < shadowRate {
		second := cands[0]
		if second.provider.ID == chosen.provider.ID {
			second = cands[1]
		}
		if second.provider.ID != chosen.provider.ID {
			plan.Shadow = &core.ShadowSpec{
				Provider: second.provider.ID,
				Model:    second.provider.DefaultModel,
			}
			r.shadowed.Add(1)
		}
	}

	r.plans.Add(1)
	return plan, nil
}

// rates resolves the effective epsilon and shadow rate from the scheduler
// snapshot, clamped by the router config.
func (r *Router) rates(cfg Config) (eps, shadow float64) {
	explorationRate := cfg.MinEpsilon
	shadow = cfg.ShadowRate
	if r.sched != nil {
		st := r.sched.Snapshot()
		explorationRate = st.ExplorationRate
		shadow = st.ShadowRate
	}
	eps = explorationRate * cfg.RecipeBoost
	if eps < cfg.MinEpsilon {
		eps = cfg.MinEpsilon
	}
	if cfg.MaxEpsilon > 0 && eps > cfg.MaxEpsilon {
		eps = cfg.MaxEpsilon
	}
	return eps, shadow
}

// candidates returns available providers ranked exploit-first: by Q-value
// descending, tie-break by lower rolling latency, then lower rolling cost,
// then ID for determinism. A budget tier cap filters out providers whose
// estimated call cost exceeds the tier, and ProfileTTL filters out providers
// whose bucket profile has expired; either filter is skipped when it would
// empty the set. Untried providers carry no profile to expire and always pass
// the freshness filter.
func (r *Router) candidates(bucket string, cfg Config, tier core.BudgetTier, caps ...registry.Capability) []candidate {
	avail := r.reg.AvailableFor(caps...)
	if len(avail) == 0 {
		return nil
	}

	if cap, ok := cfg.TierCapsUSD[tier]; ok && cap > 0 {
		var within []registry.Provider
		for _, p := range avail {
			if p.Cost.EstimateUSD(1000, 512) <= cap {
				within = append(within, p)
			}
		}
		if len(within) > 0 {
			avail = within
		}
	}

	cands := make([]candidate, len(avail))
	for i, p := range avail {
		cands[i] = candidate{provider: p, profile: r.profiles.Stats(p.ID, bucket)}
	}

	if cfg.ProfileTTL > 0 {
		cutoff := time.Now().Add(-cfg.ProfileTTL)
		fresh := make([]candidate, 0, len(cands))
		for _, c := range cands {
			if c.profile.Attempts == 0 || !c.profile.UpdatedAt.Before(cutoff) {
				fresh = append(fresh, c)
			}
		}
		if len(fresh) > 0 {
			cands = fresh
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].profile, cands[j].profile
		if a.QValue != b.QValue {
			return a.QValue > b.QValue
		}
		if a.RollingLatencyMs != b.RollingLatencyMs {
			return a.RollingLatencyMs < b.RollingLatencyMs
		}
		if a.RollingCostUSD != b.RollingCostUSD {
			return a.RollingCostUSD < b.RollingCostUSD
		}
		return cands[i].provider.ID < cands[j].provider.ID
	})
	return cands
}

// shapePlan decides single vs ensemble vs validation loop from the features.
func (r *Router) shapePlan(req core.Request, f feature.Features, cfg Config, cands []candidate, chosen candidate, bucket string) core.Plan {
	demanding := f.Complexity == feature.ComplexityComplex || f.Complexity == feature.ComplexityCritical

	if cfg.EnableRecipes && demanding && len(cands) >= 2 &&
		(req.Mode == core.ModeCreative || hasKeyword(f, "brainstorm", "compare")) {
		k := cfg.EnsembleSize
		if k > len(cands) {
			k = len(cands)
		}
		providers := make([]string, k)
		maxConf := 0.0
		for i := 0; i < k; i++ {
			providers[i] = cands[i].provider.ID
			if c := r.confidence(cands[i].profile, cfg); c > maxConf {
				maxConf = c
			}
		}
		minResp := cfg.MinResponses
		if minResp > k {
			minResp = k
		}
		return core.Plan{
			Kind: core.PlanEnsemble,
			Ensemble: &core.EnsemblePlan{
				Providers:    providers,
				Synthesize:   true,
				MinResponses: minResp,
				Timeout:      cfg.EnsembleTimeout,
			},
			Reasoning:  fmt.Sprintf("ensemble of %d for %s: %s mode with %s complexity", k, bucket, req.Mode, f.Complexity),
			Confidence: maxConf,
		}
	}

	if cfg.EnableRecipes &&
		(f.Complexity == feature.ComplexityCritical ||
			(req.TaskType == core.TaskCode && req.QualityThreshold >= 0.9)) {
		stages := r.assignStages(f, cfg, req.BudgetTier, chosen)
		if len(stages) >= 2 {
			minConf := 1.0
			for _, st := range stages {
				prof := r.profiles.Stats(st.Provider, bucket)
				if c := r.confidence(prof, cfg); c < minConf {
					minConf = c
				}
			}
			return core.Plan{
				Kind: core.PlanValidationLoop,
				Validation: &core.ValidationPlan{
					Stages:        stages,
					MinConfidence: 0.8,
					MaxRetries:    2,
					SkipOptimize:  f.Complexity != feature.ComplexityCritical,
				},
				Reasoning:  fmt.Sprintf("validation loop for %s: quality threshold %.2f with %s complexity", bucket, req.QualityThreshold, f.Complexity),
				Confidence: minConf,
			}
		}
	}

	prof := chosen.profile
	return core.Plan{
		Kind:       core.PlanSingle,
		Single:     &core.SinglePlan{Provider: chosen.provider.ID, Model: chosen.provider.DefaultModel},
		Reasoning:  fmt.Sprintf("chose %s for %s; q=%.2f from %d attempts", chosen.provider.ID, bucket, prof.QValue, prof.Attempts),
		Confidence: r.confidence(prof, cfg),
	}
}

// assignStages picks a provider per validation stage, running the normal
// candidate ranking with a stage-specific capability filter. Review and test
// stages prefer the code capability; a stage falls back to chat when no
// code-capable provider is routable.
func (r *Router) assignStages(f feature.Features, cfg Config, tier core.BudgetTier, generator candidate) []core.StageAssignment {
	bucket := f.Bucket()
	stages := []core.Stage{core.StageGenerate, core.StageReview, core.StageTest}
	if f.Complexity == feature.ComplexityCritical {
		stages = append(stages, core.StageOptimize)
	}

	out := make([]core.StageAssignment, 0, len(stages))
	for _, st := range stages {
		if st == core.StageGenerate {
			out = append(out, core.StageAssignment{
				Stage:    st,
				Provider: generator.provider.ID,
				Model:    generator.provider.DefaultModel,
			})
			continue
		}
		cands := r.candidates(bucket, cfg, tier, registry.CapChat, registry.CapCode)
		if len(cands) == 0 {
			cands = r.candidates(bucket, cfg, tier, registry.CapChat)
		}
		if len(cands) == 0 {
			continue
		}
		out = append(out, core.StageAssignment{
			Stage:    st,
			Provider: cands[0].provider.ID,
			Model:    cands[0].provider.DefaultModel,
		})
	}
	return out
}

// NextBest returns the best routable provider for the bucket excluding the
// given IDs. Used by the execution engine to swap a validation stage's
// provider on retry.
func (r *Router) NextBest(bucket string, caps []registry.Capability, exclude map[string]bool) (registry.Provider, bool) {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	for _, c := range r.candidates(bucket, cfg, "", caps...) {
		if !exclude[c.provider.ID] {
			return c.provider, true
		}
	}
	return registry.Provider{}, false
}

// confidence is rollingSuccess discounted by sample size: a provider with
// fewer than MinSampleThreshold attempts cannot claim full confidence.
func (r *Router) confidence(p ledger.Profile, cfg Config) float64 {
	if cfg.MinSampleThreshold <= 0 {
		return p.RollingSuccess
	}
	frac := float64(p.Attempts) / float64(cfg.MinSampleThreshold)
	if frac > 1 {
		frac = 1
	}
	return p.RollingSuccess * frac
}

func capsForTask(t core.TaskType) []registry.Capability {
	switch t {
	case core.TaskCode, core.TaskTest:
		return []registry.Capability{registry.CapChat, registry.CapCode}
	default:
		return []registry.Capability{registry.CapChat}
	}
}

func hasKeyword(f feature.Features, words ...string) bool {
	for _, kw := range f.Keywords {
		for _, w := range words {
			if kw == w {
				return true
			}
		}
	}
	return false
}
