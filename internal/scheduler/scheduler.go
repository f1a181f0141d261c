// Package scheduler is the background control loop that gates how
// aggressively the routing policy explores and how often shadow experiments
// run. It owns SchedulerState exclusively; the policy reads a lock-free
// snapshot published by atomic swap.
package scheduler

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jordanhubbard/cognihub/internal/core"
	"github.com/jordanhubbard/cognihub/internal/events"
)

// Mode is the scheduler operating mode.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeBurst   Mode = "burst"
	ModeQuiet   Mode = "quiet"
	ModeStopped Mode = "stopped"
)

// GoalStatus tracks goal lifecycle.
type GoalStatus string

const (
	GoalActive   GoalStatus = "active"
	GoalAchieved GoalStatus = "achieved"
	GoalExpired  GoalStatus = "expired"
)

// Goal is a target metric the scheduler tracks against outcomes, e.g.
// rolling success >= 0.8 in bucket code/complex before a deadline.
type Goal struct {
	ID       string     `json:"id"`
	Metric   string     `json:"metric"` // only "rolling_success" is tracked today
	Bucket   string     `json:"bucket"`
	Target   float64    `json:"target"`
	Deadline time.Time  `json:"deadline"`
	Progress float64    `json:"progress"`
	Status   GoalStatus `json:"status"`
	attempts int
}

// State is the published scheduler state. Immutable: a new value is swapped
// in on every mutation.
type State struct {
	Mode                Mode      `json:"mode"`
	ModeEndsAt          time.Time `json:"mode_ends_at,omitempty"`
	IntensityMultiplier float64   `json:"intensity_multiplier"`
	ExplorationRate     float64   `json:"exploration_rate"`
	ShadowRate          float64   `json:"shadow_rate"`
	Goals               []Goal    `json:"goals,omitempty"`
}

// Config tunes the scheduler.
type Config struct {
	BaseExplorationRate float64
	MinEpsilon          float64
	MaxEpsilon          float64
	BaseShadowRate      float64
	MaxBurstDuration    time.Duration
	MaxIntensity        float64
	GoalHalfLife        int // EWMA half-life for goal progress, in outcomes
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseExplorationRate: 0.1,
		MinEpsilon:          0.02,
		MaxEpsilon:          0.5,
		BaseShadowRate:      0.1,
		MaxBurstDuration:    time.Hour,
		MaxIntensity:        5,
		GoalHalfLife:        20,
	}
}

// Scheduler owns the learning control state.
type Scheduler struct {
	bus *events.Bus

	mu  sync.Mutex // serializes mutations
	cfg Config
	cur atomic.Pointer[State]

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithEventBus publishes scheduler.mode_changed events.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithNowFunc overrides the clock (tests).
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Scheduler) { s.nowFunc = fn }
}

// New creates a scheduler in normal mode.
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.GoalHalfLife <= 0 {
		cfg.GoalHalfLife = 20
	}
	if cfg.MaxIntensity <= 0 {
		cfg.MaxIntensity = 5
	}
	s := &Scheduler{cfg: cfg, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.cur.Store(&State{
		Mode:                ModeNormal,
		IntensityMultiplier: 1,
		ExplorationRate:     cfg.BaseExplorationRate,
		ShadowRate:          cfg.BaseShadowRate,
	})
	return s
}

// Snapshot returns the current state. Lock-free; always a consistent value.
func (s *Scheduler) Snapshot() State {
	return *s.cur.Load()
}

// Stopped reports whether the scheduler is in emergency stop.
func (s *Scheduler) Stopped() bool {
	return s.cur.Load().Mode == ModeStopped
}

// UpdateConfig applies new scheduler knobs (from a config change) and
// recomputes the published rates for the current mode.
func (s *Scheduler) UpdateConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.GoalHalfLife <= 0 {
		cfg.GoalHalfLife = s.cfg.GoalHalfLife
	}
	s.cfg = cfg
	st := *s.cur.Load()
	s.applyRates(&st)
	s.cur.Store(&st)
}

// Tick advances the scheduler clock: burst/quiet fall back to normal past
// ModeEndsAt and goals past their deadline expire. Idempotent; safe as a
// periodic pulse.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	st := *s.cur.Load()
	changed := false
	var from Mode

	if (st.Mode == ModeBurst || st.Mode == ModeQuiet) && !now.Before(st.ModeEndsAt) {
		from = st.Mode
		st.Mode = ModeNormal
		st.ModeEndsAt = time.Time{}
		st.IntensityMultiplier = 1
		s.applyRates(&st)
		changed = true
	}

	goals := make([]Goal, len(st.Goals))
	copy(goals, st.Goals)
	for i := range goals {
		if goals[i].Status == GoalActive && !goals[i].Deadline.IsZero() && now.After(goals[i].Deadline) {
			goals[i].Status = GoalExpired
		}
	}
	st.Goals = goals

	s.cur.Store(&st)
	s.mu.Unlock()

	if changed && s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.EventSchedulerMode,
			OldState: string(from),
			NewState: string(ModeNormal),
			Reason:   "mode expired",
		})
	}
}

// RequestMode applies an operator-requested mode change. Burst raises the
// exploration rate by the intensity multiplier (capped at MaxEpsilon); quiet
// clamps it to MinEpsilon and halves the shadow rate. Returns
// ErrSchedulerLocked while stopped.
func (s *Scheduler) RequestMode(mode Mode, duration time.Duration, intensity float64) error {
	s.mu.Lock()
	st := *s.cur.Load()

	if st.Mode == ModeStopped {
		s.mu.Unlock()
		return core.ErrSchedulerLocked
	}

	switch mode {
	case ModeBurst, ModeQuiet:
		if duration <= 0 {
			s.mu.Unlock()
			return fmt.Errorf("%s mode requires a positive duration", mode)
		}
		if s.cfg.MaxBurstDuration > 0 && duration > s.cfg.MaxBurstDuration {
			duration = s.cfg.MaxBurstDuration
		}
		if intensity <= 0 {
			intensity = 1
		}
		if intensity > s.cfg.MaxIntensity {
			intensity = s.cfg.MaxIntensity
		}
		from := st.Mode
		st.Mode = mode
		st.ModeEndsAt = s.nowFunc().Add(duration)
		st.IntensityMultiplier = intensity
		s.applyRates(&st)
		s.cur.Store(&st)
		s.mu.Unlock()
		s.publishMode(from, mode, "requested")
		return nil

	case ModeNormal:
		from := st.Mode
		st.Mode = ModeNormal
		st.ModeEndsAt = time.Time{}
		st.IntensityMultiplier = 1
		s.applyRates(&st)
		s.cur.Store(&st)
		s.mu.Unlock()
		s.publishMode(from, ModeNormal, "requested")
		return nil

	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// Stop is the emergency stop: the engine refuses new plans until Resume.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	st := *s.cur.Load()
	from := st.Mode
	st.Mode = ModeStopped
	st.ModeEndsAt = time.Time{}
	st.IntensityMultiplier = 1
	st.ExplorationRate = 0
	st.ShadowRate = 0
	s.cur.Store(&st)
	s.mu.Unlock()
	s.publishMode(from, ModeStopped, "emergency stop")
}

// Resume leaves emergency stop and returns to normal mode.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	st := *s.cur.Load()
	from := st.Mode
	st.Mode = ModeNormal
	st.IntensityMultiplier = 1
	s.applyRates(&st)
	s.cur.Store(&st)
	s.mu.Unlock()
	s.publishMode(from, ModeNormal, "resume")
}

// AddGoal registers a goal. A duplicate ID replaces the existing goal.
func (s *Scheduler) AddGoal(g Goal) error {
	if g.ID == "" {
		return fmt.Errorf("goal ID required")
	}
	if g.Target <= 0 || g.Target > 1 {
		return fmt.Errorf("goal target must be in (0,1]")
	}
	g.Status = GoalActive
	g.Progress = 0

	s.mu.Lock()
	defer s.mu.Unlock()
	st := *s.cur.Load()
	goals := make([]Goal, 0, len(st.Goals)+1)
	for _, existing := range st.Goals {
		if existing.ID != g.ID {
			goals = append(goals, existing)
		}
	}
	st.Goals = append(goals, g)
	s.cur.Store(&st)
	return nil
}

// RemoveGoal drops a goal by ID.
func (s *Scheduler) RemoveGoal(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *s.cur.Load()
	goals := make([]Goal, 0, len(st.Goals))
	for _, g := range st.Goals {
		if g.ID != id {
			goals = append(goals, g)
		}
	}
	st.Goals = goals
	s.cur.Store(&st)
}

// OnOutcome folds one outcome into matching goals' progress. Never fails:
// goals either progress, achieve, or expire. Invoked by the ledger's
// observer hook.
func (s *Scheduler) OnOutcome(o core.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := *s.cur.Load()
	if len(st.Goals) == 0 {
		return
	}
	now := s.nowFunc()
	alpha := 1 - math.Pow(0.5, 1/float64(s.cfg.GoalHalfLife))

	goals := make([]Goal, len(st.Goals))
	copy(goals, st.Goals)
	dirty := false
	for i := range goals {
		g := &goals[i]
		if g.Status != GoalActive || g.Bucket != o.Bucket {
			continue
		}
		val := 0.0
		if o.Success {
			val = 1.0
		}
		g.attempts++
		if g.attempts == 1 {
			g.Progress = val
		} else {
			g.Progress = (1-alpha)*g.Progress + alpha*val
		}
		if !g.Deadline.IsZero() && now.After(g.Deadline) {
			g.Status = GoalExpired
		} else if g.Progress >= g.Target {
			g.Status = GoalAchieved
		}
		dirty = true
	}
	if dirty {
		st.Goals = goals
		s.cur.Store(&st)
	}
}

// Run drives Tick on the given interval until the context is done.
func (s *Scheduler) Run(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.Tick(now)
		case <-stop:
			return
		}
	}
}

// applyRates recomputes the published exploration and shadow rates from the
// current mode. Caller holds s.mu.
func (s *Scheduler) applyRates(st *State) {
	switch st.Mode {
	case ModeBurst:
		rate := s.cfg.BaseExplorationRate * st.IntensityMultiplier
		if rate > s.cfg.MaxEpsilon {
			rate = s.cfg.MaxEpsilon
		}
		st.ExplorationRate = rate
		st.ShadowRate = s.cfg.BaseShadowRate
	case ModeQuiet:
		st.ExplorationRate = s.cfg.MinEpsilon
		st.ShadowRate = s.cfg.BaseShadowRate / 2
	case ModeStopped:
		st.ExplorationRate = 0
		st.ShadowRate = 0
	default:
		st.ExplorationRate = s.cfg.BaseExplorationRate
		st.ShadowRate = s.cfg.BaseShadowRate
	}
}

func (s *Scheduler) publishMode(from, to Mode, reason string) {
	if s.bus == nil || from == to {
		return
	}
	s.bus.Publish(events.Event{
		Type:     events.EventSchedulerMode,
		OldState: string(from),
		NewState: string(to),
		Reason:   reason,
	})
}
