package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jordanhubbard/cognihub/internal/core"
	"github.com/jordanhubbard/cognihub/internal/events"
	"github.com/jordanhubbard/cognihub/internal/store"
)

// Field describes one runtime-tunable key: its type, whether it can change
// without a restart, and how to validate and apply a new value.
type Field struct {
	Domain            string
	Key               string
	Type              string // "float", "int", "bool", "duration"
	RuntimeUpdateable bool
	RequiresRestart   bool
	Validate          func(v any) error
	Apply             func(s *Snapshot, v any)
}

// VersionLog persists config transitions. Implemented by the SQLite store.
type VersionLog interface {
	AppendConfigVersion(ctx context.Context, v store.ConfigVersion) error
}

// Store holds the active config snapshot and applies atomic version
// transitions.
type Store struct {
	cur    atomic.Pointer[Snapshot]
	log    VersionLog
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex // serializes writers
	onChange map[string][]func(Snapshot)
	fields   map[string]Field // "domain.key"
}

// StoreOption configures the Store.
type StoreOption func(*Store)

// WithVersionLog persists every accepted transition.
func WithVersionLog(l VersionLog) StoreOption {
	return func(s *Store) { s.log = l }
}

// WithEventBus publishes config.updated events.
func WithEventBus(bus *events.Bus) StoreOption {
	return func(s *Store) { s.bus = bus }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a config store with the given initial snapshot.
func NewStore(initial Snapshot, opts ...StoreOption) *Store {
	s := &Store{
		onChange: make(map[string][]func(Snapshot)),
		fields:   fieldTable(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	snap := initial
	s.cur.Store(&snap)
	return s
}

// Get returns the active snapshot by value. Callers must not retain pointers
// into it across updates; take a fresh snapshot at each decision boundary.
func (s *Store) Get() Snapshot {
	return *s.cur.Load()
}

// Fields lists the runtime-tunable field metadata.
func (s *Store) Fields() []Field {
	out := make([]Field, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, f)
	}
	return out
}

// OnChange registers a callback for accepted updates to a domain. Callbacks
// run on the writer's goroutine after the new version is visible.
func (s *Store) OnChange(domain string, fn func(Snapshot)) {
	s.mu.Lock()
	s.onChange[domain] = append(s.onChange[domain], fn)
	s.mu.Unlock()
}

// Set applies a single-key runtime update. The old version stays active when
// validation rejects the value.
func (s *Store) Set(ctx context.Context, domain, key string, value any) error {
	f, ok := s.fields[domain+"."+key]
	if !ok {
		return &core.ConfigInvalidError{Domain: domain, Key: key, Reason: "unknown field"}
	}
	if !f.RuntimeUpdateable {
		return &core.ConfigInvalidError{Domain: domain, Key: key, Reason: "requires restart"}
	}
	value = coerce(f.Type, value)
	if err := f.Validate(value); err != nil {
		return &core.ConfigInvalidError{Domain: domain, Key: key, Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cur.Load()
	f.Apply(&next, value)
	next.Version++
	s.cur.Store(&next)

	s.persist(ctx, domain, next)
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:   events.EventConfigUpdated,
			Domain: domain,
			Key:    key,
		})
	}
	for _, fn := range s.onChange[domain] {
		fn(next)
	}
	return nil
}

// UpdateRouting replaces the whole routing domain after validation.
func (s *Store) UpdateRouting(ctx context.Context, r Routing) error {
	if err := validateRouting(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cur.Load()
	next.Routing = r
	next.Version++
	s.cur.Store(&next)

	s.persist(ctx, "routing", next)
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.EventConfigUpdated, Domain: "routing"})
	}
	for _, fn := range s.onChange["routing"] {
		fn(next)
	}
	return nil
}

func (s *Store) persist(ctx context.Context, domain string, snap Snapshot) {
	if s.log == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("config: marshal version failed", slog.String("error", err.Error()))
		return
	}
	v := store.ConfigVersion{
		Version:   snap.Version,
		Domain:    domain,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := s.log.AppendConfigVersion(ctx, v); err != nil {
		s.logger.Warn("config: persist version failed", slog.String("error", err.Error()))
	}
}

func validateRouting(r Routing) error {
	switch {
	case r.MinEpsilon < 0 || r.MinEpsilon > 1:
		return &core.ConfigInvalidError{Domain: "routing", Key: "min_epsilon", Reason: "must be in [0,1]"}
	case r.MaxEpsilon < r.MinEpsilon || r.MaxEpsilon > 1:
		return &core.ConfigInvalidError{Domain: "routing", Key: "max_epsilon", Reason: "must be in [min_epsilon,1]"}
	case r.ShadowRate < 0 || r.ShadowRate > 1:
		return &core.ConfigInvalidError{Domain: "routing", Key: "shadow_rate", Reason: "must be in [0,1]"}
	case r.EnsembleSize < 2:
		return &core.ConfigInvalidError{Domain: "routing", Key: "ensemble_size", Reason: "must be >= 2"}
	case r.MinResponses < 1 || r.MinResponses > r.EnsembleSize:
		return &core.ConfigInvalidError{Domain: "routing", Key: "min_responses", Reason: "must be in [1,ensemble_size]"}
	case r.EnsembleTimeout <= 0:
		return &core.ConfigInvalidError{Domain: "routing", Key: "ensemble_timeout", Reason: "must be > 0"}
	case r.ProfileTTL < 0:
		return &core.ConfigInvalidError{Domain: "routing", Key: "profile_ttl", Reason: "must be >= 0"}
	}
	return nil
}

// coerce widens JSON-decoded numbers to the field's declared type.
func coerce(typ string, v any) any {
	switch typ {
	case "int":
		if f, ok := v.(float64); ok {
			return int(f)
		}
	case "duration":
		switch t := v.(type) {
		case float64:
			return time.Duration(t) * time.Millisecond
		case int:
			return time.Duration(t) * time.Millisecond
		case string:
			if d, err := time.ParseDuration(t); err == nil {
				return d
			}
		}
	}
	return v
}

func unitFloat(v any) error {
	f, ok := v.(float64)
	if !ok {
		return fmt.Errorf("expected float, got %T", v)
	}
	if f < 0 || f > 1 {
		return fmt.Errorf("must be in [0,1], got %v", f)
	}
	return nil
}

func positiveInt(v any) error {
	i, ok := v.(int)
	if !ok {
		return fmt.Errorf("expected int, got %T", v)
	}
	if i <= 0 {
		return fmt.Errorf("must be > 0, got %d", i)
	}
	return nil
}

func positiveDuration(v any) error {
	d, ok := v.(time.Duration)
	if !ok {
		return fmt.Errorf("expected duration, got %T", v)
	}
	if d <= 0 {
		return fmt.Errorf("must be > 0, got %v", d)
	}
	return nil
}

func boolVal(v any) error {
	if _, ok := v.(bool); !ok {
		return fmt.Errorf("expected bool, got %T", v)
	}
	return nil
}

func fieldTable() map[string]Field {
	fields := []Field{
		{Domain: "routing", Key: "min_epsilon", Type: "float", RuntimeUpdateable: true,
			Validate: unitFloat, Apply: func(s *Snapshot, v any) { s.Routing.MinEpsilon = v.(float64) }},
		{Domain: "routing", Key: "max_epsilon", Type: "float", RuntimeUpdateable: true,
			Validate: unitFloat, Apply: func(s *Snapshot, v any) { s.Routing.MaxEpsilon = v.(float64) }},
		{Domain: "routing", Key: "shadow_rate", Type: "float", RuntimeUpdateable: true,
			Validate: unitFloat, Apply: func(s *Snapshot, v any) { s.Routing.ShadowRate = v.(float64) }},
		{Domain: "routing", Key: "recipe_boost", Type: "float", RuntimeUpdateable: true,
			Validate: func(v any) error {
				f, ok := v.(float64)
				if !ok || f <= 0 {
					return fmt.Errorf("must be > 0")
				}
				return nil
			},
			Apply: func(s *Snapshot, v any) { s.Routing.RecipeBoost = v.(float64) }},
		{Domain: "routing", Key: "enable_recipes", Type: "bool", RuntimeUpdateable: true,
			Validate: boolVal, Apply: func(s *Snapshot, v any) { s.Routing.EnableRecipes = v.(bool) }},
		{Domain: "routing", Key: "ensemble_size", Type: "int", RuntimeUpdateable: true,
			Validate: positiveInt, Apply: func(s *Snapshot, v any) { s.Routing.EnsembleSize = v.(int) }},
		{Domain: "routing", Key: "recording_sample_rate", Type: "float", RuntimeUpdateable: true,
			Validate: unitFloat, Apply: func(s *Snapshot, v any) { s.Routing.RecordingSampleRate = v.(float64) }},
		{Domain: "routing", Key: "profile_ttl", Type: "duration", RuntimeUpdateable: true,
			Validate: func(v any) error {
				d, ok := v.(time.Duration)
				if !ok {
					return fmt.Errorf("expected duration, got %T", v)
				}
				if d < 0 {
					return fmt.Errorf("must be >= 0, got %v", d)
				}
				return nil
			},
			Apply: func(s *Snapshot, v any) { s.Routing.ProfileTTL = v.(time.Duration) }},
		{Domain: "learning", Key: "half_life_attempts", Type: "int", RequiresRestart: true,
			Validate: positiveInt, Apply: func(s *Snapshot, v any) { s.Learning.HalfLifeAttempts = v.(int) }},
		{Domain: "learning", Key: "min_sample_threshold", Type: "int", RequiresRestart: true,
			Validate: func(v any) error {
				i, ok := v.(int)
				if !ok || i < 0 {
					return fmt.Errorf("must be >= 0")
				}
				return nil
			},
			Apply: func(s *Snapshot, v any) { s.Learning.MinSampleThreshold = v.(int) }},
		{Domain: "scheduler", Key: "base_exploration_rate", Type: "float", RuntimeUpdateable: true,
			Validate: unitFloat, Apply: func(s *Snapshot, v any) { s.Scheduler.BaseExplorationRate = v.(float64) }},
		{Domain: "scheduler", Key: "tick_interval", Type: "duration", RequiresRestart: true,
			Validate: positiveDuration, Apply: func(s *Snapshot, v any) { s.Scheduler.TickInterval = v.(time.Duration) }},
		{Domain: "budget", Key: "per_call_timeout", Type: "duration", RuntimeUpdateable: true,
			Validate: positiveDuration, Apply: func(s *Snapshot, v any) { s.Budget.PerCallTimeout = v.(time.Duration) }},
		{Domain: "budget", Key: "max_retries", Type: "int", RuntimeUpdateable: true,
			Validate: func(v any) error {
				i, ok := v.(int)
				if !ok || i < 0 {
					return fmt.Errorf("must be >= 0")
				}
				return nil
			},
			Apply: func(s *Snapshot, v any) { s.Budget.MaxRetries = v.(int) }},
	}
	m := make(map[string]Field, len(fields))
	for _, f := range fields {
		m[f.Domain+"."+f.Key] = f
	}
	return m
}
