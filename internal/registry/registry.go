// Package registry holds per-provider capability and health state. It answers
// "is X available?" and "what does X cost?" for the routing policy, and is the
// only component that mutates provider health.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/cognihub/internal/events"
)

// Capability names something a provider can do.
type Capability string

const (
	CapChat   Capability = "chat"
	CapStream Capability = "stream"
	CapVision Capability = "vision"
	CapCode   Capability = "code"
	CapCheap  Capability = "cheap"
	CapFast   Capability = "fast"
)

// CostModel is the per-1K-token pricing of a provider's default model.
type CostModel struct {
	InputPerKToken  float64 `json:"input_per_k_token"`
	OutputPerKToken float64 `json:"output_per_k_token"`
}

// EstimateUSD estimates the cost of a call with the given token counts.
func (c CostModel) EstimateUSD(inTokens, outTokens int) float64 {
	return (float64(inTokens)/1000.0)*c.InputPerKToken + (float64(outTokens)/1000.0)*c.OutputPerKToken
}

// State is the health state of a provider.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateCooling  State = "cooling"
	StateDisabled State = "disabled"
)

// ReportEvent is the outcome class reported after a provider call.
type ReportEvent string

const (
	ReportSuccess       ReportEvent = "success"
	ReportTransientFail ReportEvent = "transient_fail"
	ReportPermanentFail ReportEvent = "permanent_fail"
)

// Provider is a point-in-time snapshot of one registered provider. Readers
// always get a copy; health is mutated only through Report.
type Provider struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"display_name"`
	DefaultModel string       `json:"default_model"`
	Capabilities []Capability `json:"capabilities"`
	Cost         CostModel    `json:"cost"`

	State               State     `json:"state"`
	Available           bool      `json:"available"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Has reports whether the provider advertises every given capability.
func (p Provider) Has(caps ...Capability) bool {
	for _, want := range caps {
		found := false
		for _, have := range p.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Config tunes the health state machine thresholds.
type Config struct {
	// FailuresForCooldown: consecutive transient failures before cooldown.
	FailuresForCooldown int
	// CooldownBase: first cooldown duration; doubles per extra failure.
	CooldownBase time.Duration
	// CooldownMax: cap on the exponential cooldown.
	CooldownMax time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailuresForCooldown: 3,
		CooldownBase:        15 * time.Second,
		CooldownMax:         5 * time.Minute,
	}
}

// Registry tracks all known providers.
type Registry struct {
	cfg Config
	bus *events.Bus

	mu        sync.RWMutex
	providers map[string]*Provider

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures optional Registry behaviour.
type Option func(*Registry)

// WithEventBus publishes provider.health_changed events on state transitions.
func WithEventBus(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithNowFunc overrides the clock (tests).
func WithNowFunc(fn func() time.Time) Option {
	return func(r *Registry) { r.nowFunc = fn }
}

// New creates a registry with the given config.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.FailuresForCooldown <= 0 {
		cfg.FailuresForCooldown = 3
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = 15 * time.Second
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = 5 * time.Minute
	}
	r := &Registry{
		cfg:       cfg,
		providers: make(map[string]*Provider),
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a provider. Health state starts healthy.
func (r *Registry) Register(p Provider) {
	p.State = StateHealthy
	p.Available = true
	p.ConsecutiveFailures = 0
	p.CooldownUntil = time.Time{}

	r.mu.Lock()
	cp := p
	r.providers[p.ID] = &cp
	r.mu.Unlock()
}

// Get returns a copy of one provider.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return Provider{}, false
	}
	return *p, true
}

// List enumerates all known providers, cooling and disabled included, sorted
// by ID for stable diagnostics output.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AvailableFor returns providers that are currently routable and advertise
// every requested capability, ordered by estimated cost (cheapest first) with
// ID as the tie-break. Never fails: an empty result means no provider matches
// and callers must treat that as NoProviderAvailable.
func (r *Registry) AvailableFor(caps ...Capability) []Provider {
	now := r.nowFunc()

	r.mu.RLock()
	var out []Provider
	for _, p := range r.providers {
		if !r.routableLocked(p, now) {
			continue
		}
		if !p.Has(caps...) {
			continue
		}
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ci := out[i].Cost.EstimateUSD(1000, 1000)
		cj := out[j].Cost.EstimateUSD(1000, 1000)
		if ci != cj {
			return ci < cj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IsAvailable reports whether a provider is currently routable.
func (r *Registry) IsAvailable(id string) bool {
	now := r.nowFunc()
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return ok && r.routableLocked(p, now)
}

// routableLocked applies cooldown expiry without mutating state: a cooling
// provider whose window elapsed becomes routable again, but stays in
// StateCooling until the next Report flips it.
func (r *Registry) routableLocked(p *Provider, now time.Time) bool {
	if !p.Available {
		return false
	}
	if p.State == StateCooling && now.Before(p.CooldownUntil) {
		return false
	}
	return true
}

// Report updates provider health after a call. Three consecutive transient
// failures trigger an exponential cooldown capped at CooldownMax; a permanent
// failure disables the provider until Enable is called.
func (r *Registry) Report(id string, ev ReportEvent) {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	oldState := p.State

	switch ev {
	case ReportSuccess:
		p.ConsecutiveFailures = 0
		p.CooldownUntil = time.Time{}
		p.LastError = ""
		if p.Available {
			p.State = StateHealthy
		}

	case ReportTransientFail:
		p.ConsecutiveFailures++
		if p.ConsecutiveFailures >= r.cfg.FailuresForCooldown {
			p.State = StateCooling
			p.CooldownUntil = r.nowFunc().Add(r.cooldownFor(p.ConsecutiveFailures))
		} else {
			p.State = StateDegraded
		}

	case ReportPermanentFail:
		p.State = StateDisabled
		p.Available = false
	}

	newState := p.State
	r.mu.Unlock()

	if oldState != newState && r.bus != nil {
		r.bus.Publish(events.Event{
			Type:       events.EventProviderHealth,
			ProviderID: id,
			OldState:   string(oldState),
			NewState:   string(newState),
		})
	}
}

// Enable re-enables a provider disabled by a permanent failure. Operator
// action; resets the failure count.
func (r *Registry) Enable(id string) {
	r.mu.Lock()
	p, ok := r.providers[id]
	var oldState State
	if ok {
		oldState = p.State
		p.Available = true
		p.State = StateHealthy
		p.ConsecutiveFailures = 0
		p.CooldownUntil = time.Time{}
	}
	r.mu.Unlock()

	if ok && oldState != StateHealthy && r.bus != nil {
		r.bus.Publish(events.Event{
			Type:       events.EventProviderHealth,
			ProviderID: id,
			OldState:   string(oldState),
			NewState:   string(StateHealthy),
			Reason:     "operator enable",
		})
	}
}

// RecordError notes the error message on the provider for diagnostics.
func (r *Registry) RecordError(id, msg string) {
	r.mu.Lock()
	if p, ok := r.providers[id]; ok {
		p.LastError = msg
	}
	r.mu.Unlock()
}

// CheapestChat returns the cheapest currently-routable provider with the chat
// capability. Used as the routing fallback and the default synthesizer.
func (r *Registry) CheapestChat() (Provider, bool) {
	avail := r.AvailableFor(CapChat)
	if len(avail) == 0 {
		return Provider{}, false
	}
	return avail[0], true
}

// cooldownFor computes the exponential cooldown for the nth consecutive
// failure, capped at CooldownMax.
func (r *Registry) cooldownFor(failures int) time.Duration {
	exp := failures - r.cfg.FailuresForCooldown
	if exp > 16 {
		exp = 16
	}
	d := r.cfg.CooldownBase * time.Duration(1<<uint(exp))
	if d > r.cfg.CooldownMax {
		d = r.cfg.CooldownMax
	}
	return d
}
