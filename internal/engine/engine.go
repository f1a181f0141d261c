// Package engine executes plans: single calls with retry and backoff,
// parallel ensemble fan-out with quorum and synthesis, staged validation
// loops, and parallel shadow experiments. Every provider call attempted
// produces exactly one outcome in the ledger, and exactly one envelope is
// emitted per accepted plan.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/cognihub/internal/adapter"
	"github.com/jordanhubbard/cognihub/internal/core"
	"github.com/jordanhubbard/cognihub/internal/envelope"
	"github.com/jordanhubbard/cognihub/internal/events"
	"github.com/jordanhubbard/cognihub/internal/feature"
	"github.com/jordanhubbard/cognihub/internal/ledger"
	"github.com/jordanhubbard/cognihub/internal/registry"
)

// Recorder is the slice of the ledger the engine writes to.
type Recorder interface {
	RegisterPlan(planID string)
	Record(o core.Outcome) error
}

// Selector supplies replacement providers for validation-stage retries.
// Implemented by the routing policy.
type Selector interface {
	NextBest(bucket string, caps []registry.Capability, exclude map[string]bool) (registry.Provider, bool)
}

// Profiles supplies rolling stats used to pick the winning raw answer of an
// unsynthesized ensemble.
type Profiles interface {
	Stats(provider, bucket string) ledger.Profile
}

// Gate is the scheduler's emergency-stop check.
type Gate interface {
	Stopped() bool
}

// ShadowObserver receives the verdict of each completed shadow experiment.
type ShadowObserver interface {
	RecordShadowResult(win bool)
}

// Config tunes execution budgets.
type Config struct {
	PerCallTimeout  time.Duration
	ValidationSlack time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PerCallTimeout:  30 * time.Second,
		ValidationSlack: 10 * time.Second,
		MaxRetries:      2,
		BackoffBase:     200 * time.Millisecond,
		BackoffCap:      3 * time.Second,
	}
}

// Engine executes plans against registered provider adapters.
type Engine struct {
	reg      *registry.Registry
	rec      Recorder
	selector Selector
	profiles Profiles
	gate     Gate
	shadow   ShadowObserver
	scorer   Scorer
	bus      *events.Bus
	logger   *slog.Logger
	tracer   trace.Tracer

	cfgMu sync.RWMutex
	cfg   Config

	adapterMu sync.RWMutex
	adapters  map[string]adapter.Adapter

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	// randFloat drives outcome sampling; injectable for tests.
	randFloat func() float64
}

// Option configures the engine.
type Option func(*Engine)

// WithSelector attaches the stage-retry provider selector.
func WithSelector(s Selector) Option {
	return func(e *Engine) { e.selector = s }
}

// WithProfiles attaches a rolling-stats source.
func WithProfiles(p Profiles) Option {
	return func(e *Engine) { e.profiles = p }
}

// WithGate attaches the scheduler stop gate.
func WithGate(g Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithShadowObserver reports shadow experiment verdicts.
func WithShadowObserver(o ShadowObserver) Option {
	return func(e *Engine) { e.shadow = o }
}

// WithScorer overrides the validation-stage scorer.
func WithScorer(s Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithEventBus publishes plan lifecycle events.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRandFunc overrides the sampling source (tests).
func WithRandFunc(fn func() float64) Option {
	return func(e *Engine) { e.randFloat = fn }
}

// New creates an engine.
func New(reg *registry.Registry, rec Recorder, cfg Config, opts ...Option) *Engine {
	if cfg.PerCallTimeout <= 0 {
		cfg.PerCallTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 3 * time.Second
	}
	e := &Engine{
		reg:       reg,
		rec:       rec,
		cfg:       cfg,
		scorer:    HeuristicScorer{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("cognihub/engine"),
		adapters:  make(map[string]adapter.Adapter),
		cancels:   make(map[string]context.CancelFunc),
		randFloat: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UpdateConfig hot-swaps execution budgets.
func (e *Engine) UpdateConfig(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// AddAdapter registers a provider adapter keyed by its ID.
func (e *Engine) AddAdapter(a adapter.Adapter) {
	e.adapterMu.Lock()
	e.adapters[a.ID()] = a
	e.adapterMu.Unlock()
}

func (e *Engine) adapterFor(id string) (adapter.Adapter, bool) {
	e.adapterMu.RLock()
	defer e.adapterMu.RUnlock()
	a, ok := e.adapters[id]
	return a, ok
}

// Cancel cooperatively aborts an in-flight plan. Returns false when the plan
// is unknown or already finished.
func (e *Engine) Cancel(planID string) bool {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[planID]
	e.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Execute runs a plan to completion and emits exactly one envelope through
// the sink's OnDone. The returned error, when non-nil, is also reflected in
// the envelope's status and errorKind.
func (e *Engine) Execute(ctx context.Context, plan core.Plan, req core.Request, sink Sink) (envelope.Envelope, error) {
	if e.gate != nil && e.gate.Stopped() {
		return envelope.Envelope{}, core.ErrSchedulerStopped
	}

	ctx, span := e.tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(
			attribute.String("plan.id", plan.ID),
			attribute.String("plan.kind", string(plan.Kind)),
			attribute.String("plan.bucket", plan.Bucket),
		))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancels[plan.ID] = cancel
	e.cancelMu.Unlock()
	defer func() {
		cancel()
		e.cancelMu.Lock()
		delete(e.cancels, plan.ID)
		e.cancelMu.Unlock()
	}()

	e.rec.RegisterPlan(plan.ID)
	e.publish(events.Event{Type: events.EventPlanCreated, PlanID: plan.ID, PlanKind: string(plan.Kind)})

	start := time.Now()
	labels := feature.Extract(req).Labels()

	// Shadow challenger runs in parallel against the same prompt; its result
	// is recorded but never surfaced.
	var shadowWG sync.WaitGroup
	var shadowTrace *envelope.ProviderTrace
	if plan.Shadow != nil {
		shadowWG.Add(1)
		go func() {
			defer shadowWG.Done()
			t := e.runShadow(ctx, plan, req, labels)
			shadowTrace = &t
		}()
	}

	var (
		response  string
		primary   string
		traces    []envelope.ProviderTrace
		consensus *float64
		status    envelope.Status
		err       error
	)
	switch plan.Kind {
	case core.PlanSingle:
		response, traces, status, err = e.runSingle(ctx, plan, req, sink, labels)
	case core.PlanEnsemble:
		response, primary, traces, consensus, status, err = e.runEnsemble(ctx, plan, req, sink, labels)
	case core.PlanValidationLoop:
		response, traces, status, err = e.runValidation(ctx, plan, req, sink, labels)
	default:
		status, err = envelope.StatusError, fmt.Errorf("unknown plan kind %q", plan.Kind)
	}

	// Envelope emission happens strictly after every in-flight call resolved.
	shadowWG.Wait()
	if shadowTrace != nil {
		traces = append(traces, *shadowTrace)
		e.judgeShadow(*shadowTrace, traces)
	}

	env := envelope.Wrap(response, status, errorKindOf(err), traces, plan, primary, consensus, time.Since(start))
	sink.OnDone(env)
	e.publish(events.Event{Type: events.EventPlanCompleted, PlanID: plan.ID, PlanKind: string(plan.Kind), Status: string(status)})
	return env, err
}

// runSingle executes a single-provider plan with retry and backoff.
func (e *Engine) runSingle(ctx context.Context, plan core.Plan, req core.Request, sink Sink, labels []string) (string, []envelope.ProviderTrace, envelope.Status, error) {
	content, traces, err := e.callWithRetry(ctx, plan, req, sink,
		plan.Single.Provider, plan.Single.Model, core.RolePrimary, req.Prompt, "", labels, wantsChunks(sink), nil)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return "", traces, envelope.StatusCancelled, core.ErrCancelled
		}
		return "", traces, envelope.StatusError, err
	}
	sink.OnStageComplete(core.StageGenerate, fmt.Sprintf("%s responded (%d bytes)", plan.Single.Provider, len(content)))
	return content, traces, envelope.StatusSuccess, nil
}

// callWithRetry invokes one provider up to MaxRetries+1 times with
// exponential backoff and full jitter. Each failed attempt records a
// transient_fail or permanent_fail outcome; the successful attempt records a
// success. Streaming is attempted only while no chunk has been delivered, so
// the sink never sees duplicated prefixes across retries.
func (e *Engine) callWithRetry(ctx context.Context, plan core.Plan, req core.Request, sink Sink, providerID, model string, role core.Role, prompt, system string, labels []string, stream bool, score func(string) float64) (string, []envelope.ProviderTrace, error) {
	cfg := e.config()
	var traces []envelope.ProviderTrace
	var lastErr error

	chunked := false
	onChunk := func(text string) {
		chunked = true
		sink.OnChunk(text)
	}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		res, tr, err := e.callOnce(ctx, plan, req, providerID, model, role, prompt, system, labels, stream, onChunk, score)
		traces = append(traces, tr)
		if err == nil {
			if !stream {
				// Non-streaming primaries still deliver their content as one
				// chunk so streaming and buffering sinks see the same text.
				if role == core.RolePrimary {
					sink.OnChunk(res.Content)
				}
			}
			return res.Content, traces, nil
		}
		lastErr = err

		ae := adapter.Classify(err)
		if !ae.Retriable || attempt == cfg.MaxRetries || (stream && chunked) {
			break
		}
		if !e.backoff(ctx, cfg, attempt, ae.RetryAfter) {
			lastErr = ctx.Err()
			break
		}
	}
	return "", traces, lastErr
}

// callOnce performs one provider invocation, reports health, and records the
// outcome.
func (e *Engine) callOnce(ctx context.Context, plan core.Plan, req core.Request, providerID, model string, role core.Role, prompt, system string, labels []string, stream bool, onChunk func(string), score func(string) float64) (adapter.Result, envelope.ProviderTrace, error) {
	cfg := e.config()
	p, ok := e.reg.Get(providerID)
	if !ok {
		err := &adapter.Error{Kind: adapter.ErrBadInput, Err: fmt.Errorf("unknown provider %q", providerID)}
		return adapter.Result{}, envelope.ProviderTrace{Provider: providerID, Model: model, Role: role}, err
	}
	ad, ok := e.adapterFor(providerID)
	if !ok {
		err := &adapter.Error{Kind: adapter.ErrBadInput, Err: fmt.Errorf("no adapter for provider %q", providerID)}
		e.recordOutcome(plan, providerID, model, role, labels, false, 0, 0, 0, string(adapter.ErrBadInput))
		return adapter.Result{}, envelope.ProviderTrace{Provider: providerID, Model: model, Role: role}, err
	}
	if model == "" {
		model = p.DefaultModel
	}

	areq := adapter.Request{
		Prompt:  prompt,
		System:  system,
		History: req.History,
		Model:   model,
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.PerCallTimeout)
	defer cancel()

	started := time.Now()
	var res adapter.Result
	var err error
	if stream {
		res, err = ad.Stream(callCtx, areq, onChunk)
	} else {
		res, err = ad.Generate(callCtx, areq)
	}
	latency := time.Since(started).Milliseconds()
	if res.LatencyMs > 0 {
		latency = res.LatencyMs
	}

	tr := envelope.ProviderTrace{Provider: providerID, Model: model, Role: role, LatencyMs: latency}

	if err != nil {
		ae := adapter.Classify(err)
		kind := string(ae.Kind)
		ev := registry.ReportTransientFail
		if !ae.Retriable && ae.Kind != adapter.ErrNetwork {
			ev = registry.ReportPermanentFail
		}
		// A call aborted by our own cancellation or deadline counts as a
		// transient failure, not a provider fault worth disabling over.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			ev = registry.ReportTransientFail
			kind = string(adapter.ErrNetwork)
		}
		e.reg.Report(providerID, ev)
		e.reg.RecordError(providerID, err.Error())
		e.recordOutcome(plan, providerID, model, role, labels, false, latency, 0, 0, kind)
		return adapter.Result{}, tr, err
	}

	cost := p.Cost.EstimateUSD(res.Usage.InputTokens, res.Usage.OutputTokens)
	tr.CostUSD = cost
	tr.Success = true

	quality := 0.0
	if score != nil {
		quality = score(res.Content)
	}
	e.reg.Report(providerID, registry.ReportSuccess)
	e.recordOutcome(plan, providerID, model, role, labels, true, latency, cost, quality, "")
	return res, tr, nil
}

// recordOutcome appends one outcome to the ledger, subject to the plan's
// recording sample rate. Failures are always recorded; sampling only thins
// successes.
func (e *Engine) recordOutcome(plan core.Plan, providerID, model string, role core.Role, labels []string, success bool, latencyMs int64, costUSD, quality float64, errorKind string) {
	rate := plan.RecordingSampleRate
	if rate <= 0 {
		rate = 1
	}
	if success && rate < 1 && e.randFloat() >= rate {
		return
	}
	o := core.Outcome{
		PlanID:       plan.ID,
		Provider:     providerID,
		Model:        model,
		Role:         role,
		Bucket:       plan.Bucket,
		Features:     labels,
		Success:      success,
		LatencyMs:    latencyMs,
		CostUSD:      costUSD,
		QualityScore: quality,
		ErrorKind:    errorKind,
		Timestamp:    time.Now().UTC(),
	}
	if err := e.rec.Record(o); err != nil {
		e.logger.Warn("outcome record failed",
			slog.String("plan_id", plan.ID),
			slog.String("provider", providerID),
			slog.String("error", err.Error()))
	}
}

// runShadow fires the challenger call. Its chunks never reach the sink.
func (e *Engine) runShadow(ctx context.Context, plan core.Plan, req core.Request, labels []string) envelope.ProviderTrace {
	_, traces, err := e.callWithRetry(ctx, plan, req, discardSink{}, plan.Shadow.Provider, plan.Shadow.Model, core.RoleShadow, req.Prompt, "", labels, false, nil)
	if len(traces) > 0 {
		return traces[len(traces)-1]
	}
	t := envelope.ProviderTrace{Provider: plan.Shadow.Provider, Model: plan.Shadow.Model, Role: core.RoleShadow}
	if err != nil {
		t.Success = false
	}
	return t
}

// judgeShadow compares the challenger against the primary trace and reports
// the verdict: the shadow wins when it succeeded and either the primary
// failed or the shadow was faster.
func (e *Engine) judgeShadow(shadow envelope.ProviderTrace, traces []envelope.ProviderTrace) {
	if e.shadow == nil {
		return
	}
	var primary *envelope.ProviderTrace
	for i := range traces {
		if traces[i].Role == core.RolePrimary {
			primary = &traces[i]
		}
	}
	win := shadow.Success && (primary == nil || !primary.Success || shadow.LatencyMs < primary.LatencyMs)
	e.shadow.RecordShadowResult(win)
}

// backoff sleeps with full jitter, honoring a Retry-After hint and the
// context. Returns false when the context was cancelled during the wait.
func (e *Engine) backoff(ctx context.Context, cfg Config, attempt, retryAfterSec int) bool {
	max := cfg.BackoffBase << uint(attempt)
	if max > cfg.BackoffCap {
		max = cfg.BackoffCap
	}
	d := time.Duration(e.randFloat() * float64(max))
	if ra := time.Duration(retryAfterSec) * time.Second; ra > d {
		d = ra
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func errorKindOf(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, core.ErrCancelled):
		return "cancelled"
	case errors.Is(err, core.ErrSchedulerStopped):
		return "scheduler_stopped"
	}
	var uq *core.UnderQuorumError
	if errors.As(err, &uq) {
		return "ensemble_under_quorum"
	}
	var vf *core.ValidationFailedError
	if errors.As(err, &vf) {
		return "validation_failed"
	}
	var ae *adapter.Error
	if errors.As(err, &ae) {
		return string(ae.Kind)
	}
	return "error"
}

func wantsChunks(s Sink) bool {
	w, ok := s.(WantsChunks)
	return ok && w.WantsChunks()
}

// discardSink swallows shadow output.
type discardSink struct{}

func (discardSink) OnChunk(string)                     {}
func (discardSink) OnStageComplete(core.Stage, string) {}
func (discardSink) OnDone(envelope.Envelope)           {}
