package policy

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/jordanhubbard/cognihub/internal/core"
	"github.com/jordanhubbard/cognihub/internal/feature"
	"github.com/jordanhubbard/cognihub/internal/ledger"
	"github.com/jordanhubbard/cognihub/internal/registry"
	"github.com/jordanhubbard/cognihub/internal/scheduler"
)

type fakeProfiles map[string]ledger.Profile

func (f fakeProfiles) Stats(provider, bucket string) ledger.Profile {
	if p, ok := f[provider+"/"+bucket]; ok {
		return p
	}
	return ledger.Profile{Provider: provider, Bucket: bucket, QValue: 0.5}
}

type fakeSched struct{ st scheduler.State }

func (f fakeSched) Snapshot() scheduler.State { return f.st }

func newRegistry(ids ...string) *registry.Registry {
	reg := registry.New(registry.DefaultConfig())
	for i, id := range ids {
		reg.Register(registry.Provider{
			ID:           id,
			DefaultModel: id + "-model",
			Capabilities: []registry.Capability{registry.CapChat, registry.CapCode},
			Cost:         registry.CostModel{InputPerKToken: 0.001 * float64(i+1), OutputPerKToken: 0.002 * float64(i+1)},
		})
	}
	return reg
}

func neverExplore() Option {
	return WithRandFuncs(func() float64 { return 0.99 }, func(n int) int { return 0 })
}

func simpleFeatures() feature.Features {
	return feature.Features{Domain: feature.DomainGeneral, Complexity: feature.ComplexitySimple, LengthBucket: "small"}
}

func TestExploitPicksHighestQ(t *testing.T) {
	reg := newRegistry("a", "b", "c")
	f := simpleFeatures()
	profiles := fakeProfiles{
		"a/" + f.Bucket(): {Provider: "a", Attempts: 20, QValue: 0.4, RollingSuccess: 0.8},
		"b/" + f.Bucket(): {Provider: "b", Attempts: 20, QValue: 0.9, RollingSuccess: 0.95},
		"c/" + f.Bucket(): {Provider: "c", Attempts: 20, QValue: 0.6, RollingSuccess: 0.85},
	}
	r := New(reg, profiles, DefaultConfig(), neverExplore())

	plan, err := r.Plan(core.Request{Prompt: "hi"}, f)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Kind != core.PlanSingle || plan.Single.Provider != "b" {
		t.Fatalf("got %s/%+v, want single on b", plan.Kind, plan.Single)
	}
	if plan.Explored {
		t.Fatal("exploit decision marked as explored")
	}
	if plan.ID == "" || plan.Bucket != f.Bucket() {
		t.Fatalf("plan metadata incomplete: %+v", plan)
	}
}

func TestExplorationRateConverges(t *testing.T) {
	reg := newRegistry("a", "b")
	cfg := DefaultConfig()
	cfg.MinEpsilon = 0.1
	cfg.ShadowRate = 0

	rng := rand.New(rand.NewSource(42))
	r := New(reg, fakeProfiles{}, cfg, WithRandFuncs(rng.Float64, rng.Intn))

	const n = 3000
	explored := 0
	for i := 0; i < n; i++ {
		plan, err := r.Plan(core.Request{Prompt: "hi"}, simpleFeatures())
		if err != nil {
			t.Fatal(err)
		}
		if plan.Explored {
			explored++
		}
	}
	rate := float64(explored) / n
	if math.Abs(rate-0.1) > 0.03 {
		t.Fatalf("exploration rate %v, want about 0.1", rate)
	}
}

func TestExploitMatchesArgmaxFrequency(t *testing.T) {
	// Epsilon-greedy with eps=0.2 over k candidates picks the argmax-Q
	// provider at rate (1-eps)+eps/k: every exploit round plus the uniform
	// exploration draws that happen to land on the argmax.
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	reg := newRegistry(ids...)
	f := simpleFeatures()
	now := time.Now().UTC()
	profiles := fakeProfiles{}
	for i, id := range ids {
		profiles[id+"/"+f.Bucket()] = ledger.Profile{
			Provider:  id,
			Attempts:  50,
			QValue:    0.9 - 0.05*float64(i), // distinct, "a" is the argmax
			UpdatedAt: now,
		}
	}

	cfg := DefaultConfig()
	cfg.MinEpsilon = 0.2
	cfg.MaxEpsilon = 0.5
	cfg.ShadowRate = 0

	rng := rand.New(rand.NewSource(7))
	r := New(reg, profiles, cfg, WithRandFuncs(rng.Float64, rng.Intn))

	const n = 10000
	matches := 0
	for i := 0; i < n; i++ {
		plan, err := r.Plan(core.Request{Prompt: "hi"}, f)
		if err != nil {
			t.Fatal(err)
		}
		if plan.Single.Provider == "a" {
			matches++
		}
	}
	rate := float64(matches) / n
	want := 0.8 + 0.2/float64(len(ids))
	if math.Abs(rate-want) > 0.02 {
		t.Fatalf("argmax match rate %v, want about %v", rate, want)
	}
}

func TestStaleProfileNotRoutable(t *testing.T) {
	reg := newRegistry("a", "b")
	f := simpleFeatures()
	now := time.Now().UTC()
	profiles := fakeProfiles{
		// "a" has the better record but it expired two TTLs ago.
		"a/" + f.Bucket(): {Provider: "a", Attempts: 30, QValue: 0.9, UpdatedAt: now.Add(-48 * time.Hour)},
		"b/" + f.Bucket(): {Provider: "b", Attempts: 30, QValue: 0.5, UpdatedAt: now},
	}
	cfg := DefaultConfig()
	cfg.ShadowRate = 0
	r := New(reg, profiles, cfg, neverExplore())

	plan, err := r.Plan(core.Request{Prompt: "hi"}, f)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Single.Provider != "b" {
		t.Fatalf("routed to expired profile: %+v", plan.Single)
	}
}

func TestAllProfilesStaleKeepsEveryone(t *testing.T) {
	reg := newRegistry("a", "b")
	f := simpleFeatures()
	old := time.Now().UTC().Add(-72 * time.Hour)
	profiles := fakeProfiles{
		"a/" + f.Bucket(): {Provider: "a", Attempts: 30, QValue: 0.9, UpdatedAt: old},
		"b/" + f.Bucket(): {Provider: "b", Attempts: 30, QValue: 0.5, UpdatedAt: old},
	}
	cfg := DefaultConfig()
	cfg.ShadowRate = 0
	r := New(reg, profiles, cfg, neverExplore())

	// Expiring the whole candidate set would leave nothing to route to, so
	// the freshness filter stands down and normal ranking applies.
	plan, err := r.Plan(core.Request{Prompt: "hi"}, f)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Single.Provider != "a" {
		t.Fatalf("got %+v, want best-Q provider a", plan.Single)
	}
}

func TestUntriedProviderPassesFreshnessFilter(t *testing.T) {
	reg := newRegistry("a", "b")
	f := simpleFeatures()
	profiles := fakeProfiles{
		// "a" expired; "b" has never been tried and has no profile to expire.
		"a/" + f.Bucket(): {Provider: "a", Attempts: 30, QValue: 0.9, UpdatedAt: time.Now().UTC().Add(-48 * time.Hour)},
	}
	cfg := DefaultConfig()
	cfg.ShadowRate = 0
	r := New(reg, profiles, cfg, neverExplore())

	plan, err := r.Plan(core.Request{Prompt: "hi"}, f)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Single.Provider != "b" {
		t.Fatalf("got %+v, want untried provider b", plan.Single)
	}
}

func TestOverridePinsProvider(t *testing.T) {
	reg := newRegistry("a", "b")
	r := New(reg, fakeProfiles{}, DefaultConfig(), neverExplore())

	req := core.Request{Prompt: "hi", Override: &core.Override{Provider: "b", Model: "custom"}}
	plan, err := r.Plan(req, simpleFeatures())
	if err != nil {
		t.Fatal(err)
	}
	if plan.Single == nil || plan.Single.Provider != "b" || plan.Single.Model != "custom" {
		t.Fatalf("override not honored: %+v", plan.Single)
	}
}

func TestOverrideUnavailableFallsThrough(t *testing.T) {
	reg := newRegistry("a", "b")
	reg.Report("b", registry.ReportPermanentFail)
	r := New(reg, fakeProfiles{}, DefaultConfig(), neverExplore())

	req := core.Request{Prompt: "hi", Override: &core.Override{Provider: "b"}}
	plan, err := r.Plan(req, simpleFeatures())
	if err != nil {
		t.Fatal(err)
	}
	if plan.Single.Provider == "b" {
		t.Fatal("routed to an unavailable override")
	}
}

func TestFallbackToCheapestChat(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	reg.Register(registry.Provider{
		ID:           "chatty",
		DefaultModel: "m",
		Capabilities: []registry.Capability{registry.CapChat},
		Cost:         registry.CostModel{InputPerKToken: 0.001},
	})
	r := New(reg, fakeProfiles{}, DefaultConfig(), neverExplore())

	// Code tasks require the code capability, which nothing advertises.
	plan, err := r.Plan(core.Request{Prompt: "hi", TaskType: core.TaskCode}, simpleFeatures())
	if err != nil {
		t.Fatal(err)
	}
	if plan.Single == nil || plan.Single.Provider != "chatty" {
		t.Fatalf("fallback missing: %+v", plan)
	}
}

func TestNoProviderAvailable(t *testing.T) {
	reg := newRegistry("a")
	for i := 0; i < 3; i++ {
		reg.Report("a", registry.ReportTransientFail)
	}
	r := New(reg, fakeProfiles{}, DefaultConfig(), neverExplore())

	_, err := r.Plan(core.Request{Prompt: "hi"}, simpleFeatures())
	if !errors.Is(err, core.ErrNoProviderAvailable) {
		t.Fatalf("got %v, want ErrNoProviderAvailable", err)
	}
}

func TestEnsembleShapeForComplexCreative(t *testing.T) {
	reg := newRegistry("a", "b", "c", "d")
	r := New(reg, fakeProfiles{}, DefaultConfig(), neverExplore())

	f := feature.Features{Domain: feature.DomainCreative, Complexity: feature.ComplexityComplex}
	plan, err := r.Plan(core.Request{Prompt: "hi", Mode: core.ModeCreative}, f)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Kind != core.PlanEnsemble {
		t.Fatalf("got kind %s, want ensemble", plan.Kind)
	}
	if len(plan.Ensemble.Providers) != 3 || !plan.Ensemble.Synthesize {
		t.Fatalf("ensemble shape: %+v", plan.Ensemble)
	}
	if plan.Ensemble.MinResponses != 2 {
		t.Fatalf("min responses: %d", plan.Ensemble.MinResponses)
	}
}

func TestEnsembleKeywordTrigger(t *testing.T) {
	reg := newRegistry("a", "b")
	r := New(reg, fakeProfiles{}, DefaultConfig(), neverExplore())

	f := feature.Features{Domain: feature.DomainAnalysis, Complexity: feature.ComplexityComplex, Keywords: []string{"compare"}}
	plan, err := r.Plan(core.Request{Prompt: "compare these"}, f)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Kind != core.PlanEnsemble {
		t.Fatalf("got kind %s, want ensemble", plan.Kind)
	}
}

func TestValidationShapeForCriticalCode(t *testing.T) {
	reg := newRegistry("a", "b", "c")
	r := New(reg, fakeProfiles{}, DefaultConfig(), neverExplore())

	f := feature.Features{Domain: feature.DomainCode, Complexity: feature.ComplexityCritical}
	plan, err := r.Plan(core.Request{Prompt: "hi", TaskType: core.TaskCode, Mode: core.ModeTechnical}, f)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Kind != core.PlanValidationLoop {
		t.Fatalf("got kind %s, want validation_loop", plan.Kind)
	}
	if plan.Validation.SkipOptimize {
		t.Fatal("critical complexity should keep the optimize stage")
	}
	stages := plan.Validation.Stages
	if len(stages) != 4 || stages[0].Stage != core.StageGenerate || stages[3].Stage != core.StageOptimize {
		t.Fatalf("stage order: %+v", stages)
	}
}

func TestValidationShapeForHighQualityCode(t *testing.T) {
	reg := newRegistry("a", "b")
	r := New(reg, fakeProfiles{}, DefaultConfig(), neverExplore())

	f := feature.Features{Domain: feature.DomainCode, Complexity: feature.ComplexityModerate}
	plan, err := r.Plan(core.Request{Prompt: "hi", TaskType: core.TaskCode, QualityThreshold: 0.95}, f)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Kind != core.PlanValidationLoop {
		t.Fatalf("got kind %s, want validation_loop", plan.Kind)
	}
	if !plan.Validation.SkipOptimize {
		t.Fatal("non-critical loop should skip the optimize stage")
	}
}

func TestShadowRateZeroMeansNoShadow(t *testing.T) {
	reg := newRegistry("a", "b")
	cfg := DefaultConfig()
	cfg.ShadowRate = 0
	r := New(reg, fakeProfiles{}, cfg, WithRandFuncs(func() float64 { return 0.0 }, func(n int) int { return 0 }))

	for i := 0; i < 20; i++ {
		plan, err := r.Plan(core.Request{Prompt: "hi"}, simpleFeatures())
		if err != nil {
			t.Fatal(err)
		}
		if plan.Shadow != nil {
			t.Fatal("shadow attached despite rate 0")
		}
	}
}

func TestShadowChallengerDiffersFromChosen(t *testing.T) {
	reg := newRegistry("a", "b")
	cfg := DefaultConfig()
	cfg.ShadowRate = 1
	r := New(reg, fakeProfiles{}, cfg, neverExplore())

	plan, err := r.Plan(core.Request{Prompt: "hi"}, simpleFeatures())
	if err != nil {
		t.Fatal(err)
	}
	if plan.Shadow == nil {
		t.Fatal("shadow not attached at rate 1")
	}
	if plan.Shadow.Provider == plan.Single.Provider {
		t.Fatal("shadow must differ from the chosen provider")
	}
}

func TestConfidenceDiscountsThinSamples(t *testing.T) {
	reg := newRegistry("a")
	f := simpleFeatures()
	profiles := fakeProfiles{
		"a/" + f.Bucket(): {Provider: "a", Attempts: 2, RollingSuccess: 1.0, QValue: 0.9},
	}
	cfg := DefaultConfig()
	cfg.ShadowRate = 0
	r := New(reg, profiles, cfg, neverExplore())

	plan, err := r.Plan(core.Request{Prompt: "hi"}, f)
	if err != nil {
		t.Fatal(err)
	}
	// 2 of 5 required samples: confidence = 1.0 * 2/5.
	if math.Abs(plan.Confidence-0.4) > 1e-9 {
		t.Fatalf("confidence: got %v, want 0.4", plan.Confidence)
	}
}

func TestSchedulerViewDrivesRates(t *testing.T) {
	reg := newRegistry("a", "b")
	cfg := DefaultConfig()
	sched := fakeSched{st: scheduler.State{Mode: scheduler.ModeStopped, ExplorationRate: 0, ShadowRate: 0}}
	r := New(reg, fakeProfiles{}, cfg, neverExplore(), WithSchedulerView(sched))

	plan, err := r.Plan(core.Request{Prompt: "hi"}, simpleFeatures())
	if err != nil {
		t.Fatal(err)
	}
	// Epsilon floors at MinEpsilon even when the scheduler publishes 0.
	if plan.Epsilon != cfg.MinEpsilon {
		t.Fatalf("epsilon: got %v, want %v", plan.Epsilon, cfg.MinEpsilon)
	}
	if plan.Shadow != nil {
		t.Fatal("shadow should be off when the scheduler rate is 0")
	}
}

func TestNextBestExcludes(t *testing.T) {
	reg := newRegistry("a", "b", "c")
	f := simpleFeatures()
	profiles := fakeProfiles{
		"a/" + f.Bucket(): {Provider: "a", Attempts: 10, QValue: 0.9},
		"b/" + f.Bucket(): {Provider: "b", Attempts: 10, QValue: 0.8},
		"c/" + f.Bucket(): {Provider: "c", Attempts: 10, QValue: 0.7},
	}
	r := New(reg, profiles, DefaultConfig())

	p, ok := r.NextBest(f.Bucket(), []registry.Capability{registry.CapChat}, map[string]bool{"a": true})
	if !ok || p.ID != "b" {
		t.Fatalf("got %q, want b", p.ID)
	}
	_, ok = r.NextBest(f.Bucket(), []registry.Capability{registry.CapChat}, map[string]bool{"a": true, "b": true, "c": true})
	if ok {
		t.Fatal("all excluded, expected no provider")
	}
}

func TestStatsTracksShadowWins(t *testing.T) {
	reg := newRegistry("a")
	r := New(reg, fakeProfiles{}, DefaultConfig())
	r.RecordShadowResult(true)
	r.RecordShadowResult(false)
	r.RecordShadowResult(true)

	s := r.Stats()
	if s.ShadowTrials != 3 || s.ShadowWins != 2 {
		t.Fatalf("stats: %+v", s)
	}
	if math.Abs(s.ShadowWinPct-2.0/3.0) > 1e-9 {
		t.Fatalf("win pct: %v", s.ShadowWinPct)
	}
}
