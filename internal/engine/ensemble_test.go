package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jordanhubbard/cognihub/internal/adapter"
	"github.com/jordanhubbard/cognihub/internal/core"
	"github.com/jordanhubbard/cognihub/internal/envelope"
)

func ensemblePlan(providers []string, minResponses int, synthesize bool) core.Plan {
	return core.Plan{
		ID:   "plan-ens",
		Kind: core.PlanEnsemble,
		Ensemble: &core.EnsemblePlan{
			Providers:    providers,
			Synthesize:   synthesize,
			MinResponses: minResponses,
			Timeout:      10 * time.Second,
		},
		Bucket:              "analysis/complex",
		RecordingSampleRate: 1,
		CreatedAt:           time.Now(),
	}
}

func TestEnsembleQuorumCancelsStraggler(t *testing.T) {
	reg := testRegistry("a", "b", "c")
	rec := &memRecorder{}
	e := New(reg, rec, quickConfig())
	e.AddAdapter(&mockAdapter{id: "a", calls: []call{{content: "answer a", latency: 20}}})
	e.AddAdapter(&mockAdapter{id: "b", calls: []call{{content: "answer b", latency: 10}}})
	e.AddAdapter(&mockAdapter{id: "c", calls: []call{{content: "late", delay: 30 * time.Second}}})

	sink := NewBufferSink()
	start := time.Now()
	env, err := e.Execute(context.Background(), ensemblePlan([]string{"a", "b", "c"}, 2, false), core.Request{Prompt: "hi"}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("straggler was not cancelled, took %v", elapsed)
	}
	if env.Status != envelope.StatusSuccess {
		t.Fatalf("status: %s", env.Status)
	}
	// Lowest latency wins the tie on equal confidence.
	if env.Response != "answer b" || sink.Content() != "answer b" {
		t.Fatalf("response: %q", env.Response)
	}
	// Every member appears in the trace, the cancelled straggler included.
	if len(env.Meta.Providers) != 3 {
		t.Fatalf("got %d traces, want 3", len(env.Meta.Providers))
	}
	byProvider := map[string]envelope.ProviderTrace{}
	for _, tr := range env.Meta.Providers {
		byProvider[tr.Provider] = tr
	}
	if byProvider["c"].Success {
		t.Fatal("straggler trace should be marked failed")
	}
	// Both quorum members always record a success. The straggler records a
	// failure unless cancellation landed before its first attempt.
	var successes int
	for _, o := range rec.all() {
		if o.Success {
			successes++
		}
	}
	if successes != 2 {
		t.Fatalf("got %d success outcomes, want 2", successes)
	}
}

func TestEnsembleUnderQuorum(t *testing.T) {
	reg := testRegistry("a", "b")
	rec := &memRecorder{}
	e := New(reg, rec, quickConfig())
	fail := call{err: &adapter.Error{Kind: adapter.ErrServer, Retriable: false, Err: errors.New("boom")}}
	e.AddAdapter(&mockAdapter{id: "a", calls: []call{fail}})
	e.AddAdapter(&mockAdapter{id: "b", calls: []call{fail}})

	env, err := e.Execute(context.Background(), ensemblePlan([]string{"a", "b"}, 2, true), core.Request{Prompt: "hi"}, NewBufferSink())
	var uq *core.UnderQuorumError
	if !errors.As(err, &uq) {
		t.Fatalf("got %v, want UnderQuorumError", err)
	}
	if uq.Got != 0 || uq.Want != 2 {
		t.Fatalf("quorum counts: %+v", uq)
	}
	if env.Status != envelope.StatusError || env.ErrorKind != "ensemble_under_quorum" {
		t.Fatalf("envelope: status=%s kind=%s", env.Status, env.ErrorKind)
	}
	if len(env.Meta.Providers) != 2 {
		t.Fatalf("partial traces missing: %+v", env.Meta.Providers)
	}
}

func TestEnsembleSynthesizesConsensus(t *testing.T) {
	reg := testRegistry("a", "b", "c")
	rec := &memRecorder{}
	e := New(reg, rec, quickConfig())
	// "a" is cheapest, so it doubles as the synthesizer on its second call.
	e.AddAdapter(&mockAdapter{id: "a", calls: []call{{content: "answer a"}, {content: "the consensus"}}})
	e.AddAdapter(&mockAdapter{id: "b", calls: []call{{content: "answer b"}}})
	e.AddAdapter(&mockAdapter{id: "c", calls: []call{{content: "answer c"}}})

	sink := NewBufferSink()
	env, err := e.Execute(context.Background(), ensemblePlan([]string{"a", "b", "c"}, 2, true), core.Request{Prompt: "hi"}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != envelope.StatusSuccess || env.Response != "the consensus" {
		t.Fatalf("envelope: %+v", env)
	}
	if env.Meta.Consensus == nil {
		t.Fatal("consensus score missing")
	}
	if env.Meta.Primary.Provider != "a" {
		t.Fatalf("primary should be the synthesizer: %+v", env.Meta.Primary)
	}
	last := env.Meta.Providers[len(env.Meta.Providers)-1]
	if last.Role != core.RoleSynthesizer || !last.Success {
		t.Fatalf("synthesizer trace: %+v", last)
	}
	if sink.Content() != "the consensus" {
		t.Fatalf("raw member answers leaked: %q", sink.Content())
	}
}

func TestEnsembleSynthesisFailureDegrades(t *testing.T) {
	reg := testRegistry("s", "b", "c")
	rec := &memRecorder{}
	e := New(reg, rec, quickConfig())
	// "s" is the cheapest chat provider and will be asked to synthesize.
	e.AddAdapter(&mockAdapter{id: "s", calls: []call{{err: &adapter.Error{Kind: adapter.ErrServer, Retriable: false, Err: errors.New("boom")}}}})
	e.AddAdapter(&mockAdapter{id: "b", calls: []call{{content: "answer b", latency: 10}}})
	e.AddAdapter(&mockAdapter{id: "c", calls: []call{{content: "answer c", latency: 50}}})

	env, err := e.Execute(context.Background(), ensemblePlan([]string{"b", "c"}, 2, true), core.Request{Prompt: "hi"}, NewBufferSink())
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != envelope.StatusDegraded {
		t.Fatalf("status: %s", env.Status)
	}
	if env.Response != "answer b" {
		t.Fatalf("fallback answer: %q", env.Response)
	}
	if env.Meta.Consensus == nil {
		t.Fatal("consensus score should survive synthesis failure")
	}
}

func TestEnsembleWinnerPrefersRollingSuccess(t *testing.T) {
	reg := testRegistry("a", "b")
	rec := &memRecorder{}
	e := New(reg, rec, quickConfig(), WithProfiles(staticProfiles{"a": 0.9, "b": 0.5}))
	e.AddAdapter(&mockAdapter{id: "a", calls: []call{{content: "answer a", latency: 50}}})
	e.AddAdapter(&mockAdapter{id: "b", calls: []call{{content: "answer b", latency: 10}}})

	env, err := e.Execute(context.Background(), ensemblePlan([]string{"a", "b"}, 2, false), core.Request{Prompt: "hi"}, NewBufferSink())
	if err != nil {
		t.Fatal(err)
	}
	// Track record beats raw speed.
	if env.Response != "answer a" {
		t.Fatalf("winner: %q", env.Response)
	}
}

func TestEnsemblePrimaryNamesWinner(t *testing.T) {
	reg := testRegistry("a", "b")
	rec := &memRecorder{}
	e := New(reg, rec, quickConfig(), WithProfiles(staticProfiles{"a": 0.9, "b": 0.1}))
	// "a" wins on track record but finishes first; "b"'s trace arrives last,
	// so completion order alone would misattribute the surfaced answer.
	e.AddAdapter(&mockAdapter{id: "a", calls: []call{{content: "answer a", latency: 5}}})
	e.AddAdapter(&mockAdapter{id: "b", calls: []call{{content: "answer b", latency: 10, delay: 300 * time.Millisecond}}})

	env, err := e.Execute(context.Background(), ensemblePlan([]string{"a", "b"}, 2, false), core.Request{Prompt: "hi"}, NewBufferSink())
	if err != nil {
		t.Fatal(err)
	}
	if env.Response != "answer a" {
		t.Fatalf("winner: %q", env.Response)
	}
	if env.Meta.Primary.Provider != "a" {
		t.Fatalf("primary should match the surfaced answer: %+v", env.Meta.Primary)
	}
}

func TestEnsembleDegradedPrimaryNamesWinner(t *testing.T) {
	reg := testRegistry("s", "b", "c")
	rec := &memRecorder{}
	e := New(reg, rec, quickConfig(), WithProfiles(staticProfiles{"b": 0.2, "c": 0.8}))
	// "s" is the cheapest chat provider and fails the synthesis call.
	e.AddAdapter(&mockAdapter{id: "s", calls: []call{{err: &adapter.Error{Kind: adapter.ErrServer, Retriable: false, Err: errors.New("boom")}}}})
	e.AddAdapter(&mockAdapter{id: "b", calls: []call{{content: "answer b", latency: 10, delay: 100 * time.Millisecond}}})
	e.AddAdapter(&mockAdapter{id: "c", calls: []call{{content: "answer c", latency: 50}}})

	env, err := e.Execute(context.Background(), ensemblePlan([]string{"b", "c"}, 2, true), core.Request{Prompt: "hi"}, NewBufferSink())
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != envelope.StatusDegraded {
		t.Fatalf("status: %s", env.Status)
	}
	if env.Response != "answer c" {
		t.Fatalf("fallback answer: %q", env.Response)
	}
	if env.Meta.Primary.Provider != "c" {
		t.Fatalf("primary should match the fallback answer: %+v", env.Meta.Primary)
	}
}

func TestConsensusScore(t *testing.T) {
	if got := consensusScore([]string{"only one"}); got != 1 {
		t.Fatalf("single answer: %v", got)
	}
	if got := consensusScore([]string{"the cat sat", "The cat sat."}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical answers: %v", got)
	}
	if got := consensusScore([]string{"alpha beta", "gamma delta"}); got != 0 {
		t.Fatalf("disjoint answers: %v", got)
	}
	mixed := consensusScore([]string{"red green blue", "red green yellow"})
	if mixed <= 0 || mixed >= 1 {
		t.Fatalf("partial overlap should land strictly between 0 and 1: %v", mixed)
	}
}
