package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/cognihub/internal/core"
	"github.com/jordanhubbard/cognihub/internal/envelope"
)

const synthesisSystemPrompt = "You are a synthesis assistant. You will be shown " +
	"several candidate answers to the same question, each from a different " +
	"source. Produce a single consensus answer that keeps the points the " +
	"candidates agree on, resolves contradictions in favor of the majority, " +
	"and omits claims made by only one candidate unless they are clearly " +
	"well-supported. Answer directly; do not mention the candidates."

// memberResult is one ensemble member's completed call.
type memberResult struct {
	provider string
	content  string
	trace    envelope.ProviderTrace
	err      error
}

// runEnsemble fans the request out to every plan member with a shared
// deadline, requires a quorum of MinResponses, cancels stragglers once the
// quorum is met, and optionally synthesizes a consensus answer. The returned
// primary names the member whose raw answer was surfaced; it is empty when a
// synthesized consensus was returned instead.
func (e *Engine) runEnsemble(ctx context.Context, plan core.Plan, req core.Request, sink Sink, labels []string) (content, primary string, traces []envelope.ProviderTrace, consensus *float64, status envelope.Status, err error) {
	ep := plan.Ensemble
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ectx, cancelAll := context.WithTimeout(ctx, timeout)
	defer cancelAll()

	results := make(chan memberResult, len(ep.Providers))
	var wg sync.WaitGroup
	for _, id := range ep.Providers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			content, traces, err := e.callWithRetry(ectx, plan, req, discardSink{}, id, "", core.RolePrimary, req.Prompt, "", labels, false, nil)
			var tr envelope.ProviderTrace
			if len(traces) > 0 {
				tr = traces[len(traces)-1]
			} else {
				tr = envelope.ProviderTrace{Provider: id, Role: core.RolePrimary}
			}
			results <- memberResult{provider: id, content: content, trace: tr, err: err}
		}(id)
	}

	// Collect until every member resolves. Once the quorum is met the shared
	// context is cancelled so stragglers abort at their next suspension point,
	// but we still wait for them: the envelope must carry every trace.
	var succeeded []memberResult
	for i := 0; i < len(ep.Providers); i++ {
		r := <-results
		traces = append(traces, r.trace)
		if r.err == nil {
			succeeded = append(succeeded, r)
			if len(succeeded) >= ep.MinResponses {
				cancelAll()
			}
		}
	}
	wg.Wait()

	if len(succeeded) < ep.MinResponses {
		if ctx.Err() == context.Canceled {
			return "", "", traces, nil, envelope.StatusCancelled, core.ErrCancelled
		}
		return "", "", traces, nil, envelope.StatusError, &core.UnderQuorumError{Got: len(succeeded), Want: ep.MinResponses}
	}

	// Deterministic candidate order for synthesis and consensus.
	sort.Slice(succeeded, func(i, j int) bool { return succeeded[i].provider < succeeded[j].provider })
	answers := make([]string, len(succeeded))
	for i, r := range succeeded {
		answers[i] = r.content
	}
	score := consensusScore(answers)

	if !ep.Synthesize {
		winner := e.pickWinner(succeeded, plan.Bucket)
		sink.OnChunk(winner.content)
		sink.OnStageComplete(core.StageGenerate, fmt.Sprintf("%d of %d responded; winner %s", len(succeeded), len(ep.Providers), winner.provider))
		return winner.content, winner.provider, traces, &score, envelope.StatusSuccess, nil
	}

	synth, synthTrace, synthErr := e.synthesize(ctx, plan, req, succeeded, labels)
	if synthTrace != nil {
		traces = append(traces, *synthTrace)
	}
	if synthErr != nil {
		// Partial success beats total failure: fall back to the best raw
		// answer with the synthesis failure noted.
		if errors.Is(synthErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return "", "", traces, &score, envelope.StatusCancelled, core.ErrCancelled
		}
		winner := e.pickWinner(succeeded, plan.Bucket)
		sink.OnChunk(winner.content)
		sink.OnStageComplete(core.StageGenerate, fmt.Sprintf("synthesis failed, returning best raw answer from %s", winner.provider))
		return winner.content, winner.provider, traces, &score, envelope.StatusDegraded, nil
	}

	sink.OnChunk(synth)
	sink.OnStageComplete(core.StageGenerate, fmt.Sprintf("synthesized consensus from %d of %d providers", len(succeeded), len(ep.Providers)))
	return synth, "", traces, &score, envelope.StatusSuccess, nil
}

// pickWinner returns the member with the best rolling success for the bucket,
// tie-break by lowest call latency.
func (e *Engine) pickWinner(members []memberResult, bucket string) memberResult {
	best := members[0]
	bestConf := e.memberConfidence(best.provider, bucket)
	for _, m := range members[1:] {
		conf := e.memberConfidence(m.provider, bucket)
		if conf > bestConf || (conf == bestConf && m.trace.LatencyMs < best.trace.LatencyMs) {
			best, bestConf = m, conf
		}
	}
	return best
}

func (e *Engine) memberConfidence(provider, bucket string) float64 {
	if e.profiles == nil {
		return 0
	}
	return e.profiles.Stats(provider, bucket).RollingSuccess
}

// synthesize asks the cheapest chat provider for a consensus over the
// candidate answers.
func (e *Engine) synthesize(ctx context.Context, plan core.Plan, req core.Request, members []memberResult, labels []string) (string, *envelope.ProviderTrace, error) {
	p, ok := e.reg.CheapestChat()
	if !ok {
		return "", nil, core.ErrNoProviderAvailable
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\n", req.Prompt)
	for i, m := range members {
		fmt.Fprintf(&b, "Candidate answer %d:\n%s\n\n", i+1, m.content)
	}
	b.WriteString("Write the consensus answer.")

	content, traces, err := e.callWithRetry(ctx, plan, req, discardSink{}, p.ID, p.DefaultModel, core.RoleSynthesizer, b.String(), synthesisSystemPrompt, labels, false, nil)
	var tr *envelope.ProviderTrace
	if len(traces) > 0 {
		tr = &traces[len(traces)-1]
	}
	return content, tr, err
}

// consensusScore measures pairwise agreement between answers as the mean
// Jaccard similarity of their word sets. One answer scores 1.
func consensusScore(answers []string) float64 {
	if len(answers) < 2 {
		return 1
	}
	sets := make([]map[string]struct{}, len(answers))
	for i, a := range answers {
		set := make(map[string]struct{})
		for _, w := range strings.Fields(strings.ToLower(a)) {
			set[strings.Trim(w, ".,;:!?\"'()")] = struct{}{}
		}
		sets[i] = set
	}

	sum, pairs := 0.0, 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			sum += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
