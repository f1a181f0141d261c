package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jordanhubbard/cognihub/internal/adapter"
	"github.com/jordanhubbard/cognihub/internal/core"
	"github.com/jordanhubbard/cognihub/internal/envelope"
	"github.com/jordanhubbard/cognihub/internal/registry"
)

// stageSystem is the fixed system prompt per validation stage.
var stageSystem = map[core.Stage]string{
	core.StageGenerate: "Answer the user's request completely and precisely.",
	core.StageReview: "You are a reviewer. Examine the answer below for errors, " +
		"omissions, and unsupported claims. Report each issue found, or state " +
		"that the answer passes review.",
	core.StageTest: "You are a tester. Check the answer below against the " +
		"original request. For code, reason through its behavior on edge " +
		"cases. State pass or fail with specifics.",
	core.StageOptimize: "You are an optimizer. Rewrite the answer below to fix " +
		"the issues raised, keeping everything that was already correct. " +
		"Output only the improved answer.",
}

var stageRole = map[core.Stage]core.Role{
	core.StageGenerate: core.RolePrimary,
	core.StageReview:   core.RoleReviewer,
	core.StageTest:     core.RoleTester,
	core.StageOptimize: core.RoleOptimizer,
}

// runValidation executes the ordered generate/review/test(/optimize)
// pipeline. Each stage is scored locally; a stage below the confidence floor
// is retried with the next-best provider. Output flows forward: review and
// test commentary feeds the optimize stage, and the optimize stage's output
// replaces the artifact.
func (e *Engine) runValidation(ctx context.Context, plan core.Plan, req core.Request, sink Sink, labels []string) (string, []envelope.ProviderTrace, envelope.Status, error) {
	vp := plan.Validation
	cfg := e.config()

	total := time.Duration(len(vp.Stages))*cfg.PerCallTimeout + cfg.ValidationSlack
	vctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	var (
		traces   []envelope.ProviderTrace
		artifact string
		reports  string
		degraded bool
	)

	for _, assign := range vp.Stages {
		if vp.SkipOptimize && assign.Stage == core.StageOptimize {
			continue
		}

		prompt := stagePrompt(assign.Stage, req.Prompt, artifact, reports)
		content, stageTraces, score, err := e.runStage(vctx, plan, req, assign, prompt, labels)
		traces = append(traces, stageTraces...)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return artifact, traces, envelope.StatusCancelled, core.ErrCancelled
			}
			return artifact, traces, envelope.StatusError,
				&core.ValidationFailedError{Stage: assign.Stage, Reason: err.Error()}
		}

		sink.OnStageComplete(assign.Stage, fmt.Sprintf("%s scored %.2f", assign.Stage, score))

		switch assign.Stage {
		case core.StageGenerate, core.StageOptimize:
			artifact = content
		case core.StageReview, core.StageTest:
			reports += fmt.Sprintf("\n[%s]\n%s\n", assign.Stage, content)
		}

		if score < vp.MinConfidence {
			// Retries exhausted below the floor: stop with the last-best
			// output rather than discarding usable work.
			degraded = true
			break
		}
	}

	if artifact == "" {
		return "", traces, envelope.StatusError,
			&core.ValidationFailedError{Stage: core.StageGenerate, Reason: "no output produced"}
	}

	sink.OnChunk(artifact)
	if degraded {
		return artifact, traces, envelope.StatusDegraded, nil
	}
	return artifact, traces, envelope.StatusSuccess, nil
}

// runStage runs one stage, retrying with a different provider while the local
// score stays under the plan's confidence floor. Returns the best-scoring
// attempt.
func (e *Engine) runStage(ctx context.Context, plan core.Plan, req core.Request, assign core.StageAssignment, prompt string, labels []string) (string, []envelope.ProviderTrace, float64, error) {
	vp := plan.Validation
	role := stageRole[assign.Stage]
	system := stageSystem[assign.Stage]

	score := func(out string) float64 { return e.scorer.Score(assign.Stage, prompt, out) }

	var (
		traces    []envelope.ProviderTrace
		bestOut   string
		bestScore = -1.0
		lastErr   error
	)
	tried := map[string]bool{}
	providerID, model := assign.Provider, assign.Model

	for attempt := 0; attempt <= vp.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		tried[providerID] = true

		content, callTraces, err := e.callWithRetry(ctx, plan, req, discardSink{}, providerID, model, role, prompt, system, labels, false, score)
		traces = append(traces, callTraces...)
		if err != nil {
			lastErr = err
			ae := adapter.Classify(err)
			if !ae.Retriable && !errors.Is(err, context.DeadlineExceeded) {
				// Hard failure: no point swapping providers on bad input, and
				// auth failures already disabled the provider.
				if ae.Kind == adapter.ErrBadInput || ae.Kind == adapter.ErrAuth {
					return bestOut, traces, bestScore, err
				}
			}
		} else {
			s := score(content)
			if s > bestScore {
				bestOut, bestScore = content, s
			}
			if s >= vp.MinConfidence {
				return bestOut, traces, bestScore, nil
			}
			lastErr = nil
		}

		// Swap in the next-best provider for the retry.
		next, ok := e.nextStageProvider(plan.Bucket, tried)
		if !ok {
			break
		}
		providerID, model = next.ID, next.DefaultModel
	}

	if bestScore >= 0 {
		return bestOut, traces, bestScore, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("stage %s produced no output", assign.Stage)
	}
	return "", traces, 0, lastErr
}

func (e *Engine) nextStageProvider(bucket string, tried map[string]bool) (registry.Provider, bool) {
	if e.selector == nil {
		return registry.Provider{}, false
	}
	return e.selector.NextBest(bucket, []registry.Capability{registry.CapChat}, tried)
}

// stagePrompt assembles the stage input from the original request, the
// current artifact, and accumulated review/test reports.
func stagePrompt(stage core.Stage, original, artifact, reports string) string {
	switch stage {
	case core.StageGenerate:
		return original
	case core.StageReview, core.StageTest:
		return fmt.Sprintf("Original request:\n%s\n\nAnswer to evaluate:\n%s", original, artifact)
	case core.StageOptimize:
		return fmt.Sprintf("Original request:\n%s\n\nCurrent answer:\n%s\n\nFindings:%s", original, artifact, reports)
	}
	return original
}
