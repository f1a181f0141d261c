package engine

import (
	"strings"

	"github.com/jordanhubbard/cognihub/internal/core"
)

// Scorer grades one validation stage's output in [0,1]. The engine compares
// the score against the plan's confidence floor to decide whether the stage
// passes or is retried with a different provider.
type Scorer interface {
	Score(stage core.Stage, prompt, output string) float64
}

// HeuristicScorer is the default local scorer. It does no model calls: it
// checks the output for obvious failure shapes (empty, refusal boilerplate,
// truncation) and, for review and test stages, for verdict structure.
type HeuristicScorer struct{}

var refusalMarkers = []string{
	"i cannot help",
	"i can't help",
	"i'm unable to",
	"as an ai",
}

func (HeuristicScorer) Score(stage core.Stage, prompt, output string) float64 {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return 0
	}

	score := 1.0
	lower := strings.ToLower(trimmed)

	for _, m := range refusalMarkers {
		if strings.Contains(lower, m) {
			score -= 0.5
			break
		}
	}

	// Suspiciously short output relative to the prompt reads as truncation or
	// a non-answer.
	if len(trimmed) < 20 && len(prompt) > 200 {
		score -= 0.4
	}

	switch stage {
	case core.StageReview, core.StageTest:
		// A review or test stage should reach some verdict.
		if !containsAny(lower, "pass", "fail", "issue", "correct", "bug", "ok", "looks good") {
			score -= 0.3
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
