// Package feature derives routing features from a request. Extraction is a
// pure function: the same request always yields the same features, so the
// feature bucket used to key per-provider statistics is stable across
// restarts and replays.
package feature

import (
	"sort"
	"strings"

	"github.com/jordanhubbard/cognihub/internal/core"
)

// Domain is the coarse subject area of a request.
type Domain string

const (
	DomainCode     Domain = "code"
	DomainAnalysis Domain = "analysis"
	DomainCreative Domain = "creative"
	DomainGeneral  Domain = "general"
)

// Complexity classifies how demanding a request is.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityCritical Complexity = "critical"
)

// Features are the deterministic routing features of one request.
type Features struct {
	Domain       Domain     `json:"domain"`
	Complexity   Complexity `json:"complexity"`
	LengthBucket string     `json:"length_bucket"`
	Keywords     []string   `json:"keywords,omitempty"`
}

// Bucket returns the coarse discretization used as the key for per-provider
// statistics, e.g. "code/complex".
func (f Features) Bucket() string {
	return string(f.Domain) + "/" + string(f.Complexity)
}

// Labels returns the features as flat strings for the persisted outcome schema.
func (f Features) Labels() []string {
	labels := []string{
		"domain=" + string(f.Domain),
		"complexity=" + string(f.Complexity),
		"length=" + f.LengthBucket,
	}
	return append(labels, f.Keywords...)
}

var domainKeywords = map[Domain][]string{
	DomainCode:     {"code", "function", "bug", "compile", "refactor", "api", "debug", "implement", "test", "regex", "sql"},
	DomainAnalysis: {"analyze", "compare", "evaluate", "summarize", "explain", "tradeoff", "pros", "cons", "review"},
	DomainCreative: {"story", "poem", "brainstorm", "imagine", "creative", "design", "name", "slogan"},
}

var complexityKeywords = []string{"architecture", "distributed", "concurrent", "optimize", "prove", "formal", "security", "production"}

// Extract derives Features from a request. Pure; no I/O.
func Extract(req core.Request) Features {
	text := strings.ToLower(req.Prompt)

	f := Features{
		Domain:       classifyDomain(req, text),
		LengthBucket: lengthBucket(estimateTokens(req)),
	}
	f.Keywords = matchedKeywords(text)
	f.Complexity = classifyComplexity(req, text, f.Keywords)
	return f
}

func classifyDomain(req core.Request, text string) Domain {
	switch req.TaskType {
	case core.TaskCode, core.TaskTest:
		return DomainCode
	case core.TaskCreative:
		return DomainCreative
	}

	best, bestHits := DomainGeneral, 0
	for _, d := range []Domain{DomainCode, DomainAnalysis, DomainCreative} {
		hits := 0
		for _, kw := range domainKeywords[d] {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = d, hits
		}
	}
	if req.Mode == core.ModeCreative && best == DomainGeneral {
		return DomainCreative
	}
	return best
}

func classifyComplexity(req core.Request, text string, keywords []string) Complexity {
	score := 0

	tokens := estimateTokens(req)
	switch {
	case tokens > 2000:
		score += 2
	case tokens > 400:
		score++
	}
	if len(req.History) > 6 {
		score++
	}
	if req.Mode == core.ModeTechnical || req.Mode == core.ModeStructured {
		score++
	}
	for _, kw := range complexityKeywords {
		if strings.Contains(text, kw) {
			score++
			break
		}
	}
	if req.QualityThreshold >= 0.95 {
		score += 2
	}

	switch {
	case score >= 4:
		return ComplexityCritical
	case score >= 3:
		return ComplexityComplex
	case score >= 1:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}

// matchedKeywords returns every known keyword present in the text, sorted so
// extraction stays deterministic.
func matchedKeywords(text string) []string {
	seen := map[string]bool{}
	for _, kws := range domainKeywords {
		for _, kw := range kws {
			if strings.Contains(text, kw) {
				seen[kw] = true
			}
		}
	}
	for _, kw := range complexityKeywords {
		if strings.Contains(text, kw) {
			seen[kw] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for kw := range seen {
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

// estimateTokens estimates the token count of prompt plus history
// (chars/4 heuristic).
func estimateTokens(req core.Request) int {
	total := len(req.Prompt) / 4
	for _, msg := range req.History {
		total += len(msg.Content) / 4
	}
	return total
}

// lengthBucket categorizes an estimated token count into a bucket label.
func lengthBucket(tokens int) string {
	if tokens < 1000 {
		return "small"
	}
	if tokens <= 10000 {
		return "medium"
	}
	return "large"
}
