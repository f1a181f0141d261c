package feature

import (
	"strings"
	"testing"

	"github.com/jordanhubbard/cognihub/internal/core"
)

func TestExtractIsDeterministic(t *testing.T) {
	req := core.Request{
		Prompt:   "Refactor this function and fix the bug in the API layer",
		TaskType: core.TaskCode,
		Mode:     core.ModeTechnical,
	}
	a := Extract(req)
	b := Extract(req)
	if a.Bucket() != b.Bucket() {
		t.Fatalf("extraction not deterministic: %q vs %q", a.Bucket(), b.Bucket())
	}
	if len(a.Keywords) != len(b.Keywords) {
		t.Fatalf("keyword sets differ across extractions")
	}
}

func TestDomainFromTaskType(t *testing.T) {
	cases := []struct {
		task core.TaskType
		want Domain
	}{
		{core.TaskCode, DomainCode},
		{core.TaskTest, DomainCode},
		{core.TaskCreative, DomainCreative},
	}
	for _, c := range cases {
		f := Extract(core.Request{Prompt: "hello", TaskType: c.task})
		if f.Domain != c.want {
			t.Errorf("task %s: got domain %s, want %s", c.task, f.Domain, c.want)
		}
	}
}

func TestDomainFromKeywords(t *testing.T) {
	f := Extract(core.Request{Prompt: "please analyze and compare the tradeoffs"})
	if f.Domain != DomainAnalysis {
		t.Fatalf("got domain %s, want analysis", f.Domain)
	}
}

func TestComplexityScaling(t *testing.T) {
	simple := Extract(core.Request{Prompt: "What is 2+2?"})
	if simple.Complexity != ComplexitySimple {
		t.Errorf("short prompt: got %s, want simple", simple.Complexity)
	}

	critical := Extract(core.Request{
		Prompt:           "Design a distributed architecture for production use: " + strings.Repeat("details ", 2000),
		Mode:             core.ModeTechnical,
		QualityThreshold: 0.99,
	})
	if critical.Complexity != ComplexityCritical {
		t.Errorf("demanding prompt: got %s, want critical", critical.Complexity)
	}
}

func TestLengthBuckets(t *testing.T) {
	if got := lengthBucket(500); got != "small" {
		t.Errorf("500 tokens: got %s", got)
	}
	if got := lengthBucket(5000); got != "medium" {
		t.Errorf("5000 tokens: got %s", got)
	}
	if got := lengthBucket(50000); got != "large" {
		t.Errorf("50000 tokens: got %s", got)
	}
}

func TestBucketShape(t *testing.T) {
	f := Features{Domain: DomainCode, Complexity: ComplexityComplex}
	if f.Bucket() != "code/complex" {
		t.Fatalf("got bucket %q", f.Bucket())
	}
}

func TestLabelsIncludeKeywords(t *testing.T) {
	f := Extract(core.Request{Prompt: "brainstorm a slogan"})
	labels := f.Labels()
	found := false
	for _, l := range labels {
		if l == "brainstorm" {
			found = true
		}
	}
	if !found {
		t.Fatalf("labels %v missing matched keyword", labels)
	}
}
