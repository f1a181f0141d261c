package engine

import (
	"strings"
	"sync"

	"github.com/jordanhubbard/cognihub/internal/core"
	"github.com/jordanhubbard/cognihub/internal/envelope"
)

// Sink receives streaming output during plan execution. OnChunk delivers
// token fragments in provider order; OnStageComplete fires once per finished
// stage; OnDone fires exactly once with the final envelope. Implementations
// may apply backpressure in OnChunk; the engine calls all three from the
// executing goroutine.
type Sink interface {
	OnChunk(text string)
	OnStageComplete(stage core.Stage, summary string)
	OnDone(env envelope.Envelope)
}

// WantsChunks is optionally implemented by sinks that consume incremental
// output. Sinks without it (or returning false) get the response only through
// OnDone and the engine uses blocking generation.
type WantsChunks interface {
	WantsChunks() bool
}

// BufferSink accumulates everything for non-streaming callers.
type BufferSink struct {
	mu     sync.Mutex
	chunks strings.Builder
	stages []StageSummary
	env    envelope.Envelope
	done   bool
}

// StageSummary is one completed stage as seen by the BufferSink.
type StageSummary struct {
	Stage   core.Stage
	Summary string
}

// NewBufferSink creates an empty buffering sink.
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

func (b *BufferSink) OnChunk(text string) {
	b.mu.Lock()
	b.chunks.WriteString(text)
	b.mu.Unlock()
}

func (b *BufferSink) OnStageComplete(stage core.Stage, summary string) {
	b.mu.Lock()
	b.stages = append(b.stages, StageSummary{Stage: stage, Summary: summary})
	b.mu.Unlock()
}

func (b *BufferSink) OnDone(env envelope.Envelope) {
	b.mu.Lock()
	b.env = env
	b.done = true
	b.mu.Unlock()
}

// Envelope returns the final envelope and whether OnDone has fired.
func (b *BufferSink) Envelope() (envelope.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.env, b.done
}

// Content returns the accumulated chunk text.
func (b *BufferSink) Content() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunks.String()
}

// Stages returns the completed stage summaries in order.
func (b *BufferSink) Stages() []StageSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StageSummary, len(b.stages))
	copy(out, b.stages)
	return out
}
