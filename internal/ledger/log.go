package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jordanhubbard/cognihub/internal/core"
)

// logRecord is the persisted JSONL form of one outcome. The v/ts/planId
// fields and the flat features list are the stable wire schema; role, model,
// and bucket are informative extras.
type logRecord struct {
	V            int      `json:"v"`
	TS           int64    `json:"ts"` // unix ms
	PlanID       string   `json:"planId"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model,omitempty"`
	Role         string   `json:"role,omitempty"`
	Bucket       string   `json:"bucket,omitempty"`
	Features     []string `json:"features"`
	Success      bool     `json:"success"`
	Rating       float64  `json:"rating"`
	LatencyMs    int64    `json:"latencyMs"`
	CostUSD      float64  `json:"costUsd"`
	QualityScore float64  `json:"qualityScore"`
	ErrorKind    *string  `json:"errorKind"`
}

func toRecord(o core.Outcome) logRecord {
	rec := logRecord{
		V:            1,
		TS:           o.Timestamp.UnixMilli(),
		PlanID:       o.PlanID,
		Provider:     o.Provider,
		Model:        o.Model,
		Role:         string(o.Role),
		Bucket:       o.Bucket,
		Features:     o.Features,
		Success:      o.Success,
		Rating:       o.Rating,
		LatencyMs:    o.LatencyMs,
		CostUSD:      o.CostUSD,
		QualityScore: o.QualityScore,
	}
	if o.ErrorKind != "" {
		ek := o.ErrorKind
		rec.ErrorKind = &ek
	}
	return rec
}

// AppendLog is the append-only JSONL outcome log. Offsets are record ordinals
// that stay stable across segment rotation: compaction starts a new segment
// and carries the base offset forward, it never rewrites written records.
type AppendLog struct {
	dir string

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	base   int64 // offset of the first record in the active segment
	offset int64 // next offset to assign
}

// OpenAppendLog opens (or creates) the log directory and its active segment.
func OpenAppendLog(dir string) (*AppendLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	l := &AppendLog{dir: dir}
	if err := l.openSegment(0); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AppendLog) openSegment(base int64) error {
	path := filepath.Join(l.dir, fmt.Sprintf("outcomes-%012d.jsonl", base))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log segment: %w", err)
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	l.base = base
	if l.offset < base {
		l.offset = base
	}
	return nil
}

// Append writes one outcome and returns its offset.
func (l *AppendLog) Append(o core.Outcome) (int64, error) {
	line, err := json.Marshal(toRecord(o))
	if err != nil {
		return 0, fmt.Errorf("marshal outcome: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.w.Write(line); err != nil {
		return 0, fmt.Errorf("append outcome: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return 0, fmt.Errorf("append outcome: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return 0, fmt.Errorf("flush outcome log: %w", err)
	}

	off := l.offset
	l.offset++
	return off, nil
}

// Offset returns the next offset to be assigned.
func (l *AppendLog) Offset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset
}

// Rotate closes the active segment and starts a new one whose base is the
// current offset. Segments fully subsumed by the given snapshot offset are
// removed. Called by the compactor after a successful snapshot.
func (l *AppendLog) Rotate(snapshotOffset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flush before rotate: %w", err)
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	oldBase := l.base
	if err := l.openSegment(l.offset); err != nil {
		return err
	}

	// The closed segment spans [oldBase, l.offset). Delete it only if the
	// snapshot subsumes every record in it.
	if snapshotOffset >= l.offset {
		path := filepath.Join(l.dir, fmt.Sprintf("outcomes-%012d.jsonl", oldBase))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove subsumed segment: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the active segment.
func (l *AppendLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}
