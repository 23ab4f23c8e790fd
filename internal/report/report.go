// Package report collects typed per-file outcomes for one pipeline run.
package report

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/gezibash/arc-backup/internal/observability"
)

// Outcome classifies what happened to one file or blob.
type Outcome string

const (
	Indexed          Outcome = "indexed"
	Skipped          Outcome = "skipped"
	Excluded         Outcome = "excluded"
	AlreadyCanonical Outcome = "already-canonical"
	Moved            Outcome = "moved"
	Duplicate        Outcome = "duplicate"
	Kept             Outcome = "kept"
	Assigned         Outcome = "assigned"
	AlreadyAssigned  Outcome = "already-assigned"
	Unreferenced     Outcome = "unreferenced"
	Deduplicated     Outcome = "deduplicated"
	Copied           Outcome = "copied"
	Restored         Outcome = "restored"
	AlreadyRestored  Outcome = "already-restored"
	Deprecated       Outcome = "deprecated"
	Failed           Outcome = "failed"
)

// Failure names the kind of per-file error behind a Failed outcome.
type Failure string

const (
	FailRead          Failure = "read"
	FailWrite         Failure = "write"
	FailRename        Failure = "rename"
	FailMissing       Failure = "missing"
	FailInvalidLayout Failure = "invalid-layout"
	FailHashMismatch  Failure = "hash-mismatch"
	FailCopy          Failure = "copy"
)

// Result is the outcome for a single path.
type Result struct {
	Path    string  `json:"path"`
	Hash    string  `json:"hash,omitempty"`
	Outcome Outcome `json:"outcome"`
	Failure Failure `json:"failure,omitempty"`
	Err     error   `json:"-"`
	Bytes   int64   `json:"bytes,omitempty"`
}

// Fail builds a Failed result.
func Fail(path, hash string, kind Failure, err error) Result {
	return Result{Path: path, Hash: hash, Outcome: Failed, Failure: kind, Err: err}
}

// Report aggregates results. It is safe for concurrent use.
type Report struct {
	Operation string

	mu       sync.Mutex
	counts   map[Outcome]int
	failures []Result
	bytes    int64
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New starts an empty report for operation. Failures are logged to logger
// at warn level, and every result feeds metrics when it is non-nil.
func New(operation string, logger *slog.Logger, metrics *observability.Metrics) *Report {
	if logger == nil {
		logger = slog.Default()
	}
	return &Report{
		Operation: operation,
		counts:    make(map[Outcome]int),
		logger:    logger,
		metrics:   metrics,
	}
}

// Add records one result.
func (r *Report) Add(ctx context.Context, res Result) {
	r.mu.Lock()
	r.counts[res.Outcome]++
	r.bytes += res.Bytes
	if res.Outcome == Failed {
		r.failures = append(r.failures, res)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.FilesTotal.WithLabelValues(r.Operation, string(res.Outcome)).Inc()
		if res.Bytes > 0 {
			r.metrics.BytesCopied.WithLabelValues(r.Operation).Add(float64(res.Bytes))
		}
	}

	switch res.Outcome {
	case Failed:
		r.logger.WarnContext(ctx, "file failed",
			"path", res.Path, "hash", res.Hash, "failure", string(res.Failure), "error", res.Err)
	case Kept, Unreferenced, Duplicate:
		r.logger.InfoContext(ctx, string(res.Outcome), "path", res.Path, "hash", res.Hash)
	default:
		r.logger.DebugContext(ctx, string(res.Outcome), "path", res.Path, "hash", res.Hash)
	}
}

// Count returns how many results had outcome o.
func (r *Report) Count(o Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[o]
}

// Counts returns a copy of every non-zero outcome count.
func (r *Report) Counts() map[Outcome]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.counts)
}

// Outcomes returns the recorded outcomes in sorted order.
func (r *Report) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.counts))
}

// Failures returns the failed results in the order they were added.
func (r *Report) Failures() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.failures)
}

// Total returns the number of results recorded.
func (r *Report) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.counts {
		n += c
	}
	return n
}

// Bytes returns the total bytes written during the run.
func (r *Report) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// OK reports whether the run had no per-file failures.
func (r *Report) OK() bool {
	return r.Count(Failed) == 0
}

// Summary is the serializable form of a report.
type Summary struct {
	Operation string          `json:"operation"`
	Total     int             `json:"total"`
	Bytes     int64           `json:"bytes"`
	Counts    map[Outcome]int `json:"counts"`
	Failures  []FailureRecord `json:"failures,omitempty"`
}

// FailureRecord is a Failed result with its error rendered as text.
type FailureRecord struct {
	Path    string  `json:"path"`
	Hash    string  `json:"hash,omitempty"`
	Failure Failure `json:"failure"`
	Error   string  `json:"error"`
}

// Summary snapshots the report.
func (r *Report) Summary() Summary {
	s := Summary{
		Operation: r.Operation,
		Total:     r.Total(),
		Bytes:     r.Bytes(),
		Counts:    r.Counts(),
	}
	for _, f := range r.Failures() {
		fr := FailureRecord{Path: f.Path, Hash: f.Hash, Failure: f.Failure}
		if f.Err != nil {
			fr.Error = f.Err.Error()
		}
		s.Failures = append(s.Failures, fr)
	}
	return s
}
