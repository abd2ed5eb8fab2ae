// Package trace records stage-boundary timing for runs and hosts the
// middleware chain invoked at each boundary. Tracing is instrumentation
// only; it never participates in run status decisions.
package trace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one stage boundary in a trace. DurationMs is back-filled when
// the next entry is recorded or when the trace completes, so at rest a
// trace never has more than one entry without a duration.
type Entry struct {
	Stage      string         `json:"stage"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Trace is the ordered stage record for one run. It is plain data, safe to
// copy, serialize and persist; mutation during a live run goes through
// ActiveTrace.
type Trace struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Entries     []Entry    `json:"entries"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ActiveTrace is the mutable, lock-guarded trace of an in-flight run.
// Readers take Snapshot copies; the underlying Trace is never handed out
// while it can still change.
type ActiveTrace struct {
	mu   sync.Mutex
	data Trace
}

// Middleware transforms a payload at a stage boundary. An error aborts the
// remaining chain and propagates to the caller; the stage decides whether
// that is fatal to the run.
type Middleware func(ctx context.Context, payload any, tr *ActiveTrace) (any, error)

// Tracer creates traces and owns the middleware registry. The registry is
// per-instance and injected where needed, so independent tracers can run
// concurrently without sharing state.
type Tracer struct {
	mu         sync.RWMutex
	middleware map[string][]Middleware
}

// NewTracer returns a Tracer with an empty middleware registry.
func NewTracer() *Tracer {
	return &Tracer{middleware: make(map[string][]Middleware)}
}

// StartTrace opens a new trace for a run.
func (t *Tracer) StartTrace(runID string) *ActiveTrace {
	return &ActiveTrace{data: Trace{
		ID:        uuid.NewString(),
		RunID:     runID,
		StartedAt: time.Now(),
	}}
}

// RecordStage appends a stage entry and back-fills the previous entry's
// duration from the gap between the two timestamps.
func (t *Tracer) RecordStage(tr *ActiveTrace, stage string, metadata map[string]any, stageErr error) {
	now := time.Now()

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if n := len(tr.data.Entries); n > 0 && tr.data.Entries[n-1].DurationMs == nil {
		ms := now.Sub(tr.data.Entries[n-1].Timestamp).Milliseconds()
		tr.data.Entries[n-1].DurationMs = &ms
	}

	entry := Entry{Stage: stage, Timestamp: now, Metadata: metadata}
	if stageErr != nil {
		entry.Error = stageErr.Error()
	}
	tr.data.Entries = append(tr.data.Entries, entry)
}

// CompleteTrace back-fills the final entry's duration and stamps the trace
// as completed. Completing twice is a no-op.
func (t *Tracer) CompleteTrace(tr *ActiveTrace) {
	now := time.Now()

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.data.CompletedAt != nil {
		return
	}
	if n := len(tr.data.Entries); n > 0 && tr.data.Entries[n-1].DurationMs == nil {
		ms := now.Sub(tr.data.Entries[n-1].Timestamp).Milliseconds()
		tr.data.Entries[n-1].DurationMs = &ms
	}
	tr.data.CompletedAt = &now
}

// AddMiddleware registers fn for a stage name. Middleware runs in
// registration order.
func (t *Tracer) AddMiddleware(stage string, fn Middleware) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.middleware[stage] = append(t.middleware[stage], fn)
}

// RunMiddleware threads payload through every middleware registered for the
// stage, in order, returning the possibly transformed payload. The first
// failing middleware aborts the rest of the chain.
func (t *Tracer) RunMiddleware(ctx context.Context, stage string, payload any, tr *ActiveTrace) (any, error) {
	t.mu.RLock()
	chain := t.middleware[stage]
	t.mu.RUnlock()

	var err error
	for i, fn := range chain {
		payload, err = fn(ctx, payload, tr)
		if err != nil {
			return payload, fmt.Errorf("middleware %d for stage %q: %w", i, stage, err)
		}
	}
	return payload, nil
}

// BindRun sets the trace's run id once it is known. Traces may be opened
// before the backend has minted the id.
func (tr *ActiveTrace) BindRun(runID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.data.RunID = runID
}

// Snapshot returns a copy of the trace safe to serialize while the run is
// still appending entries.
func (tr *ActiveTrace) Snapshot() Trace {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	out := Trace{
		ID:        tr.data.ID,
		RunID:     tr.data.RunID,
		StartedAt: tr.data.StartedAt,
	}
	out.Entries = append(out.Entries, tr.data.Entries...)
	if tr.data.CompletedAt != nil {
		at := *tr.data.CompletedAt
		out.CompletedAt = &at
	}
	return out
}
