package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/personadesk/run-orchestrator/internal/bus"
	"github.com/personadesk/run-orchestrator/internal/domain"
	"github.com/personadesk/run-orchestrator/internal/phase"
	"github.com/personadesk/run-orchestrator/internal/trace"
)

type fakeInvoker struct {
	mu        sync.Mutex
	nextID    int
	startErr  error
	startGate chan struct{}
	cancelErr error
	cancelled []string
	gotParams map[string]any
	snap      *domain.Snapshot
	snapErr   error
}

func (f *fakeInvoker) StartRun(ctx context.Context, category domain.RunCategory, subjectKey string, params map[string]any) (string, error) {
	f.mu.Lock()
	f.gotParams = params
	if f.startErr != nil {
		f.mu.Unlock()
		return "", f.startErr
	}
	f.nextID++
	id := fmt.Sprintf("run-%d", f.nextID)
	gate := f.startGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return id, nil
}

func (f *fakeInvoker) CancelRun(ctx context.Context, category domain.RunCategory, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return f.cancelErr
}

func (f *fakeInvoker) FetchSnapshot(ctx context.Context, category domain.RunCategory, runID string) (*domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return f.snap, nil
}

func (f *fakeInvoker) ListRuns(ctx context.Context, category domain.RunCategory) ([]string, error) {
	return nil, nil
}

func (f *fakeInvoker) cancelledRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func newTestRegistry(inv *fakeInvoker) (*Registry, *bus.Bus) {
	b := bus.New()
	r := New(inv, b, phase.NewDefinitions(), trace.NewTracer())
	return r, b
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestStartHappyPath(t *testing.T) {
	inv := &fakeInvoker{}
	r, b := newTestRegistry(inv)
	defer r.Close()

	run, err := r.Start(context.Background(), domain.CategoryExecution, "subject-a", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if run.Status != domain.StatusRunning {
		t.Errorf("status after acknowledged start = %s, want running", run.Status)
	}
	if run.ID != "run-1" {
		t.Errorf("run id = %s, want run-1", run.ID)
	}

	b.Publish(domain.CategoryExecution, domain.EventEnvelope{
		RunID: "run-1", Status: "running", Line: "Reading configuration",
		SequenceIndex: 1, SequenceTotal: 3,
	})
	waitFor(t, func() bool {
		got := r.Get("run-1")
		return got != nil && len(got.Lines) == 1
	}, "first line to be ingested")

	b.Publish(domain.CategoryExecution, domain.EventEnvelope{
		RunID: "run-1", Status: "completed", Line: "Done",
		SequenceIndex: 3, SequenceTotal: 3,
	})
	waitFor(t, func() bool {
		got := r.Get("run-1")
		return got != nil && got.Status == domain.StatusCompleted
	}, "run to complete")

	got := r.Get("run-1")
	if got.CompletedAt == nil {
		t.Error("completed run has no CompletedAt")
	}
	if len(got.Lines) != 2 {
		t.Errorf("line count = %d, want 2", len(got.Lines))
	}
	waitFor(t, func() bool {
		return b.SubscriberCount(domain.CategoryExecution) == 0
	}, "terminal run to unsubscribe")
}

func TestStartInvocationFailure(t *testing.T) {
	inv := &fakeInvoker{startErr: errors.New("backend unreachable")}
	r, _ := newTestRegistry(inv)
	defer r.Close()

	run, err := r.Start(context.Background(), domain.CategoryExecution, "subject-a", nil)
	var invErr *domain.InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvocationError, got %v", err)
	}
	if run.Status != domain.StatusFailed {
		t.Errorf("status after failed start = %s, want failed", run.Status)
	}
	if run.Error == "" {
		t.Error("failed run should carry the invocation error message")
	}

	// The slot must be reusable after a failed start.
	if _, err := r.Start(context.Background(), domain.CategoryExecution, "subject-a", nil); err == nil {
		t.Error("expected second start to fail too (startErr still set)")
	}
}

func TestSlotBusy(t *testing.T) {
	inv := &fakeInvoker{}
	r, _ := newTestRegistry(inv)
	defer r.Close()

	if _, err := r.Start(context.Background(), domain.CategoryDesignReview, "persona-1", nil); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	// A different subject on the same category is an independent slot.
	if _, err := r.Start(context.Background(), domain.CategoryDesignReview, "persona-2", nil); err != nil {
		t.Fatalf("start on second subject failed: %v", err)
	}

	_, err := r.Start(context.Background(), domain.CategoryDesignReview, "persona-1", nil)
	var busy *domain.SlotBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected SlotBusyError, got %v", err)
	}
	if busy.SubjectKey != "persona-1" {
		t.Errorf("busy subject = %s, want persona-1", busy.SubjectKey)
	}
}

func TestConcurrentStartsLatchTheirOwnRuns(t *testing.T) {
	inv := &fakeInvoker{}
	r, b := newTestRegistry(inv)
	defer r.Close()

	if _, err := r.Start(context.Background(), domain.CategoryExecution, "subject-a", nil); err != nil {
		t.Fatalf("first start failed: %v", err)
	}

	// Hold subject-b's backend invocation open so run-1 traffic arrives on
	// the shared category topic while subject-b has no run id yet.
	gate := make(chan struct{})
	inv.mu.Lock()
	inv.startGate = gate
	inv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.Start(context.Background(), domain.CategoryExecution, "subject-b", nil); err != nil {
			t.Errorf("second start failed: %v", err)
		}
	}()

	waitFor(t, func() bool {
		return b.SubscriberCount(domain.CategoryExecution) == 2
	}, "second subscription to open")

	b.Publish(domain.CategoryExecution, domain.EventEnvelope{
		RunID: "run-1", Status: "running", Line: "run-1 output",
		SequenceIndex: 1, SequenceTotal: 3,
	})
	close(gate)
	<-done

	got := r.Query(domain.CategoryExecution, "subject-b")
	if got == nil {
		t.Fatal("subject-b slot is empty")
	}
	if got.ID != "run-2" {
		t.Fatalf("subject-b slot tracks %s, want run-2", got.ID)
	}
	if len(got.Lines) != 0 {
		t.Errorf("subject-b absorbed lines from another run: %v", got.Lines)
	}

	waitFor(t, func() bool {
		a := r.Query(domain.CategoryExecution, "subject-a")
		return a != nil && len(a.Lines) == 1
	}, "run-1 line to reach subject-a")

	b.Publish(domain.CategoryExecution, domain.EventEnvelope{
		RunID: "run-2", Status: "completed", Line: "Done",
		SequenceIndex: 1, SequenceTotal: 1,
	})
	waitFor(t, func() bool {
		got := r.Get("run-2")
		return got != nil && got.Status == domain.StatusCompleted
	}, "run-2 to complete from its own events")
}

func TestCancelIsStickyAndLocalFirst(t *testing.T) {
	inv := &fakeInvoker{cancelErr: errors.New("backend gone")}
	r, b := newTestRegistry(inv)
	defer r.Close()

	run, err := r.Start(context.Background(), domain.CategoryExecution, "subject-a", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Remote delivery fails but local cancellation must still succeed.
	if err := r.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("Cancel returned error despite local-first semantics: %v", err)
	}
	got := r.Get(run.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.Lines[len(got.Lines)-1] != cancelMarker {
		t.Errorf("last line = %q, want %q", got.Lines[len(got.Lines)-1], cancelMarker)
	}
	if got.CompletedAt == nil {
		t.Error("cancelled run has no CompletedAt")
	}
	if calls := inv.cancelledRuns(); len(calls) != 1 || calls[0] != run.ID {
		t.Errorf("remote cancel calls = %v, want [%s]", calls, run.ID)
	}

	// A late completed envelope from the backend must not resurrect the run.
	b.Publish(domain.CategoryExecution, domain.EventEnvelope{
		RunID: run.ID, Status: "completed", SequenceIndex: 5, SequenceTotal: 5,
	})
	time.Sleep(50 * time.Millisecond)
	if got := r.Get(run.ID); got.Status != domain.StatusCancelled {
		t.Errorf("status after late completed envelope = %s, want cancelled", got.Status)
	}

	// Cancelling again is a no-op.
	if err := r.Cancel(context.Background(), run.ID); err != nil {
		t.Errorf("second cancel should be a no-op, got %v", err)
	}
	if calls := inv.cancelledRuns(); len(calls) != 1 {
		t.Errorf("second cancel reached the backend: %v", calls)
	}
}

func TestIngestUnknownTokenFails(t *testing.T) {
	inv := &fakeInvoker{}
	r, b := newTestRegistry(inv)
	defer r.Close()

	run, err := r.Start(context.Background(), domain.CategoryExecution, "subject-a", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	b.Publish(domain.CategoryExecution, domain.EventEnvelope{
		RunID: run.ID, Status: "weird_token", SequenceIndex: 2, SequenceTotal: 2,
	})
	waitFor(t, func() bool {
		got := r.Get(run.ID)
		return got != nil && got.Status == domain.StatusFailed
	}, "unknown token to map to failed")
}

func TestResumeTerminalOpensNoSubscription(t *testing.T) {
	inv := &fakeInvoker{snap: &domain.Snapshot{
		Status: "completed",
		Lines:  []string{"Reading configuration", "Writing output", "Done"},
	}}
	r, b := newTestRegistry(inv)
	defer r.Close()

	run, err := r.Resume(context.Background(), domain.CategoryExecution, "subject-a", "run-99")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if run.Status != domain.StatusCompleted {
		t.Errorf("resumed status = %s, want completed", run.Status)
	}
	if len(run.Lines) != 3 {
		t.Errorf("resumed line count = %d, want 3", len(run.Lines))
	}
	if run.CompletedAt == nil {
		t.Error("resumed terminal run has no CompletedAt")
	}
	if n := b.SubscriberCount(domain.CategoryExecution); n != 0 {
		t.Errorf("terminal resume opened %d subscriptions, want 0", n)
	}
}

func TestResumeActiveRunReattaches(t *testing.T) {
	inv := &fakeInvoker{snap: &domain.Snapshot{
		Status: "running",
		Lines:  []string{"Reading configuration"},
	}}
	r, b := newTestRegistry(inv)
	defer r.Close()

	run, err := r.Resume(context.Background(), domain.CategoryExecution, "subject-a", "run-7")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if run.Status != domain.StatusRunning {
		t.Errorf("resumed status = %s, want running", run.Status)
	}
	if n := b.SubscriberCount(domain.CategoryExecution); n != 1 {
		t.Fatalf("active resume opened %d subscriptions, want 1", n)
	}

	// Events for other runs on the topic are discarded by the latch.
	b.Publish(domain.CategoryExecution, domain.EventEnvelope{
		RunID: "run-other", Status: "completed", SequenceIndex: 1, SequenceTotal: 1,
	})
	b.Publish(domain.CategoryExecution, domain.EventEnvelope{
		RunID: "run-7", Status: "completed", Line: "Done", SequenceIndex: 2, SequenceTotal: 2,
	})
	waitFor(t, func() bool {
		got := r.Get("run-7")
		return got != nil && got.Status == domain.StatusCompleted
	}, "resumed run to complete from the stream")
}

func TestReconcileOverwritesNonTerminalState(t *testing.T) {
	inv := &fakeInvoker{}
	r, b := newTestRegistry(inv)
	defer r.Close()

	run, err := r.Start(context.Background(), domain.CategoryExecution, "subject-a", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.Publish(domain.CategoryExecution, domain.EventEnvelope{
		RunID: run.ID, Status: "running", Line: "stale line", SequenceIndex: 1, SequenceTotal: 9,
	})
	waitFor(t, func() bool {
		got := r.Get(run.ID)
		return got != nil && len(got.Lines) == 1
	}, "stream line to land")

	r.Reconcile(run.ID, &domain.Snapshot{
		Status: "completed",
		Lines:  []string{"fresh line one", "fresh line two"},
	}, domain.StatusCompleted)

	got := r.Get(run.ID)
	if got.Status != domain.StatusCompleted {
		t.Errorf("status after reconcile = %s, want completed", got.Status)
	}
	if len(got.Lines) != 2 || got.Lines[0] != "fresh line one" {
		t.Errorf("reconcile did not overwrite lines: %v", got.Lines)
	}

	// A terminal handle is frozen against further reconciliation.
	r.Reconcile(run.ID, &domain.Snapshot{Status: "running", Lines: nil}, domain.StatusRunning)
	if got := r.Get(run.ID); got.Status != domain.StatusCompleted {
		t.Errorf("reconcile reopened a terminal run: %s", got.Status)
	}
}

func TestQueryAndList(t *testing.T) {
	inv := &fakeInvoker{}
	r, _ := newTestRegistry(inv)
	defer r.Close()

	if got := r.Query(domain.CategoryExecution, "nobody"); got != nil {
		t.Errorf("empty slot returned %v", got)
	}

	first, err := r.Start(context.Background(), domain.CategoryExecution, "subject-a", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := r.Start(context.Background(), domain.CategoryTestRun, "subject-a", nil); err != nil {
		t.Fatalf("second start failed: %v", err)
	}

	got := r.Query(domain.CategoryExecution, "subject-a")
	if got == nil || got.ID != first.ID {
		t.Errorf("Query returned %v, want run %s", got, first.ID)
	}
	if runs := r.List(); len(runs) != 2 {
		t.Errorf("List returned %d runs, want 2", len(runs))
	}
}

func TestStartMiddlewareEnrichesParams(t *testing.T) {
	inv := &fakeInvoker{}
	b := bus.New()
	tracer := trace.NewTracer()
	tracer.AddMiddleware("start", func(ctx context.Context, payload any, tr *trace.ActiveTrace) (any, error) {
		params, _ := payload.(map[string]any)
		if params == nil {
			params = make(map[string]any)
		}
		params["injected"] = true
		return params, nil
	})
	r := New(inv, b, phase.NewDefinitions(), tracer)
	defer r.Close()

	if _, err := r.Start(context.Background(), domain.CategoryExecution, "subject-a", nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.gotParams == nil || inv.gotParams["injected"] != true {
		t.Errorf("backend params = %v, middleware enrichment lost", inv.gotParams)
	}
}

func TestStartMiddlewareVetoFailsRun(t *testing.T) {
	inv := &fakeInvoker{}
	b := bus.New()
	tracer := trace.NewTracer()
	tracer.AddMiddleware("start", func(ctx context.Context, payload any, tr *trace.ActiveTrace) (any, error) {
		return payload, errors.New("quota exceeded")
	})
	r := New(inv, b, phase.NewDefinitions(), tracer)
	defer r.Close()

	run, err := r.Start(context.Background(), domain.CategoryExecution, "subject-a", nil)
	if err == nil {
		t.Fatal("expected error from vetoing middleware")
	}
	if run.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.gotParams != nil {
		t.Error("backend was invoked despite middleware veto")
	}
}

func TestOnUpdateFiresOnEveryChange(t *testing.T) {
	inv := &fakeInvoker{}
	r, b := newTestRegistry(inv)
	defer r.Close()

	var mu sync.Mutex
	var seen []domain.RunStatus
	r.SetOnUpdate(func(run domain.Run) {
		mu.Lock()
		seen = append(seen, run.Status)
		mu.Unlock()
	})

	run, err := r.Start(context.Background(), domain.CategoryExecution, "subject-a", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.Publish(domain.CategoryExecution, domain.EventEnvelope{
		RunID: run.ID, Status: "completed", SequenceIndex: 1, SequenceTotal: 1,
	})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2 && seen[len(seen)-1] == domain.StatusCompleted
	}, "update callback to observe completion")
}
