//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/personadesk/run-orchestrator/internal/backend"
	"github.com/personadesk/run-orchestrator/internal/bus"
	"github.com/personadesk/run-orchestrator/internal/domain"
	"github.com/personadesk/run-orchestrator/internal/feed"
	"github.com/personadesk/run-orchestrator/internal/phase"
	"github.com/personadesk/run-orchestrator/internal/registry"
	"github.com/personadesk/run-orchestrator/internal/runstore"
	"github.com/personadesk/run-orchestrator/internal/trace"
)

type harness struct {
	backend *fakeBackend
	reg     *registry.Registry
	feed    *feed.Feed
	store   *runstore.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fb := newFakeBackend(t)
	eventBus := bus.New()
	client := backend.NewClient(fb.CommandURL())
	reg := registry.New(client, eventBus, phase.NewDefinitions(), trace.NewTracer())

	store, err := runstore.New(TempDBPath(t))
	if err != nil {
		t.Fatal(err)
	}
	reg.SetStore(store)

	f := feed.New(fb.EventURL(), eventBus)
	go f.RunWithReconnect(context.Background())

	select {
	case <-fb.WaitConnected():
	case <-time.After(5 * time.Second):
		t.Fatal("feed never connected to the event socket")
	}

	t.Cleanup(func() {
		f.Stop()
		reg.Close()
		store.Close()
		fb.Close()
	})
	return &harness{backend: fb, reg: reg, feed: f, store: store}
}

func waitStatus(t *testing.T, reg *registry.Registry, runID string, want domain.RunStatus) domain.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if run := reg.Get(runID); run != nil && run.Status == want {
			return *run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run := reg.Get(runID)
	t.Fatalf("run %s never reached %s, last seen: %+v", runID, want, run)
	return domain.Run{}
}

func TestFullRunLifecycle(t *testing.T) {
	h := newHarness(t)

	run, err := h.reg.Start(context.Background(), domain.CategoryExecution, "persona-main", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if run.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want running", run.Status)
	}

	h.backend.Emit(map[string]any{
		"category": "execution", "run_id": run.ID, "status": "running",
		"line": "Spawning worker process", "sequence_index": 1, "sequence_total": 3,
	})
	h.backend.Emit(map[string]any{
		"category": "execution", "run_id": run.ID, "status": "completed",
		"line": "Done", "sequence_index": 3, "sequence_total": 3,
	})

	final := waitStatus(t, h.reg, run.ID, domain.StatusCompleted)
	if len(final.Lines) != 2 {
		t.Errorf("line count = %d, want 2", len(final.Lines))
	}
	if final.CompletedAt == nil {
		t.Error("no CompletedAt on completed run")
	}

	// History was persisted along the way.
	stored, err := h.store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("run missing from history: %v", err)
	}
	if stored.Status != domain.StatusCompleted {
		t.Errorf("stored status = %s, want completed", stored.Status)
	}
}

func TestCancelBeatsLateCompletion(t *testing.T) {
	h := newHarness(t)

	run, err := h.reg.Start(context.Background(), domain.CategoryTestRun, "persona-main", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := h.reg.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// Backend received the best-effort cancel.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(h.backend.Cancelled()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.backend.Cancelled(); len(got) != 1 || got[0] != run.ID {
		t.Errorf("backend cancel calls = %v", got)
	}

	// A straggler completion on the wire must not flip the status.
	h.backend.Emit(map[string]any{
		"category": "test-run", "run_id": run.ID, "status": "passed",
		"sequence_index": 9, "sequence_total": 9,
	})
	time.Sleep(100 * time.Millisecond)

	got := h.reg.Get(run.ID)
	if got.Status != domain.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.Lines[len(got.Lines)-1] != "cancelled by user" {
		t.Errorf("missing cancellation marker, lines = %v", got.Lines)
	}
}

func TestResumeFromSnapshot(t *testing.T) {
	h := newHarness(t)

	h.backend.SetSnapshot("backend-run-42", map[string]any{
		"status": "running",
		"lines":  []string{"Spawning worker process", "Retrieving memories"},
	})

	run, err := h.reg.Resume(context.Background(), domain.CategoryExecution, "persona-main", "backend-run-42")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if run.Status != domain.StatusRunning {
		t.Fatalf("resumed status = %s, want running", run.Status)
	}
	if len(run.Lines) != 2 {
		t.Errorf("resumed line count = %d, want 2", len(run.Lines))
	}

	// The resumed run keeps following the live stream.
	h.backend.Emit(map[string]any{
		"category": "execution", "run_id": "backend-run-42", "status": "completed",
		"sequence_index": 5, "sequence_total": 5,
	})
	waitStatus(t, h.reg, "backend-run-42", domain.StatusCompleted)
}

func TestEventsForOtherRunsAreDiscarded(t *testing.T) {
	h := newHarness(t)

	run, err := h.reg.Start(context.Background(), domain.CategoryLabEval, "persona-main", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.backend.Emit(map[string]any{
		"category": "lab-eval", "run_id": "someone-else", "status": "errored",
		"line": "should not appear", "sequence_index": 1, "sequence_total": 1,
	})
	h.backend.Emit(map[string]any{
		"category": "lab-eval", "run_id": run.ID, "status": "scoring",
		"line": "Scoring responses", "sequence_index": 2, "sequence_total": 4,
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got := h.reg.Get(run.ID)
		if got != nil && len(got.Lines) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := h.reg.Get(run.ID)
	if len(got.Lines) != 1 || got.Lines[0] != "Scoring responses" {
		t.Errorf("lines = %v, want only the latched run's line", got.Lines)
	}
	if got.Status != domain.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}
