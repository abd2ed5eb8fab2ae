// Package registry owns the lifecycle of every tracked run: one slot per
// (category, subject), at most one active run per slot, all status changes
// routed through the transition table.
package registry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/personadesk/run-orchestrator/internal/backend"
	"github.com/personadesk/run-orchestrator/internal/bus"
	"github.com/personadesk/run-orchestrator/internal/correlator"
	"github.com/personadesk/run-orchestrator/internal/domain"
	"github.com/personadesk/run-orchestrator/internal/notify"
	"github.com/personadesk/run-orchestrator/internal/phase"
	"github.com/personadesk/run-orchestrator/internal/snapshot"
	"github.com/personadesk/run-orchestrator/internal/trace"
)

// cancelMarker is appended to the line buffer of a locally cancelled run.
const cancelMarker = "cancelled by user"

// Store persists run history. Implementations log their own failures; the
// registry treats persistence as best-effort.
type Store interface {
	SaveRun(run domain.Run) error
	UpdateRun(run domain.Run) error
	SaveTrace(tr trace.Trace) error
}

// Registry tracks in-flight and completed runs keyed by slot.
type Registry struct {
	invoker backend.Invoker
	bus     *bus.Bus
	phases  *phase.Definitions
	tracer  *trace.Tracer
	resumer *snapshot.Resumer

	store    Store
	notifier notify.Notifier
	onUpdate func(domain.Run)

	mu    sync.Mutex
	slots map[string]*Handle
	byID  map[string]*Handle

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Registry wired to the backend, the event bus, the phase
// tables and a tracer.
func New(invoker backend.Invoker, b *bus.Bus, phases *phase.Definitions, tracer *trace.Tracer) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		invoker: invoker,
		bus:     b,
		phases:  phases,
		tracer:  tracer,
		resumer: snapshot.New(invoker),
		slots:   make(map[string]*Handle),
		byID:    make(map[string]*Handle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetStore sets the persistence store for run history.
func (r *Registry) SetStore(store Store) { r.store = store }

// SetNotifier sets the notifier fired on terminal runs.
func (r *Registry) SetNotifier(n notify.Notifier) { r.notifier = n }

// SetOnUpdate registers a callback invoked with an immutable snapshot
// after every observable change to a run.
func (r *Registry) SetOnUpdate(fn func(domain.Run)) { r.onUpdate = fn }

// Close stops every correlator goroutine the registry has started.
func (r *Registry) Close() { r.cancel() }

func slotKey(category domain.RunCategory, subjectKey string) string {
	return string(category) + "\x00" + subjectKey
}

// Start begins a new run on the (category, subjectKey) slot. It fails with
// SlotBusyError while the slot holds an active run: callers wanting
// replace-semantics must cancel explicitly first, so a backend process is
// never silently orphaned.
func (r *Registry) Start(ctx context.Context, category domain.RunCategory, subjectKey string, params map[string]any) (domain.Run, error) {
	if !domain.ValidCategory(category) {
		return domain.Run{}, fmt.Errorf("unknown run category %q", category)
	}

	// Check-then-insert under one lock so two concurrent starts on the
	// same slot cannot both succeed.
	r.mu.Lock()
	key := slotKey(category, subjectKey)
	if prev, ok := r.slots[key]; ok {
		prev.mu.Lock()
		active := domain.IsActive(prev.status)
		prev.mu.Unlock()
		if active {
			r.mu.Unlock()
			return domain.Run{}, &domain.SlotBusyError{Category: category, SubjectKey: subjectKey}
		}
	}

	h := &Handle{
		category:   category,
		subjectKey: subjectKey,
		status:     domain.StatusQueued,
		phaseLabel: phase.GenericLabel,
		startedAt:  time.Now(),
	}
	h.trace = r.tracer.StartTrace("")
	sub := r.bus.Subscribe(category)
	h.corr = correlator.New(category, sub, func(env domain.EventEnvelope, status domain.RunStatus) {
		r.ingest(h, env, status)
	})
	r.slots[key] = h
	r.mu.Unlock()

	r.tracer.RecordStage(h.trace, "start", map[string]any{
		"category":    string(category),
		"subject_key": subjectKey,
	}, nil)

	// The correlator is not consuming yet. Envelopes published while the
	// start invocation is in flight wait in the subscription buffer, so
	// the correlator only begins reading once it is latched to this run's
	// id. Letting it read unlatched would let a concurrent sibling run on
	// the same category topic claim the latch first.

	// Start middleware may enrich or veto the params before they reach
	// the backend. A failing middleware is fatal to this start.
	var runID string
	payload, err := r.tracer.RunMiddleware(ctx, "start", params, h.trace)
	if err == nil {
		if enriched, ok := payload.(map[string]any); ok {
			params = enriched
		}
		runID, err = r.invoker.StartRun(ctx, category, subjectKey, params)
	}
	if err != nil {
		inv := &domain.InvocationError{Op: backend.CommandName("start", category), Err: err}
		h.mu.Lock()
		if !domain.IsTerminal(h.status) {
			if applyErr := h.applyStatusLocked(domain.StatusFailed); applyErr != nil {
				log.Printf("registry: %v", applyErr)
			}
			h.errMsg = err.Error()
			now := time.Now()
			h.completedAt = &now
		}
		run := h.snapshotLocked()
		h.mu.Unlock()
		h.corr.Close()
		r.tracer.RecordStage(h.trace, "start_failed", nil, err)
		r.tracer.CompleteTrace(h.trace)
		r.persist(h, run, true)
		r.notifyTerminal(run)
		r.emit(run)
		return run, inv
	}

	h.corr.Latch(runID)
	go h.corr.Run(r.ctx)
	h.mu.Lock()
	if h.id == "" {
		h.id = runID
	}
	h.trace.BindRun(h.id)
	if h.status == domain.StatusQueued {
		if applyErr := h.applyStatusLocked(domain.StatusRunning); applyErr != nil {
			log.Printf("registry: %v", applyErr)
		}
	}
	run := h.snapshotLocked()
	h.mu.Unlock()

	r.mu.Lock()
	r.byID[runID] = h
	r.mu.Unlock()

	r.tracer.RecordStage(h.trace, "acknowledged", nil, nil)
	r.persist(h, run, true)
	r.emit(run)
	return run, nil
}

// ingest applies one correlated envelope to a handle. It never blocks and
// never propagates errors into the event loop.
func (r *Registry) ingest(h *Handle, env domain.EventEnvelope, status domain.RunStatus) {
	h.mu.Lock()

	// Terminal handles are frozen. This guard is deliberate redundancy
	// with the correlator's unsubscribe-on-terminal: a locally cancelled
	// run must stay cancelled even if a completed envelope sneaks in
	// between the cancel and the unsubscribe.
	if domain.IsTerminal(h.status) {
		h.mu.Unlock()
		return
	}

	registerID := ""
	if h.id == "" {
		h.id = env.RunID
		h.trace.BindRun(h.id)
		registerID = h.id
	}

	if env.Line != "" {
		h.lines = append(h.lines, env.Line)
	}

	terminal := domain.IsTerminal(status)
	switch {
	case status == h.status:
		// no status change
	case !terminal:
		if domain.CanTransition(h.status, status) {
			h.status = status
		}
		// A non-terminal token the table rejects (e.g. queued while
		// running) is stale ordering noise; the line was still kept.
	default:
		if !domain.CanTransition(h.status, status) && domain.CanTransition(h.status, domain.StatusRunning) {
			// Queued and awaiting_input runs can finish without us ever
			// seeing a running envelope; pass through running so the
			// table stays the single authority on legal edges.
			h.status = domain.StatusRunning
		}
		if applyErr := h.applyStatusLocked(status); applyErr != nil {
			log.Printf("registry %s: %v", h.id, applyErr)
			terminal = false
		}
	}

	if terminal {
		if env.ErrorMessage != "" {
			h.errMsg = env.ErrorMessage
		}
		now := time.Now()
		h.completedAt = &now
	}
	h.recomputePhaseLocked(r.phases.For(h.category))
	run := h.snapshotLocked()
	h.mu.Unlock()

	if registerID != "" {
		r.mu.Lock()
		r.byID[registerID] = h
		r.mu.Unlock()
	}

	if terminal {
		h.corr.Close()
		r.tracer.RecordStage(h.trace, string(run.Status), nil, nil)
		r.tracer.CompleteTrace(h.trace)
		r.persist(h, run, false)
		r.notifyTerminal(run)
	} else {
		r.persist(h, run, false)
	}
	r.emit(run)
}

// Cancel transitions the run to cancelled locally first, then delivers the
// backend cancel best-effort. Once cancelled locally the run can never
// leave cancelled, whatever the backend's late output says.
func (r *Registry) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	h := r.byID[runID]
	r.mu.Unlock()
	if h == nil {
		return fmt.Errorf("no run with id %s", runID)
	}

	h.mu.Lock()
	if domain.IsTerminal(h.status) {
		h.mu.Unlock()
		return nil
	}
	if applyErr := h.applyStatusLocked(domain.StatusCancelled); applyErr != nil {
		h.mu.Unlock()
		log.Printf("registry: %v", applyErr)
		return nil
	}
	h.lines = append(h.lines, cancelMarker)
	now := time.Now()
	h.completedAt = &now
	h.recomputePhaseLocked(r.phases.For(h.category))
	run := h.snapshotLocked()
	h.mu.Unlock()

	h.corr.Close()
	r.tracer.RecordStage(h.trace, "cancelled", nil, nil)
	r.tracer.CompleteTrace(h.trace)
	r.persist(h, run, false)
	r.notifyTerminal(run)
	r.emit(run)

	if err := r.invoker.CancelRun(ctx, h.category, runID); err != nil {
		// Local state is already cancelled and stays that way.
		log.Printf("registry %s: best-effort cancel delivery failed: %v", runID, err)
	}
	return nil
}

// Resume recovers a run started before this client attached. The snapshot
// is authoritative: the slot's handle is replaced wholesale. A live
// subscription is only opened when the snapshot reports a non-terminal
// status.
func (r *Registry) Resume(ctx context.Context, category domain.RunCategory, subjectKey, runID string) (domain.Run, error) {
	snap, status, err := r.resumer.Fetch(ctx, category, runID)
	if err != nil {
		return domain.Run{}, err
	}

	h := &Handle{
		id:         runID,
		category:   category,
		subjectKey: subjectKey,
		status:     status,
		lines:      append([]string(nil), snap.Lines...),
		result:     snap.Result,
		errMsg:     snap.Error,
		startedAt:  time.Now(),
	}
	if domain.IsTerminal(status) {
		now := time.Now()
		h.completedAt = &now
	}
	h.recomputePhaseLocked(r.phases.For(category))
	h.trace = r.tracer.StartTrace(runID)
	r.tracer.RecordStage(h.trace, "resumed", map[string]any{"status": string(status)}, nil)

	if !domain.IsTerminal(status) {
		sub := r.bus.Subscribe(category)
		h.corr = correlator.New(category, sub, func(env domain.EventEnvelope, st domain.RunStatus) {
			r.ingest(h, env, st)
		})
		h.corr.Latch(runID)
	} else {
		r.tracer.CompleteTrace(h.trace)
	}

	r.mu.Lock()
	key := slotKey(category, subjectKey)
	if prev, ok := r.slots[key]; ok && prev.corr != nil {
		prev.corr.Close()
	}
	r.slots[key] = h
	r.byID[runID] = h
	r.mu.Unlock()

	if h.corr != nil {
		go h.corr.Run(r.ctx)
	}

	run := h.Snapshot()
	r.persist(h, run, true)
	r.emit(run)
	return run, nil
}

// Reconcile overwrites a tracked run's state from a polled snapshot. Used
// by the polling fallback when the event feed is unavailable. Terminal
// local state still wins: reconciliation never reopens a finished run.
func (r *Registry) Reconcile(runID string, snap *domain.Snapshot, status domain.RunStatus) {
	r.mu.Lock()
	h := r.byID[runID]
	r.mu.Unlock()
	if h == nil {
		return
	}

	h.mu.Lock()
	if domain.IsTerminal(h.status) {
		h.mu.Unlock()
		return
	}
	h.lines = append(h.lines[:0], snap.Lines...)
	h.status = status
	if snap.Error != "" {
		h.errMsg = snap.Error
	}
	if snap.Result != nil {
		h.result = snap.Result
	}
	terminal := domain.IsTerminal(status)
	if terminal {
		now := time.Now()
		h.completedAt = &now
	}
	h.recomputePhaseLocked(r.phases.For(h.category))
	run := h.snapshotLocked()
	h.mu.Unlock()

	if terminal {
		if h.corr != nil {
			h.corr.Close()
		}
		r.tracer.CompleteTrace(h.trace)
		r.notifyTerminal(run)
	}
	r.persist(h, run, false)
	r.emit(run)
}

// Poll runs the snapshot polling fallback for a tracked run until it goes
// terminal or ctx is done.
func (r *Registry) Poll(ctx context.Context, category domain.RunCategory, runID string, interval time.Duration) error {
	return r.resumer.Poll(ctx, category, runID, interval, func(snap *domain.Snapshot, status domain.RunStatus) {
		r.Reconcile(runID, snap, status)
	})
}

// Query returns the slot's current run, or nil when the slot is empty.
func (r *Registry) Query(category domain.RunCategory, subjectKey string) *domain.Run {
	r.mu.Lock()
	h := r.slots[slotKey(category, subjectKey)]
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	run := h.Snapshot()
	return &run
}

// Get returns a run by id, or nil.
func (r *Registry) Get(runID string) *domain.Run {
	r.mu.Lock()
	h := r.byID[runID]
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	run := h.Snapshot()
	return &run
}

// List returns every tracked run, most recently started first.
func (r *Registry) List() []domain.Run {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.slots))
	for _, h := range r.slots {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	runs := make([]domain.Run, 0, len(handles))
	for _, h := range handles {
		runs = append(runs, h.Snapshot())
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs
}

// Trace returns a copy of the pipeline trace for a run, or nil.
func (r *Registry) Trace(runID string) *trace.Trace {
	r.mu.Lock()
	h := r.byID[runID]
	r.mu.Unlock()
	if h == nil || h.trace == nil {
		return nil
	}
	tr := h.trace.Snapshot()
	return &tr
}

func (r *Registry) persist(h *Handle, run domain.Run, isNew bool) {
	if r.store == nil {
		return
	}
	var err error
	if isNew {
		err = r.store.SaveRun(run)
	} else {
		err = r.store.UpdateRun(run)
	}
	if err != nil {
		log.Printf("registry: persisting run %s: %v", run.ID, err)
	}
	if domain.IsTerminal(run.Status) && h.trace != nil {
		if err := r.store.SaveTrace(h.trace.Snapshot()); err != nil {
			log.Printf("registry: persisting trace for %s: %v", run.ID, err)
		}
	}
}

func (r *Registry) notifyTerminal(run domain.Run) {
	if r.notifier == nil {
		return
	}
	n := notify.Notification{
		Title:    fmt.Sprintf("%s run %s", run.Category, run.Status),
		Message:  fmt.Sprintf("subject %s finished with status %s", run.SubjectKey, run.Status),
		RunID:    run.ID,
		Category: string(run.Category),
	}
	switch run.Status {
	case domain.StatusCompleted:
		n.Type = notify.NotifySuccess
	case domain.StatusFailed:
		n.Type = notify.NotifyError
		if run.Error != "" {
			n.Message = run.Error
		}
	case domain.StatusIncomplete:
		n.Type = notify.NotifyWarning
	default:
		n.Type = notify.NotifyInfo
	}
	if err := r.notifier.Send(n); err != nil {
		log.Printf("registry: notification for %s: %v", run.ID, err)
	}
}

func (r *Registry) emit(run domain.Run) {
	if r.onUpdate != nil {
		r.onUpdate(run)
	}
}
