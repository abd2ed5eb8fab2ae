package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/personadesk/run-orchestrator/internal/domain"
	"github.com/personadesk/run-orchestrator/internal/runstore"
	"github.com/personadesk/run-orchestrator/internal/trace"
)

// Orchestrator is the registry surface the API exposes.
type Orchestrator interface {
	Start(ctx context.Context, category domain.RunCategory, subjectKey string, params map[string]any) (domain.Run, error)
	Cancel(ctx context.Context, runID string) error
	Resume(ctx context.Context, category domain.RunCategory, subjectKey, runID string) (domain.Run, error)
	Get(runID string) *domain.Run
	List() []domain.Run
	Trace(runID string) *trace.Trace
}

// History reads persisted runs
type History interface {
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
	GetRun(id string) (*domain.Run, error)
}

// Server is the local control API server
type Server struct {
	orch    Orchestrator
	history History
	addr    string
	mux     *http.ServeMux
	sseHub  *SSEHub
}

// NewServer creates a new API server. history may be nil when persistence
// is disabled.
func NewServer(orch Orchestrator, history History, addr string) *Server {
	s := &Server{
		orch:    orch,
		history: history,
		addr:    addr,
		mux:     http.NewServeMux(),
		sseHub:  NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/resume", s.resumeHandler())
	s.mux.HandleFunc("/api/history", s.historyHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Start serves the control API until ctx is cancelled, then drains open
// connections before returning.
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run()
	srv := &http.Server{Addr: s.addr, Handler: s.mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Long-lived SSE streams can outlast the grace period.
			return srv.Close()
		}
		return nil
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

// BroadcastRun pushes a run update to all SSE clients. Wired as the
// registry's update callback.
func (s *Server) BroadcastRun(run domain.Run) {
	s.sseHub.Broadcast(SSEEvent{Type: "run_update", Data: run})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
