package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/personadesk/run-orchestrator/internal/domain"
	"github.com/personadesk/run-orchestrator/internal/runstore"
)

// StatusResponse summarizes tracked runs by lifecycle state
type StatusResponse struct {
	Total         int `json:"total"`
	Queued        int `json:"queued"`
	Running       int `json:"running"`
	AwaitingInput int `json:"awaiting_input"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Incomplete    int `json:"incomplete"`
	Cancelled     int `json:"cancelled"`
}

// StartRequest is the body of POST /api/runs
type StartRequest struct {
	Category   string         `json:"category"`
	SubjectKey string         `json:"subject_key"`
	Params     map[string]any `json:"params"`
}

// ResumeRequest is the body of POST /api/resume
type ResumeRequest struct {
	Category   string `json:"category"`
	SubjectKey string `json:"subject_key"`
	RunID      string `json:"run_id"`
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var resp StatusResponse
		for _, run := range s.orch.List() {
			resp.Total++
			switch run.Status {
			case domain.StatusQueued:
				resp.Queued++
			case domain.StatusRunning:
				resp.Running++
			case domain.StatusAwaitingInput:
				resp.AwaitingInput++
			case domain.StatusCompleted:
				resp.Completed++
			case domain.StatusFailed:
				resp.Failed++
			case domain.StatusIncomplete:
				resp.Incomplete++
			case domain.StatusCancelled:
				resp.Cancelled++
			}
		}
		writeJSON(w, resp)
	}
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, s.orch.List())

		case http.MethodPost:
			var req StartRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			category := domain.RunCategory(req.Category)
			if !domain.ValidCategory(category) {
				writeError(w, http.StatusBadRequest, "unknown category")
				return
			}

			run, err := s.orch.Start(r.Context(), category, req.SubjectKey, req.Params)
			if err != nil {
				var busy *domain.SlotBusyError
				if errors.As(err, &busy) {
					writeError(w, http.StatusConflict, err.Error())
					return
				}
				var inv *domain.InvocationError
				if errors.As(err, &inv) {
					// The run exists in failed state; report both.
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusBadGateway)
					json.NewEncoder(w).Encode(run)
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(run)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// runHandler serves /api/runs/{id}, /api/runs/{id}/cancel and
// /api/runs/{id}/trace.
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		parts := strings.SplitN(rest, "/", 2)
		runID := parts[0]
		if runID == "" {
			writeError(w, http.StatusBadRequest, "run id required")
			return
		}

		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			run := s.orch.Get(runID)
			if run == nil {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			writeJSON(w, run)

		case action == "cancel" && r.Method == http.MethodPost:
			if err := s.orch.Cancel(r.Context(), runID); err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, s.orch.Get(runID))

		case action == "trace" && r.Method == http.MethodGet:
			tr := s.orch.Trace(runID)
			if tr == nil {
				writeError(w, http.StatusNotFound, "trace not found")
				return
			}
			writeJSON(w, tr)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) resumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req ResumeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		category := domain.RunCategory(req.Category)
		if !domain.ValidCategory(category) {
			writeError(w, http.StatusBadRequest, "unknown category")
			return
		}
		if req.RunID == "" {
			writeError(w, http.StatusBadRequest, "run_id required")
			return
		}

		run, err := s.orch.Resume(r.Context(), category, req.SubjectKey, req.RunID)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, run)
	}
}

func (s *Server) historyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.history == nil {
			writeError(w, http.StatusNotFound, "history disabled")
			return
		}

		opts := runstore.ListOptions{
			Category:   domain.RunCategory(r.URL.Query().Get("category")),
			SubjectKey: r.URL.Query().Get("subject"),
			Status:     domain.RunStatus(r.URL.Query().Get("status")),
		}
		if limit := r.URL.Query().Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}

		runs, err := s.history.ListRuns(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, runs)
	}
}
