package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/conductor/internal/model"
	"github.com/seantiz/conductor/internal/orchestrator"
	"github.com/seantiz/conductor/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// submitRunResponse is the JSON response for POST /v1/runs.
type submitRunResponse struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	PollingURL string `json:"polling_url"`
	EventsURL  string `json:"events_url"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func runURL(id string) string {
	return "/v1/runs/" + id
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var spec model.JobSpec
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.orch.Submit(r.Context(), spec)
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
		return
	}
	if err != nil {
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	w.Header().Set("Location", runURL(id))
	s.writeJSON(w, http.StatusAccepted, submitRunResponse{
		RunID:      id,
		Status:     model.StatusPending,
		PollingURL: runURL(id),
		EventsURL:  runURL(id) + "/events",
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.orch.Query(r.Context(), id)
	if errors.Is(err, orchestrator.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", model.StatusPending, model.StatusRunning, model.StatusCompleted, model.StatusFailed:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	limit := parseIntQuery(r, "limit", orchestrator.DefaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > orchestrator.MaxListLimit {
		limit = orchestrator.DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.orch.List(r.Context(), store.ListFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
