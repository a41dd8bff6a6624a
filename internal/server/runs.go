package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codeloft-io/loft/internal/event"
	"github.com/codeloft-io/loft/internal/runctx"
	"github.com/codeloft-io/loft/internal/store"
)

// --- Request/Response types ---

type createRunRequest struct {
	UserID         string            `json:"user_id"`
	MessageHistory []map[string]any  `json:"message_history"`
	Query          string            `json:"query"`
	Project        map[string]string `json:"project"`
	Model          string            `json:"model,omitempty"`
}

type createRunResponse struct {
	TaskID      string `json:"task_id"`
	StreamToken string `json:"stream_token"`
}

type runRecordResponse struct {
	TaskID    string        `json:"task_id"`
	UserID    string        `json:"user_id"`
	Model     string        `json:"model,omitempty"`
	Status    string        `json:"status"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
	Events    []event.Event `json:"events"`
}

// handleCreateRun mints a task id and a stream token carrying the full run
// payload. The run itself starts when the client opens the events stream.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, "user_id and query are required")
		return
	}
	if req.Project == nil {
		req.Project = map[string]string{}
	}

	taskID := makeTaskID()
	log.Printf("run[%s] created model=%s query_len=%d files=%d",
		taskID, req.Model, len(req.Query), len(req.Project))

	payload := runctx.BasePayload{
		UserID:         req.UserID,
		MessageHistory: req.MessageHistory,
		Query:          req.Query,
		Project:        req.Project,
		Model:          req.Model,
	}
	streamToken, err := s.signer.SignValue(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign stream token")
		return
	}
	if err := s.store.CreateRun(r.Context(), taskID, payload); err != nil {
		log.Printf("run[%s] store create failed: %v", taskID, err)
	}
	writeJSON(w, http.StatusOK, createRunResponse{TaskID: taskID, StreamToken: streamToken})
}

// handleRunEvents executes a fresh agent run and streams its progress.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	var base runctx.BasePayload
	if !s.verifyToken(w, r, &base) {
		return
	}
	if s.llm == nil {
		writeError(w, http.StatusInternalServerError, "model gateway not configured")
		return
	}
	log.Printf("run[%s] start model=%s project_files=%d history=%d",
		runID, base.Model, len(base.Project), len(base.MessageHistory))

	s.setRunStatus(runID, store.StatusRunning)
	terminal := ""
	s.streamSSE(w, r, s.flow.Run(r.Context(), base, runID), func(ev event.Event) {
		s.archiveEvent(runID, ev, &terminal)
	})
	if terminal == "" {
		// A run that closed its stream without a terminal event paused for
		// client-side execution.
		terminal = store.StatusDeferred
	}
	s.setRunStatus(runID, terminal)
}

// handleResumeRun continues a deferred run with the client's execution result.
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	var base runctx.BasePayload
	if !s.verifyToken(w, r, &base) {
		return
	}
	if s.llm == nil {
		writeError(w, http.StatusInternalServerError, "model gateway not configured")
		return
	}
	result := r.URL.Query().Get("result")
	log.Printf("run[%s] resume model=%s result_len=%d", runID, base.Model, len(result))

	s.setRunStatus(runID, store.StatusRunning)
	terminal := ""
	s.streamSSE(w, r, s.flow.Resume(r.Context(), base, runID, result), func(ev event.Event) {
		s.archiveEvent(runID, ev, &terminal)
	})
	if terminal == "" {
		terminal = store.StatusDeferred
	}
	s.setRunStatus(runID, terminal)
}

// handleGetRun returns the stored record and archived events for a run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	rec, err := s.store.Run(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	events, err := s.store.Events(r.Context(), runID)
	if err != nil {
		log.Printf("run[%s] load events failed: %v", runID, err)
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, runRecordResponse{
		TaskID:    rec.ID,
		UserID:    rec.UserID,
		Model:     rec.Model,
		Status:    rec.Status,
		CreatedAt: event.Timestamp(rec.CreatedAt),
		UpdatedAt: event.Timestamp(rec.UpdatedAt),
		Events:    events,
	})
}

// archiveEvent persists a stream event and tracks the terminal status it
// implies. Archival is best effort; the live stream never fails over it.
func (s *Server) archiveEvent(runID string, ev event.Event, terminal *string) {
	if err := s.store.AppendEvent(context.Background(), runID, ev); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		log.Printf("run[%s] archive event failed: %v", runID, err)
	}
	switch ev.EventType {
	case event.TypeAgentOutput:
		*terminal = store.StatusCompleted
	case event.TypeRunFailed:
		*terminal = store.StatusFailed
	}
}

func (s *Server) setRunStatus(runID, status string) {
	err := s.store.SetStatus(context.Background(), runID, status)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("run[%s] set status %s failed: %v", runID, status, err)
	}
}
