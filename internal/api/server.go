package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ecgflow/internal/config"
	"ecgflow/internal/engine"
	"ecgflow/internal/notify"
	"ecgflow/internal/registry"
	"ecgflow/internal/telemetry"
)

// Server wires HTTP handlers for registration, status queries, cancellation,
// and live subscriptions.
type Server struct {
	cfg config.Config
	reg registry.Registry
	eng *engine.Engine
	hub *notify.Hub
}

// New constructs the API server.
func New(cfg config.Config, reg registry.Registry, eng *engine.Engine, hub *notify.Hub) *Server {
	return &Server{cfg: cfg, reg: reg, eng: eng, hub: hub}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/submissions", s.handleRegister)
	r.Get("/submissions/{id}", s.handleGet)
	r.Post("/submissions/{id}/cancel", s.handleCancel)
	r.Get("/submissions/{id}/events", s.handleSubmissionEvents)
	r.Get("/owners/{ownerID}/events", s.handleOwnerEvents)
	return r
}

type registerRequest struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	sub, err := s.reg.Create(r.Context(), req.OwnerID)
	if err != nil {
		http.Error(w, "failed to register submission", http.StatusInternalServerError)
		return
	}
	_ = s.reg.AppendAudit(r.Context(), sub.ID, "registered", fmt.Sprintf("owner=%s", req.OwnerID))
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.reg.Get(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, "submission not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load submission", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleCancel injects a synthetic failure with zero remaining retries.
// Canceling an already-terminal submission is a no-op and still returns the
// current record, so the call is idempotent.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.eng.Cancel(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, "submission not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to cancel submission", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res.Submission)
}

func (s *Server) handleSubmissionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.reg.Get(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, "submission not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load submission", http.StatusInternalServerError)
		return
	}

	// Initial snapshot so a client attaching mid-pipeline starts consistent.
	snapshot := notify.Notification{
		SubmissionID:  sub.ID,
		OwnerID:       sub.OwnerID,
		State:         sub.State,
		Artifacts:     sub.Artifacts,
		FailureReason: sub.FailureReason,
		At:            sub.LastTransitionAt,
	}
	s.streamEvents(w, r, notify.Target{SubmissionID: id}, &snapshot)
}

func (s *Server) handleOwnerEvents(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	s.streamEvents(w, r, notify.Target{OwnerID: ownerID}, nil)
}

// streamEvents serves an SSE stream of state transitions for the target.
// The subscription lives as long as the connection; a closed connection
// unsubscribes and delivery is never retried.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, target notify.Target, snapshot *notify.Notification) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	connID := uuid.New().String()
	ch := s.hub.Subscribe(connID, target)
	defer s.hub.Unsubscribe(connID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if snapshot != nil {
		writeEvent(w, *snapshot)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case n, open := <-ch:
			if !open {
				return
			}
			writeEvent(w, n)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, n notify.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
