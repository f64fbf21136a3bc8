package httpserver

import (
	"encoding/json"
	"net/http"

	"helmsman/internal/api"
	"helmsman/internal/orchestrator"
	"helmsman/pkg/logging"

	"github.com/go-chi/chi/v5"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("HTTP", "Encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusForError maps the error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case api.IsUnknownResource(err):
		return http.StatusNotFound
	case api.IsPolicyDenied(err):
		return http.StatusForbidden
	case api.IsCyclicDependency(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.orch.EnsureReady(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	// A partial failure is still a completed wake; 207 lets the caller know
	// to check the failed entries.
	status := http.StatusOK
	if res.PartialFailure() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Services())
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	view, err := s.registry.Service(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type desiredRequest struct {
	Desired api.DesiredState `json:"desired"`
}

func (s *Server) handleSetDesired(w http.ResponseWriter, r *http.Request) {
	var req desiredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Desired != api.DesiredOn && req.Desired != api.DesiredOff {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "desired must be \"on\" or \"off\""})
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.registry.SetDesired(id, req.Desired); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	view, err := s.registry.Service(id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Models())
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	if s.inspector == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no stores configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.inspector.Inspect(r.Context(), chi.URLParam(r, "key")))
}

type batchRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleInspectBatch(w http.ResponseWriter, r *http.Request) {
	if s.inspector == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no stores configured"})
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Keys) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "keys must not be empty"})
		return
	}
	writeJSON(w, http.StatusOK, s.inspector.InspectBatch(r.Context(), req.Keys))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// The control plane is ready as soon as the registry is loaded; managed
	// services being down is normal operation, not unreadiness.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"services": len(s.registry.Services()),
	})
}
