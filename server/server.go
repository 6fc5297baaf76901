// Package server exposes the pipeline over HTTP: submit a menu for
// estimation, poll job status, and fetch the final quote. Submission is
// asynchronous; the response returns before any pricing happens.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"menucost"
	"menucost/orchestrator"
)

// Pipeline is the orchestrator surface the handlers need.
type Pipeline interface {
	Submit(dishes []menucost.DishRequest, reset bool) error
	Status() menucost.JobStatus
	Quote(event string) (menucost.CateringQuote, error)
}

type Server struct {
	pipeline      Pipeline
	allowedOrigin string
	mux           *http.ServeMux
}

func New(pipeline Pipeline, allowedOrigin string) *Server {
	s := &Server{
		pipeline:      pipeline,
		allowedOrigin: allowedOrigin,
		mux:           http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/estimate", s.handleEstimate)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/quote", s.handleQuote)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.allowedOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

type estimateRequest struct {
	Items []menucost.DishRequest `json:"items"`
	Reset bool                   `json:"reset"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "no items submitted")
		return
	}
	for _, item := range req.Items {
		if item.Name == "" {
			writeError(w, http.StatusBadRequest, "every item needs a name")
			return
		}
	}

	if err := s.pipeline.Submit(req.Items, req.Reset); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("SERVER: Submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start estimation")
		return
	}

	status := s.pipeline.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Estimation started in background",
		"status":           menucost.StatusInProgress,
		"processed_so_far": status.ProcessedCount,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	event := r.URL.Query().Get("event")
	if event == "" {
		event = "Catering Event"
	}

	quote, err := s.pipeline.Quote(event)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotCompleted) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("SERVER: Quote failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build quote")
		return
	}

	writeJSON(w, http.StatusOK, quote)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("SERVER: Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
