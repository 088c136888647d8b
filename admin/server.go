// Package admin serves the operational HTTP surface: health, status
// and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/beaver/cfg"
	"github.com/maxpert/beaver/replication"
	"github.com/maxpert/beaver/telemetry"
	"github.com/maxpert/beaver/wal"
)

const shutdownTimeout = 5 * time.Second

// SessionStatus exposes the live replication session state
type SessionStatus interface {
	State() replication.State
	Positions() (received, acknowledged uint64)
	CachedRelations() int
}

// PipelineStatus exposes per-sink delivery backlogs
type PipelineStatus interface {
	PendingCounts() map[string]uint64
}

// Server is the admin HTTP server
type Server struct {
	session  SessionStatus
	pipeline PipelineStatus
	srv      *http.Server
}

// NewServer creates an admin server bound to addr
func NewServer(addr string, session SessionStatus, pipeline PipelineStatus) *Server {
	s := &Server{
		session:  session,
		pipeline: pipeline,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", telemetry.GetMetricsHandler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	return s
}

// Start begins serving in a background goroutine
func (s *Server) Start() {
	log.Info().Str("address", s.srv.Addr).Msg("Starting admin server")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown failed")
	}
}

// handleHealth returns 200 while the session is streaming and 503 once
// it closes, so orchestrators restart the process.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.session.State()
	if state == replication.StateClosed {
		writeErrorResponse(w, http.StatusServiceUnavailable, fmt.Sprintf("session %s", state))
		return
	}
	writeJSONResponse(w, map[string]interface{}{"state": state.String()})
}

// handleStatus reports replication positions and per-sink backlogs
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	received, acknowledged := s.session.Positions()

	response := map[string]interface{}{
		"node_id":          cfg.Config.NodeID,
		"state":            s.session.State().String(),
		"received_lsn":     wal.LSN(received).String(),
		"acknowledged_lsn": wal.LSN(acknowledged).String(),
		"relations_cached": s.session.CachedRelations(),
	}
	if s.pipeline != nil {
		response["pending"] = s.pipeline.PendingCounts()
	}

	writeJSONResponse(w, response)
}

func writeJSONResponse(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Failed to write JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
