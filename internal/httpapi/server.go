// Package httpapi exposes the orchestrator to operators over HTTP/JSON, with
// a Server-Sent Events feed of job events, and provides the matching client.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"maps"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dusk-indust/reelgate/internal/db"
	"github.com/dusk-indust/reelgate/internal/job"
	"github.com/dusk-indust/reelgate/internal/orchestrator"
)

// CreateJobRequest is the body of POST /jobs. Brief and Models fall back to
// the server's configured defaults.
type CreateJobRequest struct {
	Slug   string            `json:"slug"`
	Intent string            `json:"intent"`
	Brief  *job.Brief        `json:"brief,omitempty"`
	Models map[string]string `json:"models,omitempty"`
}

// DecisionRequest is the body of the gate approve and reject endpoints.
type DecisionRequest struct {
	Operator string          `json:"operator"`
	Notes    string          `json:"notes,omitempty"`
	Patch    json.RawMessage `json:"patch,omitempty"`
}

// SweepResponse reports how many gates a timeout sweep auto-approved.
type SweepResponse struct {
	Approved int `json:"approved"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the operator API.
type Server struct {
	op       orchestrator.Operator
	defaults job.Config
	http     *http.Server
	addr     string
}

// NewServer creates a server for op. defaults seeds the brief and models of
// jobs created without them.
func NewServer(op orchestrator.Operator, defaults job.Config) *Server {
	return &Server{op: op, defaults: defaults}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /jobs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /jobs/{id}/events/stream", s.handleStream)
	mux.HandleFunc("POST /jobs/{id}/advance", s.handleAdvance)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /jobs/{id}/gates/{stage}/approve", s.handleDecision(true))
	mux.HandleFunc("POST /jobs/{id}/gates/{stage}/reject", s.handleDecision(false))
	mux.HandleFunc("POST /gates/sweep", s.handleSweep)

	return mux
}

// Start binds addr and serves in a background goroutine. It returns once the
// listener is open, so bind errors are reported to the caller.
func (s *Server) Start(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[httpapi] WARNING: serve: %v", err)
		}
	}()
	log.Printf("[httpapi] listening on %s", s.addr)
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := job.Config{Brief: s.defaults.Brief, Models: maps.Clone(s.defaults.Models)}
	if req.Brief != nil {
		cfg.Brief = *req.Brief
	}
	if len(req.Models) > 0 {
		if cfg.Models == nil {
			cfg.Models = make(map[string]string, len(req.Models))
		}
		maps.Copy(cfg.Models, req.Models)
	}

	j, err := s.op.CreateJob(req.Slug, req.Intent, cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.op.StartJob(r.Context(), j); err != nil {
		writeOpError(w, err)
		return
	}
	started, err := s.op.Status(r.Context(), j.ID)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, started)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter db.ListFilter
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := job.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Status = st
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter.Limit = limit

	jobs, err := s.op.ListJobs(r.Context(), filter)
	if err != nil {
		writeOpError(w, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.op.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.op.Status(r.Context(), id); err != nil {
		writeOpError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evs, err := s.op.Events(r.Context(), id, limit)
	if err != nil {
		writeOpError(w, err)
		return
	}
	if evs == nil {
		evs = []job.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// handleStream sends the live event feed of one job until the client goes
// away or the job reaches a terminal status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.op.Status(r.Context(), id); err != nil {
		writeOpError(w, err)
		return
	}
	ch, unsubscribe := s.op.Subscribe(id)
	defer unsubscribe()

	sw := NewSSEWriter(w)
	sw.Init()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := sw.WriteEvent(e); err != nil {
				log.Printf("[httpapi] WARNING: stream job %s: %v", id, err)
				return
			}
			if isFinal(e.Type) {
				return
			}
		}
	}
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.op.Advance)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.op.CancelJob)
}

func (s *Server) handleDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stage, err := job.ParseStage(r.PathValue("stage"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var req DecisionRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Operator == "" {
			writeError(w, http.StatusBadRequest, errors.New("operator is required"))
			return
		}
		d := orchestrator.Decision{Notes: req.Notes, Patch: req.Patch}
		decide := s.op.RejectGate
		if approve {
			decide = s.op.ApproveGate
		}
		s.mutate(w, r, func(ctx context.Context, id string) error {
			return decide(ctx, id, stage, req.Operator, d)
		})
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n := s.op.CheckGateTimeouts(r.Context())
	writeJSON(w, http.StatusOK, SweepResponse{Approved: n})
}

// mutate runs fn on the job named in the path and replies with its new
// status.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := fn(r.Context(), id); err != nil {
		writeOpError(w, err)
		return
	}
	j, err := s.op.Status(r.Context(), id)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func isFinal(t job.EventType) bool {
	switch t {
	case job.EventJobCompleted, job.EventJobFailed, job.EventJobCanceled:
		return true
	}
	return false
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

// statusFor maps orchestrator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrJobActive),
		errors.Is(err, orchestrator.ErrGateDecided),
		errors.Is(err, orchestrator.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeOpError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] WARNING: encode response: %v", err)
	}
}
