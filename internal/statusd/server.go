// Package statusd serves a read-only JSON view of the run manager over HTTP.
package statusd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/observability"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/runmanager"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/sqp"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/logger"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// DriverState reports the optimizer phase; *sqp.Driver implements it
type DriverState interface {
	State() (sqp.State, int)
}

type HTTPServer struct {
	mux     *http.ServeMux
	manager *runmanager.Manager
	metrics *observability.Registry
	driver  DriverState
	now     func() time.Time
}

// NewHTTPServer creates the status handler. driver may be nil.
func NewHTTPServer(manager *runmanager.Manager, metrics *observability.Registry, driver DriverState) *HTTPServer {
	if metrics == nil {
		metrics = observability.Default
	}
	s := &HTTPServer{
		mux:     http.NewServeMux(),
		manager: manager,
		metrics: metrics,
		driver:  driver,
		now:     time.Now,
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/v1/workers", s.handleWorkers)
	s.mux.HandleFunc("/v1/batches", s.handleBatches)
	s.mux.HandleFunc("/v1/batches/", s.handleBatchByID)
	s.mux.HandleFunc("/v1/metrics", s.handleMetrics)
	s.mux.HandleFunc("/v1/driver", s.handleDriver)

	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

// Serve listens on addr until ctx is done, then shuts down gracefully
func (s *HTTPServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// handleWorkers handles GET /v1/workers
func (s *HTTPServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	now := s.now()
	handles := s.manager.Workers()
	workers := make([]map[string]any, 0, len(handles))
	for i := range handles {
		h := &handles[i]
		entry := map[string]any{
			"id":               h.ID,
			"address":          h.Address,
			"registered_at":    h.RegisteredAt.UTC().Format(time.RFC3339Nano),
			"heartbeat_age_ms": h.HeartbeatAge(now).Milliseconds(),
			"completed":        h.Completed,
			"failed":           h.Failed,
		}
		if h.CurrentRun != nil {
			entry["current_run"] = h.CurrentRun.String()
		}
		workers = append(workers, entry)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workers": workers,
		"count":   len(workers),
	})
}

// handleBatches handles GET /v1/batches, the archive newest first
func (s *HTTPServer) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = min(parsed, 1000)
		}
	}

	records := s.manager.History(limit)
	batches := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		batches = append(batches, summarizeRecord(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"batches": batches,
		"count":   len(batches),
	})
}

// handleBatchByID handles /v1/batches/current and /v1/batches/{id}
func (s *HTTPServer) handleBatchByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/batches/")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "batch ID is required")
		return
	}

	if path == "current" {
		snap := s.manager.Snapshot()
		s.writeJSON(w, http.StatusOK, map[string]any{
			"batch":            snap.OpenBatch,
			"queue_depth":      snap.QueueDepth,
			"workers":          snap.Workers,
			"archived_batches": snap.ArchivedBatches,
		})
		return
	}

	id, err := strconv.ParseUint(path, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid batch ID: "+path)
		return
	}
	rec, ok := s.manager.Archive(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"batch": summarizeRecord(rec),
		"units": rec.Units,
	})
}

// handleMetrics handles GET /v1/metrics; ?format=prometheus returns text exposition
func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.URL.Query().Get("format") == "prometheus" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(s.metrics.RenderPrometheus())); err != nil {
			logger.Error("failed to write metrics", "error", err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleDriver handles GET /v1/driver
func (s *HTTPServer) handleDriver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.driver == nil {
		s.writeError(w, http.StatusNotFound, "no driver attached")
		return
	}
	state, iteration := s.driver.State()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":     state,
		"iteration": iteration,
		"terminal":  state.IsTerminal(),
	})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": message,
	})
}

func summarizeRecord(rec *runmanager.BatchRecord) map[string]any {
	completed, failed := 0, 0
	for _, u := range rec.Units {
		switch u.Status {
		case models.RunStatusCompleted:
			completed++
		case models.RunStatusFailed:
			failed++
		}
	}
	return map[string]any{
		"id":           rec.ID,
		"iteration":    rec.Iteration,
		"state":        rec.State,
		"size":         len(rec.Units),
		"completed":    completed,
		"failed":       failed,
		"submitted_at": rec.SubmittedAt.UTC().Format(time.RFC3339Nano),
		"closed_at":    rec.ClosedAt.UTC().Format(time.RFC3339Nano),
	}
}
