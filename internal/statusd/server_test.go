package statusd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/observability"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/runmanager"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/sqp"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/logger"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

type fixedDriver struct {
	state     sqp.State
	iteration int
}

func (d fixedDriver) State() (sqp.State, int) { return d.state, d.iteration }

func newTestServer(t *testing.T, driver DriverState) (*HTTPServer, *runmanager.Manager, *observability.Registry) {
	t.Helper()
	reg := observability.NewRegistry()
	m := runmanager.New(runmanager.Config{
		RetryLimit:        1,
		HeartbeatTimeout:  time.Minute,
		EvaluationTimeout: time.Minute,
		RegisterGrace:     time.Second,
		Logger:            logger.Discard(),
		Metrics:           reg,
	})
	return NewHTTPServer(m, reg, driver), m, reg
}

func get(t *testing.T, srv *HTTPServer, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid json from %s: %v", path, err)
		}
	}
	return rr, body
}

func params(n int) []models.ParameterVector {
	out := make([]models.ParameterVector, n)
	for i := range out {
		out[i] = models.ParameterVector{Names: []string{"p"}, Values: []float64{float64(i)}}
	}
	return out
}

func TestHTTPServerHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rr, body := get(t, srv, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if body["timestamp"] == "" {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestHTTPServerWorkers(t *testing.T) {
	srv, m, _ := newTestServer(t, nil)
	id, err := m.RegisterWorker("10.0.0.1:5000")
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if _, err := m.SubmitBatch(1, params(1)); err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if _, err := m.RequestWork(id); err != nil {
		t.Fatalf("RequestWork: %v", err)
	}

	rr, body := get(t, srv, "/v1/workers")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	workers, ok := body["workers"].([]any)
	if !ok || len(workers) != 1 {
		t.Fatalf("expected one worker, got %v", body["workers"])
	}
	w := workers[0].(map[string]any)
	if w["id"] != id || w["address"] != "10.0.0.1:5000" {
		t.Fatalf("unexpected worker %v", w)
	}
	if w["current_run"] != "1/0" {
		t.Fatalf("expected current run 1/0, got %v", w["current_run"])
	}
}

func TestHTTPServerCurrentBatch(t *testing.T) {
	srv, m, _ := newTestServer(t, nil)

	_, body := get(t, srv, "/v1/batches/current")
	if body["batch"] != nil {
		t.Fatalf("expected no open batch, got %v", body["batch"])
	}

	if _, err := m.SubmitBatch(4, params(3)); err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	rr, body := get(t, srv, "/v1/batches/current")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	batch, ok := body["batch"].(map[string]any)
	if !ok {
		t.Fatalf("expected open batch, got %v", body)
	}
	if batch["iteration"] != float64(4) || batch["pending"] != float64(3) || batch["size"] != float64(3) {
		t.Fatalf("unexpected batch summary %v", batch)
	}
	if body["queue_depth"] != float64(3) {
		t.Fatalf("expected queue depth 3, got %v", body["queue_depth"])
	}
}

func TestHTTPServerArchivedBatches(t *testing.T) {
	srv, m, _ := newTestServer(t, nil)
	h, err := m.SubmitBatch(1, params(2))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if err := m.AbandonBatch(h); err != nil {
		t.Fatalf("AbandonBatch: %v", err)
	}

	_, body := get(t, srv, "/v1/batches?limit=5")
	batches, ok := body["batches"].([]any)
	if !ok || len(batches) != 1 {
		t.Fatalf("expected one archived batch, got %v", body)
	}
	if b := batches[0].(map[string]any); b["state"] != "abandoned" || b["failed"] != float64(2) {
		t.Fatalf("unexpected summary %v", b)
	}

	rr, body := get(t, srv, "/v1/batches/1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if units, ok := body["units"].([]any); !ok || len(units) != 2 {
		t.Fatalf("expected two units, got %v", body["units"])
	}

	tests := []struct {
		path string
		code int
	}{
		{"/v1/batches/99", http.StatusNotFound},
		{"/v1/batches/abc", http.StatusBadRequest},
		{"/v1/batches/", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rr, _ := get(t, srv, tt.path); rr.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.code, rr.Code)
		}
	}
}

func TestHTTPServerMetrics(t *testing.T) {
	srv, m, reg := newTestServer(t, nil)
	if _, err := m.RegisterWorker("a:1"); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	rr, body := get(t, srv, "/v1/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if _, ok := body["counters"].([]any); !ok {
		t.Fatalf("expected counters, got %v", body)
	}
	if reg.Counter(observability.MetricWorkersRegistered) != 1 {
		t.Fatalf("expected one registration counted")
	}

	rr, _ = get(t, srv, "/v1/metrics?format=prometheus")
	if !strings.Contains(rr.Body.String(), observability.MetricWorkersRegistered) {
		t.Fatalf("expected prometheus text to mention %s, got %q", observability.MetricWorkersRegistered, rr.Body.String())
	}
}

func TestHTTPServerDriver(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	if rr, _ := get(t, srv, "/v1/driver"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without driver, got %d", rr.Code)
	}

	srv, _, _ = newTestServer(t, fixedDriver{state: sqp.StateAwaitingEvaluations, iteration: 3})
	rr, body := get(t, srv, "/v1/driver")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body["state"] != string(sqp.StateAwaitingEvaluations) || body["iteration"] != float64(3) || body["terminal"] != false {
		t.Fatalf("unexpected driver body %v", body)
	}
}

func TestHTTPServerMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	for _, path := range []string{"/v1/workers", "/v1/batches", "/v1/batches/current", "/v1/metrics", "/v1/driver"} {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", path, rr.Code)
		}
	}
}

func TestHTTPServerServeShutsDown(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
