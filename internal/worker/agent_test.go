package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/observability"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/runmanager"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/logger"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// localMaster calls a manager in-process
type localMaster struct {
	m *runmanager.Manager

	mu         sync.Mutex
	registered int
}

func (l *localMaster) Register(_ context.Context, address string) (string, time.Duration, error) {
	l.mu.Lock()
	l.registered++
	l.mu.Unlock()
	id, err := l.m.RegisterWorker(address)
	return id, 20 * time.Millisecond, err
}

func (l *localMaster) RequestWork(_ context.Context, workerID string) (models.EvaluationUnit, error) {
	return l.m.RequestWork(workerID)
}

func (l *localMaster) ReportResult(_ context.Context, workerID string, batchID uint64, runID int, obs *models.ObservationVector, failure *models.Failure) error {
	return l.m.ReportResult(workerID, batchID, runID, obs, failure)
}

func (l *localMaster) Heartbeat(_ context.Context, workerID string) error {
	return l.m.Heartbeat(workerID)
}

func newManager(retryLimit int) *runmanager.Manager {
	return runmanager.New(runmanager.Config{
		RetryLimit:        retryLimit,
		HeartbeatTimeout:  time.Second,
		EvaluationTimeout: time.Minute,
		OverdueFactor:     2,
		RegisterGrace:     time.Second,
		Logger:            logger.Discard(),
		Metrics:           observability.NewRegistry(),
	})
}

func squareRunner() ModelRunner {
	return ModelRunnerFunc(func(ctx context.Context, p models.ParameterVector) (models.ObservationVector, error) {
		x := p.Values[0]
		return models.ObservationVector{Names: []string{"sq"}, Values: []float64{x * x}}, nil
	})
}

func testAgentConfig(addr string) Config {
	return Config{
		Address:         addr,
		PollInterval:    5 * time.Millisecond,
		MaxPollInterval: 20 * time.Millisecond,
		Logger:          logger.Discard(),
	}
}

func waitResolved(t *testing.T, m *runmanager.Manager, h runmanager.BatchHandle) runmanager.BatchStatus {
	t.Helper()
	done, err := m.Done(h)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not resolve")
	}
	st, err := m.PollBatch(h)
	if err != nil {
		t.Fatalf("PollBatch: %v", err)
	}
	return st
}

func TestAgentCompletesBatch(t *testing.T) {
	m := newManager(0)
	vs := make([]models.ParameterVector, 4)
	for i := range vs {
		vs[i] = models.ParameterVector{Names: []string{"x"}, Values: []float64{float64(i)}}
	}
	h, err := m.SubmitBatch(0, vs)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agent := NewAgent(testAgentConfig("a1"), &localMaster{m: m}, squareRunner())
	errCh := make(chan error, 1)
	go func() { errCh <- agent.Run(ctx) }()

	st := waitResolved(t, m, h)
	if len(st.Completed) != 4 {
		t.Fatalf("expected 4 completed, got %+v", st)
	}
	for _, u := range st.Completed {
		want := float64(u.RunID * u.RunID)
		if u.Result.Values[0] != want {
			t.Errorf("run %d: expected %v, got %v", u.RunID, want, u.Result.Values[0])
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if completed, failed := agent.Stats(); completed != 4 || failed != 0 {
		t.Fatalf("unexpected stats %d/%d", completed, failed)
	}
}

func TestAgentReportsClassifiedFailure(t *testing.T) {
	m := newManager(0)
	h, _ := m.SubmitBatch(0, []models.ParameterVector{{Names: []string{"x"}, Values: []float64{1}}})

	runner := ModelRunnerFunc(func(ctx context.Context, p models.ParameterVector) (models.ObservationVector, error) {
		return models.ObservationVector{}, evalError(models.FailureMalformedOutput, nil, "garbage")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewAgent(testAgentConfig("a1"), &localMaster{m: m}, runner).Run(ctx)

	st := waitResolved(t, m, h)
	if len(st.Failed) != 1 || st.Failed[0].Failure.Kind != models.FailureMalformedOutput {
		t.Fatalf("expected malformed_output failure, got %+v", st)
	}
}

func TestAgentPlainErrorIsModelCrash(t *testing.T) {
	m := newManager(0)
	h, _ := m.SubmitBatch(0, []models.ParameterVector{{Names: []string{"x"}, Values: []float64{1}}})

	runner := ModelRunnerFunc(func(ctx context.Context, p models.ParameterVector) (models.ObservationVector, error) {
		return models.ObservationVector{}, errors.New("no such file")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewAgent(testAgentConfig("a1"), &localMaster{m: m}, runner).Run(ctx)

	st := waitResolved(t, m, h)
	if len(st.Failed) != 1 || st.Failed[0].Failure.Kind != models.FailureModelCrashed {
		t.Fatalf("expected model_crashed failure, got %+v", st)
	}
}

func TestAgentReRegistersAfterExpiry(t *testing.T) {
	m := newManager(1)
	master := &localMaster{m: m}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agent := NewAgent(testAgentConfig("a1"), master, squareRunner())
	go agent.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for agent.WorkerID() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	first := agent.WorkerID()
	if first == "" {
		t.Fatal("agent never registered")
	}

	// Expire every handle as if heartbeats stopped arriving.
	m.Sweep(time.Now().Add(time.Hour))

	h, _ := m.SubmitBatch(0, []models.ParameterVector{{Names: []string{"x"}, Values: []float64{3}}})
	st := waitResolved(t, m, h)
	if len(st.Completed) != 1 {
		t.Fatalf("expected completion after re-registration, got %+v", st)
	}
	if agent.WorkerID() == first {
		t.Fatal("expected a new worker id after expiry")
	}
	master.mu.Lock()
	defer master.mu.Unlock()
	if master.registered < 2 {
		t.Fatalf("expected at least two registrations, got %d", master.registered)
	}
}
