// Package worker implements the worker agent: it pulls evaluation units from the
// master, runs the model and reports observations or a classified failure.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/runmanager"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/logger"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/utils"
)

// Master is the worker's view of the run manager protocol
type Master interface {
	Register(ctx context.Context, address string) (string, time.Duration, error)
	RequestWork(ctx context.Context, workerID string) (models.EvaluationUnit, error)
	ReportResult(ctx context.Context, workerID string, batchID uint64, runID int, obs *models.ObservationVector, failure *models.Failure) error
	Heartbeat(ctx context.Context, workerID string) error
}

// Config tunes an agent
type Config struct {
	// Address identifies this agent to the master; it must be unique per agent
	Address           string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	ReportAttempts    int
	Logger            *slog.Logger
}

// Agent runs one evaluation at a time on behalf of the master
type Agent struct {
	cfg     Config
	master  Master
	runner  ModelRunner
	log     *slog.Logger
	backoff utils.BackoffStrategy

	mu       sync.Mutex
	workerID string
	hbEvery  time.Duration

	completed int
	failed    int
}

// NewAgent creates an agent
func NewAgent(cfg Config, master Master, runner ModelRunner) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = 8 * cfg.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.ReportAttempts <= 0 {
		cfg.ReportAttempts = 5
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Component("worker")
	}
	return &Agent{
		cfg:     cfg,
		master:  master,
		runner:  runner,
		log:     log.With("address", cfg.Address),
		backoff: utils.NewExponentialBackoff(cfg.PollInterval, cfg.MaxPollInterval, 2.0, true),
		hbEvery: cfg.HeartbeatInterval,
	}
}

// WorkerID returns the id currently assigned by the master
func (a *Agent) WorkerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerID
}

// Stats returns how many units this agent completed and failed
func (a *Agent) Stats() (completed, failed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed, a.failed
}

// Run registers with the master and serves units until ctx is done.
// It returns nil on cancellation.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return nil
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.heartbeatLoop(hbCtx)

	idle := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		unit, err := a.master.RequestWork(ctx, a.WorkerID())
		switch {
		case err == nil:
			idle = 0
			a.evaluate(ctx, unit)
			continue
		case errors.Is(err, runmanager.ErrNoWorkAvailable):
		case errors.Is(err, runmanager.ErrUnknownWorker):
			a.log.Warn("master no longer knows this worker, re-registering", "worker_id", a.WorkerID())
			if err := a.register(ctx); err != nil {
				return nil
			}
			continue
		default:
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("request for work failed", "error", err)
		}

		if err := utils.Wait(ctx, a.backoff.NextDelay(idle)); err != nil {
			return nil
		}
		idle++
	}
}

// register retries with backoff until the master accepts the agent or ctx is done
func (a *Agent) register(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		id, interval, err := a.master.Register(ctx, a.cfg.Address)
		if err == nil {
			a.mu.Lock()
			a.workerID = id
			if interval > 0 {
				a.hbEvery = interval
			}
			a.mu.Unlock()
			a.log.Info("registered with master", "worker_id", id, "heartbeat_interval", interval.String())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Warn("registration failed", "attempt", attempt+1, "error", err)
		if err := utils.Wait(ctx, a.backoff.NextDelay(attempt)); err != nil {
			return err
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	a.mu.Lock()
	every := a.hbEvery
	a.mu.Unlock()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := a.WorkerID()
			if err := a.master.Heartbeat(ctx, id); err != nil && ctx.Err() == nil {
				a.log.Warn("heartbeat failed", "worker_id", id, "error", err)
			}
		}
	}
}

// evaluate runs the model for unit and reports the outcome. Nothing is reported
// if ctx ends first; the master's heartbeat timeout recovers the unit.
func (a *Agent) evaluate(ctx context.Context, unit models.EvaluationUnit) {
	log := a.log.With("batch_id", unit.BatchID, "run_id", unit.RunID, "iteration", unit.Iteration)
	log.Debug("evaluating run", "attempts", unit.Attempts)
	start := time.Now()

	obs, err := a.runner.Run(ctx, unit.Parameters)
	if ctx.Err() != nil {
		log.Info("stopping mid-evaluation")
		return
	}

	var (
		result  *models.ObservationVector
		failure *models.Failure
	)
	if err != nil {
		var evalErr *EvaluationError
		if errors.As(err, &evalErr) {
			failure = evalErr.Failure()
		} else {
			failure = &models.Failure{Kind: models.FailureModelCrashed, Message: err.Error()}
		}
		log.Warn("evaluation failed", "kind", string(failure.Kind), "error", err)
	} else {
		result = &obs
		log.Debug("evaluation completed", "duration", time.Since(start).String())
	}

	a.report(ctx, unit, result, failure)
}

func (a *Agent) report(ctx context.Context, unit models.EvaluationUnit, obs *models.ObservationVector, failure *models.Failure) {
	for attempt := 0; attempt < a.cfg.ReportAttempts; attempt++ {
		err := a.master.ReportResult(ctx, a.WorkerID(), unit.BatchID, unit.RunID, obs, failure)
		switch {
		case err == nil:
			a.mu.Lock()
			if failure == nil {
				a.completed++
			} else {
				a.failed++
			}
			a.mu.Unlock()
			return
		case errors.Is(err, runmanager.ErrUnknownRun):
			a.log.Info("result discarded by master", "batch_id", unit.BatchID, "run_id", unit.RunID, "error", err)
			return
		case errors.Is(err, runmanager.ErrUnknownWorker):
			a.log.Warn("result rejected, worker expired", "batch_id", unit.BatchID, "run_id", unit.RunID)
			return
		case errors.Is(err, runmanager.ErrInvalidRequest):
			a.log.Error("result rejected as malformed", "batch_id", unit.BatchID, "run_id", unit.RunID, "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.log.Warn("report failed, retrying", "attempt", attempt+1, "error", err)
		if utils.Wait(ctx, a.backoff.NextDelay(attempt)) != nil {
			return
		}
	}
	a.log.Error("giving up on report", "batch_id", unit.BatchID, "run_id", unit.RunID)
}
