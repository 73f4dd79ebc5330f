package runmanager

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/observability"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// RegisterWorker adds a worker handle and returns its id. Registering again from
// the same address within the grace window returns the existing id; after it, the
// old handle is retired and its unit is put back on the queue.
func (m *Manager) RegisterWorker(address string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("%w: worker address is required", ErrInvalidRequest)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if id, ok := m.byAddress[address]; ok {
		if w, exists := m.workers[id]; exists {
			if now.Sub(w.RegisteredAt) <= m.cfg.RegisterGrace {
				w.LastHeartbeat = now
				m.log.Debug("worker re-registered within grace", "worker_id", id, "address", address)
				return id, nil
			}
			m.log.Info("retiring previous worker handle", "worker_id", id, "address", address)
			m.removeWorkerLocked(w, "re-registered")
		}
	}

	w := &models.WorkerHandle{
		ID:            uuid.NewString(),
		Address:       address,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	m.workers[w.ID] = w
	m.byAddress[address] = w.ID
	m.metrics.IncCounter(observability.MetricWorkersRegistered, nil, 1)
	m.updateGaugesLocked()

	m.log.Info("worker registered", "worker_id", w.ID, "address", address)
	return w.ID, nil
}

// Heartbeat refreshes the worker's last heartbeat time
func (m *Manager) Heartbeat(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	w.LastHeartbeat = m.now()
	return nil
}

// RequestWork binds the oldest pending unit to the worker. A worker that already
// holds a unit gets the same unit back.
func (m *Manager) RequestWork(workerID string) (models.EvaluationUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return models.EvaluationUnit{}, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	now := m.now()
	w.LastHeartbeat = now

	if w.CurrentRun != nil {
		if u := m.unitLocked(*w.CurrentRun); u != nil && u.Status == models.RunStatusDispatched && u.WorkerID == workerID {
			return u.Clone(), nil
		}
		w.CurrentRun = nil
	}

	for {
		ref, ok := m.queue.PopFront()
		if !ok {
			return models.EvaluationUnit{}, ErrNoWorkAvailable
		}
		u := m.unitLocked(ref)
		if u == nil || u.Status != models.RunStatusPending {
			continue
		}

		u.Status = models.RunStatusDispatched
		u.WorkerID = workerID
		u.DispatchedAt = now
		r := u.Ref()
		w.CurrentRun = &r

		m.metrics.IncCounter(observability.MetricRunsDispatched, nil, 1)
		m.updateGaugesLocked()
		m.log.Debug("run dispatched", "batch_id", u.BatchID, "run_id", u.RunID, "worker_id", workerID, "attempts", u.Attempts)
		return u.Clone(), nil
	}
}

// ReportResult records the outcome of a dispatched unit. Exactly one of obs and
// failure must be set. The run must be dispatched to workerID in the open batch;
// otherwise ErrUnknownRun is returned and nothing changes. A report from a worker
// the manager no longer holds matches ErrUnknownWorker as well.
func (m *Manager) ReportResult(workerID string, batchID uint64, runID int, obs *models.ObservationVector, failure *models.Failure) error {
	if (obs == nil) == (failure == nil) {
		return fmt.Errorf("%w: exactly one of observations or failure must be set", ErrInvalidRequest)
	}
	if failure != nil && !models.ValidFailureKind(failure.Kind) {
		return fmt.Errorf("%w: unknown failure kind %q", ErrInvalidRequest, failure.Kind)
	}
	if obs != nil && len(obs.Names) != len(obs.Values) {
		return fmt.Errorf("%w: observation names and values differ in length", ErrInvalidRequest)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %w: %s", ErrUnknownRun, ErrUnknownWorker, workerID)
	}
	ref := models.RunRef{BatchID: batchID, RunID: runID}
	u := m.unitLocked(ref)
	if u == nil || u.Status != models.RunStatusDispatched || u.WorkerID != workerID {
		return fmt.Errorf("%w: %s is not dispatched to worker %s", ErrUnknownRun, ref, workerID)
	}

	now := m.now()
	w.LastHeartbeat = now
	m.metrics.Observe(observability.MetricEvaluationSeconds, now.Sub(u.DispatchedAt).Seconds())
	m.unbindLocked(u)

	if obs != nil && !obs.Finite() {
		failure = &models.Failure{Kind: models.FailureMalformedOutput, Message: "non-finite observation value"}
		obs = nil
	}

	if obs != nil {
		res := obs.Clone()
		u.Status = models.RunStatusCompleted
		u.WorkerID = workerID
		u.Result = &res
		u.Failure = nil
		u.CompletedAt = now
		w.Completed++
		m.metrics.IncCounter(observability.MetricRunsCompleted, nil, 1)
		m.log.Debug("run completed", "batch_id", batchID, "run_id", runID, "worker_id", workerID)
	} else {
		w.Failed++
		m.failAttemptLocked(u, *failure)
	}

	m.resolveCheckLocked(m.open)
	m.updateGaugesLocked()
	return nil
}

// Workers returns copies of the registered handles ordered by registration time
func (m *Manager) Workers() []models.WorkerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.WorkerHandle, 0, len(m.workers))
	for _, w := range m.workers {
		c := *w
		if w.CurrentRun != nil {
			r := *w.CurrentRun
			c.CurrentRun = &r
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// failAttemptLocked counts one failed attempt. The unit goes back to the front of
// the queue until its attempts exceed the retry limit, then it fails permanently.
func (m *Manager) failAttemptLocked(u *models.EvaluationUnit, failure models.Failure) {
	u.Attempts++
	f := failure
	u.Failure = &f

	if u.Attempts > m.cfg.RetryLimit {
		m.failPermanentlyLocked(u, failure)
		return
	}
	m.requeueLocked(u, failure)
}

// revertLocked puts a unit lost together with its worker back on the queue.
// Lost workers do not spend the retry budget; only WorkerLossLimit caps them.
func (m *Manager) revertLocked(u *models.EvaluationUnit, failure models.Failure) {
	u.Reverts++
	f := failure
	u.Failure = &f

	if m.cfg.WorkerLossLimit > 0 && u.Reverts > m.cfg.WorkerLossLimit {
		m.failPermanentlyLocked(u, failure)
		return
	}
	m.requeueLocked(u, failure)
}

func (m *Manager) failPermanentlyLocked(u *models.EvaluationUnit, failure models.Failure) {
	u.Status = models.RunStatusFailed
	u.CompletedAt = m.now()
	m.metrics.IncCounter(observability.MetricRunsFailed, map[string]string{"kind": string(failure.Kind)}, 1)
	m.log.Warn("run failed permanently",
		"batch_id", u.BatchID,
		"run_id", u.RunID,
		"attempts", u.Attempts,
		"reverts", u.Reverts,
		"failure", failure.String(),
	)
}

func (m *Manager) requeueLocked(u *models.EvaluationUnit, failure models.Failure) {
	u.Status = models.RunStatusPending
	m.queue.PushFront(u.Ref())
	m.metrics.IncCounter(observability.MetricRunsRequeued, map[string]string{"kind": string(failure.Kind)}, 1)
	m.log.Info("run requeued",
		"batch_id", u.BatchID,
		"run_id", u.RunID,
		"attempts", u.Attempts,
		"reverts", u.Reverts,
		"failure", failure.String(),
	)
}

// unbindLocked clears the dispatch binding between u and its worker
func (m *Manager) unbindLocked(u *models.EvaluationUnit) {
	if w, ok := m.workers[u.WorkerID]; ok && w.CurrentRun != nil && *w.CurrentRun == u.Ref() {
		w.CurrentRun = nil
	}
	u.WorkerID = ""
}

// removeWorkerLocked deletes the handle and reverts the unit it held
func (m *Manager) removeWorkerLocked(w *models.WorkerHandle, reason string) {
	if w.CurrentRun != nil {
		if u := m.unitLocked(*w.CurrentRun); u != nil && u.Status == models.RunStatusDispatched && u.WorkerID == w.ID {
			m.unbindLocked(u)
			m.revertLocked(u, models.Failure{
				Kind:    models.FailureWorkerUnreachable,
				Message: fmt.Sprintf("worker %s %s", w.ID, reason),
			})
			if m.open != nil {
				m.resolveCheckLocked(m.open)
			}
		}
	}
	delete(m.workers, w.ID)
	if m.byAddress[w.Address] == w.ID {
		delete(m.byAddress, w.Address)
	}
	m.updateGaugesLocked()
}
