package runmanager

import (
	"context"
	"sort"
	"time"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/observability"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// SweepResult lists what a sweep acted on
type SweepResult struct {
	ExpiredWorkers []string        `json:"expired_workers,omitempty"`
	OverdueRuns    []models.RunRef `json:"overdue_runs,omitempty"`
}

// Sweep removes workers whose heartbeat is older than the heartbeat timeout and
// fails dispatched units that have been out longer than the overdue limit.
func (m *Manager) Sweep(now time.Time) SweepResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res SweepResult

	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		w := m.workers[id]
		age := w.HeartbeatAge(now)
		if age <= m.cfg.HeartbeatTimeout {
			continue
		}
		m.log.Warn("worker heartbeat timed out",
			"worker_id", w.ID,
			"address", w.Address,
			"heartbeat_age", age.String(),
		)
		m.removeWorkerLocked(w, "missed heartbeats")
		m.metrics.IncCounter(observability.MetricWorkersExpired, nil, 1)
		res.ExpiredWorkers = append(res.ExpiredWorkers, id)
	}

	if b := m.open; b != nil && m.cfg.EvaluationTimeout > 0 {
		limit := time.Duration(float64(m.cfg.EvaluationTimeout) * m.cfg.OverdueFactor)
		for _, u := range b.units {
			if u.Status != models.RunStatusDispatched || now.Sub(u.DispatchedAt) <= limit {
				continue
			}
			m.log.Warn("run overdue",
				"batch_id", u.BatchID,
				"run_id", u.RunID,
				"worker_id", u.WorkerID,
				"limit", limit.String(),
			)
			m.unbindLocked(u)
			m.failAttemptLocked(u, models.Failure{
				Kind:    models.FailureTimedOut,
				Message: "evaluation overdue after " + limit.String(),
			})
			res.OverdueRuns = append(res.OverdueRuns, u.Ref())
		}
		m.resolveCheckLocked(b)
	}

	m.updateGaugesLocked()
	return res
}

// Run sweeps on a ticker until ctx is done
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}
