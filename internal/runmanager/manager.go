// Package runmanager is the master-side authority over evaluation units, the run
// queue and registered workers. Every mutation goes through one lock.
package runmanager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/observability"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/runqueue"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/config"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/logger"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// Config holds the manager's policy knobs
type Config struct {
	RetryLimit int
	// WorkerLossLimit caps reverts caused by lost workers; zero is unlimited
	WorkerLossLimit   int
	HeartbeatTimeout  time.Duration
	EvaluationTimeout time.Duration
	OverdueFactor     float64
	RegisterGrace     time.Duration
	// SweepInterval defaults to half the heartbeat timeout
	SweepInterval time.Duration

	Logger  *slog.Logger
	Metrics *observability.Registry
	Clock   func() time.Time
}

// ConfigFromRunConfig derives the manager configuration from a validated run config
func ConfigFromRunConfig(rc *config.RunConfig) (Config, error) {
	hb, err := rc.Timeouts.GetHeartbeat()
	if err != nil {
		return Config{}, fmt.Errorf("invalid heartbeat timeout: %w", err)
	}
	eval, err := rc.Timeouts.GetEvaluation()
	if err != nil {
		return Config{}, fmt.Errorf("invalid evaluation timeout: %w", err)
	}
	grace, err := rc.Timeouts.GetRegisterGrace()
	if err != nil {
		return Config{}, fmt.Errorf("invalid register grace: %w", err)
	}
	return Config{
		RetryLimit:        rc.GetRetryLimit(),
		WorkerLossLimit:   rc.WorkerLossLimit,
		HeartbeatTimeout:  hb,
		EvaluationTimeout: eval,
		OverdueFactor:     rc.Timeouts.OverdueFactor,
		RegisterGrace:     grace,
	}, nil
}

// BatchHandle identifies a submitted batch
type BatchHandle struct {
	ID        uint64 `json:"id"`
	Iteration int    `json:"iteration"`
}

// BatchStatus is the result of a poll
type BatchStatus struct {
	Completed    []models.EvaluationUnit `json:"completed"`
	Failed       []models.EvaluationUnit `json:"failed"`
	PendingCount int                     `json:"pending_count"`
}

// Resolved reports whether every unit reached a terminal status
func (s BatchStatus) Resolved() bool {
	return s.PendingCount == 0
}

type batch struct {
	id          uint64
	iteration   int
	units       []*models.EvaluationUnit
	submittedAt time.Time
	done        chan struct{}
	resolved    bool
}

func (b *batch) handle() BatchHandle {
	return BatchHandle{ID: b.id, Iteration: b.iteration}
}

// Manager owns the run queue, the open batch and the worker table
type Manager struct {
	mu sync.Mutex

	cfg     Config
	log     *slog.Logger
	metrics *observability.Registry
	now     func() time.Time

	queue       *runqueue.Queue
	open        *batch
	nextBatchID uint64
	workers     map[string]*models.WorkerHandle
	byAddress   map[string]string
	store       *RunStore
}

// New creates a manager
func New(cfg Config) *Manager {
	if cfg.OverdueFactor < 1 {
		cfg.OverdueFactor = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.HeartbeatTimeout / 2
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	m := &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Clock,
		queue:     runqueue.New(),
		workers:   make(map[string]*models.WorkerHandle),
		byAddress: make(map[string]string),
		store:     NewRunStore(),
	}
	if m.log == nil {
		m.log = logger.Component("manager")
	}
	if m.metrics == nil {
		m.metrics = observability.Default
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SubmitBatch enqueues one pending unit per vector with run ids 0..n-1.
// Only one batch may be open at a time.
func (m *Manager) SubmitBatch(iteration int, vectors []models.ParameterVector) (BatchHandle, error) {
	if len(vectors) == 0 {
		return BatchHandle{}, fmt.Errorf("%w: iteration %d has no parameter vectors", ErrInvalidIteration, iteration)
	}
	for i, v := range vectors {
		if len(v.Names) != len(v.Values) {
			return BatchHandle{}, fmt.Errorf("%w: vector %d has %d names and %d values", ErrInvalidRequest, i, len(v.Names), len(v.Values))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open != nil {
		return BatchHandle{}, fmt.Errorf("%w: batch %d for iteration %d is still open", ErrInvalidIteration, m.open.id, m.open.iteration)
	}

	m.nextBatchID++
	b := &batch{
		id:          m.nextBatchID,
		iteration:   iteration,
		units:       make([]*models.EvaluationUnit, len(vectors)),
		submittedAt: m.now(),
		done:        make(chan struct{}),
	}
	for i, v := range vectors {
		b.units[i] = &models.EvaluationUnit{
			BatchID:    b.id,
			Iteration:  iteration,
			RunID:      i,
			Parameters: v.Clone(),
			Status:     models.RunStatusPending,
		}
		m.queue.PushBack(b.units[i].Ref())
	}
	m.open = b
	m.updateGaugesLocked()

	m.log.Info("batch submitted", "batch_id", b.id, "iteration", iteration, "size", len(vectors))
	return b.handle(), nil
}

// PollBatch returns copies of the completed and failed units and the number still pending
func (m *Manager) PollBatch(h BatchHandle) (BatchStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b := m.open; b != nil && b.id == h.ID {
		return b.statusLocked(), nil
	}
	if rec, ok := m.store.Get(h.ID); ok {
		return rec.status(), nil
	}
	return BatchStatus{}, fmt.Errorf("%w: %d", ErrUnknownBatch, h.ID)
}

// Done returns a channel closed once every unit of the batch is terminal
func (m *Manager) Done(h BatchHandle) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b := m.open; b != nil && b.id == h.ID {
		return b.done, nil
	}
	if _, ok := m.store.Get(h.ID); ok {
		ch := make(chan struct{})
		close(ch)
		return ch, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownBatch, h.ID)
}

// CloseBatch archives a fully resolved batch so the next one can be submitted
func (m *Manager) CloseBatch(h BatchHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.openBatchLocked(h)
	if err != nil {
		return err
	}
	if pending := b.pendingLocked(); pending > 0 {
		return fmt.Errorf("%w: batch %d has %d pending", ErrBatchUnresolved, b.id, pending)
	}
	return m.archiveLocked(b, BatchStateClosed)
}

// AbandonBatch archives the batch immediately. Queued units are dropped, dispatched
// units are released from their workers, and late results are rejected.
func (m *Manager) AbandonBatch(h BatchHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.openBatchLocked(h)
	if err != nil {
		return err
	}

	m.queue.Remove(b.id)
	now := m.now()
	abandoned := 0
	for _, u := range b.units {
		if u.Status.IsTerminal() {
			continue
		}
		if u.Status == models.RunStatusDispatched {
			m.unbindLocked(u)
		}
		u.Status = models.RunStatusFailed
		u.Failure = &models.Failure{Kind: models.FailureAbandoned}
		u.CompletedAt = now
		abandoned++
	}
	m.log.Warn("batch abandoned", "batch_id", b.id, "iteration", b.iteration, "abandoned_units", abandoned)
	return m.archiveLocked(b, BatchStateAbandoned)
}

// Archive returns an archived batch
func (m *Manager) Archive(batchID uint64) (*BatchRecord, bool) {
	return m.store.Get(batchID)
}

// History returns up to limit archived batches, newest first
func (m *Manager) History(limit int) []*BatchRecord {
	return m.store.List(limit)
}

// Snapshot is a point-in-time summary used by the status endpoint
type Snapshot struct {
	OpenBatch       *BatchSummary `json:"open_batch,omitempty"`
	QueueDepth      int           `json:"queue_depth"`
	Workers         int           `json:"workers"`
	ArchivedBatches int           `json:"archived_batches"`
}

// BatchSummary counts the units of a batch by status
type BatchSummary struct {
	ID          uint64    `json:"id"`
	Iteration   int       `json:"iteration"`
	Size        int       `json:"size"`
	Pending     int       `json:"pending"`
	Dispatched  int       `json:"dispatched"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Snapshot returns the current queue, batch and worker counts
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		QueueDepth:      m.queue.Len(),
		Workers:         len(m.workers),
		ArchivedBatches: m.store.Len(),
	}
	if b := m.open; b != nil {
		sum := &BatchSummary{ID: b.id, Iteration: b.iteration, Size: len(b.units), SubmittedAt: b.submittedAt}
		for _, u := range b.units {
			switch u.Status {
			case models.RunStatusPending:
				sum.Pending++
			case models.RunStatusDispatched:
				sum.Dispatched++
			case models.RunStatusCompleted:
				sum.Completed++
			case models.RunStatusFailed:
				sum.Failed++
			}
		}
		snap.OpenBatch = sum
	}
	return snap
}

func (m *Manager) openBatchLocked(h BatchHandle) (*batch, error) {
	if m.open == nil || m.open.id != h.ID {
		if _, ok := m.store.Get(h.ID); ok {
			return nil, fmt.Errorf("%w: batch %d is already archived", ErrUnknownBatch, h.ID)
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownBatch, h.ID)
	}
	return m.open, nil
}

func (m *Manager) archiveLocked(b *batch, state BatchState) error {
	rec := &BatchRecord{
		ID:          b.id,
		Iteration:   b.iteration,
		State:       state,
		Units:       make([]models.EvaluationUnit, len(b.units)),
		SubmittedAt: b.submittedAt,
		ClosedAt:    m.now(),
	}
	for i, u := range b.units {
		rec.Units[i] = u.Clone()
	}
	if err := m.store.Put(rec); err != nil {
		return err
	}
	if !b.resolved {
		b.resolved = true
		close(b.done)
	}
	m.open = nil
	m.updateGaugesLocked()
	return nil
}

// resolveCheckLocked closes the batch's done channel once nothing is pending
func (m *Manager) resolveCheckLocked(b *batch) {
	if b.resolved || b.pendingLocked() > 0 {
		return
	}
	b.resolved = true
	close(b.done)
	m.log.Info("batch resolved", "batch_id", b.id, "iteration", b.iteration)
}

func (b *batch) pendingLocked() int {
	n := 0
	for _, u := range b.units {
		if !u.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (b *batch) statusLocked() BatchStatus {
	var st BatchStatus
	for _, u := range b.units {
		switch u.Status {
		case models.RunStatusCompleted:
			st.Completed = append(st.Completed, u.Clone())
		case models.RunStatusFailed:
			st.Failed = append(st.Failed, u.Clone())
		default:
			st.PendingCount++
		}
	}
	return st
}

func (m *Manager) unitLocked(ref models.RunRef) *models.EvaluationUnit {
	b := m.open
	if b == nil || b.id != ref.BatchID || ref.RunID < 0 || ref.RunID >= len(b.units) {
		return nil
	}
	return b.units[ref.RunID]
}

func (m *Manager) updateGaugesLocked() {
	m.metrics.SetGauge(observability.MetricRunQueueDepth, nil, float64(m.queue.Len()))
	m.metrics.SetGauge(observability.MetricWorkersActive, nil, float64(len(m.workers)))
}
