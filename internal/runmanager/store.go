package runmanager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// BatchState is the archive state of a batch
type BatchState string

const (
	BatchStateClosed    BatchState = "closed"
	BatchStateAbandoned BatchState = "abandoned"
)

// BatchRecord is an archived batch with its final units
type BatchRecord struct {
	ID          uint64                  `json:"id"`
	Iteration   int                     `json:"iteration"`
	State       BatchState              `json:"state"`
	Units       []models.EvaluationUnit `json:"units"`
	SubmittedAt time.Time               `json:"submitted_at"`
	ClosedAt    time.Time               `json:"closed_at"`
}

// RunStore keeps closed and abandoned batches for inspection
type RunStore struct {
	mu      sync.RWMutex
	batches map[uint64]*BatchRecord
}

// NewRunStore creates an empty archive
func NewRunStore() *RunStore {
	return &RunStore{
		batches: make(map[uint64]*BatchRecord),
	}
}

// Put archives rec; a batch can only be archived once
func (s *RunStore) Put(rec *BatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[rec.ID]; exists {
		return fmt.Errorf("batch already archived: %d", rec.ID)
	}
	s.batches[rec.ID] = rec
	return nil
}

// Get returns a copy of the archived batch
func (s *RunStore) Get(batchID uint64) (*BatchRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.batches[batchID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// List returns up to limit archived batches, newest first
func (s *RunStore) List(limit int) []*BatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	ids := make([]uint64, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	out := make([]*BatchRecord, 0, min(limit, len(ids)))
	for _, id := range ids {
		out = append(out, s.batches[id].clone())
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of archived batches
func (s *RunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.batches)
}

func (r *BatchRecord) clone() *BatchRecord {
	out := *r
	out.Units = make([]models.EvaluationUnit, len(r.Units))
	for i := range r.Units {
		out.Units[i] = r.Units[i].Clone()
	}
	return &out
}

// status derives poll counts from the archived units
func (r *BatchRecord) status() BatchStatus {
	var st BatchStatus
	for i := range r.Units {
		u := r.Units[i].Clone()
		switch u.Status {
		case models.RunStatusCompleted:
			st.Completed = append(st.Completed, u)
		case models.RunStatusFailed:
			st.Failed = append(st.Failed, u)
		default:
			st.PendingCount++
		}
	}
	return st
}
