// Package runqueue holds the FIFO of evaluation units waiting for a worker.
package runqueue

import "github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"

// Queue is a FIFO of run references.
// It is not safe for concurrent use; the run manager guards it with its own lock.
type Queue struct {
	items []models.RunRef
}

// New creates an empty queue
func New() *Queue {
	return &Queue{}
}

// PushBack appends ref in submission order
func (q *Queue) PushBack(ref models.RunRef) {
	q.items = append(q.items, ref)
}

// PushFront puts ref at the head so a reverted or retried unit is served next
func (q *Queue) PushFront(ref models.RunRef) {
	q.items = append(q.items, models.RunRef{})
	copy(q.items[1:], q.items)
	q.items[0] = ref
}

// PopFront removes and returns the head of the queue
func (q *Queue) PopFront() (models.RunRef, bool) {
	if len(q.items) == 0 {
		return models.RunRef{}, false
	}
	ref := q.items[0]
	q.items[0] = models.RunRef{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return ref, true
}

// Remove drops every entry of batchID and returns how many were removed
func (q *Queue) Remove(batchID uint64) int {
	kept := q.items[:0]
	removed := 0
	for _, ref := range q.items {
		if ref.BatchID == batchID {
			removed++
			continue
		}
		kept = append(kept, ref)
	}
	q.items = kept
	return removed
}

// Contains reports whether ref is queued
func (q *Queue) Contains(ref models.RunRef) bool {
	for _, r := range q.items {
		if r == ref {
			return true
		}
	}
	return false
}

// Len returns the number of queued entries
func (q *Queue) Len() int {
	return len(q.items)
}

// Items returns a copy of the queue contents, head first
func (q *Queue) Items() []models.RunRef {
	out := make([]models.RunRef, len(q.items))
	copy(out, q.items)
	return out
}
