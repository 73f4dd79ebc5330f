package runmanager

import (
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

func TestRunStorePutAndGet(t *testing.T) {
	store := NewRunStore()
	res := models.ObservationVector{Names: []string{"o"}, Values: []float64{1}}
	rec := &BatchRecord{
		ID:        1,
		Iteration: 0,
		State:     BatchStateClosed,
		Units: []models.EvaluationUnit{
			{BatchID: 1, RunID: 0, Status: models.RunStatusCompleted, Result: &res},
			{BatchID: 1, RunID: 1, Status: models.RunStatusFailed, Failure: &models.Failure{Kind: models.FailureTimedOut}},
		},
		ClosedAt: time.Now(),
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if err := store.Put(rec); err == nil {
		t.Fatal("expected duplicate archive error")
	}

	got, ok := store.Get(1)
	if !ok {
		t.Fatal("expected batch to exist")
	}
	got.Units[0].Result.Values[0] = 42
	again, _ := store.Get(1)
	if again.Units[0].Result.Values[0] != 1 {
		t.Fatal("Get returned shared unit state")
	}

	st := again.status()
	if len(st.Completed) != 1 || len(st.Failed) != 1 || st.PendingCount != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, ok := store.Get(2); ok {
		t.Fatal("expected missing batch")
	}
}

func TestRunStoreListNewestFirst(t *testing.T) {
	store := NewRunStore()
	for i := uint64(1); i <= 4; i++ {
		if err := store.Put(&BatchRecord{ID: i, State: BatchStateClosed}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	list := store.List(2)
	if len(list) != 2 || list[0].ID != 4 || list[1].ID != 3 {
		t.Fatalf("unexpected list %+v", list)
	}
	if all := store.List(0); len(all) != 4 {
		t.Fatalf("expected default limit to return all 4, got %d", len(all))
	}
	if store.Len() != 4 {
		t.Fatalf("expected len 4, got %d", store.Len())
	}
}
