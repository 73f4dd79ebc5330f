package models

import (
	"math"
	"testing"
	"time"
)

func TestRunStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   RunStatus
		terminal bool
	}{
		{RunStatusPending, false},
		{RunStatusDispatched, false},
		{RunStatusCompleted, true},
		{RunStatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s: expected terminal=%v, got %v", tt.status, tt.terminal, got)
		}
	}
}

func TestValidFailureKind(t *testing.T) {
	for _, k := range []FailureKind{FailureModelCrashed, FailureMalformedOutput, FailureTimedOut, FailureWorkerUnreachable, FailureAbandoned} {
		if !ValidFailureKind(k) {
			t.Errorf("expected %s to be valid", k)
		}
	}
	if ValidFailureKind("exploded") {
		t.Error("expected unknown kind to be invalid")
	}
}

func TestNewNamedVector(t *testing.T) {
	v, err := NewNamedVector([]string{"a", "b"}, []float64{1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Len() != 2 {
		t.Fatalf("expected len 2, got %d", v.Len())
	}
	if got, ok := v.Get("b"); !ok || got != 2 {
		t.Fatalf("expected b=2, got %v (ok=%v)", got, ok)
	}
	if _, ok := v.Get("c"); ok {
		t.Fatal("expected missing name")
	}

	if _, err := NewNamedVector([]string{"a"}, []float64{1, 2}); err == nil {
		t.Error("expected length mismatch error")
	}
	if _, err := NewNamedVector([]string{"a", "a"}, []float64{1, 2}); err == nil {
		t.Error("expected duplicate name error")
	}
	if _, err := NewNamedVector([]string{""}, []float64{1}); err == nil {
		t.Error("expected empty name error")
	}
}

func TestNamedVectorCloneIsDeep(t *testing.T) {
	v := NamedVector{Names: []string{"a"}, Values: []float64{1}}
	c := v.Clone()
	v.Values[0] = 5
	v.Names[0] = "z"
	if c.Values[0] != 1 || c.Names[0] != "a" {
		t.Fatalf("clone was mutated: %+v", c)
	}
}

func TestNamedVectorFinite(t *testing.T) {
	if !(NamedVector{Names: []string{"a"}, Values: []float64{1}}).Finite() {
		t.Error("expected finite vector")
	}
	if (NamedVector{Names: []string{"a"}, Values: []float64{math.NaN()}}).Finite() {
		t.Error("expected NaN to be rejected")
	}
	if (NamedVector{Names: []string{"a"}, Values: []float64{math.Inf(1)}}).Finite() {
		t.Error("expected Inf to be rejected")
	}
}

func TestEvaluationUnitClone(t *testing.T) {
	res := NamedVector{Names: []string{"o"}, Values: []float64{3}}
	u := &EvaluationUnit{
		BatchID:    7,
		RunID:      2,
		Parameters: NamedVector{Names: []string{"p"}, Values: []float64{1}},
		Result:     &res,
		Failure:    &Failure{Kind: FailureTimedOut},
	}
	c := u.Clone()
	u.Result.Values[0] = 9
	u.Failure.Kind = FailureModelCrashed
	u.Parameters.Values[0] = 4

	if c.Result.Values[0] != 3 {
		t.Errorf("expected cloned result to stay 3, got %v", c.Result.Values[0])
	}
	if c.Failure.Kind != FailureTimedOut {
		t.Errorf("expected cloned failure kind to stay timed_out, got %s", c.Failure.Kind)
	}
	if c.Parameters.Values[0] != 1 {
		t.Errorf("expected cloned parameters to stay 1, got %v", c.Parameters.Values[0])
	}
	if c.Ref() != (RunRef{BatchID: 7, RunID: 2}) {
		t.Errorf("unexpected ref %v", c.Ref())
	}
}

func TestFailureString(t *testing.T) {
	if s := (Failure{Kind: FailureTimedOut}).String(); s != "timed_out" {
		t.Errorf("unexpected %q", s)
	}
	if s := (Failure{Kind: FailureModelCrashed, Message: "exit 2"}).String(); s != "model_crashed: exit 2" {
		t.Errorf("unexpected %q", s)
	}
}

func TestWorkerHandleHeartbeatAge(t *testing.T) {
	now := time.Now()
	w := &WorkerHandle{LastHeartbeat: now.Add(-3 * time.Second)}
	if age := w.HeartbeatAge(now); age != 3*time.Second {
		t.Errorf("expected 3s, got %v", age)
	}
}
