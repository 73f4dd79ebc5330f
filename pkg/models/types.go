package models

import (
	"fmt"
	"math"
	"time"
)

// RunStatus represents the status of an evaluation unit
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusDispatched RunStatus = "dispatched"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// FailureKind classifies why an evaluation did not produce observations
type FailureKind string

const (
	FailureModelCrashed      FailureKind = "model_crashed"
	FailureMalformedOutput   FailureKind = "malformed_output"
	FailureTimedOut          FailureKind = "timed_out"
	FailureWorkerUnreachable FailureKind = "worker_unreachable"
	FailureAbandoned         FailureKind = "abandoned"
)

// ValidFailureKind reports whether kind is one of the known failure kinds
func ValidFailureKind(kind FailureKind) bool {
	switch kind {
	case FailureModelCrashed, FailureMalformedOutput, FailureTimedOut,
		FailureWorkerUnreachable, FailureAbandoned:
		return true
	}
	return false
}

// Failure describes a failed evaluation attempt
type Failure struct {
	Kind    FailureKind `json:"kind" yaml:"kind"`
	Message string      `json:"message,omitempty" yaml:"message,omitempty"`
}

func (f Failure) String() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// NamedVector is an ordered sequence of named real values
type NamedVector struct {
	Names  []string  `json:"names" yaml:"names"`
	Values []float64 `json:"values" yaml:"values"`
}

// ParameterVector is the model input of one evaluation
type ParameterVector = NamedVector

// ObservationVector is the model output of one evaluation
type ObservationVector = NamedVector

// NewNamedVector builds a vector from parallel name and value slices
func NewNamedVector(names []string, values []float64) (NamedVector, error) {
	if len(names) != len(values) {
		return NamedVector{}, fmt.Errorf("names and values length mismatch: %d != %d", len(names), len(values))
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" {
			return NamedVector{}, fmt.Errorf("vector name cannot be empty")
		}
		if seen[n] {
			return NamedVector{}, fmt.Errorf("duplicate vector name: %s", n)
		}
		seen[n] = true
	}
	return NamedVector{Names: names, Values: values}.Clone(), nil
}

// Len returns the number of entries
func (v NamedVector) Len() int {
	return len(v.Values)
}

// Clone returns a deep copy
func (v NamedVector) Clone() NamedVector {
	out := NamedVector{
		Names:  make([]string, len(v.Names)),
		Values: make([]float64, len(v.Values)),
	}
	copy(out.Names, v.Names)
	copy(out.Values, v.Values)
	return out
}

// Get returns the value stored under name
func (v NamedVector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// Map returns the vector as a name -> value map
func (v NamedVector) Map() map[string]float64 {
	out := make(map[string]float64, len(v.Names))
	for i, n := range v.Names {
		out[n] = v.Values[i]
	}
	return out
}

// Finite reports whether every value is a finite number
func (v NamedVector) Finite() bool {
	for _, x := range v.Values {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// RunRef identifies one evaluation unit across batches
type RunRef struct {
	BatchID uint64 `json:"batch_id"`
	RunID   int    `json:"run_id"`
}

func (r RunRef) String() string {
	return fmt.Sprintf("%d/%d", r.BatchID, r.RunID)
}

// EvaluationUnit is the atomic unit of work: run the model once for Parameters
type EvaluationUnit struct {
	BatchID      uint64             `json:"batch_id"`
	Iteration    int                `json:"iteration"`
	RunID        int                `json:"run_id"`
	Parameters   ParameterVector    `json:"parameters"`
	Status       RunStatus          `json:"status"`
	Result       *ObservationVector `json:"result,omitempty"`
	Failure      *Failure           `json:"failure,omitempty"`
	Attempts     int                `json:"attempts"`
	Reverts      int                `json:"reverts"`
	WorkerID     string             `json:"worker_id,omitempty"`
	DispatchedAt time.Time          `json:"dispatched_at,omitempty"`
	CompletedAt  time.Time          `json:"completed_at,omitempty"`
}

// Ref returns the unit's run reference
func (u *EvaluationUnit) Ref() RunRef {
	return RunRef{BatchID: u.BatchID, RunID: u.RunID}
}

// Clone returns a deep copy safe to hand out of the run manager
func (u *EvaluationUnit) Clone() EvaluationUnit {
	out := *u
	out.Parameters = u.Parameters.Clone()
	if u.Result != nil {
		r := u.Result.Clone()
		out.Result = &r
	}
	if u.Failure != nil {
		f := *u.Failure
		out.Failure = &f
	}
	return out
}

// WorkerHandle is the master's view of a registered worker agent
type WorkerHandle struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CurrentRun    *RunRef   `json:"current_run,omitempty"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
}

// HeartbeatAge returns how long ago the worker was last heard from
func (w *WorkerHandle) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(w.LastHeartbeat)
}
