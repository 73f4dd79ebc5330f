package sqp

import (
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// State is a phase of the driver's iteration loop
type State string

const (
	StateBuildingBatch        State = "building_batch"
	StateAwaitingEvaluations  State = "awaiting_evaluations"
	StateBuildingGradient     State = "building_gradient"
	StateComputingStep        State = "computing_step"
	StateCheckingConvergence  State = "checking_convergence"
	StateConverged            State = "converged"
	StateMaxIterationsReached State = "max_iterations_reached"
	StateAborted              State = "aborted"
)

// IsTerminal reports whether the driver has stopped
func (s State) IsTerminal() bool {
	return s == StateConverged || s == StateMaxIterationsReached || s == StateAborted
}

// AbortReason says why a run was aborted
type AbortReason string

const (
	AbortInsufficientData AbortReason = "insufficient_data"
	AbortBatchTimeout     AbortReason = "batch_timeout"
	AbortCancelled        AbortReason = "cancelled"
	AbortProtocolError    AbortReason = "protocol_error"
)

// HistoryEntry records one completed iteration
type HistoryEntry struct {
	Iteration int     `json:"iteration" yaml:"iteration"`
	Objective float64 `json:"objective" yaml:"objective"`
	// Parameters is the point the objective was evaluated at
	Parameters   models.ParameterVector `json:"parameters" yaml:"parameters"`
	Gradient     []float64              `json:"gradient" yaml:"gradient"`
	GradientNorm float64                `json:"gradient_norm" yaml:"gradient_norm"`
	StepNorm     float64                `json:"step_norm" yaml:"step_norm"`
	// Frozen lists parameters held fixed because their columns were dropped
	Frozen    []string `json:"frozen,omitempty" yaml:"frozen,omitempty"`
	Survivors int      `json:"survivors,omitempty" yaml:"survivors,omitempty"`
	Failed    int      `json:"failed" yaml:"failed"`
}

// Result is the terminal outcome of a driver run
type Result struct {
	State      State          `json:"state" yaml:"state"`
	Reason     AbortReason    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Message    string         `json:"message,omitempty" yaml:"message,omitempty"`
	Iterations int            `json:"iterations" yaml:"iterations"`
	Best       *HistoryEntry  `json:"best,omitempty" yaml:"best,omitempty"`
	History    []HistoryEntry `json:"history" yaml:"history"`
}

// ExitCode maps the terminal state onto a process exit code
func (r *Result) ExitCode() int {
	switch r.State {
	case StateConverged, StateMaxIterationsReached:
		return 0
	default:
		return 1
	}
}
