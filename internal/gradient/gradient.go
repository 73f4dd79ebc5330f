// Package gradient turns completed evaluation batches into objective gradients,
// either from a finite-difference Jacobian or from ensemble statistics.
package gradient

import (
	"errors"
	"fmt"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/config"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/utils"
)

var (
	// ErrIncompleteJacobian is matched by *IncompleteJacobianError
	ErrIncompleteJacobian = errors.New("incomplete jacobian")
	// ErrEnsembleTooSmall is returned when too few realizations survived
	ErrEnsembleTooSmall = errors.New("ensemble too small")
	// ErrShapeMismatch is returned when vectors do not line up by name
	ErrShapeMismatch = errors.New("vector shape mismatch")
)

// Mode selects how gradients are estimated for the whole run
type Mode int

const (
	ModeFiniteDifference Mode = iota + 1
	ModeEnsemble
)

// ParseMode maps the configured gradient mode onto a Mode
func ParseMode(s string) (Mode, error) {
	switch s {
	case config.GradientModeFiniteDifference:
		return ModeFiniteDifference, nil
	case config.GradientModeEnsemble:
		return ModeEnsemble, nil
	default:
		return 0, fmt.Errorf("unknown gradient mode: %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeFiniteDifference:
		return config.GradientModeFiniteDifference
	case ModeEnsemble:
		return config.GradientModeEnsemble
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Gradient is the common output of both modes
type Gradient struct {
	Mode      Mode
	Names     []string
	Values    []float64
	Objective float64
	Jacobian  *Jacobian
	Stats     *EnsembleStats
}

// Norm returns the infinity norm of the gradient
func (g *Gradient) Norm() float64 {
	return utils.MaxAbs(g.Values)
}

// Objective returns the weighted sum of observations
func Objective(values, weights []float64) (float64, error) {
	if len(values) != len(weights) {
		return 0, fmt.Errorf("%w: %d observations, %d weights", ErrShapeMismatch, len(values), len(weights))
	}
	f := 0.0
	for i, v := range values {
		f += weights[i] * v
	}
	return f, nil
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
