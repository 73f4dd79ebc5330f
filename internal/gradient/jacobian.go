package gradient

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// Perturbation is the outcome of one finite-difference run
type Perturbation struct {
	Parameter string
	// Step is the signed offset applied to the parameter
	Step float64
	// Observations is nil when the run failed
	Observations *models.ObservationVector
}

// Jacobian holds d(observation)/d(parameter); rows are observations, columns parameters
type Jacobian struct {
	Rows   []string
	Cols   []string
	Matrix *mat.Dense
	// Missing lists the parameters whose column could not be built
	Missing []string
}

// IncompleteJacobianError lists parameters whose perturbation run is missing or failed
type IncompleteJacobianError struct {
	Missing []string
}

func (e *IncompleteJacobianError) Error() string {
	return fmt.Sprintf("incomplete jacobian: no usable run for %s", strings.Join(e.Missing, ", "))
}

func (e *IncompleteJacobianError) Is(target error) bool {
	return target == ErrIncompleteJacobian
}

// FiniteDifference builds one column per perturbation as (O_perturbed - O_base)/step.
// Failed runs leave a zero column and are reported through *IncompleteJacobianError
// alongside the partial Jacobian.
func FiniteDifference(base models.ObservationVector, perturbed []Perturbation) (*Jacobian, error) {
	if base.Len() == 0 {
		return nil, fmt.Errorf("%w: base run has no observations", ErrShapeMismatch)
	}
	if len(perturbed) == 0 {
		return nil, fmt.Errorf("%w: no perturbations", ErrShapeMismatch)
	}

	rows := len(base.Names)
	j := &Jacobian{
		Rows:   append([]string(nil), base.Names...),
		Cols:   make([]string, len(perturbed)),
		Matrix: mat.NewDense(rows, len(perturbed), nil),
	}

	for c, p := range perturbed {
		j.Cols[c] = p.Parameter
		if p.Observations == nil {
			j.Missing = append(j.Missing, p.Parameter)
			continue
		}
		if p.Step == 0 {
			return nil, fmt.Errorf("%w: zero step for parameter %s", ErrShapeMismatch, p.Parameter)
		}
		if !sameNames(p.Observations.Names, base.Names) {
			return nil, fmt.Errorf("%w: observations of %s do not match the base run", ErrShapeMismatch, p.Parameter)
		}
		for r := 0; r < rows; r++ {
			j.Matrix.Set(r, c, (p.Observations.Values[r]-base.Values[r])/p.Step)
		}
	}

	if len(j.Missing) > 0 {
		return j, &IncompleteJacobianError{Missing: append([]string(nil), j.Missing...)}
	}
	return j, nil
}

// Column returns the derivatives of every observation with respect to param
func (j *Jacobian) Column(param string) ([]float64, bool) {
	for c, name := range j.Cols {
		if name == param {
			return mat.Col(nil, c, j.Matrix), true
		}
	}
	return nil, false
}

// ObjectiveGradient returns weightsᵀ·J, the gradient of the weighted objective
func (j *Jacobian) ObjectiveGradient(weights []float64) ([]float64, error) {
	rows, cols := j.Matrix.Dims()
	if len(weights) != rows {
		return nil, fmt.Errorf("%w: %d weights for %d observations", ErrShapeMismatch, len(weights), rows)
	}
	var g mat.VecDense
	g.MulVec(j.Matrix.T(), mat.NewVecDense(rows, append([]float64(nil), weights...)))
	out := make([]float64, cols)
	for i := range out {
		out[i] = g.AtVec(i)
	}
	return out, nil
}

// FromJacobian builds the common gradient for a finite-difference iteration
func FromJacobian(j *Jacobian, base models.ObservationVector, weights []float64) (*Gradient, error) {
	values, err := j.ObjectiveGradient(weights)
	if err != nil {
		return nil, err
	}
	f, err := Objective(base.Values, weights)
	if err != nil {
		return nil, err
	}
	return &Gradient{
		Mode:      ModeFiniteDifference,
		Names:     append([]string(nil), j.Cols...),
		Values:    values,
		Objective: f,
		Jacobian:  j,
	}, nil
}
