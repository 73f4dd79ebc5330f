package sqp

import (
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/config"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/utils"
)

// fdBatch is the base run followed by one perturbed run per parameter.
// steps[i] is the signed offset applied to parameter i in run i+1.
func fdBatch(params []config.Parameter, x []float64) ([]models.ParameterVector, []float64) {
	names := parameterNames(params)
	vectors := make([]models.ParameterVector, 0, len(params)+1)
	vectors = append(vectors, vector(names, x))

	steps := make([]float64, len(params))
	for i, p := range params {
		step := p.FDStep
		if x[i]+step > p.Upper {
			step = -step
		}
		steps[i] = step

		perturbed := append([]float64(nil), x...)
		perturbed[i] += step
		vectors = append(vectors, vector(names, perturbed))
	}
	return vectors, steps
}

// ensembleBatch draws size realizations from N(x, ensemble_std²) clipped to the bounds
func ensembleBatch(params []config.Parameter, x []float64, size int, rng *utils.RandSource) []models.ParameterVector {
	names := parameterNames(params)
	vectors := make([]models.ParameterVector, size)
	for k := range vectors {
		values := make([]float64, len(params))
		for i, p := range params {
			values[i] = utils.ClampFloat64(rng.NormFloat64(x[i], p.EnsembleStd), p.Lower, p.Upper)
		}
		vectors[k] = vector(names, values)
	}
	return vectors
}

// project clips x onto the parameter bounds in place
func project(params []config.Parameter, x []float64) {
	for i, p := range params {
		x[i] = utils.ClampFloat64(x[i], p.Lower, p.Upper)
	}
}

func parameterNames(params []config.Parameter) []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}

func vector(names []string, values []float64) models.ParameterVector {
	return models.ParameterVector{
		Names:  append([]string(nil), names...),
		Values: append([]float64(nil), values...),
	}
}
