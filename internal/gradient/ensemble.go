package gradient

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// riskEpsilon keeps the normal quantile finite at risk 0 and 1
const riskEpsilon = 1e-3

// Member is one ensemble realization
type Member struct {
	Parameters models.ParameterVector
	// Observations is nil when the realization failed
	Observations *models.ObservationVector
}

// EnsembleStats summarizes the surviving realizations of one ensemble batch
type EnsembleStats struct {
	Size      int
	Survivors int

	ParamNames []string
	ParamMean  []float64
	ObsNames   []string
	ObsMean    []float64
	// CrossCov is the parameter × observation cross-covariance
	CrossCov *mat.Dense

	ObjectiveMean float64
	ObjectiveStd  float64
	// RiskQuantile is the standard normal quantile of the risk coefficient
	RiskQuantile float64
	Gradient     []float64
}

// RiskObjective returns the risk-shaped objective mean + z·std
func (s *EnsembleStats) RiskObjective() float64 {
	return s.ObjectiveMean + s.RiskQuantile*s.ObjectiveStd
}

// Ensemble drops failed realizations and estimates the gradient of the
// risk-shaped objective from the survivors. risk 0.5 is risk neutral.
func Ensemble(members []Member, weights []float64, risk float64, minSurvivors int) (*EnsembleStats, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: empty ensemble", ErrEnsembleTooSmall)
	}

	survivors := make([]Member, 0, len(members))
	for _, m := range members {
		if m.Observations != nil {
			survivors = append(survivors, m)
		}
	}
	required := max(minSurvivors, 2)
	if len(survivors) < required {
		return nil, fmt.Errorf("%w: %d of %d realizations survived, need %d", ErrEnsembleTooSmall, len(survivors), len(members), required)
	}

	paramNames := survivors[0].Parameters.Names
	obsNames := survivors[0].Observations.Names
	if len(weights) != len(obsNames) {
		return nil, fmt.Errorf("%w: %d weights for %d observations", ErrShapeMismatch, len(weights), len(obsNames))
	}

	n := len(survivors)
	params := make([][]float64, len(paramNames))
	for j := range params {
		params[j] = make([]float64, n)
	}
	obs := make([][]float64, len(obsNames))
	for i := range obs {
		obs[i] = make([]float64, n)
	}
	f := make([]float64, n)

	for k, m := range survivors {
		if !sameNames(m.Parameters.Names, paramNames) || !sameNames(m.Observations.Names, obsNames) {
			return nil, fmt.Errorf("%w: realization %d", ErrShapeMismatch, k)
		}
		for j := range paramNames {
			params[j][k] = m.Parameters.Values[j]
		}
		for i := range obsNames {
			obs[i][k] = m.Observations.Values[i]
		}
		var err error
		if f[k], err = Objective(m.Observations.Values, weights); err != nil {
			return nil, err
		}
	}

	stats := &EnsembleStats{
		Size:         len(members),
		Survivors:    n,
		ParamNames:   append([]string(nil), paramNames...),
		ParamMean:    make([]float64, len(paramNames)),
		ObsNames:     append([]string(nil), obsNames...),
		ObsMean:      make([]float64, len(obsNames)),
		CrossCov:     mat.NewDense(len(paramNames), len(obsNames), nil),
		RiskQuantile: distuv.UnitNormal.Quantile(math.Min(math.Max(risk, riskEpsilon), 1-riskEpsilon)),
		Gradient:     make([]float64, len(paramNames)),
	}
	for j := range paramNames {
		stats.ParamMean[j] = stat.Mean(params[j], nil)
	}
	for i := range obsNames {
		stats.ObsMean[i] = stat.Mean(obs[i], nil)
	}
	for j := range paramNames {
		for i := range obsNames {
			stats.CrossCov.Set(j, i, stat.Covariance(params[j], obs[i], nil))
		}
	}

	fMean, fStd := stat.MeanStdDev(f, nil)
	stats.ObjectiveMean = fMean
	stats.ObjectiveStd = fStd

	// d/dp of the std term uses the covariance with the squared deviation
	sqDev := make([]float64, n)
	for k, v := range f {
		sqDev[k] = (v - fMean) * (v - fMean)
	}

	for j := range paramNames {
		varP := stat.Variance(params[j], nil)
		if varP == 0 {
			continue
		}
		g := stat.Covariance(params[j], f, nil)
		if fStd > 0 && stats.RiskQuantile != 0 {
			g += stats.RiskQuantile * stat.Covariance(params[j], sqDev, nil) / (2 * fStd)
		}
		stats.Gradient[j] = g / varP
	}
	return stats, nil
}

// FromEnsemble builds the common gradient for an ensemble iteration
func FromEnsemble(stats *EnsembleStats) *Gradient {
	return &Gradient{
		Mode:      ModeEnsemble,
		Names:     append([]string(nil), stats.ParamNames...),
		Values:    append([]float64(nil), stats.Gradient...),
		Objective: stats.RiskObjective(),
		Stats:     stats,
	}
}
