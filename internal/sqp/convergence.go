package sqp

import (
	"fmt"
	"math"
)

// ConvergenceStrategy inspects the objective history after each iteration
type ConvergenceStrategy interface {
	// CheckConvergence checks if optimization has converged based on history
	CheckConvergence(history []float64) (bool, string)
	// Name returns the name of the convergence strategy
	Name() string
}

// ConvergenceConfig holds configuration for history-based convergence detection.
// Objectives in the history are always minimized.
type ConvergenceConfig struct {
	// NoImprovementIterations is the number of iterations without a new best before stopping
	NoImprovementIterations int
	// ScoreTolerance is the absolute objective range considered a plateau
	ScoreTolerance float64
	// MinIterations is the minimum number of iterations before convergence can be detected
	MinIterations int
	// PlateauIterations is the window inspected for a plateau
	PlateauIterations int
}

// DefaultConvergenceConfig returns a default convergence configuration
func DefaultConvergenceConfig() *ConvergenceConfig {
	return &ConvergenceConfig{
		NoImprovementIterations: 5,
		ScoreTolerance:          1e-9,
		MinIterations:           3,
		PlateauIterations:       4,
	}
}

// NoImprovementStrategy detects convergence when the best objective is N iterations old
type NoImprovementStrategy struct {
	config *ConvergenceConfig
}

// NewNoImprovementStrategy creates a new no-improvement convergence strategy
func NewNoImprovementStrategy(config *ConvergenceConfig) *NoImprovementStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &NoImprovementStrategy{config: config}
}

func (s *NoImprovementStrategy) Name() string {
	return "no_improvement"
}

func (s *NoImprovementStrategy) CheckConvergence(history []float64) (bool, string) {
	if len(history) < s.config.MinIterations || s.config.NoImprovementIterations <= 0 {
		return false, ""
	}

	best := math.Inf(1)
	bestIteration := -1
	for i, f := range history {
		if f < best {
			best = f
			bestIteration = i
		}
	}
	if bestIteration < 0 {
		return false, ""
	}

	since := len(history) - 1 - bestIteration
	if since >= s.config.NoImprovementIterations {
		return true, fmt.Sprintf("no improvement for %d iterations (best at iteration %d)", since, bestIteration+1)
	}
	return false, ""
}

// PlateauStrategy detects convergence when recent objectives are all within tolerance
type PlateauStrategy struct {
	config *ConvergenceConfig
}

// NewPlateauStrategy creates a new plateau convergence strategy
func NewPlateauStrategy(config *ConvergenceConfig) *PlateauStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &PlateauStrategy{config: config}
}

func (s *PlateauStrategy) Name() string {
	return "plateau"
}

func (s *PlateauStrategy) CheckConvergence(history []float64) (bool, string) {
	window := s.config.PlateauIterations
	if window < 2 || len(history) < s.config.MinIterations || len(history) < window {
		return false, ""
	}

	recent := history[len(history)-window:]
	lo, hi := recent[0], recent[0]
	for _, f := range recent {
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	if hi-lo <= s.config.ScoreTolerance {
		return true, fmt.Sprintf("objective plateaued for %d iterations (range: %g)", window, hi-lo)
	}
	return false, ""
}

// CombinedStrategy converges as soon as any of its strategies does
type CombinedStrategy struct {
	strategies []ConvergenceStrategy
}

// NewCombinedStrategy combines the no-improvement and plateau strategies
func NewCombinedStrategy(config *ConvergenceConfig) *CombinedStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &CombinedStrategy{
		strategies: []ConvergenceStrategy{
			NewNoImprovementStrategy(config),
			NewPlateauStrategy(config),
		},
	}
}

func (s *CombinedStrategy) Name() string {
	return "combined"
}

func (s *CombinedStrategy) CheckConvergence(history []float64) (bool, string) {
	for _, strategy := range s.strategies {
		if converged, reason := strategy.CheckConvergence(history); converged {
			return true, fmt.Sprintf("%s: %s", strategy.Name(), reason)
		}
	}
	return false, ""
}

// AddStrategy adds a custom strategy to the combined strategy
func (s *CombinedStrategy) AddStrategy(strategy ConvergenceStrategy) {
	s.strategies = append(s.strategies, strategy)
}
