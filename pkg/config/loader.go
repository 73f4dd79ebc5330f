package config

import (
	"fmt"
	"math"
	"os"
	"time"
)

// LoadRunConfig loads and parses a run configuration file
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run config file %s: %w", path, err)
	}
	cfg, err := ParseRunConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse run config file %s: %w", path, err)
	}
	return cfg, nil
}

// validateRunConfig performs validation on the run configuration
func validateRunConfig(cfg *RunConfig) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}

	if cfg.Master.NumWorkers < 0 {
		return fmt.Errorf("master num_workers cannot be negative, got %d", cfg.Master.NumWorkers)
	}

	// No built-in default: the run must state how often a unit may fail.
	if cfg.RetryLimit == nil {
		return fmt.Errorf("retry_limit is required")
	}
	if *cfg.RetryLimit < 0 {
		return fmt.Errorf("retry_limit cannot be negative, got %d", *cfg.RetryLimit)
	}

	if cfg.WorkerLossLimit < 0 {
		return fmt.Errorf("worker_loss_limit cannot be negative, got %d", cfg.WorkerLossLimit)
	}

	if err := validateTimeouts(&cfg.Timeouts); err != nil {
		return fmt.Errorf("timeouts validation failed: %w", err)
	}

	if err := validateGradient(&cfg.Gradient); err != nil {
		return fmt.Errorf("gradient validation failed: %w", err)
	}

	if err := validateOptimizer(&cfg.Optimizer); err != nil {
		return fmt.Errorf("optimizer validation failed: %w", err)
	}

	if err := validateParameters(cfg.Parameters, cfg.Gradient.Mode); err != nil {
		return fmt.Errorf("parameters validation failed: %w", err)
	}

	if err := validateObservations(cfg.Observations); err != nil {
		return fmt.Errorf("observations validation failed: %w", err)
	}

	if err := validateModel(&cfg.Model); err != nil {
		return fmt.Errorf("model validation failed: %w", err)
	}

	return nil
}

// validateTimeouts parses every duration and checks their relationships
func validateTimeouts(t *Timeouts) error {
	positive := []struct {
		name  string
		parse func() (time.Duration, error)
	}{
		{"evaluation", t.GetEvaluation},
		{"heartbeat", t.GetHeartbeat},
		{"heartbeat_interval", t.GetHeartbeatInterval},
		{"poll_interval", t.GetPollInterval},
		{"register_grace", t.GetRegisterGrace},
	}
	for _, p := range positive {
		d, err := p.parse()
		if err != nil {
			return fmt.Errorf("invalid %s: %w", p.name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, d)
		}
	}

	batch, err := t.GetBatch()
	if err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	if batch < 0 {
		return fmt.Errorf("batch cannot be negative, got %s", batch)
	}

	hb, _ := t.GetHeartbeat()
	hbInterval, _ := t.GetHeartbeatInterval()
	if hbInterval >= hb {
		return fmt.Errorf("heartbeat_interval (%s) must be shorter than heartbeat (%s)", hbInterval, hb)
	}

	if t.OverdueFactor < 1 {
		return fmt.Errorf("overdue_factor must be at least 1, got %f", t.OverdueFactor)
	}
	return nil
}

// validateGradient validates the gradient strategy selection
func validateGradient(g *Gradient) error {
	risk := g.GetRisk()
	if risk < 0 || risk > 1 || math.IsNaN(risk) {
		return fmt.Errorf("risk must be between 0 and 1, got %f", risk)
	}

	switch g.Mode {
	case GradientModeFiniteDifference:
		return nil
	case GradientModeEnsemble:
		if g.EnsembleSize < 2 {
			return fmt.Errorf("ensemble_size must be at least 2, got %d", g.EnsembleSize)
		}
		if g.MinEnsembleSurvivors == nil {
			return fmt.Errorf("min_ensemble_survivors is required in ensemble mode")
		}
		minSurvivors := *g.MinEnsembleSurvivors
		if minSurvivors < 2 || minSurvivors > g.EnsembleSize {
			return fmt.Errorf("min_ensemble_survivors must be between 2 and ensemble_size (%d), got %d", g.EnsembleSize, minSurvivors)
		}
		return nil
	default:
		return fmt.Errorf("invalid mode: %s (must be %s or %s)", g.Mode, GradientModeFiniteDifference, GradientModeEnsemble)
	}
}

// validateOptimizer validates the outer loop settings
func validateOptimizer(o *Optimizer) error {
	if o.Direction != DirectionMinimize && o.Direction != DirectionMaximize {
		return fmt.Errorf("invalid direction: %s (must be minimize or maximize)", o.Direction)
	}
	if o.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", o.MaxIterations)
	}
	if o.StepScale <= 0 {
		return fmt.Errorf("step_scale must be positive, got %f", o.StepScale)
	}
	if o.GradientTolerance < 0 {
		return fmt.Errorf("gradient_tolerance cannot be negative, got %f", o.GradientTolerance)
	}
	if o.ParameterTolerance < 0 {
		return fmt.Errorf("parameter_tolerance cannot be negative, got %f", o.ParameterTolerance)
	}
	if o.NoImprovementIterations < 0 {
		return fmt.Errorf("no_improvement_iterations cannot be negative, got %d", o.NoImprovementIterations)
	}
	if o.PlateauIterations < 0 || o.PlateauIterations == 1 {
		return fmt.Errorf("plateau_iterations must be 0 or at least 2, got %d", o.PlateauIterations)
	}
	if o.PlateauTolerance < 0 {
		return fmt.Errorf("plateau_tolerance cannot be negative, got %f", o.PlateauTolerance)
	}
	return nil
}

// validateParameters validates names, bounds and mode-specific step sizes
func validateParameters(params []Parameter, mode string) error {
	if len(params) == 0 {
		return fmt.Errorf("at least one parameter must be defined")
	}
	names := make(map[string]bool)
	for _, p := range params {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate parameter name: %s", p.Name)
		}
		names[p.Name] = true

		if p.Lower >= p.Upper {
			return fmt.Errorf("parameter %s: lower (%f) must be below upper (%f)", p.Name, p.Lower, p.Upper)
		}
		if p.Initial < p.Lower || p.Initial > p.Upper {
			return fmt.Errorf("parameter %s: initial %f outside bounds [%f, %f]", p.Name, p.Initial, p.Lower, p.Upper)
		}

		switch mode {
		case GradientModeFiniteDifference:
			if p.FDStep <= 0 {
				return fmt.Errorf("parameter %s: fd_step must be positive, got %f", p.Name, p.FDStep)
			}
			if p.FDStep >= p.Upper-p.Lower {
				return fmt.Errorf("parameter %s: fd_step %f must be smaller than the bound range", p.Name, p.FDStep)
			}
		case GradientModeEnsemble:
			if p.EnsembleStd <= 0 {
				return fmt.Errorf("parameter %s: ensemble_std must be positive, got %f", p.Name, p.EnsembleStd)
			}
		}
	}
	return nil
}

// validateObservations validates observation names and weights
func validateObservations(obs []Observation) error {
	if len(obs) == 0 {
		return fmt.Errorf("at least one observation must be defined")
	}
	names := make(map[string]bool)
	for _, o := range obs {
		if o.Name == "" {
			return fmt.Errorf("observation name cannot be empty")
		}
		if names[o.Name] {
			return fmt.Errorf("duplicate observation name: %s", o.Name)
		}
		names[o.Name] = true
		if w := o.GetWeight(); math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("observation %s: weight must be finite", o.Name)
		}
	}
	return nil
}

// validateModel validates the external model invocation
func validateModel(m *Model) error {
	if len(m.Commands) == 0 {
		return fmt.Errorf("at least one model command must be defined")
	}
	for i, c := range m.Commands {
		if c == "" {
			return fmt.Errorf("model command %d cannot be empty", i)
		}
	}
	if m.ParameterFile == "" {
		return fmt.Errorf("parameter_file cannot be empty")
	}
	if m.ObservationFile == "" {
		return fmt.Errorf("observation_file cannot be empty")
	}
	if m.ParameterFile == m.ObservationFile {
		return fmt.Errorf("parameter_file and observation_file must differ")
	}
	return nil
}
