package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseRunConfigYAML parses a RunConfig from YAML bytes, fills defaults and validates it.
func ParseRunConfigYAML(data []byte) (*RunConfig, error) {
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse run config yaml: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateRunConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}

	return &cfg, nil
}

// ParseRunConfigYAMLString parses a RunConfig from a YAML string.
func ParseRunConfigYAMLString(yamlText string) (*RunConfig, error) {
	return ParseRunConfigYAML([]byte(yamlText))
}

// MarshalRunConfigYAML renders a RunConfig back to YAML
func MarshalRunConfigYAML(cfg *RunConfig) ([]byte, error) {
	if cfg == nil {
		return nil, fmt.Errorf("run config is nil")
	}
	return yaml.Marshal(cfg)
}

func applyDefaults(cfg *RunConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Master.Address == "" {
		cfg.Master.Address = ":4021"
	}
	if cfg.Master.NumWorkers == 0 {
		cfg.Master.NumWorkers = 1
	}

	t := &cfg.Timeouts
	if t.Evaluation == "" {
		t.Evaluation = "10m"
	}
	if t.Heartbeat == "" {
		t.Heartbeat = "30s"
	}
	if t.HeartbeatInterval == "" {
		t.HeartbeatInterval = "5s"
	}
	if t.PollInterval == "" {
		t.PollInterval = "500ms"
	}
	if t.RegisterGrace == "" {
		t.RegisterGrace = "10s"
	}
	if t.OverdueFactor == 0 {
		t.OverdueFactor = 2.0
	}

	if cfg.Gradient.Mode == "" {
		cfg.Gradient.Mode = GradientModeFiniteDifference
	}

	o := &cfg.Optimizer
	if o.Direction == "" {
		o.Direction = DirectionMinimize
	}
	if o.StepScale == 0 {
		o.StepScale = 1.0
	}
	if o.GradientTolerance == 0 {
		o.GradientTolerance = 1e-6
	}
	if o.ParameterTolerance == 0 {
		o.ParameterTolerance = 1e-8
	}

	if cfg.Model.Workdir == "" {
		cfg.Model.Workdir = "."
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "."
	}
	if cfg.Output.Prefix == "" {
		cfg.Output.Prefix = "sqp"
	}
}
