package config

import (
	"strings"
	"testing"
	"time"
)

const minimalFD = `
retry_limit: 1
optimizer:
  max_iterations: 5
parameters:
  - {name: p1, initial: 1, lower: 0, upper: 10, fd_step: 0.1}
observations:
  - {name: o1}
model:
  commands: ["./model"]
  parameter_file: in.yaml
  observation_file: out.yaml
`

func TestParseRunConfigDefaults(t *testing.T) {
	cfg, err := ParseRunConfigYAMLString(minimalFD)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", cfg.LogLevel)
	}
	if cfg.Master.Address != ":4021" {
		t.Errorf("expected default address :4021, got %s", cfg.Master.Address)
	}
	if cfg.Gradient.Mode != GradientModeFiniteDifference {
		t.Errorf("expected default mode finite_difference, got %s", cfg.Gradient.Mode)
	}
	if cfg.Gradient.GetRisk() != 0.5 {
		t.Errorf("expected default risk 0.5, got %f", cfg.Gradient.GetRisk())
	}
	if cfg.Optimizer.Direction != DirectionMinimize {
		t.Errorf("expected default direction minimize, got %s", cfg.Optimizer.Direction)
	}
	if w := cfg.ObservationWeights(); w[0] != 1.0 {
		t.Errorf("expected default weight 1.0, got %v", w)
	}
	if cfg.Timeouts.OverdueFactor != 2.0 {
		t.Errorf("expected default overdue factor 2, got %f", cfg.Timeouts.OverdueFactor)
	}
	ev, _ := cfg.Timeouts.GetEvaluation()
	if ev != 10*time.Minute {
		t.Errorf("expected default evaluation timeout 10m, got %v", ev)
	}
	batch, _ := cfg.Timeouts.GetBatch()
	if batch != 0 {
		t.Errorf("expected no batch deadline, got %v", batch)
	}
	if cfg.Output.Prefix != "sqp" {
		t.Errorf("expected default prefix sqp, got %s", cfg.Output.Prefix)
	}
}

func TestParseRunConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing retry limit",
			yaml:    strings.Replace(minimalFD, "retry_limit: 1", "", 1),
			wantErr: "retry_limit is required",
		},
		{
			name:    "negative retry limit",
			yaml:    strings.Replace(minimalFD, "retry_limit: 1", "retry_limit: -1", 1),
			wantErr: "retry_limit cannot be negative",
		},
		{
			name:    "negative worker loss limit",
			yaml:    strings.Replace(minimalFD, "retry_limit: 1", "retry_limit: 1\nworker_loss_limit: -2", 1),
			wantErr: "worker_loss_limit cannot be negative",
		},
		{
			name:    "bad log level",
			yaml:    minimalFD + "log_level: loud\n",
			wantErr: "invalid log_level",
		},
		{
			name:    "zero iterations",
			yaml:    strings.Replace(minimalFD, "max_iterations: 5", "max_iterations: 0", 1),
			wantErr: "max_iterations must be positive",
		},
		{
			name:    "plateau window of one",
			yaml:    strings.Replace(minimalFD, "max_iterations: 5", "max_iterations: 5\n  plateau_iterations: 1", 1),
			wantErr: "plateau_iterations must be 0 or at least 2",
		},
		{
			name:    "negative no improvement window",
			yaml:    strings.Replace(minimalFD, "max_iterations: 5", "max_iterations: 5\n  no_improvement_iterations: -1", 1),
			wantErr: "no_improvement_iterations cannot be negative",
		},
		{
			name:    "initial outside bounds",
			yaml:    strings.Replace(minimalFD, "initial: 1,", "initial: 11,", 1),
			wantErr: "outside bounds",
		},
		{
			name:    "missing fd step",
			yaml:    strings.Replace(minimalFD, ", fd_step: 0.1", "", 1),
			wantErr: "fd_step must be positive",
		},
		{
			name:    "ensemble without survivors",
			yaml:    minimalFD + "gradient: {mode: ensemble, ensemble_size: 10}\n",
			wantErr: "min_ensemble_survivors is required",
		},
		{
			name:    "unknown mode",
			yaml:    minimalFD + "gradient: {mode: adjoint}\n",
			wantErr: "invalid mode",
		},
		{
			name:    "risk out of range",
			yaml:    minimalFD + "gradient: {risk: 1.5}\n",
			wantErr: "risk must be between 0 and 1",
		},
		{
			name:    "heartbeat interval too long",
			yaml:    minimalFD + "timeouts: {heartbeat: 5s, heartbeat_interval: 10s}\n",
			wantErr: "must be shorter than heartbeat",
		},
		{
			name:    "bad duration",
			yaml:    minimalFD + "timeouts: {evaluation: soon}\n",
			wantErr: "invalid evaluation",
		},
		{
			name:    "same model files",
			yaml:    strings.Replace(minimalFD, "observation_file: out.yaml", "observation_file: in.yaml", 1),
			wantErr: "must differ",
		},
		{
			name:    "no model commands",
			yaml:    strings.Replace(minimalFD, `commands: ["./model"]`, "commands: []", 1),
			wantErr: "at least one model command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRunConfigYAMLString(tt.yaml)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseRunConfigEnsemble(t *testing.T) {
	yamlText := `
retry_limit: 0
gradient:
  mode: ensemble
  ensemble_size: 10
  min_ensemble_survivors: 5
  risk: 0.95
optimizer:
  direction: maximize
  max_iterations: 3
parameters:
  - {name: p1, initial: 1, lower: 0, upper: 10, ensemble_std: 0.2}
observations:
  - {name: o1, weight: -2}
model:
  commands: ["./model"]
  parameter_file: in.yaml
  observation_file: out.yaml
`
	cfg, err := ParseRunConfigYAMLString(yamlText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GetRetryLimit() != 0 {
		t.Errorf("expected explicit retry_limit 0, got %d", cfg.GetRetryLimit())
	}
	if cfg.Gradient.GetMinEnsembleSurvivors() != 5 {
		t.Errorf("expected min survivors 5, got %d", cfg.Gradient.GetMinEnsembleSurvivors())
	}
	if cfg.Gradient.GetRisk() != 0.95 {
		t.Errorf("expected risk 0.95, got %f", cfg.Gradient.GetRisk())
	}
	if w := cfg.ObservationWeights(); w[0] != -2 {
		t.Errorf("expected weight -2, got %v", w)
	}
}

func TestParseRunConfigZeroWeight(t *testing.T) {
	yamlText := strings.Replace(minimalFD, "  - {name: o1}", "  - {name: o1}\n  - {name: o2, weight: 0}", 1)
	cfg, err := ParseRunConfigYAMLString(yamlText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := cfg.ObservationWeights()
	if len(w) != 2 || w[0] != 1.0 || w[1] != 0 {
		t.Fatalf("expected weights [1 0], got %v", w)
	}
}

func TestMarshalRunConfigYAMLRoundTrip(t *testing.T) {
	cfg, err := ParseRunConfigYAMLString(minimalFD)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := MarshalRunConfigYAML(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := ParseRunConfigYAML(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Parameters[0].FDStep != 0.1 || again.GetRetryLimit() != 1 {
		t.Errorf("round trip lost data: %+v", again)
	}
	if _, err := MarshalRunConfigYAML(nil); err == nil {
		t.Error("expected error for nil config")
	}
}
