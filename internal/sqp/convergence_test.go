package sqp

import "testing"

func TestNoImprovementStrategy(t *testing.T) {
	s := NewNoImprovementStrategy(&ConvergenceConfig{NoImprovementIterations: 2, MinIterations: 2})
	tests := []struct {
		name    string
		history []float64
		want    bool
	}{
		{"too short", []float64{1}, false},
		{"improving", []float64{3, 2, 1}, false},
		{"one stale iteration", []float64{3, 1, 2}, false},
		{"two stale iterations", []float64{3, 1, 2, 1.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := s.CheckConvergence(tt.history)
			if got != tt.want {
				t.Fatalf("expected %v, got %v (%s)", tt.want, got, reason)
			}
			if got && reason == "" {
				t.Fatal("expected a reason")
			}
		})
	}
}

func TestPlateauStrategy(t *testing.T) {
	s := NewPlateauStrategy(&ConvergenceConfig{PlateauIterations: 3, ScoreTolerance: 0.01, MinIterations: 2})
	if ok, _ := s.CheckConvergence([]float64{1, 1}); ok {
		t.Fatal("window not yet full")
	}
	if ok, _ := s.CheckConvergence([]float64{5, 1.000, 1.005, 1.001}); !ok {
		t.Fatal("expected plateau")
	}
	if ok, _ := s.CheckConvergence([]float64{1, 0.9, 0.8}); ok {
		t.Fatal("steady progress is not a plateau")
	}
}

func TestCombinedStrategy(t *testing.T) {
	s := NewCombinedStrategy(&ConvergenceConfig{NoImprovementIterations: 10, PlateauIterations: 2, ScoreTolerance: 1e-6, MinIterations: 2})
	ok, reason := s.CheckConvergence([]float64{4, 2, 2})
	if !ok || reason == "" || reason[:7] != "plateau" {
		t.Fatalf("expected plateau convergence, got %v %q", ok, reason)
	}

	called := false
	s.AddStrategy(strategyFunc(func(h []float64) (bool, string) {
		called = true
		return len(h) == 2, "two"
	}))
	if ok, _ := s.CheckConvergence([]float64{4, 3}); !ok || !called {
		t.Fatal("expected custom strategy to converge")
	}
}

type strategyFunc func([]float64) (bool, string)

func (f strategyFunc) CheckConvergence(h []float64) (bool, string) { return f(h) }
func (f strategyFunc) Name() string                                { return "custom" }

func TestDefaultConvergenceConfig(t *testing.T) {
	c := DefaultConvergenceConfig()
	if c.MinIterations <= 0 || c.PlateauIterations < 2 || c.NoImprovementIterations <= 0 {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if NewPlateauStrategy(nil).config == nil || NewNoImprovementStrategy(nil).config == nil {
		t.Fatal("nil config should fall back to defaults")
	}
}

func TestResultExitCode(t *testing.T) {
	tests := []struct {
		state State
		code  int
	}{
		{StateConverged, 0},
		{StateMaxIterationsReached, 0},
		{StateAborted, 1},
	}
	for _, tt := range tests {
		r := &Result{State: tt.state}
		if r.ExitCode() != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.state, tt.code, r.ExitCode())
		}
		if !tt.state.IsTerminal() {
			t.Errorf("%s should be terminal", tt.state)
		}
	}
	if StateAwaitingEvaluations.IsTerminal() {
		t.Error("awaiting evaluations is not terminal")
	}
}
