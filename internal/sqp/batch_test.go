package sqp

import (
	"math"
	"testing"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/config"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/utils"
)

func TestFDBatch(t *testing.T) {
	params := []config.Parameter{
		{Name: "a", Lower: 0, Upper: 10, FDStep: 0.1},
		{Name: "b", Lower: 0, Upper: 10, FDStep: 0.1},
	}
	vectors, steps := fdBatch(params, []float64{1, 9.95})
	if len(vectors) != 3 {
		t.Fatalf("expected base plus one run per parameter, got %d", len(vectors))
	}
	if vectors[0].Values[0] != 1 || vectors[0].Values[1] != 9.95 {
		t.Fatalf("run 0 must be the base point, got %v", vectors[0].Values)
	}
	if steps[0] != 0.1 || math.Abs(vectors[1].Values[0]-1.1) > 1e-12 || vectors[1].Values[1] != 9.95 {
		t.Fatalf("expected upward step for a, got step %v vector %v", steps[0], vectors[1].Values)
	}
	if steps[1] != -0.1 || math.Abs(vectors[2].Values[1]-9.85) > 1e-12 {
		t.Fatalf("expected downward step near the upper bound, got step %v vector %v", steps[1], vectors[2].Values)
	}
	if vectors[1].Names[0] != "a" || vectors[2].Names[1] != "b" {
		t.Fatalf("unexpected names %v", vectors[1].Names)
	}

	vectors[0].Values[0] = 42
	if vectors[1].Values[0] == 42 {
		t.Fatal("vectors must not share storage")
	}
}

func TestEnsembleBatchClipsAndIsDeterministic(t *testing.T) {
	params := []config.Parameter{
		{Name: "a", Lower: -1, Upper: 1, EnsembleStd: 5},
		{Name: "b", Lower: 0, Upper: 100, EnsembleStd: 0.5},
	}
	x := []float64{0, 50}

	first := ensembleBatch(params, x, 50, utils.NewRandSource(7))
	second := ensembleBatch(params, x, 50, utils.NewRandSource(7))
	if len(first) != 50 {
		t.Fatalf("expected 50 realizations, got %d", len(first))
	}
	clipped := 0
	for k, v := range first {
		for i, p := range params {
			if v.Values[i] < p.Lower || v.Values[i] > p.Upper {
				t.Fatalf("realization %d outside bounds: %v", k, v.Values)
			}
			if v.Values[i] != second[k].Values[i] {
				t.Fatalf("same seed produced different draws at %d", k)
			}
		}
		if math.Abs(v.Values[0]) == 1 {
			clipped++
		}
	}
	if clipped == 0 {
		t.Fatal("expected wide draws to be clipped to the bounds")
	}
}

func TestProject(t *testing.T) {
	params := []config.Parameter{{Lower: 0, Upper: 1}, {Lower: -5, Upper: 5}}
	x := []float64{2, -7}
	project(params, x)
	if x[0] != 1 || x[1] != -5 {
		t.Fatalf("unexpected projection %v", x)
	}
}
