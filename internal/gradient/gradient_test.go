package gradient

import (
	"errors"
	"math"
	"testing"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

func vec(names []string, values ...float64) *models.NamedVector {
	return &models.NamedVector{Names: names, Values: values}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"finite_difference", ModeFiniteDifference, false},
		{"ensemble", ModeEnsemble, false},
		{"adjoint", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseMode(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.wantErr && got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestFiniteDifferenceColumn(t *testing.T) {
	obsNames := []string{"o1", "o2"}
	base := *vec(obsNames, 1.0, 2.0)
	j, err := FiniteDifference(base, []Perturbation{
		{Parameter: "P1", Step: 0.1, Observations: vec(obsNames, 1.2, 2.4)},
	})
	if err != nil {
		t.Fatalf("FiniteDifference: %v", err)
	}
	col, ok := j.Column("P1")
	if !ok {
		t.Fatal("missing column P1")
	}
	if !approx(col[0], 2.0) || !approx(col[1], 4.0) {
		t.Fatalf("expected column [2.0, 4.0], got %v", col)
	}
}

func TestFiniteDifferenceNegativeStep(t *testing.T) {
	names := []string{"o"}
	j, err := FiniteDifference(*vec(names, 5), []Perturbation{
		{Parameter: "p", Step: -0.5, Observations: vec(names, 4)},
	})
	if err != nil {
		t.Fatalf("FiniteDifference: %v", err)
	}
	if col, _ := j.Column("p"); !approx(col[0], 2) {
		t.Fatalf("expected slope 2 from a downward step, got %v", col)
	}
}

func TestFiniteDifferenceIncomplete(t *testing.T) {
	names := []string{"o1", "o2"}
	j, err := FiniteDifference(*vec(names, 1, 1), []Perturbation{
		{Parameter: "a", Step: 1, Observations: vec(names, 2, 3)},
		{Parameter: "b", Step: 1, Observations: nil},
		{Parameter: "c", Step: 1, Observations: nil},
	})
	if !errors.Is(err, ErrIncompleteJacobian) {
		t.Fatalf("expected ErrIncompleteJacobian, got %v", err)
	}
	var inc *IncompleteJacobianError
	if !errors.As(err, &inc) || len(inc.Missing) != 2 || inc.Missing[0] != "b" || inc.Missing[1] != "c" {
		t.Fatalf("expected missing [b c], got %+v", inc)
	}
	if j == nil {
		t.Fatal("expected partial jacobian")
	}
	if col, _ := j.Column("a"); col[0] != 1 || col[1] != 2 {
		t.Fatalf("surviving column wrong: %v", col)
	}
	if col, _ := j.Column("b"); col[0] != 0 || col[1] != 0 {
		t.Fatalf("missing column should be zero: %v", col)
	}
}

func TestFiniteDifferenceShapeErrors(t *testing.T) {
	base := *vec([]string{"o1"}, 1)
	if _, err := FiniteDifference(base, nil); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch without perturbations, got %v", err)
	}
	if _, err := FiniteDifference(base, []Perturbation{{Parameter: "p", Step: 0, Observations: vec([]string{"o1"}, 2)}}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for zero step, got %v", err)
	}
	if _, err := FiniteDifference(base, []Perturbation{{Parameter: "p", Step: 1, Observations: vec([]string{"other"}, 2)}}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for renamed observations, got %v", err)
	}
}

func TestFromJacobian(t *testing.T) {
	names := []string{"o1", "o2"}
	base := *vec(names, 1, 2)
	j, err := FiniteDifference(base, []Perturbation{
		{Parameter: "a", Step: 0.1, Observations: vec(names, 1.2, 2.4)},
		{Parameter: "b", Step: 1, Observations: vec(names, 0, 2)},
	})
	if err != nil {
		t.Fatalf("FiniteDifference: %v", err)
	}
	g, err := FromJacobian(j, base, []float64{1, 0.5})
	if err != nil {
		t.Fatalf("FromJacobian: %v", err)
	}
	// a: 1*2 + 0.5*4 = 4, b: 1*(-1) + 0.5*0 = -1
	if !approx(g.Values[0], 4) || !approx(g.Values[1], -1) {
		t.Fatalf("unexpected gradient %v", g.Values)
	}
	if !approx(g.Objective, 2) || g.Norm() != g.Values[0] || g.Mode != ModeFiniteDifference {
		t.Fatalf("unexpected gradient %+v", g)
	}
	if _, err := FromJacobian(j, base, []float64{1}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for bad weights, got %v", err)
	}
}
