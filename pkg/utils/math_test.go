package utils

import "testing"

func TestClampFloat64(t *testing.T) {
	tests := []struct {
		value, min, max, expected float64
	}{
		{5, 0, 10, 5},
		{-1, 0, 10, 0},
		{11, 0, 10, 10},
		{0, 0, 0, 0},
	}
	for _, tt := range tests {
		if got := ClampFloat64(tt.value, tt.min, tt.max); got != tt.expected {
			t.Errorf("ClampFloat64(%v, %v, %v) = %v, want %v", tt.value, tt.min, tt.max, got, tt.expected)
		}
	}
}

func TestMaxAbs(t *testing.T) {
	if got := MaxAbs(nil); got != 0 {
		t.Errorf("expected 0 for empty slice, got %v", got)
	}
	if got := MaxAbs([]float64{1, -4, 3}); got != 4 {
		t.Errorf("expected 4, got %v", got)
	}
}
