package utils

import (
	"math"
	"sync"
	"testing"
)

func TestRandSourceDeterministicWithSeed(t *testing.T) {
	a := NewRandSource(42)
	b := NewRandSource(42)
	for i := 0; i < 20; i++ {
		if x, y := a.NormFloat64(0, 1), b.NormFloat64(0, 1); x != y {
			t.Fatalf("draw %d differs: %v != %v", i, x, y)
		}
	}
}

func TestRandSourceRanges(t *testing.T) {
	rng := NewRandSource(12345)
	for i := 0; i < 200; i++ {
		if v := rng.Float64(); v < 0 || v >= 1 {
			t.Errorf("Float64() outside [0,1): %f", v)
		}
	}
}

func TestRandSourceNormMoments(t *testing.T) {
	rng := NewRandSource(7)
	n := 20000
	sum, sumSq := 0.0, 0.0
	for i := 0; i < n; i++ {
		v := rng.NormFloat64(5, 2)
		sum += v
		sumSq += v * v
	}
	mean := sum / float64(n)
	std := math.Sqrt(sumSq/float64(n) - mean*mean)
	if math.Abs(mean-5) > 0.1 {
		t.Errorf("expected mean near 5, got %f", mean)
	}
	if math.Abs(std-2) > 0.1 {
		t.Errorf("expected stddev near 2, got %f", std)
	}
}

func TestRandSourceConcurrentUse(t *testing.T) {
	rng := NewRandSource(1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				rng.NormFloat64(0, 1)
			}
		}()
	}
	wg.Wait()
}
