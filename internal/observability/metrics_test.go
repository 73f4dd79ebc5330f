package observability

import (
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter(MetricRunsDispatched, map[string]string{"worker_id": "w1"}, 3)
	r.SetGauge(MetricRunQueueDepth, nil, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `runs_dispatched_total{worker_id="w1"} 3`) {
		t.Fatalf("missing dispatched metric in output: %s", out)
	}
	if !strings.Contains(out, "run_queue_depth 2") {
		t.Fatalf("missing queue depth gauge in output: %s", out)
	}
}

func TestCountersAndGauges(t *testing.T) {
	r := NewRegistry()
	r.IncCounter(MetricRunsCompleted, nil, 1)
	r.IncCounter(MetricRunsCompleted, nil, 2)
	r.IncCounter(MetricRunsCompleted, nil, 0)
	r.SetGauge(MetricWorkersActive, nil, 4)
	r.SetGauge(MetricWorkersActive, nil, 3)

	if got := r.Counter(MetricRunsCompleted); got != 3 {
		t.Errorf("expected counter 3, got %v", got)
	}
	if got := r.Gauge(MetricWorkersActive); got != 3 {
		t.Errorf("expected gauge 3, got %v", got)
	}

	r.Reset()
	if got := r.Counter(MetricRunsCompleted); got != 0 {
		t.Errorf("expected counter reset, got %v", got)
	}
}

func TestSummary(t *testing.T) {
	r := NewRegistry()
	if r.Summary(MetricEvaluationSeconds) != nil {
		t.Fatal("expected nil summary without samples")
	}
	for _, v := range []float64{4, 1, 3, 2, 5} {
		r.Observe(MetricEvaluationSeconds, v)
	}
	agg := r.Summary(MetricEvaluationSeconds)
	if agg == nil {
		t.Fatal("expected summary")
	}
	if agg.Count != 5 || agg.Sum != 15 || agg.Min != 1 || agg.Max != 5 {
		t.Errorf("unexpected aggregation %+v", agg)
	}
	if agg.Mean != 3 || agg.P50 != 3 {
		t.Errorf("expected mean and p50 of 3, got %+v", agg)
	}

	snap := r.Snapshot()
	if len(snap.Summaries) != 1 || snap.Summaries[0].Name != MetricEvaluationSeconds {
		t.Errorf("unexpected summaries %+v", snap.Summaries)
	}
}

func TestCalculatePercentile(t *testing.T) {
	tests := []struct {
		values []float64
		p      float64
		want   float64
	}{
		{nil, 0.5, 0},
		{[]float64{7}, 0.99, 7},
		{[]float64{0, 10}, 0.5, 5},
		{[]float64{0, 10, 20}, 1.0, 20},
	}
	for _, tt := range tests {
		if got := calculatePercentile(tt.values, tt.p); got != tt.want {
			t.Errorf("percentile(%v, %v) = %v, want %v", tt.values, tt.p, got, tt.want)
		}
	}
}
