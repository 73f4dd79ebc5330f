// Package observability holds the run manager's metrics registry and tracing setup.
package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Metric names recorded by the run manager and driver
const (
	MetricRunsDispatched     = "runs_dispatched_total"
	MetricRunsCompleted      = "runs_completed_total"
	MetricRunsFailed         = "runs_failed_total"
	MetricRunsRequeued       = "runs_requeued_total"
	MetricWorkersRegistered  = "workers_registered_total"
	MetricWorkersExpired     = "workers_expired_total"
	MetricRunQueueDepth      = "run_queue_depth"
	MetricWorkersActive      = "workers_active"
	MetricEvaluationSeconds  = "evaluation_duration_seconds"
	MetricIterationObjective = "iteration_objective"
)

// MetricPoint is one counter or gauge value
type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Aggregation summarizes every observed sample of a metric
type Aggregation struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Snapshot is a point-in-time copy of the registry
type Snapshot struct {
	Counters  []MetricPoint `json:"counters"`
	Gauges    []MetricPoint `json:"gauges"`
	Summaries []Aggregation `json:"summaries,omitempty"`
}

type metricEntry struct {
	name   string
	labels map[string]string
	value  float64
}

// Registry stores counters, gauges and raw samples in memory
type Registry struct {
	mu       sync.Mutex
	counters map[string]metricEntry
	gauges   map[string]metricEntry
	samples  map[string][]float64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]metricEntry),
		gauges:   make(map[string]metricEntry),
		samples:  make(map[string][]float64),
	}
}

// Default is the process-wide registry
var Default = NewRegistry()

// IncCounter adds delta to a counter
func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	k, lcopy := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.counters[k]
	if e.name == "" {
		e = metricEntry{name: name, labels: lcopy}
	}
	e.value += delta
	r.counters[k] = e
}

// SetGauge replaces a gauge value
func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	k, lcopy := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = metricEntry{name: name, labels: lcopy, value: value}
}

// Observe records one sample of a distribution such as evaluation duration
func (r *Registry) Observe(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[name] = append(r.samples[name], value)
}

// Counter returns the current value of an unlabelled counter
func (r *Registry) Counter(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name].value
}

// Gauge returns the current value of an unlabelled gauge
func (r *Registry) Gauge(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[name].value
}

// Summary aggregates the samples recorded under name; nil if there are none
func (r *Registry) Summary(name string) *Aggregation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return calculateAggregation(name, r.samples[name])
}

// Snapshot returns a sorted copy of every metric
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters: make([]MetricPoint, 0, len(r.counters)),
		Gauges:   make([]MetricPoint, 0, len(r.gauges)),
	}
	for _, e := range r.counters {
		out.Counters = append(out.Counters, MetricPoint{Name: e.name, Labels: cloneMap(e.labels), Value: e.value})
	}
	for _, e := range r.gauges {
		out.Gauges = append(out.Gauges, MetricPoint{Name: e.name, Labels: cloneMap(e.labels), Value: e.value})
	}
	for name, values := range r.samples {
		if agg := calculateAggregation(name, values); agg != nil {
			out.Summaries = append(out.Summaries, *agg)
		}
	}
	sort.Slice(out.Counters, func(i, j int) bool { return out.Counters[i].Name < out.Counters[j].Name })
	sort.Slice(out.Gauges, func(i, j int) bool { return out.Gauges[i].Name < out.Gauges[j].Name })
	sort.Slice(out.Summaries, func(i, j int) bool { return out.Summaries[i].Name < out.Summaries[j].Name })
	return out
}

// Reset clears every metric
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]metricEntry)
	r.gauges = make(map[string]metricEntry)
	r.samples = make(map[string][]float64)
}

// RenderPrometheus renders counters and gauges in the Prometheus text format
func (r *Registry) RenderPrometheus() string {
	s := r.Snapshot()
	lines := make([]string, 0, len(s.Counters)+len(s.Gauges)+2*len(s.Summaries))
	for _, p := range s.Counters {
		lines = append(lines, formatPromLine(sanitizeMetricName(p.Name), p.Labels, p.Value))
	}
	for _, p := range s.Gauges {
		lines = append(lines, formatPromLine(sanitizeMetricName(p.Name), p.Labels, p.Value))
	}
	for _, a := range s.Summaries {
		name := sanitizeMetricName(a.Name)
		lines = append(lines, formatPromLine(name+"_count", nil, float64(a.Count)))
		lines = append(lines, formatPromLine(name+"_sum", nil, a.Sum))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func metricKey(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	copyLabels := make(map[string]string, len(labels))
	for _, k := range keys {
		v := labels[k]
		copyLabels[k] = v
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "|"), copyLabels
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sanitizeMetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "rmd_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func formatPromLine(name string, labels map[string]string, value float64) string {
	if len(labels) == 0 {
		return name + " " + strconv.FormatFloat(value, 'f', -1, 64)
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", sanitizeMetricName(k), labels[k]))
	}
	return fmt.Sprintf("%s{%s} %s", name, strings.Join(parts, ","), strconv.FormatFloat(value, 'f', -1, 64))
}

// calculateAggregation calculates aggregated statistics from raw samples
func calculateAggregation(name string, samples []float64) *Aggregation {
	if len(samples) == 0 {
		return nil
	}

	values := make([]float64, len(samples))
	copy(values, samples)
	sort.Float64s(values)

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	count := int64(len(values))

	return &Aggregation{
		Name:  name,
		Count: count,
		Sum:   sum,
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  sum / float64(count),
		P50:   calculatePercentile(values, 0.50),
		P95:   calculatePercentile(values, 0.95),
		P99:   calculatePercentile(values, 0.99),
	}
}

// calculatePercentile interpolates the percentile value from a sorted slice
func calculatePercentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return 0.0
	}
	if len(sortedValues) == 1 {
		return sortedValues[0]
	}

	index := p * float64(len(sortedValues)-1)
	lower := int(index)
	upper := lower + 1

	if upper >= len(sortedValues) {
		return sortedValues[len(sortedValues)-1]
	}

	weight := index - float64(lower)
	return sortedValues[lower]*(1-weight) + sortedValues[upper]*weight
}
