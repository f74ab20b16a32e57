package observability

import "sync"

// Signal names emitted by the framework, labelled per venue.
const (
	MetricRequestsTotal          = "requests_total"
	MetricRequestLatencyMs       = "request_latency_ms"
	MetricRequestErrorsTotal     = "request_errors_total"
	MetricBreakerState           = "circuit_breaker_state"
	MetricBreakerTransitions     = "circuit_breaker_transitions_total"
	MetricBreakerSuccessTotal    = "circuit_breaker_success_total"
	MetricBreakerFailureTotal    = "circuit_breaker_failure_total"
	MetricRateLimitHitsTotal     = "rate_limit_hits_total"
	MetricWSReconnectsTotal      = "ws_reconnects_total"
	MetricWSDroppedEventsTotal   = "ws_dropped_events_total"
)

// Metrics is the push-style emission contract. When no observer is
// installed the no-op implementation keeps every call free.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// NopMetrics discards all emissions.
func NopMetrics() Metrics { return nopMetrics{} }

// Multi fans every emission out to all given sinks, skipping nils.
func Multi(sinks ...Metrics) Metrics {
	kept := make([]Metrics, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return multiMetrics(kept)
}

type multiMetrics []Metrics

func (m multiMetrics) IncCounter(name string, value float64, labels map[string]string) {
	for _, s := range m {
		s.IncCounter(name, value, labels)
	}
}

func (m multiMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	for _, s := range m {
		s.ObserveHistogram(name, value, labels)
	}
}

func (m multiMetrics) SetGauge(name string, value float64, labels map[string]string) {
	for _, s := range m {
		s.SetGauge(name, value, labels)
	}
}

type nopMetrics struct{}

func (nopMetrics) IncCounter(string, float64, map[string]string)       {}
func (nopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (nopMetrics) SetGauge(string, float64, map[string]string)        {}

// Recorder is an in-memory Metrics implementation used by tests and by the
// driver metrics accessors for snapshot reporting.
type Recorder struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*HistogramSnapshot
}

// HistogramSnapshot aggregates observed values per signal+label set.
type HistogramSnapshot struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// NewRecorder constructs an empty in-memory recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*HistogramSnapshot),
	}
}

// IncCounter adds value to the labelled counter.
func (r *Recorder) IncCounter(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	r.mu.Lock()
	r.counters[key] += value
	r.mu.Unlock()
}

// ObserveHistogram records a single observation.
func (r *Recorder) ObserveHistogram(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	r.mu.Lock()
	h := r.histograms[key]
	if h == nil {
		h = &HistogramSnapshot{Min: value, Max: value}
		r.histograms[key] = h
	}
	h.Count++
	h.Sum += value
	if value < h.Min {
		h.Min = value
	}
	if value > h.Max {
		h.Max = value
	}
	r.mu.Unlock()
}

// SetGauge stores the latest value for the labelled gauge.
func (r *Recorder) SetGauge(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	r.mu.Lock()
	r.gauges[key] = value
	r.mu.Unlock()
}

// Counter returns the current value of the labelled counter.
func (r *Recorder) Counter(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[metricKey(name, labels)]
}

// CounterTotal sums every counter series with the given name regardless of labels.
func (r *Recorder) CounterTotal(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total float64
	prefix := name + "{"
	for key, v := range r.counters {
		if key == name || len(key) > len(prefix) && key[:len(prefix)] == prefix {
			total += v
		}
	}
	return total
}

// Gauge returns the latest value of the labelled gauge.
func (r *Recorder) Gauge(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[metricKey(name, labels)]
}

// Histogram returns a copy of the labelled histogram snapshot.
func (r *Recorder) Histogram(name string, labels map[string]string) HistogramSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h := r.histograms[metricKey(name, labels)]; h != nil {
		return *h
	}
	return HistogramSnapshot{}
}

// Reset clears every recorded series.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.counters = make(map[string]float64)
	r.gauges = make(map[string]float64)
	r.histograms = make(map[string]*HistogramSnapshot)
	r.mu.Unlock()
}

// Snapshot returns a copy of all counters and gauges keyed by rendered series.
func (r *Recorder) Snapshot() (counters, gauges map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counters = make(map[string]float64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	gauges = make(map[string]float64, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}
	return counters, gauges
}
