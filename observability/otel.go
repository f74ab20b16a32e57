package observability

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics bridges the emission contract onto an OpenTelemetry meter.
// Instruments are created lazily per signal name and cached.
type OTelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOTelMetrics constructs a sink on the meter named for the venue scope.
func NewOTelMetrics(scope string) *OTelMetrics {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "perpgate"
	}
	return &OTelMetrics{
		meter:      otel.Meter(scope),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// IncCounter adds value to the named counter with the given labels.
func (m *OTelMetrics) IncCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		counter, _ = m.meter.Float64Counter(name)
		m.counters[name] = counter
	}
	m.mu.Unlock()
	if counter == nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

// ObserveHistogram records value on the named histogram.
func (m *OTelMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	hist, ok := m.histograms[name]
	if !ok {
		hist, _ = m.meter.Float64Histogram(name)
		m.histograms[name] = hist
	}
	m.mu.Unlock()
	if hist == nil {
		return
	}
	hist.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

// SetGauge stores value on the named gauge.
func (m *OTelMetrics) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		gauge, _ = m.meter.Float64Gauge(name)
		m.gauges[name] = gauge
	}
	m.mu.Unlock()
	if gauge == nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func attrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, attribute.String(k, labels[k]))
	}
	return out
}
