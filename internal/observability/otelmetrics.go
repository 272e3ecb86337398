package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tradewire/connector/lib/telemetry"
)

// OTelMetrics bridges the Metrics interface onto the global OpenTelemetry
// meter. Instruments are created on first use and cached per name; creation
// failures degrade that instrument to a no-op.
type OTelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOTelMetrics constructs a collector publishing through the named meter
// scope on the global meter provider.
func NewOTelMetrics(scope string) *OTelMetrics {
	if scope == "" {
		scope = "connector"
	}
	return &OTelMetrics{
		meter:      otel.Meter(scope),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

var _ Metrics = (*OTelMetrics)(nil)

// IncCounter implements Metrics.
func (m *OTelMetrics) IncCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	inst, ok := m.counters[name]
	if !ok {
		created, err := m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		inst = created
		m.counters[name] = inst
	}
	m.mu.Unlock()
	inst.Add(context.Background(), value, metric.WithAttributes(metricAttributes(labels)...))
}

// ObserveHistogram implements Metrics.
func (m *OTelMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	inst, ok := m.histograms[name]
	if !ok {
		created, err := m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		inst = created
		m.histograms[name] = inst
	}
	m.mu.Unlock()
	inst.Record(context.Background(), value, metric.WithAttributes(metricAttributes(labels)...))
}

// SetGauge implements Metrics.
func (m *OTelMetrics) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	inst, ok := m.gauges[name]
	if !ok {
		created, err := m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		inst = created
		m.gauges[name] = inst
	}
	m.mu.Unlock()
	inst.Record(context.Background(), value, metric.WithAttributes(metricAttributes(labels)...))
}

func metricAttributes(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)+1)
	attrs = append(attrs, attribute.String("environment", telemetry.Environment()))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
