package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// PipelineMetricsSnapshot captures pipeline-focused runtime counters.
type PipelineMetricsSnapshot struct {
	QueueDepth         map[string]int   `json:"queue_depth"`
	SuppressedCount    map[string]int   `json:"suppressed_count"`
	FanoutMicroseconds map[string]int64 `json:"fanout_us"`
}

// RuntimeMetrics accumulates pipeline metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu       sync.Mutex
	pipeline PipelineMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.pipeline = PipelineMetricsSnapshot{
		QueueDepth:         make(map[string]int),
		SuppressedCount:    make(map[string]int),
		FanoutMicroseconds: make(map[string]int64),
	}
	return metrics
}

// RecordQueueDepth tracks the latest inbound queue depth for a stage.
func (m *RuntimeMetrics) RecordQueueDepth(stage string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline.QueueDepth[stage] = depth
}

// IncrementSuppressed increments the suppressed message counter for a stage.
func (m *RuntimeMetrics) IncrementSuppressed(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline.SuppressedCount[stage]++
}

// AddFanoutMicroseconds accumulates fan-out delivery time for a data type.
func (m *RuntimeMetrics) AddFanoutMicroseconds(dataType string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline.FanoutMicroseconds[dataType] += delta
}

// Snapshot copies the current pipeline metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() PipelineMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := PipelineMetricsSnapshot{
		QueueDepth:         make(map[string]int, len(m.pipeline.QueueDepth)),
		SuppressedCount:    make(map[string]int, len(m.pipeline.SuppressedCount)),
		FanoutMicroseconds: make(map[string]int64, len(m.pipeline.FanoutMicroseconds)),
	}
	for k, v := range m.pipeline.QueueDepth {
		snapshot.QueueDepth[k] = v
	}
	for k, v := range m.pipeline.SuppressedCount {
		snapshot.SuppressedCount[k] = v
	}
	for k, v := range m.pipeline.FanoutMicroseconds {
		snapshot.FanoutMicroseconds[k] = v
	}
	return snapshot
}
