// internal/utils/metrics.go
package utils

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects application metrics
type MetricsCollector struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Counter metric - using atomic operations for thread-safe value updates
type Counter struct {
	name  string
	value int64
}

// Gauge metric - using atomic operations for thread-safe value updates
type Gauge struct {
	name  string
	value int64
}

// Histogram metric (simple implementation tracking count, sum, min, max)
type Histogram struct {
	name  string
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = &MetricsCollector{
			counters:   make(map[string]*Counter),
			gauges:     make(map[string]*Gauge),
			histograms: make(map[string]*Histogram),
		}
	})
	return globalMetrics
}

// IncrementCounter increments a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	m.AddCounter(name, 1)
}

// AddCounter adds a value to a counter metric using atomic operations
func (m *MetricsCollector) AddCounter(name string, value int64) {
	// Fast path for existing counters
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if exists {
		atomic.AddInt64(&counter.value, value)
		return
	}

	m.mu.Lock()
	// Double-check after acquiring write lock
	counter, exists = m.counters[name]
	if !exists {
		counter = &Counter{name: name}
		m.counters[name] = counter
	}
	m.mu.Unlock()

	atomic.AddInt64(&counter.value, value)
}

// SetGauge sets a gauge metric using atomic operations
func (m *MetricsCollector) SetGauge(name string, value int64) {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if exists {
		atomic.StoreInt64(&gauge.value, value)
		return
	}

	m.mu.Lock()
	gauge, exists = m.gauges[name]
	if !exists {
		gauge = &Gauge{name: name}
		m.gauges[name] = gauge
	}
	m.mu.Unlock()

	atomic.StoreInt64(&gauge.value, value)
}

// GetGauge gets the current value of a gauge using atomic load
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if !exists {
		return 0
	}
	return atomic.LoadInt64(&gauge.value)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		histogram, exists = m.histograms[name]
		if !exists {
			histogram = &Histogram{
				name: name,
				min:  value,
				max:  value,
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.mu.Lock()
	defer histogram.mu.Unlock()

	histogram.count++
	histogram.sum += value

	if value < histogram.min {
		histogram.min = value
	}
	if value > histogram.max {
		histogram.max = value
	}
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := make(map[string]interface{})

	counters := make(map[string]int64)
	for name, counter := range m.counters {
		counters[name] = atomic.LoadInt64(&counter.value)
	}
	metrics["counters"] = counters

	gauges := make(map[string]int64)
	for name, gauge := range m.gauges {
		gauges[name] = atomic.LoadInt64(&gauge.value)
	}
	metrics["gauges"] = gauges

	histograms := make(map[string]map[string]int64)
	for name, histogram := range m.histograms {
		histogram.mu.Lock()
		histograms[name] = map[string]int64{
			"count": histogram.count,
			"sum":   histogram.sum,
			"min":   histogram.min,
			"max":   histogram.max,
		}
		histogram.mu.Unlock()
	}
	metrics["histograms"] = histograms

	return metrics
}

// GetCounterValue gets the current value of a counter using atomic load
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		return 0
	}
	return atomic.LoadInt64(&counter.value)
}

// RunMetrics 对话运行维度的指标记录
type RunMetrics struct {
	metrics *MetricsCollector
}

// NewRunMetrics creates a new run metrics instance
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{
		metrics: GetMetricsCollector(),
	}
}

// RecordRunStarted 记录运行开始
func (rm *RunMetrics) RecordRunStarted(mode string) {
	rm.metrics.IncrementCounter("runs_total")
	rm.metrics.IncrementCounter("runs_mode_" + mode)
	rm.metrics.SetGauge("run_active", 1)
}

// RecordRunFinished 记录运行结束及耗时
func (rm *RunMetrics) RecordRunFinished(status string, turns int, duration time.Duration) {
	rm.metrics.IncrementCounter("runs_finished_" + status)
	rm.metrics.AddCounter("turns_total", int64(turns))
	rm.metrics.RecordHistogram("run_duration_ms", duration.Milliseconds())
	rm.metrics.RecordHistogram("run_turns", int64(turns))
	rm.metrics.SetGauge("run_active", 0)
}

// RecordIntervention 记录一次导演介入
func (rm *RunMetrics) RecordIntervention(strategy string) {
	rm.metrics.IncrementCounter("interventions_total")
	if strategy != "" {
		rm.metrics.IncrementCounter("interventions_" + strategy)
	}
}

// RecordRetry 记录一次回合内重试
func (rm *RunMetrics) RecordRetry() {
	rm.metrics.IncrementCounter("retries_total")
}

// RecordLLMRequest records metrics for an LLM request
func (rm *RunMetrics) RecordLLMRequest(provider string, tokensUsed int, duration time.Duration) {
	rm.metrics.IncrementCounter("llm_requests_total")
	rm.metrics.IncrementCounter("llm_requests_" + provider)
	rm.metrics.AddCounter("llm_tokens_total", int64(tokensUsed))
	rm.metrics.RecordHistogram("llm_response_time_ms", duration.Milliseconds())
}

// RecordError records an error metric
func (rm *RunMetrics) RecordError(errorType string) {
	rm.metrics.IncrementCounter("errors_total")
	rm.metrics.IncrementCounter("errors_" + errorType)
}
