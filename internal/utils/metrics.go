// internal/utils/metrics.go
package utils

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects in-process counters, gauges and histograms
type MetricsCollector struct {
	counters   map[string]*int64
	gauges     map[string]*int64
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Histogram tracks count, sum, min and max
type Histogram struct {
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
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// NewMetricsCollector creates an isolated collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		histograms: make(map[string]*Histogram),
	}
}

// cell returns the value slot for name, creating it under the write lock
func (m *MetricsCollector) cell(set map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, ok := set[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = set[name]; !ok {
		v = new(int64)
		set[name] = v
	}
	return v
}

// IncrementCounter increments a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(m.cell(m.counters, name), 1)
}

// AddCounter adds a value to a counter metric
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(m.cell(m.counters, name), value)
}

// SetGauge sets a gauge metric
func (m *MetricsCollector) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.cell(m.gauges, name), value)
}

// IncGauge increments a gauge metric
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(m.cell(m.gauges, name), 1)
}

// DecGauge decrements a gauge metric
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(m.cell(m.gauges, name), -1)
}

// GetGauge gets the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	v, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// GetCounterValue gets the current value of a counter
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	v, ok := m.counters[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if h, ok = m.histograms[name]; !ok {
			h = &Histogram{min: value, max: value}
			m.histograms[name] = h
		}
		m.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, v := range m.counters {
		counters[name] = atomic.LoadInt64(v)
	}
	gauges := make(map[string]int64, len(m.gauges))
	for name, v := range m.gauges {
		gauges[name] = atomic.LoadInt64(v)
	}
	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, h := range m.histograms {
		h.mu.Lock()
		histograms[name] = map[string]int64{
			"count": h.count,
			"sum":   h.sum,
			"min":   h.min,
			"max":   h.max,
		}
		h.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// APIMetrics records request, completion and stage metrics
type APIMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewAPIMetrics creates a new API metrics instance
func NewAPIMetrics() *APIMetrics {
	return &APIMetrics{
		metrics: GetMetricsCollector(),
		logger:  GetLogger(),
	}
}

// Collector exposes the underlying collector
func (am *APIMetrics) Collector() *MetricsCollector {
	return am.metrics
}

// RecordAPIRequest records metrics for an API request
func (am *APIMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	am.metrics.IncrementCounter("api_requests_total")
	am.metrics.IncrementCounter("api_requests_" + method + "_" + endpoint)
	am.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())
	am.metrics.IncrementCounter("api_responses_" + strconv.Itoa(statusCode/100) + "xx")

	am.logger.Debug("API request completed", map[string]interface{}{
		"endpoint": endpoint,
		"method":   method,
		"status":   statusCode,
		"duration": duration.Milliseconds(),
	})
}

// RecordLLMRequest records metrics for one chat completion
func (am *APIMetrics) RecordLLMRequest(provider, model string, ok bool, tokensUsed int, duration time.Duration) {
	am.metrics.IncrementCounter("llm_requests_total")
	am.metrics.IncrementCounter("llm_requests_" + provider)
	if !ok {
		am.metrics.IncrementCounter("llm_failures_total")
	}
	am.metrics.AddCounter("llm_tokens_total", int64(tokensUsed))
	am.metrics.RecordHistogram("llm_response_time_ms", duration.Milliseconds())

	am.logger.Info("LLM request completed", map[string]interface{}{
		"provider": provider,
		"model":    model,
		"ok":       ok,
		"tokens":   tokensUsed,
		"duration": duration.Milliseconds(),
	})
}

// RecordStage records the outcome of a generation stage
func (am *APIMetrics) RecordStage(stage, outcome string) {
	am.metrics.IncrementCounter("stage_" + stage + "_" + outcome)
}

// RecordParse records whether a model reply matched the expected structure
func (am *APIMetrics) RecordParse(kind string, ok bool) {
	if ok {
		am.metrics.IncrementCounter("parse_" + kind + "_ok")
		return
	}
	am.metrics.IncrementCounter("parse_" + kind + "_failed")
}

// RecordError records an error metric
func (am *APIMetrics) RecordError(errorType, component string) {
	am.metrics.IncrementCounter("errors_total")
	am.metrics.IncrementCounter("errors_" + errorType)
	am.metrics.IncrementCounter("errors_" + component)

	am.logger.Warn("Error recorded", map[string]interface{}{
		"type":      errorType,
		"component": component,
	})
}

// StartMetricsCollection periodically logs a metrics summary
func (am *APIMetrics) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				am.logger.Info("Periodic metrics report", map[string]interface{}{
					"metrics": am.metrics.GetMetrics(),
				})
			}
		}
	}()
}
