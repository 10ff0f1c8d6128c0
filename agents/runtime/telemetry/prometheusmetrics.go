package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics on top of a prometheus.Registerer.
// Because callers pass label key/value pairs as a variadic slice rather than
// a fixed schema, vectors are created lazily and cached per (metric name,
// label keys in the order given): the first call with a new key list
// registers the vector, subsequent calls reuse it.
type PrometheusMetrics struct {
	reg prometheus.Registerer

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	timers   map[string]*prometheus.HistogramVec
	gauges   map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics returns a Metrics backed by reg. If reg is nil, the
// default global registry is used.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		reg:      reg,
		counters: make(map[string]*prometheus.CounterVec),
		timers:   make(map[string]*prometheus.HistogramVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
}

func splitKV(kv []string) (keys, values []string) {
	keys = make([]string, 0, len(kv)/2)
	values = make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		keys = append(keys, kv[i])
		values = append(values, kv[i+1])
	}
	return keys, values
}

func vecKey(name string, keys []string) string {
	return name + "|" + strings.Join(keys, ",")
}

func (p *PrometheusMetrics) IncCounter(name string, value float64, kv ...string) {
	keys, values := splitKV(kv)
	p.mu.Lock()
	defer p.mu.Unlock()
	cacheKey := vecKey(name, keys)
	vec, ok := p.counters[cacheKey]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: metricName(name)}, keys)
		_ = p.reg.Register(vec)
		p.counters[cacheKey] = vec
	}
	vec.WithLabelValues(values...).Add(value)
}

func (p *PrometheusMetrics) RecordTimer(name string, d time.Duration, kv ...string) {
	keys, values := splitKV(kv)
	p.mu.Lock()
	defer p.mu.Unlock()
	cacheKey := vecKey(name, keys)
	vec, ok := p.timers[cacheKey]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricName(name),
			Buckets: prometheus.DefBuckets,
		}, keys)
		_ = p.reg.Register(vec)
		p.timers[cacheKey] = vec
	}
	vec.WithLabelValues(values...).Observe(d.Seconds())
}

func (p *PrometheusMetrics) RecordGauge(name string, value float64, kv ...string) {
	keys, values := splitKV(kv)
	p.mu.Lock()
	defer p.mu.Unlock()
	cacheKey := vecKey(name, keys)
	vec, ok := p.gauges[cacheKey]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metricName(name)}, keys)
		_ = p.reg.Register(vec)
		p.gauges[cacheKey] = vec
	}
	vec.WithLabelValues(values...).Set(value)
}

// metricName normalizes dotted metric names ("pool.allocations_total") into
// prometheus-safe identifiers ("pool_allocations_total").
func metricName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}
