package observability

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on a dedicated Prometheus registry.
// Vectors are created on first use; a metric keeps the label keys it was
// first recorded with and observations with other keys are dropped.
type PrometheusMetrics struct {
	registry  *prometheus.Registry
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
}

// NewPrometheusMetrics creates a registry with Go runtime and process collectors.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusMetrics{
		registry:   registry,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labels:     make(map[string][]string),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) Counter(name string, value int64, tags ...Tag) {
	keys, values := splitTags(tags)

	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      metricName(name),
			Help:      name,
		}, keys)
		if !m.register(name, vec, keys) {
			m.mu.Unlock()
			return
		}
		m.counters[name] = vec
	}
	match := m.sameLabels(name, keys)
	m.mu.Unlock()

	if match {
		vec.WithLabelValues(values...).Add(float64(value))
	}
}

func (m *PrometheusMetrics) Gauge(name string, value float64, tags ...Tag) {
	keys, values := splitTags(tags)

	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      metricName(name),
			Help:      name,
		}, keys)
		if !m.register(name, vec, keys) {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = vec
	}
	match := m.sameLabels(name, keys)
	m.mu.Unlock()

	if match {
		vec.WithLabelValues(values...).Set(value)
	}
}

func (m *PrometheusMetrics) Histogram(name string, value float64, tags ...Tag) {
	keys, values := splitTags(tags)

	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      metricName(name),
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, keys)
		if !m.register(name, vec, keys) {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = vec
	}
	match := m.sameLabels(name, keys)
	m.mu.Unlock()

	if match {
		vec.WithLabelValues(values...).Observe(value)
	}
}

// Timing records durations in seconds under name + "_seconds".
func (m *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...Tag) {
	m.Histogram(name+"_seconds", duration.Seconds(), tags...)
}

// register must be called with m.mu held.
func (m *PrometheusMetrics) register(name string, c prometheus.Collector, keys []string) bool {
	if err := m.registry.Register(c); err != nil {
		return false
	}
	m.labels[name] = keys
	return true
}

func (m *PrometheusMetrics) sameLabels(name string, keys []string) bool {
	want := m.labels[name]
	if len(want) != len(keys) {
		return false
	}
	for i := range want {
		if want[i] != keys[i] {
			return false
		}
	}
	return true
}

func splitTags(tags []Tag) ([]string, []string) {
	sorted := append([]Tag(nil), tags...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	keys := make([]string, len(sorted))
	values := make([]string, len(sorted))
	for i, t := range sorted {
		keys[i] = metricName(t.Key)
		values[i] = t.Value
	}
	return keys, values
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}
