// Package metrics provides the counter/gauge/histogram sink shared by
// every component. Metrics are keyed by name plus an ordered label set;
// the label keys for a given name are fixed by the first sample and
// later samples with a different key set are dropped rather than
// panicking inside the prometheus client.
package metrics

import (
	"bytes"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// DurationBuckets are the histogram bucket boundaries, in seconds, used
// for every histogram in the service.
var DurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1.0, 2.5, 5.0, 7.5, 10.0,
}

// Sink records counters, gauges, and histograms on a private registry.
// Safe for parallel producers.
type Sink struct {
	namespace string
	registry  *prometheus.Registry
	logger    *zap.Logger

	mu         sync.RWMutex
	counters   map[string]*vecEntry[*prometheus.CounterVec]
	gauges     map[string]*vecEntry[*prometheus.GaugeVec]
	histograms map[string]*vecEntry[*prometheus.HistogramVec]
}

type vecEntry[T any] struct {
	vec  T
	keys []string
}

// NewSink creates a sink. The namespace prefixes every metric name;
// empty is allowed.
func NewSink(namespace string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		logger:     logger,
		counters:   make(map[string]*vecEntry[*prometheus.CounterVec]),
		gauges:     make(map[string]*vecEntry[*prometheus.GaugeVec]),
		histograms: make(map[string]*vecEntry[*prometheus.HistogramVec]),
	}
}

// Increment adds delta to the named counter.
func (s *Sink) Increment(name string, labels map[string]string, delta float64) {
	keys, values := splitLabels(labels)

	s.mu.RLock()
	entry, ok := s.counters[name]
	s.mu.RUnlock()

	if !ok {
		entry = s.registerCounter(name, keys)
	}
	if !sameKeys(entry.keys, keys) {
		s.dropSample(name, entry.keys, keys)
		return
	}
	entry.vec.WithLabelValues(values...).Add(delta)
}

// Gauge sets the named gauge to value.
func (s *Sink) Gauge(name string, labels map[string]string, value float64) {
	keys, values := splitLabels(labels)

	s.mu.RLock()
	entry, ok := s.gauges[name]
	s.mu.RUnlock()

	if !ok {
		entry = s.registerGauge(name, keys)
	}
	if !sameKeys(entry.keys, keys) {
		s.dropSample(name, entry.keys, keys)
		return
	}
	entry.vec.WithLabelValues(values...).Set(value)
}

// Histogram observes value on the named histogram.
func (s *Sink) Histogram(name string, labels map[string]string, value float64) {
	keys, values := splitLabels(labels)

	s.mu.RLock()
	entry, ok := s.histograms[name]
	s.mu.RUnlock()

	if !ok {
		entry = s.registerHistogram(name, keys)
	}
	if !sameKeys(entry.keys, keys) {
		s.dropSample(name, entry.keys, keys)
		return
	}
	entry.vec.WithLabelValues(values...).Observe(value)
}

// Render returns the registry contents in the Prometheus text
// exposition format.
func (s *Sink) Render() (string, error) {
	families, err := s.registry.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// Handler returns an http.Handler serving the exposition endpoint.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Sink) registerCounter(name string, keys []string) *vecEntry[*prometheus.CounterVec] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.counters[name]; ok {
		return entry
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: s.namespace,
		Name:      name,
		Help:      name,
	}, keys)
	s.registry.MustRegister(vec)
	entry := &vecEntry[*prometheus.CounterVec]{vec: vec, keys: keys}
	s.counters[name] = entry
	return entry
}

func (s *Sink) registerGauge(name string, keys []string) *vecEntry[*prometheus.GaugeVec] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.gauges[name]; ok {
		return entry
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: s.namespace,
		Name:      name,
		Help:      name,
	}, keys)
	s.registry.MustRegister(vec)
	entry := &vecEntry[*prometheus.GaugeVec]{vec: vec, keys: keys}
	s.gauges[name] = entry
	return entry
}

func (s *Sink) registerHistogram(name string, keys []string) *vecEntry[*prometheus.HistogramVec] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.histograms[name]; ok {
		return entry
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: s.namespace,
		Name:      name,
		Help:      name,
		Buckets:   DurationBuckets,
	}, keys)
	s.registry.MustRegister(vec)
	entry := &vecEntry[*prometheus.HistogramVec]{vec: vec, keys: keys}
	s.histograms[name] = entry
	return entry
}

func (s *Sink) dropSample(name string, want, got []string) {
	s.logger.Warn("metric sample dropped: inconsistent label set",
		zap.String("metric", name),
		zap.Strings("registered_labels", want),
		zap.Strings("sample_labels", got))
}

// splitLabels returns label keys sorted, with values in matching order.
func splitLabels(labels map[string]string) ([]string, []string) {
	if len(labels) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return keys, values
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
