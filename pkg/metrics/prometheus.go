package metrics

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var nameReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// Prometheus adapts Recorder calls onto Prometheus collectors. A counter or
// histogram vector is registered the first time a metric name is seen; its
// label set is fixed by the tags of that first call, and later calls with a
// different label set are dropped with a warning.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheus builds a recorder registering into reg. An empty namespace
// leaves metric names unprefixed.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Prometheus{
		reg:        reg,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *Prometheus) Add(name string, value float64, tags map[string]string) {
	vec, err := p.counter(name, tags)
	if err != nil {
		slog.Warn("metrics: counter unavailable", "name", name, "error", err)
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		slog.Warn("metrics: label mismatch", "name", name, "error", err)
		return
	}
	c.Add(value)
}

func (p *Prometheus) Observe(name string, value float64, tags map[string]string) {
	vec, err := p.histogram(name, tags)
	if err != nil {
		slog.Warn("metrics: histogram unavailable", "name", name, "error", err)
		return
	}
	o, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		slog.Warn("metrics: label mismatch", "name", name, "error", err)
		return
	}
	o.Observe(value)
}

func (p *Prometheus) counter(name string, tags map[string]string) (*prometheus.CounterVec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.counters[name]; ok {
		return vec, nil
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      nameReplacer.Replace(name) + "_total",
		Help:      "Count of " + name + ".",
	}, labelNames(tags))
	if err := p.reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		vec = existing
	}
	p.counters[name] = vec
	return vec, nil
}

func (p *Prometheus) histogram(name string, tags map[string]string) (*prometheus.HistogramVec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.histograms[name]; ok {
		return vec, nil
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      nameReplacer.Replace(name),
		Help:      "Distribution of " + name + ".",
		Buckets:   prometheus.DefBuckets,
	}, labelNames(tags))
	if err := p.reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		vec = existing
	}
	p.histograms[name] = vec
	return vec, nil
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
