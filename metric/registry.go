// Package metric owns the Prometheus registry for the exporter. The
// registry is an explicit dependency injected into the HTTP layer, never
// process-global state, so components stay independently testable.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/opsmill/infrahub-exporter/errors"
)

// Registry manages the Prometheus registry and the exporter's own
// operational metrics.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registered         map[string]prometheus.Collector
	mu                 sync.Mutex
}

// NewRegistry creates a registry pre-loaded with operational metrics and
// Go runtime collectors.
func NewRegistry() *Registry {
	promRegistry := prometheus.NewRegistry()

	r := &Registry{
		prometheusRegistry: promRegistry,
		Metrics:            NewMetrics(),
		registered:         make(map[string]prometheus.Collector),
	}

	r.prometheusRegistry.MustRegister(
		r.Metrics.PollCycleDuration,
		r.Metrics.PollFetchErrors,
		r.Metrics.KindEntries,
		r.Metrics.DiscoveryRequests,
		r.Metrics.DiscoveryTargets,
	)

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Register adds a named collector, rejecting duplicates.
func (r *Registry) Register(name string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registered[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("collector %s already registered", name),
			"Registry", "Register", "duplicate collector registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for collector %s", name))
		}
		return errors.WrapFatal(err, "Registry", "Register",
			"failed to register collector with prometheus")
	}

	r.registered[name] = collector
	return nil
}

// Unregister removes a named collector from the registry.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	collector, exists := r.registered[name]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registered, name)
	}
	return success
}

// Metrics contains the exporter's operational metrics (not the per-kind
// info metrics derived from Infrahub, which come from the store collector).
type Metrics struct {
	PollCycleDuration prometheus.Histogram
	PollFetchErrors   *prometheus.CounterVec
	KindEntries       *prometheus.GaugeVec
	DiscoveryRequests *prometheus.CounterVec
	DiscoveryTargets  *prometheus.GaugeVec
}

// NewMetrics creates the operational metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		PollCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "infrahub_exporter",
				Subsystem: "poll",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of one full fetch-transform-store cycle",
				Buckets:   prometheus.DefBuckets,
			},
		),
		PollFetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "infrahub_exporter",
				Subsystem: "poll",
				Name:      "fetch_errors_total",
				Help:      "Fetch failures per kind; the prior snapshot is kept on failure",
			},
			[]string{"kind", "reason"},
		),
		KindEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "infrahub_exporter",
				Subsystem: "store",
				Name:      "entries",
				Help:      "Entries currently held in the store per kind",
			},
			[]string{"kind"},
		),
		DiscoveryRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "infrahub_exporter",
				Subsystem: "discovery",
				Name:      "requests_total",
				Help:      "Service discovery lookups by query and cache outcome",
			},
			[]string{"query", "outcome"},
		),
		DiscoveryTargets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "infrahub_exporter",
				Subsystem: "discovery",
				Name:      "targets",
				Help:      "Targets produced by the last refresh of each query",
			},
			[]string{"query"},
		),
	}
}
