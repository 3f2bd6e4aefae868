package exporter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsmill/infrahub-exporter/config"
)

// Collector renders the store as Prometheus metrics on demand. It holds one
// metric description per configured kind with the fixed label order
// [id, hfid] + include fields.
type Collector struct {
	store *Store
	kinds []config.MetricsKind
	descs map[string]*prometheus.Desc
}

// NewCollector creates the pull publisher over the store.
func NewCollector(store *Store, kinds []config.MetricsKind) *Collector {
	descs := make(map[string]*prometheus.Desc, len(kinds))
	for i := range kinds {
		mk := &kinds[i]
		descs[mk.Kind] = prometheus.NewDesc(
			MetricName(mk.Kind),
			MetricHelp(mk.Kind),
			LabelNames(mk),
			nil,
		)
	}
	return &Collector{store: store, kinds: kinds, descs: descs}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.descs {
		ch <- desc
	}
}

// Collect implements prometheus.Collector. Kinds with an empty entry list
// emit nothing.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for i := range c.kinds {
		mk := &c.kinds[i]
		entries := c.store.Snapshot(mk.Kind)
		if len(entries) == 0 {
			continue
		}

		labelNames := LabelNames(mk)
		desc := c.descs[mk.Kind]
		for _, entry := range entries {
			values := make([]string, len(labelNames))
			for j, name := range labelNames {
				values[j] = entry.Labels[name]
			}
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, entry.Value, values...)
		}
	}
}
