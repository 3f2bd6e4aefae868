// Package exporter implements the fetch-transform-store pipeline: a poller
// that derives metric entries from Infrahub nodes, the shared snapshot store,
// and the two publishers (Prometheus pull, OTLP push) that read it.
package exporter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/opsmill/infrahub-exporter/config"
)

// Entry is a single derived metric row: a label map and a presence value.
// The value is always 1; the metric signals existence, not a count.
type Entry struct {
	Labels map[string]string
	Value  float64
}

// Store is the published snapshot of derived rows, keyed by kind. The
// poller is the only writer; a kind's list is always replaced wholesale so
// readers never observe a partially built list.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string][]Entry)}
}

// Replace atomically swaps the entry list for a kind.
func (s *Store) Replace(kind string, entries []Entry) {
	s.mu.Lock()
	s.entries[kind] = entries
	s.mu.Unlock()
}

// Snapshot returns the current entry list for a kind. The returned slice
// is never mutated after publication; callers must not modify it.
func (s *Store) Snapshot(kind string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[kind]
}

// MetricName derives the metric family name for a kind.
func MetricName(kind string) string {
	return fmt.Sprintf("infrahub_%s_info", strings.ToLower(kind))
}

// MetricHelp derives the metric family description for a kind.
func MetricHelp(kind string) string {
	return fmt.Sprintf("Info about Infrahub %s", kind)
}

// LabelNames returns the fixed label order for a kind: id and hfid first,
// then the configured include fields.
func LabelNames(mk *config.MetricsKind) []string {
	names := make([]string, 0, len(mk.Include)+2)
	names = append(names, "id", "hfid")
	names = append(names, mk.Include...)
	return names
}
