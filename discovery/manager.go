package discovery

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/opsmill/infrahub-exporter/config"
	"github.com/opsmill/infrahub-exporter/infrahub"
	"github.com/opsmill/infrahub-exporter/metric"
)

// Manager answers service-discovery lookups, caching each query's target
// list for its configured refresh interval. Callers always receive a target
// list, never an error: a failed refresh yields an empty list.
type Manager struct {
	client  infrahub.Client
	metrics *metric.Metrics

	mu    sync.Mutex
	cache map[string]cachedTargets
}

type cachedTargets struct {
	fetchedAt time.Time
	targets   []TargetGroup
}

// NewManager creates a manager backed by the given client.
func NewManager(client infrahub.Client, metrics *metric.Metrics) *Manager {
	return &Manager{
		client:  client,
		metrics: metrics,
		cache:   make(map[string]cachedTargets),
	}
}

// GetTargets returns the target list for one query, served from cache when
// the last refresh is younger than the query's refresh interval.
func (m *Manager) GetTargets(ctx context.Context, query *config.ServiceDiscoveryQuery) []TargetGroup {
	ttl := time.Duration(query.RefreshIntervalSeconds) * time.Second

	m.mu.Lock()
	cached, ok := m.cache[query.Name]
	if ok && time.Since(cached.fetchedAt) < ttl {
		m.mu.Unlock()
		slog.Debug("Serving service discovery targets from cache", "query", query.Name)
		m.countRequest(query.Name, "hit")
		return cached.targets
	}
	m.mu.Unlock()

	targets, outcome := m.refresh(ctx, query)
	m.countRequest(query.Name, outcome)

	// An unreadable query file is a deployment problem worth retrying on
	// the next scrape, so it does not refresh the cache timestamp.
	if outcome != "file_error" {
		m.mu.Lock()
		m.cache[query.Name] = cachedTargets{fetchedAt: time.Now(), targets: targets}
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.DiscoveryTargets.WithLabelValues(query.Name).Set(float64(len(targets)))
		}
	}
	return targets
}

// refresh executes the query and transforms the result into target groups.
// Query execution failures produce an empty list that is still cached for
// the full interval, shielding the backend from scrape-rate retries.
func (m *Manager) refresh(ctx context.Context, query *config.ServiceDiscoveryQuery) ([]TargetGroup, string) {
	raw, err := os.ReadFile(query.QueryPath())
	if err != nil {
		slog.Error("Cannot read service discovery query file",
			"query", query.Name, "path", query.QueryPath(), "error", err)
		return nil, "file_error"
	}

	result, err := m.client.ExecuteQuery(ctx, string(raw))
	if err != nil {
		slog.Error("Service discovery query failed", "query", query.Name, "error", err)
		return []TargetGroup{}, "error"
	}

	targets := m.transform(result, query)
	slog.Info("Refreshed service discovery targets",
		"query", query.Name, "targets", len(targets))
	return targets, "miss"
}

// transform walks every connection-shaped top-level field of the query
// result and builds one target group per edge node. Kinds are visited in
// sorted order so the response is deterministic.
func (m *Manager) transform(result map[string]any, query *config.ServiceDiscoveryQuery) []TargetGroup {
	kinds := make([]string, 0, len(result))
	for kind := range result {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	targets := []TargetGroup{}
	for _, kind := range kinds {
		block, ok := result[kind].(map[string]any)
		if !ok {
			continue
		}
		edges, ok := block["edges"].([]any)
		if !ok {
			continue
		}
		for _, edge := range edges {
			edgeMap, ok := edge.(map[string]any)
			if !ok {
				continue
			}
			node, ok := edgeMap["node"].(map[string]any)
			if !ok {
				continue
			}
			if group, ok := buildTarget(node, kind, query); ok {
				targets = append(targets, group)
			}
		}
	}
	return targets
}

// buildTarget derives one target group from a result node. A node without a
// resolvable target address is dropped; a label whose path does not resolve
// is omitted from that node's label set only.
func buildTarget(node map[string]any, kind string, query *config.ServiceDiscoveryQuery) (TargetGroup, bool) {
	address, ok := ExtractField(node, query.TargetField)
	if !ok || address == "" {
		slog.Debug("Dropping service discovery node without target address",
			"query", query.Name, "field", query.TargetField)
		return TargetGroup{}, false
	}

	if query.PortField != "" {
		if port, ok := ExtractField(node, query.PortField); ok && port != "" {
			address = address + ":" + port
		}
	}

	labels := make(map[string]string, len(query.LabelMappings)+2)
	for labelKey, fieldPath := range query.LabelMappings {
		if value, ok := ExtractField(node, fieldPath); ok {
			labels[labelKey] = value
		}
	}
	labels[MetaLabelID] = stringify(node["id"])
	labels[MetaLabelKind] = kind

	return TargetGroup{Targets: []string{address}, Labels: labels}, true
}

func (m *Manager) countRequest(query, outcome string) {
	if m.metrics != nil {
		m.metrics.DiscoveryRequests.WithLabelValues(query, outcome).Inc()
	}
}
