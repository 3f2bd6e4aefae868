// Package discovery serves Prometheus HTTP service-discovery target lists
// derived from GraphQL query results, with per-query TTL caching.
package discovery

// Meta labels injected into every target group.
const (
	MetaLabelID   = "__meta_infrahub_id"
	MetaLabelKind = "__meta_infrahub_kind"
)

// TargetGroup is one entry of an HTTP service-discovery response.
type TargetGroup struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}
