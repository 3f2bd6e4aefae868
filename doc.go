// Package infrahubexporter bridges an Infrahub graph backend to the
// Prometheus and OpenTelemetry ecosystems.
//
// The exporter polls configured node kinds over GraphQL, resolves each node
// into a flat label set, and publishes the result three ways:
//
//   - Prometheus pull: a /metrics endpoint rendering one info-style gauge
//     per kind from the latest snapshot.
//   - OpenTelemetry push: the same gauges observed through an OTLP/gRPC
//     periodic reader, so pull and push always agree.
//   - Prometheus HTTP service discovery: per-query /sd/<name> endpoints
//     serving target lists derived from user-supplied GraphQL query files,
//     cached per query for a configurable refresh interval.
//
// Package layout:
//
//   - config: settings file loading, defaulting, and validation
//   - infrahub: GraphQL client, schema cache, and node decoding
//   - exporter: poller, snapshot store, Prometheus collector, OTLP publisher
//   - discovery: query execution, field extraction, and target caching
//   - gateway/http: the HTTP surface tying the endpoints together
//   - metric: the explicitly-owned Prometheus registry and operational metrics
//   - errors, pkg/retry: classified errors and jittered backoff
package infrahubexporter
