// Package config loads and validates the exporter settings file.
// Validation is code-based and runs before any component starts; a
// malformed settings file terminates the process.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/common/model"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"gopkg.in/yaml.v3"

	"github.com/opsmill/infrahub-exporter/errors"
)

// Settings is the root of the exporter configuration.
type Settings struct {
	Infrahub            InfrahubConfig         `yaml:"infrahub"`
	Exporters           ExportersConfig        `yaml:"exporters"`
	ServiceDiscovery    ServiceDiscoveryConfig `yaml:"service_discovery"`
	Metrics             MetricsConfig          `yaml:"metrics"`
	PollIntervalSeconds int                    `yaml:"poll_interval_seconds"`
	ListenAddress       string                 `yaml:"listen_address"`
	ListenPort          int                    `yaml:"listen_port"`
	LogLevel            string                 `yaml:"log_level"`
}

// InfrahubConfig describes the backend connection.
type InfrahubConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Branch  string `yaml:"branch"`
}

// ExportersConfig gates the two metric publishers.
type ExportersConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
	OTLP       OTLPConfig       `yaml:"otlp"`
}

// PrometheusConfig configures the pull exposition endpoint.
type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

// OTLPConfig configures the push exporter.
type OTLPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// MetricsConfig lists the entity kinds exported as metrics.
type MetricsConfig struct {
	Kind []MetricsKind `yaml:"kind"`
}

// MetricsKind defines filters and include fields for one Infrahub kind.
type MetricsKind struct {
	Kind    string              `yaml:"kind"`
	Include []string            `yaml:"include"`
	Filters []map[string]string `yaml:"filters"`
}

// MergedFilters flattens the filter list into one constraint map.
// Duplicate keys are rejected by Validate, so later entries never silently
// overwrite earlier ones.
func (mk *MetricsKind) MergedFilters() map[string]string {
	if len(mk.Filters) == 0 {
		return nil
	}
	merged := make(map[string]string)
	for _, f := range mk.Filters {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}

// ServiceDiscoveryConfig gates the HTTP service-discovery endpoints.
type ServiceDiscoveryConfig struct {
	Enabled bool                    `yaml:"enabled"`
	Queries []ServiceDiscoveryQuery `yaml:"queries"`
}

// ServiceDiscoveryQuery configures one GraphQL-backed target list.
// Name is derived from the query file basename, not set in YAML.
type ServiceDiscoveryQuery struct {
	FilePath               string            `yaml:"file_path"`
	TargetField            string            `yaml:"target_field"`
	PortField              string            `yaml:"port_field"`
	RefreshIntervalSeconds int               `yaml:"refresh_interval_seconds"`
	LabelMappings          map[string]string `yaml:"label_mappings"`
	Name                   string            `yaml:"-"`
}

// QueryPath returns the query file path, resolving relative paths against
// the working directory.
func (q *ServiceDiscoveryQuery) QueryPath() string {
	if filepath.IsAbs(q.FilePath) {
		return q.FilePath
	}
	wd, err := os.Getwd()
	if err != nil {
		return q.FilePath
	}
	return filepath.Join(wd, q.FilePath)
}

// Load reads, decodes, defaults, and validates a settings file.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read settings file")
	}

	var settings Settings
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "Load", "decode settings file")
	}

	settings.applyDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Settings) applyDefaults() {
	if s.Infrahub.Address == "" {
		s.Infrahub.Address = "http://localhost:8000"
	}
	if s.Infrahub.Branch == "" {
		s.Infrahub.Branch = "main"
	}
	if s.Exporters.Prometheus.MetricsPath == "" {
		s.Exporters.Prometheus.MetricsPath = "/metrics"
	}
	if s.Exporters.OTLP.Endpoint == "" {
		s.Exporters.OTLP.Endpoint = "otel-collector:4317"
	}
	if s.Exporters.OTLP.TimeoutSeconds == 0 {
		s.Exporters.OTLP.TimeoutSeconds = 10
	}
	if s.PollIntervalSeconds == 0 {
		s.PollIntervalSeconds = 60
	}
	if s.ListenAddress == "" {
		s.ListenAddress = "0.0.0.0"
	}
	if s.ListenPort == 0 {
		s.ListenPort = 8001
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}

	for i := range s.ServiceDiscovery.Queries {
		q := &s.ServiceDiscovery.Queries[i]
		if q.RefreshIntervalSeconds == 0 {
			q.RefreshIntervalSeconds = 60
		}
		if q.Name == "" {
			q.Name = queryName(q.FilePath)
		}
	}
}

// queryName derives the query name from the file basename without extension.
func queryName(filePath string) string {
	base := filepath.Base(filePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Validate checks the settings for consistency. All failures are fatal.
func (s *Settings) Validate() error {
	if s.Infrahub.Token == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: infrahub.token", errors.ErrMissingConfig),
			"config", "Validate", "check infrahub connection")
	}
	if s.PollIntervalSeconds <= 1 {
		return s.invalid("poll_interval_seconds must be greater than 1")
	}
	if s.ListenPort < 1 || s.ListenPort > 65535 {
		return s.invalid(fmt.Sprintf("listen_port %d out of range", s.ListenPort))
	}
	if s.Exporters.OTLP.Enabled && s.Exporters.OTLP.TimeoutSeconds <= 0 {
		return s.invalid("exporters.otlp.timeout_seconds must be positive")
	}

	for i := range s.Metrics.Kind {
		if err := s.validateKind(&s.Metrics.Kind[i]); err != nil {
			return err
		}
	}

	if s.ServiceDiscovery.Enabled {
		seen := make(map[string]bool)
		for i := range s.ServiceDiscovery.Queries {
			q := &s.ServiceDiscovery.Queries[i]
			if err := s.validateQuery(q); err != nil {
				return err
			}
			if seen[q.Name] {
				return s.invalid(fmt.Sprintf("duplicate service discovery query name %q", q.Name))
			}
			seen[q.Name] = true
		}
	}

	return nil
}

func (s *Settings) validateKind(mk *MetricsKind) error {
	if mk.Kind == "" {
		return s.invalid("metrics kind entry with empty kind name")
	}
	for _, field := range mk.Include {
		if !model.LabelName(field).IsValid() {
			return s.invalid(fmt.Sprintf("kind %s: include field %q is not a valid label name", mk.Kind, field))
		}
	}

	// Duplicate filter keys across entries would silently drop constraints.
	seen := make(map[string]bool)
	for _, f := range mk.Filters {
		for k := range f {
			if seen[k] {
				return s.invalid(fmt.Sprintf("kind %s: duplicate filter key %q", mk.Kind, k))
			}
			seen[k] = true
		}
	}
	return nil
}

func (s *Settings) validateQuery(q *ServiceDiscoveryQuery) error {
	if q.FilePath == "" {
		return s.invalid("service discovery query with empty file_path")
	}
	if q.TargetField == "" {
		return s.invalid(fmt.Sprintf("service discovery query %s: target_field is required", q.Name))
	}
	if q.RefreshIntervalSeconds <= 0 {
		return s.invalid(fmt.Sprintf("service discovery query %s: refresh_interval_seconds must be positive", q.Name))
	}
	for key := range q.LabelMappings {
		if !model.LabelName(key).IsValid() {
			return s.invalid(fmt.Sprintf("service discovery query %s: label key %q is not a valid label name", q.Name, key))
		}
	}

	raw, err := os.ReadFile(q.QueryPath())
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrQueryFileUnreadable, q.QueryPath()),
			"config", "Validate", "read query file")
	}
	if _, err := parser.ParseQuery(&ast.Source{Name: q.FilePath, Input: string(raw)}); err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: query file %s: %v", errors.ErrInvalidConfig, q.FilePath, err),
			"config", "Validate", "parse query file")
	}
	return nil
}

func (s *Settings) invalid(msg string) error {
	return errors.WrapFatal(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg),
		"config", "Validate", "check settings")
}
