package exporter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/opsmill/infrahub-exporter/config"
	"github.com/opsmill/infrahub-exporter/errors"
)

const meterName = "github.com/opsmill/infrahub-exporter/exporter"

// OTLPPublisher ships store snapshots to an OTLP collector. One observable
// gauge is registered per configured kind; each periodic export tick
// re-reads the store and emits one observation per entry with the same
// label set the pull collector renders.
type OTLPPublisher struct {
	provider *sdkmetric.MeterProvider
}

// NewOTLPPublisher connects the gRPC exporter and registers the per-kind
// gauges.
func NewOTLPPublisher(ctx context.Context, cfg config.OTLPConfig, store *Store, kinds []config.MetricsKind) (*OTLPPublisher, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "OTLPPublisher", "New", "create otlp exporter")
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceNameKey.String("infrahub-exporter"),
		),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "OTLPPublisher", "New", "build resource")
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	if err := RegisterKindGauges(provider.Meter(meterName), store, kinds); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	return &OTLPPublisher{provider: provider}, nil
}

// Shutdown flushes and stops the periodic exporter.
func (p *OTLPPublisher) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

// RegisterKindGauges registers one observable gauge per kind on the meter.
// Callbacks read the store at observation time, so every export tick sees
// the current snapshot.
func RegisterKindGauges(meter otelmetric.Meter, store *Store, kinds []config.MetricsKind) error {
	for i := range kinds {
		mk := kinds[i]
		gauge, err := meter.Float64ObservableGauge(
			MetricName(mk.Kind),
			otelmetric.WithDescription(MetricHelp(mk.Kind)),
		)
		if err != nil {
			return errors.WrapFatal(err, "OTLPPublisher", "RegisterKindGauges", "create gauge")
		}

		labelNames := LabelNames(&mk)
		_, err = meter.RegisterCallback(func(_ context.Context, observer otelmetric.Observer) error {
			for _, entry := range store.Snapshot(mk.Kind) {
				attrs := make([]attribute.KeyValue, 0, len(labelNames))
				for _, name := range labelNames {
					attrs = append(attrs, attribute.String(name, entry.Labels[name]))
				}
				observer.ObserveFloat64(gauge, entry.Value, otelmetric.WithAttributes(attrs...))
			}
			return nil
		}, gauge)
		if err != nil {
			return errors.WrapFatal(err, "OTLPPublisher", "RegisterKindGauges", "register callback")
		}
	}
	return nil
}
