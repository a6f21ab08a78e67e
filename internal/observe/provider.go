package observe

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// AttrMode labels telemetry with the configured audio source mode.
const AttrMode = attribute.Key("wakeloop.mode")

// ProviderConfig configures the process-wide telemetry providers.
type ProviderConfig struct {
	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Mode is the audio source mode ("xiaoai" or "local"), reported as
	// wakeloop.mode on every series via target_info.
	Mode string

	// Registerer receives the Prometheus collector. Nil means
	// prometheus.DefaultRegisterer, which /metrics serves.
	Registerer prometheus.Registerer

	// TraceExporter receives finished spans. Nil keeps spans in-process
	// only, so correlation IDs still work.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the global meter and tracer providers for the
// service named "wakeloop" and returns a function that flushes both.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName("wakeloop"),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Mode != "" {
		attrs = append(attrs, AttrMode.String(cfg.Mode))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, err
	}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	reader, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
