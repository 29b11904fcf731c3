package runtime

import (
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/voyatrip/voya/config"
)

// TelemetryOptions names the instrumented service.
type TelemetryOptions struct {
	ServiceName    string
	ServiceVersion string
}

// SetupTelemetry hands out the meter and tracer a service instruments with.
// Enabled telemetry uses the global providers, so a deployment can install an
// SDK in main without touching instrumented code; disabled telemetry returns
// explicit no-ops. Prometheus metrics are registered separately against the
// default registry and served on /metrics either way.
func SetupTelemetry(cfg config.TelemetryConfig, opts TelemetryOptions) (otelmetric.Meter, trace.Tracer) {
	if !cfg.Enabled {
		return metricnoop.NewMeterProvider().Meter(opts.ServiceName),
			trace.NewNoopTracerProvider().Tracer(opts.ServiceName)
	}
	return otel.Meter(opts.ServiceName), otel.Tracer(opts.ServiceName)
}
