// provider.go — a real SDK-backed MeterProvider for processes that don't
// otherwise need a full OTLP exporter wired in. A ManualReader never
// exports on its own; it exists so NewMeter is driven by the genuine
// go.opentelemetry.io/otel/sdk/metric pipeline (instrument aggregation,
// temporality, views) rather than the no-op provider, while staying free
// of exporter configuration this module has no deployment story for yet.
package health

import (
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewProvider builds a minimal real metric.MeterProvider backed by the
// OTel SDK. Callers that do want an exporter can instead build their own
// sdkmetric.MeterProvider and pass it to NewMeter directly.
func NewProvider() *sdkmetric.MeterProvider {
	reader := sdkmetric.NewManualReader()
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}
