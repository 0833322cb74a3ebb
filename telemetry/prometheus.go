package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewPrometheusMeterProvider returns an OTEL MeterProvider whose readings are
// exposed on the returned http.Handler, for daemon's "/metrics" endpoint
// (spec.md's ambient observability stack, carried even though spec.md's
// own Non-goals exclude a metrics *protocol* definition — the daemon still
// needs somewhere to publish the counters it records).
func NewPrometheusMeterProvider() (*sdkmetric.MeterProvider, http.Handler, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return provider, promhttp.Handler(), nil
}
