package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promHTTPHandler exposes the default Prometheus registry over HTTP. The
// otel prometheus bridge (go.opentelemetry.io/otel/exporters/prometheus)
// registers its collector into that default registry, so this handler
// serves both hand-rolled prometheus/client_golang metrics and anything
// recorded through the OTel meter.
func promHTTPHandler() http.Handler {
	return promhttp.Handler()
}
