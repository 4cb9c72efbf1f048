package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/crosslogic/deploy-control-plane/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsMiddleware records HTTPRequestsTotal/HTTPRequestDuration for every
// request, labeled by the route's low-cardinality chi pattern rather than
// the raw (possibly ID-bearing) URL path.
func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(ww.Status())

		routePath := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				routePath = pattern
			}
		}

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, routePath, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, routePath, status).Observe(duration)
	})
}

// registerMetrics mounts the Prometheus scrape endpoint.
func (g *Gateway) registerMetrics() {
	g.router.Handle("/metrics", promhttp.Handler())
}
