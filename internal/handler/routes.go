package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"a11yplan-proxy-go/internal/config"
	"a11yplan-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Paths under
// the reserved prefix are served locally; everything else goes to the origin.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET(config.ReservedPrefix+"/healthz", health.Healthz)
	e.GET(config.ReservedPrefix+"/status", health.Status)
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
	e.Any(config.ReservedPrefix+"/*", func(echo.Context) error {
		return echo.ErrNotFound
	})

	e.Any("/*", proxy.Handle)
}
