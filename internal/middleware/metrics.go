package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"a11yplan-proxy-go/internal/metrics"
	"a11yplan-proxy-go/internal/model"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Requests the proxy handler never saw are labeled
// with the internal route.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// An *echo.HTTPError is written by the central error handler after
			// the middleware chain returns, so take its code from the error.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			routeName := metrics.RouteInternal
			if rec, ok := c.Get(model.LogRecordKey).(*model.LogRecord); ok {
				routeName = metrics.NormalizeRoute(rec.Route)
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, routeName).Inc()
			m.RequestDuration.WithLabelValues(method, status, routeName).Observe(duration)

			return err
		}
	}
}
