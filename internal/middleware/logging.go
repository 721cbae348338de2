// Package middleware provides Echo middleware for logging, metrics, rate
// limiting and security headers.
package middleware

import (
	"errors"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"a11yplan-proxy-go/internal/model"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Proxied requests add the route, origin target, challenge flag and cookie
// count the handler recorded on the context.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			status := res.Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				status = he.Code
			}

			attrs := []any{
				"method", req.Method,
				"host", req.Host,
				"path", req.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if rec, ok := c.Get(model.LogRecordKey).(*model.LogRecord); ok {
				attrs = append(attrs,
					"route", rec.Route,
					"target", rec.Target,
					"challenged", rec.Challenged,
					"cookies", rec.Cookies,
				)
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}
