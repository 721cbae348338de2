package handler

import (
	"errors"
	"log/slog"

	"github.com/labstack/echo/v4"
)

// NewErrorHandler returns echo's central error handler. HTTP errors raised by
// middleware (body limit, rate limit, unknown reserved paths) keep their
// status; anything else, including recovered panics, gets the plain-text 503.
// secrets are redacted from logged errors.
func NewErrorHandler(e *echo.Echo, logger *slog.Logger, secrets ...string) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			e.DefaultHTTPErrorHandler(err, c)
			return
		}

		logger.Error("unhandled error",
			"err", sanitizeError(err, secrets...),
			"path", c.Request().URL.Path,
		)
		if err := writeUnavailable(c); err != nil {
			logger.Error("writing error response", "err", err)
		}
	}
}
