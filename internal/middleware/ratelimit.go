package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"a11yplan-proxy-go/internal/config"
)

// RateLimiter returns a per-client rate limiter backed by echo's in-memory
// store. Clients are identified by the trusted client-IP header set by the
// edge, falling back to echo's RealIP. Reserved gateway endpoints are exempt
// so probes keep working under load.
func RateLimiter(cfg config.RateLimitConfig, clientIPHeader string) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, config.ReservedPrefix+"/")
		},
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return ClientIP(c, clientIPHeader), nil
		},
	})
}

// ClientIP returns the value of the trusted client-IP header, or echo's
// RealIP when the header is absent.
func ClientIP(c echo.Context, header string) string {
	if header != "" {
		if ip := strings.TrimSpace(c.Request().Header.Get(header)); ip != "" {
			return ip
		}
	}
	return c.RealIP()
}
