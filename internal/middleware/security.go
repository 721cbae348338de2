package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"

	"a11yplan-proxy-go/internal/config"
)

// inboundHopByHop are connection-scoped request headers that never travel
// past the gateway.
var inboundHopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// gatewayResponseHeaders are set on responses the gateway produces itself.
var gatewayResponseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
}

// SecurityHeaders strips hop-by-hop headers from every inbound request.
// Responses under the reserved /_proxy/ prefix also get nosniff and a frame
// deny; proxied responses carry only what the origin sent.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range inboundHopByHop {
				c.Request().Header.Del(h)
			}

			if strings.HasPrefix(c.Request().URL.Path, config.ReservedPrefix+"/") {
				for _, h := range gatewayResponseHeaders {
					c.Response().Header().Set(h[0], h[1])
				}
			}

			return next(c)
		}
	}
}
