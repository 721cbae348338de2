package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"a11yplan-proxy-go/internal/client"
	"a11yplan-proxy-go/internal/config"
	"a11yplan-proxy-go/internal/model"
	"a11yplan-proxy-go/internal/route"
	"a11yplan-proxy-go/internal/service"
)

// Client-facing error bodies.
const (
	invalidDomainBody = "Invalid domain configuration"
	unavailableBody   = "Service temporarily unavailable"
)

// secretQueryPattern matches share and token query values in URLs embedded in error messages.
var secretQueryPattern = regexp.MustCompile(`(?i)((?:token|secret|_vercel_share|x-vercel-protection-bypass)=)[^&\s"]+`)

// ProxyHandler forwards every non-reserved request to the origin.
type ProxyHandler struct {
	service *service.ProxyService
	secrets []string // configured values never written to logs
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		secrets: []string{cfg.Proxy.BypassToken},
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle routes the request and, depending on the engine mode, redirects the
// client or streams the origin's response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Host:          req.Host,
		Path:          req.URL.Path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	rec := &model.LogRecord{}
	c.Set(model.LogRecordKey, rec)

	if h.service.Mode() == config.ModeRedirect {
		r, err := h.service.Redirect(pr)
		if err != nil {
			return h.mapError(c, err)
		}
		rec.Route = r.Target.Rule.Name
		rec.Target = r.Target.URL
		return c.Redirect(r.StatusCode, r.Target.URL)
	}

	fwd, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = fwd.Response.Body.Close() }()

	rec.Route = fwd.Target.Rule.Name
	rec.Target = fwd.URL
	rec.Challenged = fwd.Challenged
	rec.Cookies = fwd.Cookies

	// Origin values replace any defaults set by middleware; Set-Cookie keeps
	// one entry per cookie.
	header := c.Response().Header()
	for key, vals := range fwd.Response.Header {
		header[key] = vals
	}

	c.Response().WriteHeader(fwd.Response.StatusCode)

	// The status is already on the wire, so a failed copy leaves the client
	// with a truncated body. Only the log records it.
	if _, err := io.Copy(c.Response(), fwd.Response.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err, h.secrets...),
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, route.ErrInvalidDomain) {
		h.logger.Warn("invalid domain",
			"host", c.Request().Host,
			"path", path,
		)
		return writeInvalidDomain(c)
	}

	var te *client.TransportError
	switch {
	case errors.Is(err, context.Canceled):
		h.logger.Warn("client went away before the origin answered", "path", path)
	case errors.As(err, &te):
		h.logger.Error("origin unreachable",
			"err", sanitizeError(err, h.secrets...),
			"method", te.Method,
			"path", path,
		)
	default:
		h.logger.Error("proxy error",
			"err", sanitizeError(err, h.secrets...),
			"path", path,
		)
	}
	return writeUnavailable(c)
}

func writeInvalidDomain(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.Blob(http.StatusBadRequest, echo.MIMETextPlain, []byte(invalidDomainBody))
}

func writeUnavailable(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Retry-After", "60")
	return c.Blob(http.StatusServiceUnavailable, echo.MIMETextPlain, []byte(unavailableBody))
}

// sanitizeError redacts the given secrets and token-like query values from
// an error message. Empty secrets are ignored.
func sanitizeError(err error, secrets ...string) string {
	msg := err.Error()
	for _, s := range secrets {
		if s != "" {
			msg = strings.ReplaceAll(msg, s, "[REDACTED]")
		}
	}
	return secretQueryPattern.ReplaceAllString(msg, "${1}[REDACTED]")
}
