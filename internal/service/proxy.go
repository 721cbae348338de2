// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"

	"a11yplan-proxy-go/internal/client"
	"a11yplan-proxy-go/internal/config"
	"a11yplan-proxy-go/internal/metrics"
	"a11yplan-proxy-go/internal/model"
	"a11yplan-proxy-go/internal/route"
)

// Forwarded is the outcome of proxying one request.
type Forwarded struct {
	Response   *model.ProxyResponse
	Target     *route.Target
	URL        string // URL of the origin call that produced Response
	Challenged bool
	Retried    bool
	Cookies    int // Set-Cookie values re-scoped
}

// Redirect is the outcome of routing a request in redirect-only mode.
type Redirect struct {
	StatusCode int
	Target     *route.Target
}

// ProxyService routes inbound requests and forwards them to the origin.
type ProxyService struct {
	routes  *route.Table
	client  *client.OriginClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(routes *route.Table, c *client.OriginClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		routes:  routes,
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Mode returns the configured engine mode.
func (s *ProxyService) Mode() string {
	return s.cfg.Proxy.Mode
}

// Forward routes pr, calls the origin according to the engine mode and
// returns the client-facing response. The caller is responsible for closing
// the response body.
//
// Routing failures wrap route.ErrInvalidDomain; origin failures wrap
// *client.TransportError.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*Forwarded, error) {
	target, err := s.routes.Route(pr.Host, pr.Path, pr.RawQuery)
	if err != nil {
		return nil, err
	}

	call := &client.Call{
		Method:        pr.Method,
		URL:           target.URL,
		Header:        BuildOutboundHeaders(pr.Header, pr.Host, pr.Path, &s.cfg.Proxy),
		Body:          pr.Body,
		ContentLength: pr.ContentLength,
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", pr.Host,
		"route", target.Rule.Name,
		"target", target.URL,
	)

	var res *client.Result
	if s.cfg.Proxy.Mode == config.ModePassthrough {
		res, err = s.client.Fetch(pr.Ctx, call)
	} else {
		res, err = s.client.FetchWithChallengeHandling(pr.Ctx, call)
	}
	if err != nil {
		return nil, fmt.Errorf("forward to origin: %w", err)
	}

	// Nothing is handed back once the client has gone away.
	if err := pr.Ctx.Err(); err != nil {
		_ = res.Response.Body.Close()
		return nil, fmt.Errorf("forward to origin: %w", err)
	}

	header, cookies := RewriteResponseHeaders(res.Response.Header, res.Response.StatusCode, pr.Method, pr.Host, &s.cfg.Proxy)
	res.Response.Header = header
	if s.metrics != nil && cookies > 0 {
		s.metrics.CookiesRewritten.Add(float64(cookies))
	}

	return &Forwarded{
		Response:   res.Response,
		Target:     target,
		URL:        res.URL,
		Challenged: res.Challenged,
		Retried:    res.Retried,
		Cookies:    cookies,
	}, nil
}

// Redirect routes pr without contacting the origin.
func (s *ProxyService) Redirect(pr *model.ProxyRequest) (*Redirect, error) {
	target, err := s.routes.Route(pr.Host, pr.Path, pr.RawQuery)
	if err != nil {
		return nil, err
	}
	status := http.StatusFound
	if s.cfg.Proxy.UsePermanentRedirect {
		status = http.StatusMovedPermanently
	}
	return &Redirect{StatusCode: status, Target: target}, nil
}

// Routes exposes the route table for status reporting.
func (s *ProxyService) Routes() *route.Table {
	return s.routes
}
