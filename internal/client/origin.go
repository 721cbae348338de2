// Package client provides the HTTP client for the origin, including the
// bot-protection challenge retry.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"a11yplan-proxy-go/internal/config"
	"a11yplan-proxy-go/internal/cookie"
	"a11yplan-proxy-go/internal/metrics"
	"a11yplan-proxy-go/internal/model"
)

// ChallengeHeader marks a response issued by the origin's bot protection.
const ChallengeHeader = "X-Vercel-Protection-Bypass"

// TransportError wraps a DNS, connection, timeout or stream failure on an
// origin call.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("origin %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Call describes one outbound request.
type Call struct {
	Method        string
	URL           string
	Header        http.Header
	Body          io.Reader
	ContentLength int64 // -1 when unknown
}

// Result is the outcome of a fetch, after any challenge retry.
type Result struct {
	Response   *model.ProxyResponse
	URL        string // URL of the call that produced Response
	Challenged bool   // the first response was a challenge
	Retried    bool
}

// OriginClient sends requests to the origin.
type OriginClient struct {
	manual  *http.Client // redirects returned to the caller
	follow  *http.Client // redirects followed
	baseURL *url.URL
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable origin metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	dial := dialer.DialContext
	if addr := cfg.Upstream.DialAddress; addr != "" {
		dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		}
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext:         dial,
		ForceAttemptHTTP2:   true,
	}
	if cfg.Upstream.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in for pinned staging origins
	}

	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	return &OriginClient{
		manual: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		follow: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL: &url.URL{Scheme: "https", Host: config.TrimScheme(cfg.Proxy.TargetDomain), Path: "/"},
		logger:  logger.With("component", "origin_client"),
		metrics: m,
	}
}

// Do executes a single origin call and returns the raw response.
// The caller is responsible for closing the response body. A body is only
// sent for methods other than GET and HEAD.
func (c *OriginClient) Do(ctx context.Context, call *Call, followRedirects bool) (*model.ProxyResponse, error) {
	body := call.Body
	if call.Method == http.MethodGet || call.Method == http.MethodHead || call.ContentLength == 0 {
		body = nil
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	req.Header = call.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
	req.Header.Del("Content-Length")
	if body != nil {
		req.ContentLength = call.ContentLength
	}

	c.logger.Debug("origin request",
		"method", req.Method,
		"url", call.URL,
		"follow_redirects", followRedirects,
	)

	hc := c.manual
	if followRedirects {
		hc = c.follow
	}

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.OriginDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, &TransportError{Method: call.Method, URL: call.URL, Err: err}
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.OriginDuration.WithLabelValues(method).Observe(duration)
		c.metrics.OriginResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Fetch performs a single call with redirects followed and no challenge
// handling.
func (c *OriginClient) Fetch(ctx context.Context, call *Call) (*Result, error) {
	resp, err := c.Do(ctx, call, true)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, URL: call.URL, Challenged: IsChallenge(resp)}, nil
}

// FetchWithChallengeHandling performs the first call without following
// redirects. When the origin answers with a challenge that carries a
// Location, the challenge's cookies are replayed as a GET to that location
// with redirects followed. At most one retry is made.
func (c *OriginClient) FetchWithChallengeHandling(ctx context.Context, call *Call) (*Result, error) {
	first, err := c.Do(ctx, call, false)
	if err != nil {
		return nil, err
	}

	res := &Result{Response: first, URL: call.URL}
	if !IsChallenge(first) {
		return res, nil
	}
	res.Challenged = true

	location := first.Header.Get("Location")
	if location == "" {
		c.recordChallenge(metrics.ChallengeNoLocation)
		c.logger.Debug("challenge without location; passing through", "url", call.URL, "status", first.StatusCode)
		return res, nil
	}

	next, err := c.resolve(location)
	if err != nil {
		c.recordChallenge(metrics.ChallengeNoLocation)
		c.logger.Warn("challenge location unusable; passing through", "location", location, "err", err)
		return res, nil
	}

	header := call.Header.Clone()
	header.Del("Content-Type")
	header.Del("Content-Length")
	if !c.sameOrigin(next) {
		// Host follows the URL for off-origin locations.
		header.Del("Host")
	}
	if pairs := cookie.Pairs(first.Header.Values("Set-Cookie")); pairs != "" {
		header.Set("Cookie", pairs)
	}

	// The challenge body is never shown to the client once a retry is made.
	_ = first.Body.Close()
	c.recordChallenge(metrics.ChallengeRetried)

	second, err := c.Do(ctx, &Call{Method: http.MethodGet, URL: next, Header: header}, true)
	if err != nil {
		return nil, err
	}

	res.Response = second
	res.URL = next
	res.Retried = true
	return res, nil
}

// resolve turns a Location value into an absolute URL on the origin.
func (c *OriginClient) resolve(location string) (string, error) {
	u, err := c.baseURL.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse location: %w", err)
	}
	return u.String(), nil
}

func (c *OriginClient) sameOrigin(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, c.baseURL.Host)
}

func (c *OriginClient) recordChallenge(outcome string) {
	if c.metrics != nil {
		c.metrics.Challenges.WithLabelValues(outcome).Inc()
	}
}

// IsChallenge reports whether an origin response is a bot-protection
// challenge: a 307, or any response carrying the protection marker header.
func IsChallenge(resp *model.ProxyResponse) bool {
	return resp.StatusCode == http.StatusTemporaryRedirect || resp.Header.Get(ChallengeHeader) != ""
}
