package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"a11yplan-proxy-go/internal/config"
	"a11yplan-proxy-go/internal/metrics"
	"a11yplan-proxy-go/internal/model"
)

// newTestClient pins the client to srv while requests keep addressing
// the public origin name.
func newTestClient(t *testing.T, srv *httptest.Server, m *metrics.Metrics) *OriginClient {
	t.Helper()
	cfg := &config.Config{
		Proxy: config.ProxyConfig{TargetDomain: "origin.test"},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:     10,
			IdleConnections:    10,
			DialAddress:        srv.Listener.Addr().String(),
			InsecureSkipVerify: true,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOriginClient(cfg, logger, m)
}

func readBody(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

func counterValue(t *testing.T, m *metrics.Metrics, name, label string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestOriginClient_Do(t *testing.T) {
	var gotHost, gotUA string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	header := http.Header{}
	header.Set("Host", "origin.test")
	header.Set("User-Agent", "test-agent")

	resp, err := c.Do(context.Background(), &Call{
		Method: http.MethodGet,
		URL:    "https://origin.test/public/check/",
		Header: header,
	}, false)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body := readBody(t, resp.Body); body != "<html>ok</html>" {
		t.Errorf("body = %q, want %q", body, "<html>ok</html>")
	}
	if gotHost != "origin.test" {
		t.Errorf("origin saw Host = %q, want %q", gotHost, "origin.test")
	}
	if gotUA != "test-agent" {
		t.Errorf("origin saw User-Agent = %q, want %q", gotUA, "test-agent")
	}
}

func TestOriginClient_Do_BodyOnlyForNonGET(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(r.Method + ":" + string(b)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)

	tests := []struct {
		method string
		want   string
	}{
		{http.MethodGet, "GET:"},
		{http.MethodPost, "POST:a=1"},
		{http.MethodPut, "PUT:a=1"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			resp, err := c.Do(context.Background(), &Call{
				Method:        tt.method,
				URL:           "https://origin.test/api/form",
				Header:        http.Header{},
				Body:          strings.NewReader("a=1"),
				ContentLength: 3,
			}, false)
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			if got := readBody(t, resp.Body); got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOriginClient_Do_NoRedirectFollow(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)

	resp, err := c.Do(context.Background(), &Call{Method: http.MethodGet, URL: "https://origin.test/moved", Header: http.Header{}}, false)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("manual StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}

	resp, err = c.Do(context.Background(), &Call{Method: http.MethodGet, URL: "https://origin.test/moved", Header: http.Header{}}, true)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if body := readBody(t, resp.Body); body != "new" {
		t.Errorf("follow body = %q, want %q", body, "new")
	}
}

func TestOriginClient_Do_TransportError(t *testing.T) {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  1,
			IdleConnections: 10,
			DialAddress:     "127.0.0.1:1",
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOriginClient(cfg, logger, nil)

	_, err := c.Do(context.Background(), &Call{Method: http.MethodGet, URL: "https://origin.test/", Header: http.Header{}}, false)
	if err == nil {
		t.Fatal("Do() expected error for unreachable origin, got nil")
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Do() error = %T, want *TransportError", err)
	}
	if te.Method != http.MethodGet || te.URL != "https://origin.test/" {
		t.Errorf("TransportError = %+v", te)
	}
}

func TestOriginClient_Do_CanceledContext(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, &Call{Method: http.MethodGet, URL: "https://origin.test/", Header: http.Header{}}, false)
	if err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled in chain", err)
	}
}

func TestFetchWithChallengeHandling_NoChallenge(t *testing.T) {
	var calls int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte("page"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.FetchWithChallengeHandling(context.Background(), &Call{Method: http.MethodGet, URL: "https://origin.test/public/check/", Header: http.Header{}})
	if err != nil {
		t.Fatalf("FetchWithChallengeHandling() error = %v", err)
	}
	if body := readBody(t, res.Response.Body); body != "page" {
		t.Errorf("body = %q, want %q", body, "page")
	}
	if res.Challenged || res.Retried {
		t.Errorf("Challenged = %v, Retried = %v, want false, false", res.Challenged, res.Retried)
	}
	if calls != 1 {
		t.Errorf("origin calls = %d, want 1", calls)
	}
}

func TestFetchWithChallengeHandling_RetriesOnceWithCookies(t *testing.T) {
	var calls int
	var retryMethod, retryCookie, retryContentType string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.RawQuery == "" {
			http.SetCookie(w, &http.Cookie{Name: "_vcrcs", Value: "abc", Path: "/", HttpOnly: true})
			w.Header().Add("Set-Cookie", "session=xyz; Path=/")
			w.Header().Set("Location", "/public/check/?verified=1")
			w.WriteHeader(http.StatusTemporaryRedirect)
			_, _ = w.Write([]byte("challenge"))
			return
		}
		retryMethod = r.Method
		retryCookie = r.Header.Get("Cookie")
		retryContentType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte("verified page"))
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(t, srv, m)

	header := http.Header{}
	header.Set("Host", "origin.test")
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := c.FetchWithChallengeHandling(context.Background(), &Call{
		Method:        http.MethodPost,
		URL:           "https://origin.test/public/check/",
		Header:        header,
		Body:          strings.NewReader("a=1"),
		ContentLength: 3,
	})
	if err != nil {
		t.Fatalf("FetchWithChallengeHandling() error = %v", err)
	}

	if body := readBody(t, res.Response.Body); body != "verified page" {
		t.Errorf("body = %q, want %q", body, "verified page")
	}
	if !res.Challenged || !res.Retried {
		t.Errorf("Challenged = %v, Retried = %v, want true, true", res.Challenged, res.Retried)
	}
	if res.URL != "https://origin.test/public/check/?verified=1" {
		t.Errorf("URL = %q, want %q", res.URL, "https://origin.test/public/check/?verified=1")
	}
	if calls != 2 {
		t.Errorf("origin calls = %d, want 2", calls)
	}
	if retryMethod != http.MethodGet {
		t.Errorf("retry method = %q, want GET", retryMethod)
	}
	if retryCookie != "_vcrcs=abc; session=xyz" {
		t.Errorf("retry Cookie = %q, want %q", retryCookie, "_vcrcs=abc; session=xyz")
	}
	if retryContentType != "" {
		t.Errorf("retry Content-Type = %q, want empty", retryContentType)
	}
	if got := counterValue(t, m, "a11yplan_proxy_challenges_total", metrics.ChallengeRetried); got != 1 {
		t.Errorf("challenges{retried} = %v, want 1", got)
	}
}

func TestFetchWithChallengeHandling_RetryHost(t *testing.T) {
	tests := []struct {
		name     string
		location string
		wantHost string
	}{
		{"relative location", "/verify", "origin.test"},
		{"absolute same origin", "https://origin.test/verify", "origin.test"},
		{"absolute other host", "https://sso.other.test/verify", "sso.other.test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var retryHost string
			srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/verify" {
					w.Header().Set("Location", tt.location)
					w.WriteHeader(http.StatusTemporaryRedirect)
					return
				}
				retryHost = r.Host
				_, _ = w.Write([]byte("ok"))
			}))
			defer srv.Close()

			c := newTestClient(t, srv, nil)
			header := http.Header{}
			header.Set("Host", "origin.test")
			res, err := c.FetchWithChallengeHandling(context.Background(), &Call{Method: http.MethodGet, URL: "https://origin.test/start", Header: header})
			if err != nil {
				t.Fatalf("FetchWithChallengeHandling() error = %v", err)
			}
			_ = readBody(t, res.Response.Body)

			if !res.Retried {
				t.Fatal("Retried = false, want true")
			}
			if retryHost != tt.wantHost {
				t.Errorf("retry Host = %q, want %q", retryHost, tt.wantHost)
			}
		})
	}
}

func TestFetchWithChallengeHandling_NoLocationPassesThrough(t *testing.T) {
	var calls int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set(ChallengeHeader, "1")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("blocked"))
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(t, srv, m)
	res, err := c.FetchWithChallengeHandling(context.Background(), &Call{Method: http.MethodGet, URL: "https://origin.test/", Header: http.Header{}})
	if err != nil {
		t.Fatalf("FetchWithChallengeHandling() error = %v", err)
	}

	if res.Response.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want %d", res.Response.StatusCode, http.StatusForbidden)
	}
	if body := readBody(t, res.Response.Body); body != "blocked" {
		t.Errorf("body = %q, want %q", body, "blocked")
	}
	if !res.Challenged || res.Retried {
		t.Errorf("Challenged = %v, Retried = %v, want true, false", res.Challenged, res.Retried)
	}
	if calls != 1 {
		t.Errorf("origin calls = %d, want 1", calls)
	}
	if got := counterValue(t, m, "a11yplan_proxy_challenges_total", metrics.ChallengeNoLocation); got != 1 {
		t.Errorf("challenges{no_location} = %v, want 1", got)
	}
}

func TestFetchWithChallengeHandling_SecondChallengeReturned(t *testing.T) {
	var calls int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set(ChallengeHeader, "1")
		if r.URL.Path == "/start" {
			w.Header().Set("Location", "/again")
			w.WriteHeader(http.StatusTemporaryRedirect)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("still blocked"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.FetchWithChallengeHandling(context.Background(), &Call{Method: http.MethodGet, URL: "https://origin.test/start", Header: http.Header{}})
	if err != nil {
		t.Fatalf("FetchWithChallengeHandling() error = %v", err)
	}

	if res.Response.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want %d", res.Response.StatusCode, http.StatusForbidden)
	}
	if body := readBody(t, res.Response.Body); body != "still blocked" {
		t.Errorf("body = %q, want %q", body, "still blocked")
	}
	if calls != 2 {
		t.Errorf("origin calls = %d, want 2 (one retry at most)", calls)
	}
}

func TestFetch_FollowsRedirects(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusTemporaryRedirect)
			return
		}
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.Fetch(context.Background(), &Call{Method: http.MethodGet, URL: "https://origin.test/old", Header: http.Header{}})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if body := readBody(t, res.Response.Body); body != "new" {
		t.Errorf("body = %q, want %q", body, "new")
	}
	if res.Retried {
		t.Error("Fetch() must never retry")
	}
}

func TestIsChallenge(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
		want   bool
	}{
		{"307", http.StatusTemporaryRedirect, "", true},
		{"marker header", http.StatusOK, "1", true},
		{"302", http.StatusFound, "", false},
		{"200", http.StatusOK, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set(ChallengeHeader, tt.header)
			}
			resp := &model.ProxyResponse{StatusCode: tt.status, Header: h}
			if got := IsChallenge(resp); got != tt.want {
				t.Errorf("IsChallenge() = %v, want %v", got, tt.want)
			}
		})
	}
}
