package service

import (
	"net/http"
	"path"
	"strings"

	"a11yplan-proxy-go/internal/config"
	"a11yplan-proxy-go/internal/route"
)

// DefaultUserAgent is sent when the client supplies none. The origin's bot
// protection rejects empty and non-browser agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultBypassHeader carries the bypass token when no header name is configured.
const DefaultBypassHeader = "X-Bypass-Token"

const (
	defaultAcceptLanguage = "en-US,en;q=0.5"
	documentAccept        = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"
)

// forwardableRequestHeaders are the only inbound headers copied to the origin.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Accept-Encoding",
	"Content-Type",
	"Content-Length",
	"Authorization",
	"Cache-Control",
	"If-Modified-Since",
	"If-None-Match",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
	"Referer",
	"User-Agent",
}

// fingerprint is the Accept / Sec-Fetch-Dest pair a browser sends for one
// kind of resource.
type fingerprint struct {
	extensions []string
	accept     string
	dest       string
}

// fingerprints is checked in order; the first entry listing the path's
// extension wins. Anything else is treated as a document.
var fingerprints = []fingerprint{
	{
		extensions: []string{".js", ".mjs"},
		accept:     "*/*",
		dest:       "script",
	},
	{
		extensions: []string{".css"},
		accept:     "text/css,*/*;q=0.1",
		dest:       "style",
	},
	{
		extensions: []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico", ".avif"},
		accept:     "image/avif,image/webp,image/apng,image/*,*/*;q=0.8",
		dest:       "image",
	},
}

// assetRoots are fetched by the page's scripts rather than navigated to.
var assetRoots = []string{"/_nuxt/", "/_ipx/"}

// BuildOutboundHeaders derives the header set sent to the origin from the
// inbound request headers. inboundHost is the public hostname the client
// addressed and urlPath the inbound path, which selects the fingerprint.
func BuildOutboundHeaders(inbound http.Header, inboundHost, urlPath string, cfg *config.ProxyConfig) http.Header {
	out := make(http.Header, len(forwardableRequestHeaders)+12)
	for _, key := range forwardableRequestHeaders {
		if vals := inbound.Values(key); len(vals) > 0 {
			out[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
		}
	}
	if !cfg.StripClientCookies {
		if vals := inbound.Values("Cookie"); len(vals) > 0 {
			out["Cookie"] = append([]string(nil), vals...)
		}
	}

	out.Set("Host", config.TrimScheme(cfg.TargetDomain))

	if out.Get("User-Agent") == "" {
		out.Set("User-Agent", DefaultUserAgent)
	}

	fp := fingerprintFor(urlPath)
	switch {
	case fp != nil:
		out.Set("Accept", fp.accept)
		out.Set("Sec-Fetch-Dest", fp.dest)
	default:
		if out.Get("Accept") == "" {
			out.Set("Accept", documentAccept)
		}
		out.Set("Sec-Fetch-Dest", "document")
	}

	if out.Get("Accept-Language") == "" {
		out.Set("Accept-Language", defaultAcceptLanguage)
	}
	// Without a client Accept-Encoding the transport negotiates gzip itself
	// and decodes the body before it is streamed back.

	if isAssetRoot(urlPath) {
		out.Set("Sec-Fetch-Mode", "cors")
	} else {
		out.Set("Sec-Fetch-Mode", "navigate")
	}
	out.Set("Sec-Fetch-Site", "same-origin")

	if cfg.ClientIPHeader != "" {
		if ip := strings.TrimSpace(inbound.Get(cfg.ClientIPHeader)); ip != "" {
			out.Set("X-Forwarded-For", ip)
			out.Set("X-Real-IP", ip)
		}
	}
	out.Set("X-Forwarded-Proto", "https")
	out.Set("X-Forwarded-Host", route.Hostname(inboundHost))

	if cfg.BypassToken != "" {
		name := cfg.BypassHeader
		if name == "" {
			name = DefaultBypassHeader
		}
		out.Set(name, cfg.BypassToken)
	}

	return out
}

func fingerprintFor(urlPath string) *fingerprint {
	ext := strings.ToLower(path.Ext(urlPath))
	if ext == "" {
		return nil
	}
	for i := range fingerprints {
		for _, e := range fingerprints[i].extensions {
			if e == ext {
				return &fingerprints[i]
			}
		}
	}
	return nil
}

func isAssetRoot(urlPath string) bool {
	for _, root := range assetRoots {
		if strings.HasPrefix(urlPath, root) {
			return true
		}
	}
	return false
}
