package service

import (
	"net/http"
	"strconv"

	"a11yplan-proxy-go/internal/config"
	"a11yplan-proxy-go/internal/cookie"
	"a11yplan-proxy-go/internal/route"
)

// strippedResponseHeaders identify the origin's deployment and protection
// layer and never reach the public client.
var strippedResponseHeaders = []string{
	"X-Vercel-Id",
	"X-Vercel-Cache",
	"X-Vercel-Deployment-Url",
	"X-Vercel-Protection-Bypass",
}

// hopByHopHeaders describe the origin connection, not the response.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Connection",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// corsHeaders are added to every response when CORS is enabled.
var corsHeaders = [][2]string{
	{"Access-Control-Allow-Origin", "*"},
	{"Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS"},
	{"Access-Control-Allow-Headers", "Content-Type, Authorization"},
	{"Access-Control-Allow-Credentials", "true"},
}

// RewriteResponseHeaders returns the client-facing copy of an origin
// response's headers and the number of Set-Cookie values re-scoped to the
// registrable domain of inboundHost. src is not modified.
func RewriteResponseHeaders(src http.Header, status int, method, inboundHost string, cfg *config.ProxyConfig) (http.Header, int) {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, key := range strippedResponseHeaders {
		dst.Del(key)
	}
	for _, key := range hopByHopHeaders {
		dst.Del(key)
	}

	cookies := 0
	if raw := dst.Values("Set-Cookie"); len(raw) > 0 {
		domain := route.RegistrableDomain(inboundHost)
		rewritten := make([]string, 0, len(raw))
		for _, v := range raw {
			c := cookie.Parse(v)
			c.Rescope(domain)
			rewritten = append(rewritten, c.String())
		}
		dst["Set-Cookie"] = rewritten
		cookies = len(rewritten)
	}

	if cfg.EnableCORS {
		for _, h := range corsHeaders {
			dst.Set(h[0], h[1])
		}
	}

	if status == http.StatusOK && method == http.MethodGet && cfg.CacheMaxAge > 0 && dst.Get("Cache-Control") == "" {
		dst.Set("Cache-Control", "public, max-age="+strconv.Itoa(cfg.CacheMaxAge))
	}

	return dst, cookies
}
