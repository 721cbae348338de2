// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Engine modes.
const (
	ModePassthrough = "proxy-passthrough"
	ModeChallenge   = "proxy-with-challenge-handling"
	ModeRedirect    = "redirect-only"
)

// ReservedPrefix is the path prefix owned by the gateway itself. Requests
// under it are never forwarded to the origin.
const ReservedPrefix = "/_proxy"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/a11yplan-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config               string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host                 string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port                 int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Mode                 string `kong:"help='Engine mode: proxy-passthrough|proxy-with-challenge-handling|redirect-only (overrides config).',env='PROXY_MODE'"`
	TargetDomain         string `kong:"help='Origin domain (overrides config).',env='TARGET_DOMAIN'"`
	BypassToken          string `kong:"help='Protection bypass token sent to the origin (overrides config).',env='BYPASS_TOKEN'"`
	EnableCORS           bool   `kong:"name='enable-cors',help='Add permissive CORS headers to responses.',env='ENABLE_CORS'"`
	UsePermanentRedirect bool   `kong:"help='Use 301 instead of 302 in redirect-only mode.',env='USE_PERMANENT_REDIRECT'"`
	LogLevel             string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Routes   []RouteConfig  `toml:"routes"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds the engine settings shared by every route.
type ProxyConfig struct {
	Mode                 string `toml:"mode"`
	TargetDomain         string `toml:"target_domain"`
	BypassToken          string `toml:"bypass_token"`
	BypassHeader         string `toml:"bypass_header"`
	ClientIPHeader       string `toml:"client_ip_header"`
	EnableCORS           bool   `toml:"enable_cors"`
	UsePermanentRedirect bool   `toml:"use_permanent_redirect"`
	CacheMaxAge          int    `toml:"cache_max_age"` // seconds; negative disables the hint
	StripClientCookies   bool   `toml:"strip_client_cookies"`
}

// RouteConfig maps a public hostname to a path prefix on the origin.
type RouteConfig struct {
	Name         string   `toml:"name"`
	Hosts        []string `toml:"hosts"`
	Label        string   `toml:"label"`
	TargetPrefix string   `toml:"target_prefix"`
	PassThrough  []string `toml:"pass_through"`
}

// UpstreamConfig holds origin connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
	// DialAddress pins every origin connection to host:port instead of
	// resolving the target domain. The Host header and TLS server name still
	// use the target domain.
	DialAddress        string `toml:"dial_address"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultRoutes mirrors the public sites served by the gateway when the
// config file declares no [[routes]].
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{
			Name:         "check",
			Hosts:        []string{"check.a11yplan.de"},
			Label:        "check",
			TargetPrefix: "/public/check",
		},
		{
			Name:         "share",
			Hosts:        []string{"share.v2.a11yplan.de"},
			Label:        "share",
			TargetPrefix: "/public/share",
		},
	}
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/a11yplan-proxy/config.toml then configs/config.toml. If none exists the
// gateway runs on defaults plus CLI/env overrides.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Mode != "" {
		c.Proxy.Mode = cli.Mode
	}
	if cli.TargetDomain != "" {
		c.Proxy.TargetDomain = cli.TargetDomain
	}
	if cli.BypassToken != "" {
		c.Proxy.BypassToken = cli.BypassToken
	}
	if cli.EnableCORS {
		c.Proxy.EnableCORS = true
	}
	if cli.UsePermanentRedirect {
		c.Proxy.UsePermanentRedirect = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	switch c.Proxy.Mode {
	case ModePassthrough, ModeChallenge, ModeRedirect, "":
		// valid
	default:
		return fmt.Errorf("proxy.mode must be one of: %s, %s, %s; got %q",
			ModePassthrough, ModeChallenge, ModeRedirect, c.Proxy.Mode)
	}

	if d := c.Proxy.TargetDomain; d != "" {
		host := TrimScheme(d)
		if host == "" || strings.ContainsAny(host, "/?# ") {
			return fmt.Errorf("proxy.target_domain must be a bare host name; got %q", d)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if a := c.Upstream.DialAddress; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("upstream.dial_address must be host:port: %w", err)
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if err := validateRoutes(c.Routes); err != nil {
		return err
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path must stay under the reserved prefix so it never shadows a
	// proxied path.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if !strings.HasPrefix(p, ReservedPrefix+"/") {
			return fmt.Errorf("metrics.path must live under %s/; got %q", ReservedPrefix, p)
		}
		for _, reserved := range []string{ReservedPrefix + "/healthz", ReservedPrefix + "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateRoutes rejects route tables where two rules could claim the same host.
func validateRoutes(routes []RouteConfig) error {
	names := make(map[string]bool)
	hosts := make(map[string]string)
	labels := make(map[string]string)

	for i, r := range routes {
		if r.Name == "" {
			return fmt.Errorf("routes[%d].name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("routes[%d].name %q is duplicated", i, r.Name)
		}
		names[r.Name] = true

		if len(r.Hosts) == 0 && r.Label == "" {
			return fmt.Errorf("route %q needs at least one host or a label", r.Name)
		}
		if r.TargetPrefix == "" || r.TargetPrefix[0] != '/' || strings.HasSuffix(r.TargetPrefix, "/") {
			return fmt.Errorf("route %q: target_prefix must start with '/' and not end with '/'; got %q", r.Name, r.TargetPrefix)
		}
		for _, h := range r.Hosts {
			h = strings.ToLower(h)
			if other, ok := hosts[h]; ok {
				return fmt.Errorf("route %q: host %q already claimed by route %q", r.Name, h, other)
			}
			hosts[h] = r.Name
		}
		if r.Label != "" {
			l := strings.ToLower(r.Label)
			if strings.Contains(l, ".") {
				return fmt.Errorf("route %q: label must be a single DNS label; got %q", r.Name, r.Label)
			}
			if other, ok := labels[l]; ok {
				return fmt.Errorf("route %q: label %q already claimed by route %q", r.Name, l, other)
			}
			labels[l] = r.Name
		}
		for _, p := range r.PassThrough {
			if p == "" || p[0] != '/' {
				return fmt.Errorf("route %q: pass_through entries must start with '/'; got %q", r.Name, p)
			}
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Proxy.Mode == "" {
		c.Proxy.Mode = ModeChallenge
	}
	if c.Proxy.TargetDomain == "" {
		c.Proxy.TargetDomain = "v2.a11yplan.de"
	}
	c.Proxy.TargetDomain = TrimScheme(c.Proxy.TargetDomain)
	if c.Proxy.BypassHeader == "" {
		c.Proxy.BypassHeader = "X-Bypass-Token"
	}
	if c.Proxy.ClientIPHeader == "" {
		c.Proxy.ClientIPHeader = "CF-Connecting-IP"
	}
	if c.Proxy.CacheMaxAge == 0 {
		c.Proxy.CacheMaxAge = 3600
	}
	if len(c.Routes) == 0 {
		c.Routes = DefaultRoutes()
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = ReservedPrefix + "/metrics"
	}
}

// TrimScheme strips an accidental http:// or https:// prefix and any
// trailing slash from a configured domain.
func TrimScheme(domain string) string {
	d := strings.TrimSpace(domain)
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	return strings.TrimSuffix(d, "/")
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may carry the bypass token.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
