package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"a11yplan-proxy-go/internal/client"
	"a11yplan-proxy-go/internal/config"
	"a11yplan-proxy-go/internal/handler"
	"a11yplan-proxy-go/internal/metrics"
	"a11yplan-proxy-go/internal/middleware"
	"a11yplan-proxy-go/internal/route"
	"a11yplan-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("a11yplan-proxy"),
		kong.Description("Host-routing gateway for the a11yplan public sites."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			route.NewTable,
			client.NewOriginClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, logStartup, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.NewErrorHandler(e, logger, cfg.Proxy.BypassToken)

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays disabled so large streamed pages and assets are not
	// cut off; the origin client timeout bounds each request instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit, cfg.Proxy.ClientIPHeader))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logStartup(cfg *config.Config, routes *route.Table, logger *slog.Logger) {
	for _, r := range routes.Rules() {
		logger.Info("route",
			"name", r.Name,
			"hosts", r.Hosts,
			"label", r.Label,
			"target_prefix", r.TargetPrefix,
		)
	}
	logger.Info("proxy configured",
		"mode", cfg.Proxy.Mode,
		"target_domain", routes.TargetDomain(),
		"cors", cfg.Proxy.EnableCORS,
		"bypass_token", cfg.Proxy.BypassToken != "",
		"metrics", cfg.Metrics.Enabled,
	)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
