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

	"image-proxy-go/internal/client"
	"image-proxy-go/internal/config"
	"image-proxy-go/internal/extractor"
	"image-proxy-go/internal/handler"
	"image-proxy-go/internal/metrics"
	"image-proxy-go/internal/middleware"
	"image-proxy-go/internal/pageurl"
	"image-proxy-go/internal/service"
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
		kong.Name("image-proxy"),
		kong.Description("Finds the representative image of a web page and redirects to it or streams it."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			newRewriter,
			newExtractor,
			client.NewUpstreamClient,
			newImageService,
			handler.NewImageHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
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

// newMetrics returns nil when metrics are disabled; every consumer accepts nil.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func newRewriter(cfg *config.Config, logger *slog.Logger) (*pageurl.Rewriter, error) {
	table, err := cfg.RewriteTable(pageurl.LoadRules)
	if err != nil {
		return nil, err
	}
	rw, err := pageurl.NewRewriter(pageurl.DefaultRewrites, table)
	if err != nil {
		return nil, fmt.Errorf("rewrite table: %w", err)
	}
	logger.Info("page rewrites loaded", "hosts", rw.Len())
	return rw, nil
}

func newExtractor(cfg *config.Config, logger *slog.Logger) *extractor.Extractor {
	return extractor.New(cfg.Extract.Workers, logger)
}

func newImageService(uc *client.UpstreamClient, ex *extractor.Extractor, rw *pageurl.Rewriter, m *metrics.Metrics, logger *slog.Logger) *service.ImageService {
	return service.NewImageService(uc, ex, rw, m, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	// WriteTimeout stays 0: proxied images stream for as long as the image
	// fetch timeout allows.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	// Recover sits inside the logger and metrics so a recovered panic is
	// logged and counted as the 500 it becomes.
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}
	e.Use(echomw.Recover())
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.CORSEnabled() {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		}))
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"config", cfg.FilePath(),
				"insecure_skip_verify", cfg.Fetch.SkipTLSVerify(),
			)
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
