package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"image-proxy-go/internal/config"
	"image-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, img *ImageHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/", health.Root)
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	e.GET("/img/*", img.Redirect)
	e.GET("/proxy/*", img.Proxy)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
