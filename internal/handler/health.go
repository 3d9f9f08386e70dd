package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"image-proxy-go/internal/config"
	"image-proxy-go/internal/pageurl"
)

// Version is a string type for dependency injection of the build version.
type Version string

// rootBody is the liveness marker served at "/".
const rootBody = "image proxy"

// HealthHandler serves liveness and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	rewriter *pageurl.Rewriter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, rw *pageurl.Rewriter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, rewriter: rw}
}

// Root returns the fixed liveness marker.
func (h *HealthHandler) Root(c echo.Context) error {
	return c.String(http.StatusOK, rootBody)
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":                "ok",
		"version":               string(h.version),
		"page_timeout_seconds":  h.cfg.Fetch.PageTimeoutSeconds,
		"image_timeout_seconds": h.cfg.Fetch.ImageTimeoutSeconds,
		"insecure_skip_verify":  h.cfg.Fetch.SkipTLSVerify(),
		"rewrite_hosts":         h.rewriter.Len(),
	})
}
