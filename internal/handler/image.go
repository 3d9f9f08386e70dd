package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"image-proxy-go/internal/model"
	"image-proxy-go/internal/service"
)

// ImageHandler serves the redirect and proxy image endpoints.
type ImageHandler struct {
	service *service.ImageService
	logger  *slog.Logger
}

// NewImageHandler creates an ImageHandler.
func NewImageHandler(svc *service.ImageService, logger *slog.Logger) *ImageHandler {
	return &ImageHandler{
		service: svc,
		logger:  logger.With("component", "image_handler"),
	}
}

// Redirect answers with a temporary redirect to the page's image.
func (h *ImageHandler) Redirect(c echo.Context) error {
	target := targetURL(c, "/img/")

	u, err := h.service.ImageURL(h.imageRequest(c, target))
	if err != nil {
		return h.fail(c, target, err, "")
	}

	h.logger.Debug("redirecting to image", "page_url", target, "image_url", u.Redacted())
	return c.Redirect(http.StatusTemporaryRedirect, u.String())
}

// Proxy streams the page's image through the proxy.
func (h *ImageHandler) Proxy(c echo.Context) error {
	target := targetURL(c, "/proxy/")

	u, resp, err := h.service.Proxy(h.imageRequest(c, target))
	if err != nil {
		prefix := ""
		if !errors.Is(err, model.ErrUpstream) {
			prefix = "failed to fetch image url: "
		}
		return h.fail(c, target, err, prefix)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a failed copy can only truncate the body; the
	// client sees a short response and the error is logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming image body",
			"err", err,
			"page_url", target,
			"image_url", u.Redacted(),
		)
	}
	return nil
}

func (h *ImageHandler) imageRequest(c echo.Context, target string) *model.ImageRequest {
	req := c.Request()
	return &model.ImageRequest{
		Ctx:    req.Context(),
		Target: target,
		Header: req.Header,
	}
}

// fail logs a pipeline error and answers 500 with its text.
func (h *ImageHandler) fail(c echo.Context, target string, err error, prefix string) error {
	h.logger.Error("image lookup failed",
		"err", err,
		"stage", model.Stage(err),
		"page_url", target,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	)
	return c.String(http.StatusInternalServerError, prefix+err.Error())
}

// targetURL recovers the page URL carried in the request path after prefix.
// The escaped path is decoded exactly once so encoded and plain forms both
// work; an inbound query string belongs to the target.
func targetURL(c echo.Context, prefix string) string {
	req := c.Request()
	raw := strings.TrimPrefix(req.URL.EscapedPath(), prefix)
	target, err := url.PathUnescape(raw)
	if err != nil {
		target = c.Param("*")
	}
	if req.URL.RawQuery != "" && !strings.Contains(target, "?") {
		target += "?" + req.URL.RawQuery
	}
	return target
}
