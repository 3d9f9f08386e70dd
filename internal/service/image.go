// Package service implements the page → image lookup pipeline.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"image-proxy-go/internal/client"
	"image-proxy-go/internal/extractor"
	"image-proxy-go/internal/headers"
	"image-proxy-go/internal/metrics"
	"image-proxy-go/internal/model"
	"image-proxy-go/internal/pageurl"
)

// Fetcher retrieves pages and images from upstream hosts.
type Fetcher interface {
	FetchHTML(ctx context.Context, u *url.URL, header http.Header) (string, error)
	FetchImage(ctx context.Context, u *url.URL, header http.Header) (*model.ImageResponse, error)
}

var _ Fetcher = (*client.UpstreamClient)(nil)

// ImageService locates a page's representative image and optionally fetches it.
type ImageService struct {
	fetcher   Fetcher
	extractor *extractor.Extractor
	rewriter  *pageurl.Rewriter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewImageService creates an ImageService. The metrics parameter is optional.
func NewImageService(f Fetcher, ex *extractor.Extractor, rw *pageurl.Rewriter, m *metrics.Metrics, logger *slog.Logger) *ImageService {
	return &ImageService{
		fetcher:   f,
		extractor: ex,
		rewriter:  rw,
		metrics:   m,
		logger:    logger.With("component", "image_service"),
	}
}

// ImageURL returns the absolute URL of the image representing the requested page.
func (s *ImageService) ImageURL(req *model.ImageRequest) (*url.URL, error) {
	u, err := s.lookup(req.Ctx, req.Target, headers.Filter(req.Header, headers.ClientRequest))
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	return u, nil
}

// Proxy locates the page image and fetches it. Response headers are filtered
// to the upstream-response allow-list. The caller must close the body.
func (s *ImageService) Proxy(req *model.ImageRequest) (*url.URL, *model.ImageResponse, error) {
	header := headers.Filter(req.Header, headers.ClientRequest)

	u, err := s.lookup(req.Ctx, req.Target, header)
	if err != nil {
		s.recordFailure(err)
		return nil, nil, err
	}

	if !pageurl.Fetchable(u) {
		err := fmt.Errorf("%w: %s reference cannot be fetched", model.ErrUpstream, u.Scheme)
		s.recordFailure(err)
		return u, nil, err
	}

	// Accept-Encoding is forwarded but Content-Encoding is not returned, so
	// an encoded image body reaches the client unlabeled.
	resp, err := s.fetcher.FetchImage(req.Ctx, u, header)
	if err != nil {
		s.recordFailure(err)
		return u, nil, err
	}
	resp.Header = headers.Filter(resp.Header, headers.UpstreamResponse)

	s.logger.Debug("image fetched",
		"image_url", u.Redacted(),
		"status", resp.StatusCode,
	)
	return u, resp, nil
}

// lookup runs validation, rewrite, page fetch, extraction and resolution.
// It stops at the first failing stage.
func (s *ImageService) lookup(ctx context.Context, target string, header http.Header) (*url.URL, error) {
	page, err := pageurl.Parse(target)
	if err != nil {
		return nil, err
	}

	fetchURL := s.rewriter.Rewrite(page)
	if fetchURL != page {
		s.logger.Debug("page url rewritten", "from", page.Redacted(), "to", fetchURL.Redacted())
	}

	html, err := s.fetcher.FetchHTML(ctx, fetchURL, header)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ref, ok, err := s.extractor.Extract(ctx, html)
	if s.metrics != nil {
		s.metrics.ExtractDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("%w in %s: %w", model.ErrNoImageFound, target, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w in %s", model.ErrNoImageFound, target)
	}

	img, err := pageurl.ResolveImage(fetchURL, ref)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("image url resolved",
		"page_url", fetchURL.Redacted(),
		"image_url", img.Redacted(),
	)
	return img, nil
}

func (s *ImageService) recordFailure(err error) {
	if s.metrics != nil {
		s.metrics.PipelineFailures.WithLabelValues(model.Stage(err)).Inc()
	}
}
