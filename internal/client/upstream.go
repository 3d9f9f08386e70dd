// Package client provides the outbound HTTP client used to fetch pages and images.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/artyom/useragent"
	"golang.org/x/net/html/charset"

	"image-proxy-go/internal/config"
	"image-proxy-go/internal/metrics"
	"image-proxy-go/internal/model"
)

// UpstreamClient fetches arbitrary third-party pages and images.
type UpstreamClient struct {
	page         *http.Client
	image        *http.Client
	maxPageBytes int64
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient sharing one pooled transport.
// When fetch.insecure_skip_verify is set (the default) upstream TLS
// certificates are not verified, so self-signed and misconfigured hosts can
// be reached. The metrics parameter is optional; pass nil to disable upstream
// metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	logger = logger.With("component", "upstream_client")

	skipVerify := cfg.Fetch.SkipTLSVerify()
	if skipVerify {
		logger.Info("upstream TLS certificate verification disabled")
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Fetch.IdleConnections,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: skipVerify}, //nolint:gosec // deliberate, see fetch.insecure_skip_verify
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	// The configured agent only fills in requests that carry none.
	var rt http.RoundTripper = transport
	if cfg.Fetch.UserAgent != "" {
		rt = useragent.Set(transport, cfg.Fetch.UserAgent)
	}

	return &UpstreamClient{
		page: &http.Client{
			Transport: rt,
			Timeout:   time.Duration(cfg.Fetch.PageTimeoutSeconds) * time.Second,
		},
		image: &http.Client{
			Transport: rt,
			Timeout:   time.Duration(cfg.Fetch.ImageTimeoutSeconds) * time.Second,
		},
		maxPageBytes: cfg.Fetch.MaxPageBytes,
		logger:       logger,
		metrics:      m,
	}
}

// FetchHTML downloads the page at u and returns its body decoded to UTF-8.
// Any failure, including a non-2xx final status, wraps model.ErrFetch.
func (c *UpstreamClient) FetchHTML(ctx context.Context, u *url.URL, header http.Header) (string, error) {
	// The transport negotiates and decompresses gzip itself only when the
	// request carries no Accept-Encoding of its own.
	header = header.Clone()
	header.Del("Accept-Encoding")

	resp, err := c.get(ctx, c.page, metrics.KindPage, u, header)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned status %d", model.ErrFetch, u.Redacted(), resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if c.maxPageBytes > 0 {
		body = io.LimitReader(body, c.maxPageBytes)
	}
	body, err = charset.NewReader(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("%w: decode %s: %w", model.ErrFetch, u.Redacted(), err)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %w", model.ErrFetch, u.Redacted(), err)
	}
	return string(data), nil
}

// FetchImage requests the image at u and returns the response with its body
// still streaming. The caller must close Body. Transport failures and
// statuses >= 400 wrap model.ErrUpstream.
func (c *UpstreamClient) FetchImage(ctx context.Context, u *url.URL, header http.Header) (*model.ImageResponse, error) {
	resp, err := c.get(ctx, c.image, metrics.KindImage, u, header) //nolint:bodyclose // body ownership transfers to caller via ImageResponse
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrUpstream, err)
	}

	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned status %d", model.ErrUpstream, u.Redacted(), resp.StatusCode)
	}

	return &model.ImageResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// get issues a single GET; there are no retries.
func (c *UpstreamClient) get(ctx context.Context, hc *http.Client, kind string, u *url.URL, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	c.logger.Debug("upstream request",
		"kind", kind,
		"url", u.Redacted(),
	)

	start := time.Now()
	resp, err := hc.Do(req)
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(kind).Observe(duration)
	}
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(kind, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}
