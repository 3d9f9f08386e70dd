package handler

import (
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"image-proxy-go/internal/client"
	"image-proxy-go/internal/config"
	"image-proxy-go/internal/extractor"
	"image-proxy-go/internal/pageurl"
	"image-proxy-go/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		Fetch: config.FetchConfig{
			PageTimeoutSeconds:  1,
			ImageTimeoutSeconds: 2,
			IdleConnections:     10,
			MaxPageBytes:        1 << 20,
		},
	}
}

// newTestEcho wires the real pipeline onto an Echo instance.
func newTestEcho(t *testing.T, cfg *config.Config, rw *pageurl.Rewriter) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc := service.NewImageService(uc, extractor.New(2, logger), rw, nil, logger)

	e := echo.New()
	RegisterRoutes(e, NewImageHandler(svc, logger), NewHealthHandler(cfg, "test", rw), cfg, nil)
	return e
}

// newSite serves an HTML page whose og:image points at imageURL, and the
// image itself at /img.png.
func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/post":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><head><meta property="og:image" content="` + srv.URL + `/img.png"></head><body><img src="/other.png"></body></html>`))
		case "/img.png":
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Etag", `"v1"`)
			w.Header().Set("Set-Cookie", "tracking=1")
			w.Header().Set("X-Upstream-Secret", "s")
			_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nimage-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serve(e *echo.Echo, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRedirect_OGImage(t *testing.T) {
	site := newSite(t)
	e := newTestEcho(t, testConfig(), testRewriter(t))

	rec := serve(e, "/img/"+url.QueryEscape(site.URL+"/post"), nil)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d; body = %q", rec.Code, http.StatusTemporaryRedirect, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != site.URL+"/img.png" {
		t.Errorf("Location = %q, want %q", loc, site.URL+"/img.png")
	}
}

func TestRedirect_UnencodedTarget(t *testing.T) {
	site := newSite(t)
	e := newTestEcho(t, testConfig(), testRewriter(t))

	rec := serve(e, "/img/"+site.URL+"/post", nil)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d; body = %q", rec.Code, http.StatusTemporaryRedirect, rec.Body.String())
	}
}

func TestRedirect_InvalidURL(t *testing.T) {
	e := newTestEcho(t, testConfig(), testRewriter(t))

	rec := serve(e, "/img/"+url.QueryEscape("ftp://site.test/file"), nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), "invalid url") {
		t.Errorf("body = %q, want mention of invalid url", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

func TestRedirect_NoImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body><p>no pictures</p></body></html>"))
	}))
	defer srv.Close()
	e := newTestEcho(t, testConfig(), testRewriter(t))

	rec := serve(e, "/img/"+url.QueryEscape(srv.URL+"/page"), nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), "no image found in "+srv.URL+"/page") {
		t.Errorf("body = %q, want no image found message", rec.Body.String())
	}
}

func TestProxy_StreamsImage(t *testing.T) {
	site := newSite(t)
	e := newTestEcho(t, testConfig(), testRewriter(t))

	rec := serve(e, "/proxy/"+url.QueryEscape(site.URL+"/post"), http.Header{
		"User-Agent": {"test-client"},
		"Cookie":     {"session=secret"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %q", rec.Code, http.StatusOK, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want %q", ct, "image/png")
	}
	if et := rec.Header().Get("Etag"); et != `"v1"` {
		t.Errorf("Etag = %q, want %q", et, `"v1"`)
	}
	for _, h := range []string{"Set-Cookie", "X-Upstream-Secret"} {
		if v := rec.Header().Get(h); v != "" {
			t.Errorf("%s should be stripped, got %q", h, v)
		}
	}
	if rec.Body.String() != "\x89PNG\r\n\x1a\nimage-bytes" {
		t.Errorf("body = %q, want upstream bytes", rec.Body.String())
	}
}

func TestProxy_ForwardsOnlyAllowedRequestHeaders(t *testing.T) {
	var gotCookie, gotUA atomic.Value
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie.Store(r.Header.Get("Cookie"))
		gotUA.Store(r.Header.Get("User-Agent"))
		if r.URL.Path == "/img.png" {
			_, _ = w.Write([]byte("img"))
			return
		}
		_, _ = w.Write([]byte(`<img src="/img.png">`))
	}))
	defer srv.Close()
	e := newTestEcho(t, testConfig(), testRewriter(t))

	rec := serve(e, "/proxy/"+url.QueryEscape(srv.URL+"/"), http.Header{
		"User-Agent": {"forwarded-agent"},
		"Cookie":     {"session=secret"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %q", rec.Code, http.StatusOK, rec.Body.String())
	}
	if v, _ := gotCookie.Load().(string); v != "" {
		t.Errorf("upstream saw Cookie %q, want none", v)
	}
	if v, _ := gotUA.Load().(string); v != "forwarded-agent" {
		t.Errorf("upstream saw User-Agent %q, want %q", v, "forwarded-agent")
	}
}

func TestProxy_EncodedImageIsPassedThroughUnlabeled(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`))
	_ = zw.Close()
	encoded := gz.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/logo.svg" {
			_, _ = w.Write([]byte(`<img src="/logo.svg">`))
			return
		}
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			t.Errorf("image request Accept-Encoding = %q, want the client's gzip", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(encoded)
	}))
	defer srv.Close()
	e := newTestEcho(t, testConfig(), testRewriter(t))

	rec := serve(e, "/proxy/"+url.QueryEscape(srv.URL+"/"), http.Header{"Accept-Encoding": {"gzip"}})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %q", rec.Code, http.StatusOK, rec.Body.String())
	}
	if ce := rec.Header().Get("Content-Encoding"); ce != "" {
		t.Errorf("Content-Encoding = %q, want it filtered out", ce)
	}
	if !bytes.Equal(rec.Body.Bytes(), encoded) {
		t.Errorf("body = %q, want the still-encoded upstream bytes", rec.Body.Bytes())
	}
}

func TestProxy_UpstreamImageError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<img src="/missing.png">`))
	}))
	defer srv.Close()
	e := newTestEcho(t, testConfig(), testRewriter(t))

	rec := serve(e, "/proxy/"+url.QueryEscape(srv.URL+"/"), nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), "404") {
		t.Errorf("body = %q, want upstream status in message", rec.Body.String())
	}
}

func TestPageTimeout_BothEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	e := newTestEcho(t, testConfig(), testRewriter(t))

	for _, prefix := range []string{"/img/", "/proxy/"} {
		t.Run(prefix, func(t *testing.T) {
			rec := serve(e, prefix+url.QueryEscape(srv.URL+"/slow"), nil)

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
			}
			if !strings.Contains(rec.Body.String(), "fetch page") {
				t.Errorf("body = %q, want mention of the page fetch failure", rec.Body.String())
			}
		})
	}

	// The server keeps answering after the failures.
	if rec := serve(e, "/", nil); rec.Code != http.StatusOK {
		t.Errorf("GET / status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRedirect_HostRewrite(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/gallery/big.html" {
			_, _ = w.Write([]byte(`<img src="full.jpg">`))
			return
		}
		_, _ = w.Write([]byte(`<img src="thumb.jpg">`))
	}))
	defer srv.Close()

	e := newTestEcho(t, testConfig(), testRewriter(t, map[string]string{"127.0.0.1": "./big.html"}))

	rec := serve(e, "/img/"+url.QueryEscape(srv.URL+"/gallery/"), nil)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d; body = %q", rec.Code, http.StatusTemporaryRedirect, rec.Body.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "/gallery/big.html" {
		t.Errorf("upstream paths = %v, want only /gallery/big.html", paths)
	}
	if loc := rec.Header().Get("Location"); loc != srv.URL+"/gallery/full.jpg" {
		t.Errorf("Location = %q, want %q", loc, srv.URL+"/gallery/full.jpg")
	}
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		prefix string
		want   string
	}{
		{"encoded", "/img/https%3A%2F%2Fsite.test%2Fpost", "/img/", "https://site.test/post"},
		{"plain", "/img/https://site.test/post", "/img/", "https://site.test/post"},
		{"encoded query kept", "/proxy/https%3A%2F%2Fsite.test%2Fp%3Fid%3D7", "/proxy/", "https://site.test/p?id=7"},
		{"inbound query appended", "/img/https://site.test/p?id=7", "/img/", "https://site.test/p?id=7"},
		{"double encoded decoded once", "/img/https%3A%2F%2Fsite.test%2Fa%2520b", "/img/", "https://site.test/a%20b"},
		{"empty", "/img/", "/img/", ""},
	}

	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			c := e.NewContext(req, httptest.NewRecorder())

			if got := targetURL(c, tt.prefix); got != tt.want {
				t.Errorf("targetURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
