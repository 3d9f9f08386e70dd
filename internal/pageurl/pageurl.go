// Package pageurl validates target page URLs, applies per-host rewrites and
// resolves image references found on a page.
package pageurl

import (
	"fmt"
	"net/url"
	"strings"

	"image-proxy-go/internal/model"
)

// Parse validates raw as an absolute http(s) URL usable as a base for
// relative references.
func Parse(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", model.ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", model.ErrInvalidURL, u.Scheme)
	}
	if u.Opaque != "" || u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q cannot be a base", model.ErrInvalidURL, raw)
	}
	return u, nil
}

// ResolveImage joins an extracted image reference against the page it was
// found on. Absolute references of any scheme are returned as they are; use
// Fetchable before requesting the result.
func ResolveImage(page *url.URL, ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w in %s", model.ErrNoImageFound, page)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w in %s: bad reference %q: %v", model.ErrNoImageFound, page, ref, err)
	}
	return page.ResolveReference(r), nil
}

// Fetchable reports whether u can be requested over HTTP.
func Fetchable(u *url.URL) bool {
	return (u.Scheme == "http" || u.Scheme == "https") && u.Hostname() != ""
}
