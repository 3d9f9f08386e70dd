// Package model defines shared types for the image proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ImageRequest is a client request to locate the representative image of a page.
type ImageRequest struct {
	Ctx    context.Context
	Target string // raw page URL as supplied by the caller
	Header http.Header
}

// ImageResponse is the upstream image response to be streamed back.
// Body is the live upstream stream; the consumer must close it.
type ImageResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
