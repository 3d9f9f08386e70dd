package model

import "errors"

// Pipeline error kinds. Stages wrap these with %w so callers can use errors.Is.
var (
	ErrInvalidURL   = errors.New("invalid url")
	ErrFetch        = errors.New("fetch page")
	ErrNoImageFound = errors.New("no image found")
	ErrUpstream     = errors.New("fetch image")
)

// Stage returns a bounded label naming the pipeline stage that produced err.
func Stage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidURL):
		return "validate"
	case errors.Is(err, ErrFetch):
		return "fetch_page"
	case errors.Is(err, ErrNoImageFound):
		return "extract"
	case errors.Is(err, ErrUpstream):
		return "fetch_image"
	default:
		return "other"
	}
}
