// Package extractor locates the representative image reference of an HTML page.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/semaphore"
)

// Extractor parses documents on a bounded pool and runs its strategies in order.
type Extractor struct {
	strategies []Strategy
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// New creates an Extractor allowing at most workers concurrent parses.
// workers <= 0 means GOMAXPROCS. With no strategies DefaultStrategies is used.
func New(workers int, logger *slog.Logger, strategies ...Strategy) *Extractor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	return &Extractor{
		strategies: strategies,
		sem:        semaphore.NewWeighted(int64(workers)),
		logger:     logger.With("component", "extractor"),
	}
}

type result struct {
	ref string
	ok  bool
}

// Extract returns the first image reference found in html. ok is false when no
// strategy matched. err is set only when ctx ends before the work completes.
func (e *Extractor) Extract(ctx context.Context, html string) (ref string, ok bool, err error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", false, fmt.Errorf("extract: wait for worker: %w", err)
	}

	done := make(chan result, 1)
	go func() {
		defer e.sem.Release(1)
		r, found := e.run(html)
		done <- result{ref: r, ok: found}
	}()

	select {
	case r := <-done:
		return r.ref, r.ok, nil
	case <-ctx.Done():
		return "", false, fmt.Errorf("extract: %w", ctx.Err())
	}
}

func (e *Extractor) run(html string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		e.logger.Debug("parse document", "err", err)
		return "", false
	}

	for _, s := range e.strategies {
		if ref, ok := s.Extract(doc); ok {
			e.logger.Debug("image reference found", "strategy", s.Name(), "ref", ref)
			return ref, true
		}
	}
	return "", false
}
