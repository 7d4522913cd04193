package parser

import (
	"time"

	"FilingScanner/internal/scanner"
)

const defaultMaxPages = 10

// pageWalk follows one newest-first listing across pages against a request window. Pages that
// hold only entries newer than the window's upper bound are skipped without spending the page
// budget, up to maxSkipped of them, so a catch-up request can reach past the listing head.
type pageWalk struct {
	since, until time.Time
	pageSize     int
	maxPages     int
	maxSkipped   int

	counted, skipped int
	pageFresh        bool
	reachedSince     bool
	truncated        bool
	oldest           time.Time
}

func newPageWalk(req scanner.Request, pageSize int) *pageWalk {
	maxPages := intOption(req.Options, "maxPages", defaultMaxPages)
	return &pageWalk{
		since:      req.Since,
		until:      req.Until,
		pageSize:   pageSize,
		maxPages:   maxPages,
		maxSkipped: intOption(req.Options, "maxSkipPages", 5*maxPages),
	}
}

// admit records an entry's publication time and reports whether it falls inside the window.
func (w *pageWalk) admit(published time.Time) bool {
	if w.oldest.IsZero() || published.Before(w.oldest) {
		w.oldest = published
	}
	if !w.since.IsZero() && published.Before(w.since) {
		w.reachedSince = true
		return false
	}
	if w.until.IsZero() || published.Before(w.until) {
		w.pageFresh = true
		return true
	}
	return published.Equal(w.until)
}

// next closes a page of n entries and reports whether the following page should be read.
// Running out of budget on a full page marks the walk truncated.
func (w *pageWalk) next(n int) bool {
	fresh := w.pageFresh
	w.pageFresh = false
	if w.reachedSince || n < w.pageSize {
		return false
	}
	if fresh {
		w.counted++
	} else {
		w.skipped++
	}
	if w.counted >= w.maxPages || w.skipped >= w.maxSkipped {
		w.truncated = true
		return false
	}
	return true
}

// horizon is the oldest point the walk reached when it was truncated. A walk that never got
// below the upper bound reports the bound itself.
func (w *pageWalk) horizon() time.Time {
	if !w.until.IsZero() && (w.oldest.IsZero() || w.oldest.After(w.until)) {
		return w.until
	}
	return w.oldest
}

// truncation folds one feed's walk into a request-wide result. Across feeds the newest horizon
// wins, since the shallowest feed decides where the next request has to resume.
type truncation struct {
	truncated bool
	horizon   time.Time
}

func (t *truncation) add(w *pageWalk) {
	if !w.truncated {
		return
	}
	h := w.horizon()
	if !t.truncated || h.After(t.horizon) {
		t.horizon = h
	}
	t.truncated = true
}
