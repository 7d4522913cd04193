package usecase

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

// amendmentRechecker is implemented by sources that want duplicates with a newer publication
// time re-retrieved and hashed.
type amendmentRechecker interface {
	RecheckAmendments() bool
}

// Poller turns per-source watermarks into a stream of filing references.
type Poller struct {
	sources []ports.FilingSource
	marks   ports.WatermarkStore
	cfg     config.PollerConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewPoller wires sources to the watermark store.
func NewPoller(sources []ports.FilingSource, marks ports.WatermarkStore, cfg config.PollerConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Poller{sources: sources, marks: marks, cfg: cfg, logger: logger, now: time.Now}
}

// Rechecks reports whether source asked for amendment rechecks.
func (p *Poller) Rechecks(source string) bool {
	for _, src := range p.sources {
		if src.Name() != source {
			continue
		}
		r, ok := src.(amendmentRechecker)
		return ok && r.RecheckAmendments()
	}
	return false
}

// Poll queries every source for filings published since its watermark minus the overlap window.
// A failing source yields one error marked ErrSourceUnavailable and keeps its watermark. A
// source's watermark advances to the newest published_at it returned only after the consumer
// accepted every one of its references; stopping the range early leaves it untouched.
//
// A listing truncated at its page budget holds the watermark instead. The following polls ask for
// the window below the truncation point until the listing reaches the watermark window again,
// and only then does the watermark move to the newest filing delivered along the way.
func (p *Poller) Poll(ctx context.Context) iter.Seq2[domain.FilingRef, error] {
	return func(yield func(domain.FilingRef, error) bool) {
		for _, src := range p.sources {
			if ctx.Err() != nil {
				return
			}
			if !p.pollSource(ctx, src, yield) {
				return
			}
		}
	}
}

func (p *Poller) pollSource(ctx context.Context, src ports.FilingSource, yield func(domain.FilingRef, error) bool) bool {
	name := src.Name()
	log := p.logger.With("source", name)

	cursor, err := p.marks.Cursor(ctx, name)
	if err != nil {
		return yield(domain.FilingRef{}, err)
	}
	window := domain.Window{Since: p.since(cursor), Until: cursor.Until}

	batch, err := src.Fetch(ctx, window)
	if err != nil {
		return yield(domain.FilingRef{}, domain.Mark(err, domain.ErrSourceUnavailable, "poll "+name))
	}

	var newest time.Time
	accepted := 0
	for _, ref := range batch.Refs {
		if err := ref.Validate(); err != nil {
			log.Warn("skipping invalid filing reference", "filing_id", ref.FilingID, "error", err)
			continue
		}
		if ref.PublishedAt.Before(window.Since) {
			continue
		}
		if ref.SourceID == "" {
			ref.SourceID = name
		}
		if !yield(ref, nil) {
			return false
		}
		accepted++
		if ref.PublishedAt.After(newest) {
			newest = ref.PublishedAt
		}
	}

	pending := newest
	if cursor.Pending.After(pending) {
		pending = cursor.Pending
	}

	switch {
	case batch.Truncated && !batch.Horizon.IsZero():
		if cursor.CatchingUp() && !batch.Horizon.Before(cursor.Until) {
			log.Warn("catch-up made no progress", "until", cursor.Until)
		}
		if err := p.marks.HoldWatermark(ctx, name, batch.Horizon, pending); err != nil {
			return yield(domain.FilingRef{}, err)
		}
		log.Warn("source listing truncated, holding watermark", "since", window.Since, "horizon", batch.Horizon,
			"accepted", accepted)
		return true
	case batch.Truncated:
		log.Warn("source listing truncated without a horizon, keeping watermark", "since", window.Since)
		return true
	case !pending.IsZero() || cursor.CatchingUp():
		if err := p.marks.AdvanceWatermark(ctx, name, pending); err != nil {
			return yield(domain.FilingRef{}, err)
		}
	}
	log.Info("source polled", "since", window.Since, "until", window.Until, "returned", len(batch.Refs),
		"accepted", accepted, "watermark", pending)
	return true
}

func (p *Poller) since(cursor domain.SourceCursor) time.Time {
	if cursor.Watermark.IsZero() {
		return p.now().Add(-p.cfg.InitialLookback).UTC()
	}
	return cursor.Watermark.Add(-p.cfg.Overlap)
}
