package parser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
	"FilingScanner/internal/scanner"
)

// StrategySource implements FilingSource for one configured source via its scanner strategy.
type StrategySource struct {
	strategy scanner.Scanner
	source   config.SourceConfig
	logger   *slog.Logger
}

var _ ports.FilingSource = (*StrategySource)(nil)

// NewStrategySources resolves one FilingSource per configured source so a failing source never
// takes the others down with it.
func NewStrategySources(reg *scanner.Registry, sources []config.SourceConfig, log *slog.Logger) ([]*StrategySource, error) {
	if reg == nil {
		return nil, fmt.Errorf("scanner registry is not configured")
	}
	out := make([]*StrategySource, 0, len(sources))
	for _, src := range sources {
		strategy, err := reg.Resolve(src.Scanner)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		out = append(out, &StrategySource{strategy: strategy, source: src, logger: log})
	}
	return out, nil
}

// Name is the configured source name; watermarks are keyed by it.
func (s *StrategySource) Name() string {
	return s.source.Name
}

// RecheckAmendments reports whether re-observed filings should be checked for changed content.
func (s *StrategySource) RecheckAmendments() bool {
	return s.source.RecheckAmendments
}

// Fetch executes the scanner for filings published inside window.
func (s *StrategySource) Fetch(ctx context.Context, window domain.Window) (domain.SourceBatch, error) {
	s.debug("process source", "source", s.source.Name, "scanner", s.source.Scanner, "feeds", len(s.source.Feeds),
		"since", window.Since.Format(time.RFC3339), "until", window.Until)

	req := scanner.Request{
		Since:      window.Since,
		Until:      window.Until,
		SourceName: s.source.Name,
		Options:    s.source.Options,
		Feeds:      toScannerFeeds(s.source.Feeds),
	}

	batch, err := s.strategy.Scan(ctx, req)
	if err != nil {
		return domain.SourceBatch{}, domain.Mark(err, domain.ErrSourceUnavailable, "scan source "+s.source.Name)
	}

	for i := range batch.Refs {
		if batch.Refs[i].SourceID == "" {
			batch.Refs[i].SourceID = s.source.Name
		}
	}
	s.debug("source produced filings", "source", s.source.Name, "count", len(batch.Refs), "newest", newest(batch.Refs),
		"truncated", batch.Truncated)
	return batch, nil
}

func toScannerFeeds(cfg []config.FeedConfig) []scanner.Feed {
	feeds := make([]scanner.Feed, 0, len(cfg))
	for _, f := range cfg {
		feeds = append(feeds, scanner.Feed{
			Name: f.Name,
			URL:  f.URL,
		})
	}
	return feeds
}

func (s *StrategySource) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
