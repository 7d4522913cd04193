package parser

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"FilingScanner/internal/domain"
	"FilingScanner/internal/scanner"
)

// CompanyFeedURL is EDGAR's per-company Atom feed; {cik} is substituted per configured CIK.
const CompanyFeedURL = "https://www.sec.gov/cgi-bin/browse-edgar?action=getcompany&CIK={cik}&type=&dateb=&owner=exclude&start=0&count=40&output=atom"

const defaultFeedPage = 40

var titleExpr = regexp.MustCompile(`^\s*(.+?)\s+-\s+(.+?)\s+\((\d{10})\)`)

// AtomFeedScanner reads EDGAR Atom feeds (latest filings, per-form and per-company feeds).
type AtomFeedScanner struct {
	pages  pageClient
	parser *gofeed.Parser
	logger *slog.Logger
}

// NewAtomFeedScanner wires an HTTP client with the SEC user agent.
func NewAtomFeedScanner(client *http.Client, limiter *rate.Limiter, userAgent string, logger *slog.Logger) *AtomFeedScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &AtomFeedScanner{
		pages:  newPageClient(client, limiter, userAgent),
		parser: gofeed.NewParser(),
		logger: logger,
	}
}

// Name identifies the strategy inside the registry.
func (a *AtomFeedScanner) Name() string {
	return "edgar-atom"
}

// Scan reads every feed of the request, paging while all entries are newer than req.Since.
// Option "ciks" (comma separated) adds one company feed per CIK.
func (a *AtomFeedScanner) Scan(ctx context.Context, req scanner.Request) (domain.SourceBatch, error) {
	feeds := expandCompanyFeeds(req.Feeds, req.Options["ciks"])
	if len(feeds) == 0 {
		return domain.SourceBatch{}, fmt.Errorf("no feeds provided for source %s", req.SourceName)
	}

	pageSize := intOption(req.Options, "pageSize", defaultFeedPage)
	results := make([]domain.FilingRef, 0)
	seen := map[string]struct{}{}
	var cut truncation

	for _, feed := range feeds {
		walk := newPageWalk(req, pageSize)
		for start := 0; ; start += pageSize {
			pageURL, err := buildPageURL(feed.URL, start, pageSize)
			if err != nil {
				return domain.SourceBatch{}, fmt.Errorf("feed %s: %w", feed.Name, err)
			}

			body, err := a.pages.get(ctx, pageURL, "application/atom+xml")
			if err != nil {
				return domain.SourceBatch{}, fmt.Errorf("feed %s: %w", feed.Name, err)
			}
			parsed, err := a.parser.Parse(bytes.NewReader(body))
			if err != nil {
				return domain.SourceBatch{}, fmt.Errorf("feed %s: parse atom: %w", feed.Name, err)
			}

			for _, item := range parsed.Items {
				ref, err := parseFeedItem(item)
				if err != nil {
					a.logger.Debug("skip feed entry", "source", req.SourceName, "feed", feed.Name, "error", err)
					continue
				}
				if !walk.admit(ref.PublishedAt) {
					continue
				}
				ref.SourceID = req.SourceName
				if _, ok := seen[ref.FilingID]; ok {
					continue
				}
				seen[ref.FilingID] = struct{}{}
				results = append(results, ref)
			}

			a.logger.Debug("feed page scanned", "source", req.SourceName, "feed", feed.Name, "start", start, "entries", len(parsed.Items))
			if !walk.next(len(parsed.Items)) {
				break
			}
		}
		if walk.truncated {
			a.logger.Warn("feed truncated at page budget", "source", req.SourceName, "feed", feed.Name, "horizon", walk.horizon())
		}
		cut.add(walk)
	}

	return domain.SourceBatch{Refs: results, Truncated: cut.truncated, Horizon: cut.horizon}, nil
}

func expandCompanyFeeds(feeds []scanner.Feed, ciks string) []scanner.Feed {
	out := make([]scanner.Feed, 0, len(feeds))
	var template string
	for _, f := range feeds {
		if strings.Contains(f.URL, "{cik}") {
			template = f.URL
			continue
		}
		out = append(out, f)
	}
	if ciks == "" {
		return out
	}
	if template == "" {
		template = CompanyFeedURL
	}
	for _, cik := range strings.Split(ciks, ",") {
		cik = strings.TrimSpace(cik)
		if cik == "" {
			continue
		}
		out = append(out, scanner.Feed{Name: "company_" + cik, URL: strings.ReplaceAll(template, "{cik}", cik)})
	}
	return out
}

// parseFeedItem maps an EDGAR Atom entry such as
// "8-K - APPLE INC (0000320193) (Filer)" onto a FilingRef.
func parseFeedItem(item *gofeed.Item) (domain.FilingRef, error) {
	accession := ""
	if _, after, ok := strings.Cut(item.GUID, "accession-number="); ok {
		accession = strings.TrimSpace(after)
	}
	if accession == "" {
		accession = accessionExpr.FindString(item.GUID + " " + item.Link + " " + item.Description)
	}
	if accession == "" {
		return domain.FilingRef{}, fmt.Errorf("no accession number in entry %q", item.Title)
	}

	ref := domain.FilingRef{FilingID: accession, SourceURL: item.Link}
	if m := titleExpr.FindStringSubmatch(item.Title); m != nil {
		ref.FilingType, ref.CompanyName, ref.CompanyIdentifier = m[1], m[2], m[3]
	}
	if len(item.Categories) > 0 {
		ref.FilingType = strings.TrimSpace(item.Categories[0])
	}

	switch {
	case item.UpdatedParsed != nil:
		ref.PublishedAt = item.UpdatedParsed.UTC()
	case item.PublishedParsed != nil:
		ref.PublishedAt = item.PublishedParsed.UTC()
	default:
		return domain.FilingRef{}, fmt.Errorf("entry %s has no timestamp", accession)
	}
	if ref.SourceURL == "" {
		return domain.FilingRef{}, fmt.Errorf("entry %s has no link", accession)
	}
	return ref, nil
}

// newest returns the latest publication time in refs.
func newest(refs []domain.FilingRef) time.Time {
	var t time.Time
	for _, r := range refs {
		if r.PublishedAt.After(t) {
			t = r.PublishedAt
		}
	}
	return t
}
