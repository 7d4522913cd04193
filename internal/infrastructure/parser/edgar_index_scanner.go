package parser

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // EDGAR timestamps are US Eastern

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"FilingScanner/internal/domain"
	"FilingScanner/internal/scanner"
)

const (
	edgarBaseURL     = "https://www.sec.gov"
	defaultIndexPage = 100
)

var (
	companyExpr   = regexp.MustCompile(`^\s*(.+?)\s+\((\d{10})\)`)
	accessionExpr = regexp.MustCompile(`\d{10}-\d{2}-\d{6}`)
	acceptedExpr  = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})\s*(\d{2}:\d{2}:\d{2})`)

	edgarLocation = loadEdgarLocation()
)

func loadEdgarLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}

// EdgarIndexScanner pages through EDGAR's HTML "current events" listing, newest first.
type EdgarIndexScanner struct {
	pages    pageClient
	pageSize int
	logger   *slog.Logger
}

// NewEdgarIndexScanner wires an HTTP client; pageSize defaults to 100.
func NewEdgarIndexScanner(client *http.Client, limiter *rate.Limiter, userAgent string, logger *slog.Logger) *EdgarIndexScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &EdgarIndexScanner{
		pages:    newPageClient(client, limiter, userAgent),
		pageSize: defaultIndexPage,
		logger:   logger,
	}
}

// Name identifies the strategy inside the registry.
func (e *EdgarIndexScanner) Name() string {
	return "edgar-index"
}

// Scan walks each listing until it reaches filings accepted before req.Since.
func (e *EdgarIndexScanner) Scan(ctx context.Context, req scanner.Request) (domain.SourceBatch, error) {
	if len(req.Feeds) == 0 {
		return domain.SourceBatch{}, fmt.Errorf("no feeds provided for source %s", req.SourceName)
	}

	pageSize := intOption(req.Options, "pageSize", e.pageSize)
	results := make([]domain.FilingRef, 0)
	seen := map[string]struct{}{}
	var cut truncation

	for _, feed := range req.Feeds {
		walk := newPageWalk(req, pageSize)
		for start := 0; ; start += pageSize {
			pageURL, err := buildPageURL(feed.URL, start, pageSize)
			if err != nil {
				return domain.SourceBatch{}, fmt.Errorf("feed %s: %w", feed.Name, err)
			}

			doc, err := e.fetchDocument(ctx, pageURL)
			if err != nil {
				return domain.SourceBatch{}, fmt.Errorf("feed %s: %w", feed.Name, err)
			}

			refs, processed := e.extractFilings(doc, walk, req.SourceName, pageURL)
			for _, ref := range refs {
				if _, ok := seen[ref.FilingID]; ok {
					continue
				}
				seen[ref.FilingID] = struct{}{}
				results = append(results, ref)
			}

			e.logger.Debug("index page scanned", "source", req.SourceName, "feed", feed.Name, "start", start, "filings", len(refs))
			if !walk.next(processed) {
				break
			}
		}
		if walk.truncated {
			e.logger.Warn("listing truncated at page budget", "source", req.SourceName, "feed", feed.Name, "horizon", walk.horizon())
		}
		cut.add(walk)
	}

	return domain.SourceBatch{Refs: results, Truncated: cut.truncated, Horizon: cut.horizon}, nil
}

func (e *EdgarIndexScanner) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	body, err := e.pages.get(ctx, pageURL, "text/html")
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	return doc, nil
}

// extractFilings reads company header rows followed by their filing rows and returns the filings
// inside the walk's window plus the number of filing rows seen. Reading stops at the first filing
// older than the window.
func (e *EdgarIndexScanner) extractFilings(doc *goquery.Document, walk *pageWalk, sourceName, pageURL string) ([]domain.FilingRef, int) {
	var (
		collected   []domain.FilingRef
		processed   int
		companyName string
		companyCIK  string
	)

	doc.Find("table tr").EachWithBreak(func(i int, tr *goquery.Selection) bool {
		if tr.Find("tr").Length() > 0 {
			return true // layout row wrapping a nested table
		}
		indexLink := tr.Find(`a[href*="-index.htm"]`).First()
		if indexLink.Length() == 0 {
			if m := companyExpr.FindStringSubmatch(tr.Find("a").First().Text()); m != nil {
				companyName, companyCIK = strings.TrimSpace(m[1]), m[2]
			}
			return true
		}
		processed++

		ref, err := parseFilingRow(tr, indexLink, pageURL)
		if err != nil {
			e.logger.Debug("skip filing row", "source", sourceName, "error", err)
			return true
		}
		ref.SourceID = sourceName
		ref.CompanyName = companyName
		ref.CompanyIdentifier = companyCIK

		if walk.admit(ref.PublishedAt) {
			collected = append(collected, ref)
		}
		return !walk.reachedSince
	})

	return collected, processed
}

func parseFilingRow(tr, indexLink *goquery.Selection, pageURL string) (domain.FilingRef, error) {
	href, _ := indexLink.Attr("href")
	link, err := resolveLink(pageURL, href)
	if err != nil {
		return domain.FilingRef{}, err
	}

	rowText := tr.Text()
	accession := accessionExpr.FindString(rowText)
	if accession == "" {
		accession = accessionExpr.FindString(href)
	}
	if accession == "" {
		return domain.FilingRef{}, fmt.Errorf("no accession number in row %q", strings.TrimSpace(rowText))
	}

	m := acceptedExpr.FindStringSubmatch(rowText)
	if m == nil {
		return domain.FilingRef{}, fmt.Errorf("no acceptance time for %s", accession)
	}
	accepted, err := time.ParseInLocation("2006-01-02 15:04:05", m[1]+" "+m[2], edgarLocation)
	if err != nil {
		return domain.FilingRef{}, fmt.Errorf("parse acceptance time for %s: %w", accession, err)
	}

	return domain.FilingRef{
		FilingID:    accession,
		FilingType:  strings.TrimSpace(tr.Find("td").First().Text()),
		PublishedAt: accepted.UTC(),
		SourceURL:   link,
	}, nil
}

func resolveLink(pageURL, href string) (string, error) {
	if strings.HasPrefix(href, "http") {
		return href, nil
	}
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return strings.TrimSuffix(edgarBaseURL, "/") + href, nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid link %s: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}
