package edgar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

// Retriever downloads complete submission files from EDGAR. Timeouts, 429 and 5xx responses are
// retried with bounded exponential backoff; every attempt waits on the shared rate limiter.
type Retriever struct {
	client    *retryablehttp.Client
	userAgent string
	maxBytes  int64
}

var _ ports.ContentRetriever = (*Retriever)(nil)

// NewRetriever builds a retriever from fetcher settings. limiter may be nil.
func NewRetriever(cfg config.FetcherConfig, limiter *rate.Limiter, logger *slog.Logger) *Retriever {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	client.RetryMax = max(cfg.MaxAttempts-1, 0)
	client.RetryWaitMin = cfg.InitialBackoff
	client.RetryWaitMax = cfg.MaxBackoff
	// *slog.Logger satisfies retryablehttp.LeveledLogger.
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	if limiter != nil {
		client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, _ int) {
			_ = limiter.Wait(req.Context())
		}
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	return &Retriever{client: client, userAgent: cfg.UserAgent, maxBytes: maxBytes}
}

// Retrieve fetches the filing's content. EDGAR index pages are swapped for the complete
// submission text file, which carries every document of the filing.
func (r *Retriever) Retrieve(ctx context.Context, ref domain.FilingRef) ([]byte, error) {
	target := SubmissionURL(ref.SourceURL)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.WithDetailf(fmt.Errorf("retrieve %s: %s", target, resp.Status), "status=%d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("retrieve %s: content exceeds %d bytes", target, r.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("retrieve %s: empty body", target)
	}

	return data, nil
}

// SubmissionURL maps ".../{accession}-index.htm" onto ".../{accession}.txt". Other URLs are
// returned unchanged.
func SubmissionURL(sourceURL string) string {
	for _, suffix := range []string{"-index.htm", "-index.html"} {
		if strings.HasSuffix(sourceURL, suffix) {
			return strings.TrimSuffix(sourceURL, suffix) + ".txt"
		}
	}
	return sourceURL
}
