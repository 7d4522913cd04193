package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultUserAgent = "FilingScanner/1.0 (contact@example.com)"
	maxPageBytes     = 8 << 20
)

// pageClient performs the GET requests shared by the scanners. SEC fair access rules require a
// descriptive User-Agent and a bounded request rate.
type pageClient struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

func newPageClient(client *http.Client, limiter *rate.Limiter, userAgent string) pageClient {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return pageClient{client: client, limiter: limiter, userAgent: userAgent}
}

func (p pageClient) get(ctx context.Context, pageURL, accept string) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", pageURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pageURL, err)
	}
	return body, nil
}

func buildPageURL(base string, start, count int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid feed url %s: %w", base, err)
	}

	query := parsed.Query()
	query.Set("start", strconv.Itoa(start))
	query.Set("count", strconv.Itoa(count))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func intOption(options map[string]string, key string, fallback int) int {
	if v, ok := options[key]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
