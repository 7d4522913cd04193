package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

// Sink forwards notifications to an HTTP endpoint as JSON.
type Sink struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.PushChannel = (*Sink)(nil)

// NewSink creates a reusable HTTP sink. timeout bounds each delivery.
func NewSink(endpoint, apiKey string, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sink{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// Push posts the notification payload.
func (s *Sink) Push(ctx context.Context, n domain.Notification) error {
	if s.endpoint == "" {
		return fmt.Errorf("webhook endpoint is empty")
	}
	return s.post(ctx, n)
}

func (s *Sink) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return fmt.Errorf("unexpected status %s, close body: %v", resp.Status, closeErr)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}
	return nil
}
