package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

const defaultBaseURL = "https://api.telegram.org"

// Notifier sends critical filing alerts to a Telegram chat via bot API.
type Notifier struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
}

var _ ports.PushChannel = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		baseURL:  defaultBaseURL,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// WithBaseURL points the notifier at another bot API host.
func (n *Notifier) WithBaseURL(base string) *Notifier {
	n.baseURL = strings.TrimRight(base, "/")
	return n
}

// Push posts a Markdown alert for critical notifications and ignores the rest.
func (n *Notifier) Push(ctx context.Context, note domain.Notification) error {
	if !note.Critical && note.Kind != domain.KindFilingFailed {
		return nil
	}
	return n.send(ctx, formatAlert(note))
}

func (n *Notifier) send(ctx context.Context, text string) error {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", text)
	form.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}

	return nil
}

func formatAlert(note domain.Notification) string {
	var b strings.Builder
	switch note.Kind {
	case domain.KindFilingFailed:
		b.WriteString("*Filing failed* ")
	default:
		b.WriteString("*Critical filing* ")
	}
	b.WriteString("`" + note.FilingID + "`")
	if note.Summary != "" {
		b.WriteString("\n")
		b.WriteString(note.Summary)
	}
	if note.Incomplete {
		b.WriteString("\n_analysis incomplete_")
	}
	return b.String()
}
