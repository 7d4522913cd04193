package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"FilingScanner/internal/config"
	"FilingScanner/internal/ports"
)

// ChatGPTClient implements ports.LanguageModel backed by OpenAI-compatible chat completion APIs.
type ChatGPTClient struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	temperature  float64
	maxTokens    int
	limiter      *rate.Limiter
	httpClient   *http.Client
}

var _ ports.LanguageModel = (*ChatGPTClient)(nil)

// NewChatGPTClient builds a client from configuration.
func NewChatGPTClient(cfg config.ChatGPTConfig) *ChatGPTClient {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &ChatGPTClient{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		limiter:      rate.NewLimiter(limit, 1),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// ModelVersion identifies the model analysis records are attributed to.
func (c *ChatGPTClient) ModelVersion() string {
	return c.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends prompt as the user message. A non-empty schemaHint is appended to the system
// prompt and switches the API into JSON mode.
func (c *ChatGPTClient) Complete(ctx context.Context, prompt, schemaHint string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("chatgpt client is nil")
	}
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return "", fmt.Errorf("chatgpt client misconfigured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}

	system := safePrompt(c.systemPrompt)
	request := map[string]any{
		"model":       c.model,
		"temperature": c.temperature,
	}
	if schemaHint != "" {
		system += "\n\nRespond with a single JSON object matching this shape:\n" + schemaHint
		request["response_format"] = map[string]string{"type": "json_object"}
	}
	if c.maxTokens > 0 {
		request["max_tokens"] = c.maxTokens
	}
	request["messages"] = []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: prompt},
	}

	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("marshal chatgpt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", errors.WithDetailf(
			fmt.Errorf("chatgpt error %s: %s", resp.Status, strings.TrimSpace(string(payload))),
			"status=%d", resp.StatusCode)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode chatgpt response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("chatgpt response has no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You are a financial analyst who reads SEC filings."
	}
	return prompt
}
