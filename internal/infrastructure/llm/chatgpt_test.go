package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FilingScanner/internal/config"
)

func TestCompleteSendsSchemaHintAndParsesContent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model          string            `json:"model"`
			ResponseFormat map[string]string `json:"response_format"`
			Messages       []chatMessage     `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body.Model)
		assert.Equal(t, "json_object", body.ResponseFormat["type"])
		require.Len(t, body.Messages, 2)
		assert.True(t, strings.Contains(body.Messages[0].Content, `{"summary": string}`))
		assert.Equal(t, "filing text", body.Messages[1].Content)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"summary\":\"ok\"}"}}]}`))
	}))
	defer server.Close()

	c := NewChatGPTClient(config.ChatGPTConfig{Endpoint: server.URL, Model: "gpt-test", APIKey: "sk-test"})
	out, err := c.Complete(context.Background(), "filing text", `{"summary": string}`)
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, out)
	assert.Equal(t, "gpt-test", c.ModelVersion())
}

func TestCompleteSurfacesAPIErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewChatGPTClient(config.ChatGPTConfig{Endpoint: server.URL, Model: "m", APIKey: "k"})
	_, err := c.Complete(context.Background(), "x", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestCompleteRequiresConfiguration(t *testing.T) {
	t.Parallel()

	c := NewChatGPTClient(config.ChatGPTConfig{Model: "m"})
	_, err := c.Complete(context.Background(), "x", "")
	assert.Error(t, err)
}
