package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FilingScanner/internal/domain"
)

func TestSinkPostsNotification(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sink := NewSink(server.URL, "secret", time.Second)
	err := sink.Push(context.Background(), domain.Notification{
		ID:       uuid.New(),
		Sequence: 7,
		Kind:     domain.KindAnalysisAvailable,
		FilingID: "0000123-25-000001",
		Summary:  "8-K: CFO appointed",
	})
	require.NoError(t, err)

	body := <-received
	assert.Equal(t, "0000123-25-000001", body["filing_id"])
	assert.Equal(t, "8-K: CFO appointed", body["summary_of_change"])
}

func TestSinkReportsStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewSink(server.URL, "", time.Second).Push(context.Background(), domain.Notification{FilingID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	assert.Error(t, NewSink("", "", 0).Push(context.Background(), domain.Notification{}))
}
