package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Log(context.Background(), nil)
	r.Log(context.Background(), fmt.Errorf("wrapped: %w", errBoom))
	require.Len(t, r.Errors(), 1)
	assert.True(t, r.Contains(errBoom))
	r.Reset()
	assert.Empty(t, r.Errors())
	assert.False(t, r.Contains(errBoom))
}

func TestSlogWritesError(t *testing.T) {
	var buf bytes.Buffer
	rep := NewSlog(slog.New(slog.NewJSONHandler(&buf, nil)))
	rep.Log(context.Background(), errBoom)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "error_reporter", entry["component"])
}

func TestMulti(t *testing.T) {
	var a, b Recorder
	Multi{&a, &b}.Log(context.Background(), errBoom)
	assert.Len(t, a.Errors(), 1)
	assert.Len(t, b.Errors(), 1)
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received webhookReport
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "Authorization: Bearer t0k", nil)
	wh.Log(context.Background(), errBoom)
	wh.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "boom", received.Error)
	assert.Equal(t, "Bearer t0k", auth)
	_, err := time.Parse(time.RFC3339, received.Timestamp)
	assert.NoError(t, err)
}

func TestWebhookRetriesOn5xxOnly(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		want     int32
	}{
		{"RetryOn500", []int{http.StatusInternalServerError, http.StatusOK}, 2},
		{"NoRetryOn400", []int{http.StatusBadRequest}, 1},
		{"GiveUpAfterTwo", []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusOK}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := attempts.Add(1)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer srv.Close()

			wh := NewWebhook(srv.URL, "", nil)
			wh.retryDelay = time.Millisecond
			wh.Log(context.Background(), errBoom)
			wh.Close()
			assert.Equal(t, tt.want, attempts.Load())
		})
	}
}
