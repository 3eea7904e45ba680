package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// webhookQueueSize is the bounded channel capacity for outbound reports.
const webhookQueueSize = 256

type webhookReport struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Webhook posts reports to an external HTTP endpoint. Reports are queued
// without blocking and sent by a background goroutine; when the queue is
// full they are dropped with a warning.
type Webhook struct {
	url        string
	authHeader string // "Header: Value"
	client     *http.Client
	logger     *slog.Logger
	reports    chan webhookReport
	wg         sync.WaitGroup
	closeOnce  sync.Once
	retryDelay time.Duration
}

var _ Reporter = (*Webhook)(nil)

// NewWebhook starts a dispatcher posting to url. authHeader, when set, is a
// "Header: Value" pair added to every request.
func NewWebhook(url, authHeader string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "error_webhook"),
		reports:    make(chan webhookReport, webhookQueueSize),
		retryDelay: time.Second,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Webhook) Log(_ context.Context, err error) {
	if err == nil {
		return
	}
	r := webhookReport{Error: err.Error(), Timestamp: time.Now().UTC().Format(time.RFC3339)}
	select {
	case w.reports <- r:
	default:
		w.logger.Warn("queue full, dropping report", "error", r.Error)
	}
}

// Close drains queued reports and stops the dispatcher. Log must not be
// called after Close.
func (w *Webhook) Close() {
	w.closeOnce.Do(func() {
		close(w.reports)
		w.wg.Wait()
	})
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for r := range w.reports {
		w.send(r)
	}
}

// send POSTs the report with one retry on a 5xx or transport error.
func (w *Webhook) send(r webhookReport) {
	body, err := json.Marshal(r)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}
		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "keystate-error-reporter/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			w.logger.Warn("client error", "status", resp.StatusCode)
			return
		}
	}
}
