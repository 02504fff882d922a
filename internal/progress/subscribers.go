package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iconidentify/genqueue/internal/domain"
)

// ErrSlowSubscriber is returned when a channel subscriber's buffer is full.
var ErrSlowSubscriber = errors.New("subscriber channel full")

// ChannelSubscriber bridges the bus to a buffered channel. Sends never
// block: when the buffer is full the envelope is dropped and the miss is
// counted against the subscriber.
type ChannelSubscriber struct {
	ch chan domain.Envelope
}

// NewChannelSubscriber creates a channel subscriber with the given buffer.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelSubscriber{ch: make(chan domain.Envelope, buffer)}
}

// Handle enqueues the envelope without blocking.
func (c *ChannelSubscriber) Handle(env domain.Envelope) error {
	select {
	case c.ch <- env:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

// Events returns the receive side of the subscriber.
func (c *ChannelSubscriber) Events() <-chan domain.Envelope {
	return c.ch
}

// WebhookSubscriber POSTs envelopes to a callback URL. Delivery is
// best-effort with a short per-request timeout so a slow endpoint cannot
// back up the bus.
type WebhookSubscriber struct {
	url      string
	client   *http.Client
	attempts int
	logger   *slog.Logger
}

// NewWebhookSubscriber creates a webhook subscriber for the given URL.
func NewWebhookSubscriber(url string, timeout time.Duration, logger *slog.Logger) *WebhookSubscriber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSubscriber{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		attempts: 2,
		logger:   logger,
	}
}

// Handle delivers one envelope to the callback URL, retrying once on
// transport errors or 5xx responses.
func (w *WebhookSubscriber) Handle(env domain.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.attempts; attempt++ {
		retryable, err := w.post(body)
		if err == nil {
			return nil
		}
		lastErr = err
		w.logger.Warn("callback delivery failed",
			"url", w.url,
			"attempt", attempt+1,
			"error", err,
		)
		if !retryable {
			return err
		}
	}
	return lastErr
}

func (w *WebhookSubscriber) post(body []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return true, fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return false, nil
}
