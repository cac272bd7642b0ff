package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
)

// Webhook POSTs events as JSON. A circuit breaker stops hammering an
// endpoint that keeps failing; while it is open events are dropped.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker[struct{}]
	log     logger.Logger
}

var _ Notifier = (*Webhook)(nil)

func NewWebhook(cfg config.WebhookConfig, log logger.Logger) *Webhook {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("channel", "webhook")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &Webhook{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
	w.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify-webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return w
}

func (w *Webhook) Notify(ctx context.Context, eventType string, data map[string]any) error {
	body, err := json.Marshal(newMessage(eventType, data))
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrDelivery, eventType, err)
	}
	_, err = w.cb.Execute(func() (struct{}, error) {
		return struct{}{}, w.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		w.log.Warn("webhook circuit open, event dropped", "event", eventType)
	}
	if err != nil {
		return fmt.Errorf("%w: webhook %s: %w", ErrDelivery, eventType, err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
