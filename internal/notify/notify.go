// Package notify delivers operational events to operators. Delivery is best
// effort: callers log a failed notification and carry on.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
)

// Event types.
const (
	BackupCompleted    = "backup.completed"
	BackupFailed       = "backup.failed"
	BackupFallback     = "backup.fallback"
	VerifyCompleted    = "verify.completed"
	VerifyFailed       = "verify.failed"
	RetentionCompleted = "retention.completed"
	RestoreStarted     = "restore.started"
	RestoreApplied     = "restore.applied"
	RestoreCompleted   = "restore.completed"
	RestoreFailed      = "restore.failed"
)

// Recovery returns the event type for a disaster recovery outcome, e.g.
// "dr.ransomware.failed".
func Recovery(scenario, outcome string) string {
	return "dr." + scenario + "." + outcome
}

var ErrDelivery = errors.New("notification delivery failed")

// Message is what every channel delivers.
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, eventType string, data map[string]any) error
}

type nop struct{}

func (nop) Notify(context.Context, string, map[string]any) error { return nil }

// Nop discards every event.
func Nop() Notifier { return nop{} }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, eventType string, data map[string]any) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, eventType, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the configured channels. With none configured it returns Nop.
func New(cfg config.NotifyConfig, log logger.Logger) Notifier {
	var m Multi
	if cfg.Webhook.URL != "" {
		m = append(m, NewWebhook(cfg.Webhook, log))
	}
	if cfg.Email.Host != "" {
		m = append(m, NewEmail(cfg.Email))
	}
	switch len(m) {
	case 0:
		return Nop()
	case 1:
		return m[0]
	}
	return m
}

func newMessage(eventType string, data map[string]any) Message {
	if data == nil {
		data = map[string]any{}
	}
	return Message{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}
