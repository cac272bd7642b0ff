package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/kebairia/drbackup/internal/config"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends one plain-text mail per event over SMTP.
type Email struct {
	cfg  config.EmailConfig
	send sendFunc
}

var _ Notifier = (*Email)(nil)

func NewEmail(cfg config.EmailConfig) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Email{cfg: cfg, send: smtp.SendMail}
}

func (e *Email) Notify(ctx context.Context, eventType string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: email %s: %w", ErrDelivery, eventType, err)
	}
	msg, err := e.message(newMessage(eventType, data))
	if err != nil {
		return fmt.Errorf("%w: email %s: %w", ErrDelivery, eventType, err)
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	if err := e.send(addr, auth, e.cfg.From, e.cfg.To, msg); err != nil {
		return fmt.Errorf("%w: email %s: %w", ErrDelivery, eventType, err)
	}
	return nil
}

func (e *Email) message(m Message) ([]byte, error) {
	body, err := json.MarshalIndent(m.Data, "", "  ")
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [drbackup] %s\r\n", m.Type)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s at %s\r\n\r\n", m.Type, m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	b.Write(body)
	b.WriteString("\r\n")
	return []byte(b.String()), nil
}
