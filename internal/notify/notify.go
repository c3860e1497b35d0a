// Package notify delivers operator messages by email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/kiranshivaraju/visionjobs/internal/config"
)

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier mails every notification to the admin list.
type SMTPNotifier struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	send sendFunc
	now  func() time.Time
}

// NewSMTPNotifier creates a notifier for cfg. Auth is only used when a
// username is configured.
func NewSMTPNotifier(cfg config.EmailConfig) *SMTPNotifier {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}
	return &SMTPNotifier{
		addr: fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		auth: auth,
		from: cfg.From,
		to:   cfg.AdminEmails,
		send: smtp.SendMail,
		now:  time.Now,
	}
}

func (n *SMTPNotifier) Notify(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(n.to) == 0 {
		return errors.New("no recipients configured")
	}
	if err := n.send(n.addr, n.auth, n.from, n.to, n.message(subject, body)); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	slog.Info("operator email sent", "subject", subject, "recipients", len(n.to))
	return nil
}

func (n *SMTPNotifier) message(subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + n.from + "\r\n")
	b.WriteString("To: " + strings.Join(n.to, ", ") + "\r\n")
	b.WriteString("Subject: " + headerSafe(subject) + "\r\n")
	b.WriteString("Date: " + n.now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-version: 1.0\r\n")
	b.WriteString(`Content-Type: text/plain; charset="UTF-8"` + "\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// headerSafe keeps a subject on one header line.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// LogNotifier writes notifications to the log. It stands in when mail
// is not configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, subject, body string) error {
	slog.Warn("operator notification", "subject", subject, "body", body)
	return nil
}

// Notifier is the operator notification channel.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// New returns an SMTPNotifier when mail is configured and a LogNotifier otherwise.
func New(cfg config.EmailConfig) Notifier {
	if !cfg.Enabled() {
		slog.Info("email not configured, operator notifications go to the log")
		return LogNotifier{}
	}
	return NewSMTPNotifier(cfg)
}
