// Package notify dispatches side effects that happen after a transaction
// commits: OTP mails and real-time friend events.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/circlely/server/internal/logging"
	"github.com/wneessen/go-mail"
)

// Mailer sends a plain text mail
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig holds SMTP connection settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer delivers mail through an SMTP relay
type SMTPMailer struct {
	cfg SMTPConfig
	log *slog.Logger
}

// NewSMTPMailer creates a mailer for cfg
func NewSMTPMailer(cfg SMTPConfig, log *slog.Logger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, log: log}
}

func (m *SMTPMailer) buildMessage(to, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

func (m *SMTPMailer) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	return mail.NewClient(m.cfg.Host, opts...)
}

// Send dials the relay and delivers one message
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg, err := m.buildMessage(to, subject, body)
	if err != nil {
		return err
	}
	c, err := m.client()
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	m.log.Info("mail sent", "to", logging.MaskEmail(to), "subject", subject)
	return nil
}

// LogMailer only logs that a mail would have been sent. The body is never logged.
type LogMailer struct {
	log *slog.Logger
}

// NewLogMailer creates a mailer used when no SMTP host is configured
func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(_ context.Context, to, subject, _ string) error {
	m.log.Info("mail suppressed (no SMTP configured)", "to", logging.MaskEmail(to), "subject", subject)
	return nil
}

// OTPMail renders the subject and body of a passcode mail that stays valid for ttl
func OTPMail(code, purpose string, ttl time.Duration) (subject, body string) {
	expiry := expiresIn(ttl)
	switch purpose {
	case "reset":
		subject = "Your password reset code"
		body = fmt.Sprintf("Use this code to reset your password: %s\n\nIt expires in %s. If you did not ask for a reset, ignore this mail.\n", code, expiry)
	default:
		subject = "Your login code"
		body = fmt.Sprintf("Use this code to finish signing in: %s\n\nIt expires in %s.\n", code, expiry)
	}
	return subject, body
}

func expiresIn(ttl time.Duration) string {
	switch {
	case ttl == time.Minute:
		return "1 minute"
	case ttl > 0 && ttl%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(ttl/time.Minute))
	default:
		return ttl.String()
	}
}
