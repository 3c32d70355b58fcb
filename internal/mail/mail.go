// Package mail delivers notifications over SMTP.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/bulkload/bulkload/internal/config"
)

const (
	fromName    = "Bulk Load"
	dialTimeout = 30 * time.Second
)

// SMTP sends one message per connection.
type SMTP struct {
	client *gomail.Client
	from   string
	logger *slog.Logger
}

func NewSMTP(cfg config.SMTPConfig, logger *slog.Logger) (*SMTP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTimeout(dialTimeout),
	}
	switch cfg.TLS {
	case "tls":
		opts = append(opts, gomail.WithSSL())
	case "none":
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthAutoDiscover),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}

	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTP{client: client, from: cfg.From, logger: logger}, nil
}

func (s *SMTP) Send(ctx context.Context, to, subject, body string, html bool) error {
	msg, err := newMessage(s.from, to, subject, body, html)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	s.logger.Debug("mail sent", "to", to)
	return nil
}

func newMessage(from, to, subject, body string, html bool) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(fromName, from); err != nil {
		return nil, fmt.Errorf("sender %q: %w", from, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("recipient %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetDate()
	msg.SetMessageID()

	contentType := gomail.TypeTextPlain
	if html {
		contentType = gomail.TypeTextHTML
	}
	msg.SetBodyString(contentType, body)
	return msg, nil
}
