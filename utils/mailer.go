package utils

import (
	"context"
	"fmt"

	"github.com/badoux/checkmail"
	"gopkg.in/gomail.v2"

	"leadnexy/config"
	"leadnexy/engine"
)

// EmailSender delivers sequence steps over SMTP. It satisfies engine.Sender.
type EmailSender struct {
	cfg config.SMTPConfig
}

func NewEmailSender(cfg config.SMTPConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

// Send dials SMTP and delivers one message. The format check runs before the
// dial so a garbage address fails without burning a retry budget on it.
func (s *EmailSender) Send(ctx context.Context, to, subject, body string) error {
	if err := checkmail.ValidateFormat(to); err != nil {
		return engine.InvalidRecipient(fmt.Errorf("invalid email address %q: %w", to, err))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.FromEmail))
	m.SetHeader("To", to)
	if subject != "" {
		m.SetHeader("Subject", subject)
	}
	m.SetBody("text/plain", body)

	d := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)

	// gomail has no context support; run the dial in a goroutine so the
	// dispatcher's send timeout still applies.
	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return engine.ProviderError(fmt.Errorf("smtp send to %s failed: %w", to, err))
		}
		return nil
	case <-ctx.Done():
		return engine.ProviderError(ctx.Err())
	}
}
