// Package email delivers transactional mail through SendGrid.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arcade-points/internal/config"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// ErrNotConfigured is returned when the API key or sender address is missing
var ErrNotConfigured = errors.New("email delivery is not configured")

// sender is the part of *sendgrid.Client the mailer uses
type sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Mailer sends HTML mail through the SendGrid v3 API
type Mailer struct {
	client   sender
	from     *mail.Email
	subject  string
	template *CodeTemplate
	logger   *slog.Logger
}

// NewMailer creates a mailer. An unconfigured mailer is still returned; every
// send then fails with ErrNotConfigured.
func NewMailer(cfg *config.EmailConfig, codeTTLMinutes int, logger *slog.Logger) *Mailer {
	m := &Mailer{
		from:     mail.NewEmail(cfg.Name, cfg.From),
		subject:  cfg.Subject,
		template: NewCodeTemplate(codeTTLMinutes),
		logger:   logger,
	}
	if cfg.Configured() {
		m.client = sendgrid.NewSendClient(cfg.APIKey)
	}
	return m
}

// Configured reports whether sends can be attempted
func (m *Mailer) Configured() bool {
	return m.client != nil
}

// Send delivers one message. Transport errors and non-2xx responses are
// returned as errors.
func (m *Mailer) Send(ctx context.Context, to, subject, html string) error {
	if m.client == nil {
		return ErrNotConfigured
	}

	message := mail.NewSingleEmail(m.from, subject, mail.NewEmail("", to), "", html)
	resp, err := m.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid error: %d %s", resp.StatusCode, resp.Body)
	}

	m.logger.Debug("email sent", "status", resp.StatusCode)
	return nil
}

// SendCode renders the verification template and sends it
func (m *Mailer) SendCode(ctx context.Context, to, code string) error {
	html, err := m.template.Render(code)
	if err != nil {
		return err
	}
	return m.Send(ctx, to, m.subject, html)
}
