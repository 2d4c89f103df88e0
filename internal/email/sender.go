package email

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/rs/zerolog"

	"leadflow/crm/internal/config"
	"leadflow/crm/internal/logger"
)

// Sender defines the interface for sending emails.
// The rawMessage parameter should contain the full email message, including headers and body, properly formatted.
type Sender interface {
	Send(ctx context.Context, to []string, subject string, rawMessage []byte) error
}

// SMTPSender implements the Sender interface using Go's net/smtp package.
type SMTPSender struct {
	cfg  *config.Config
	auth smtp.Auth
	addr string
	log  zerolog.Logger
}

// NewSMTPSender creates a new SMTPSender, or a LoggingSender when no SMTP host is configured.
func NewSMTPSender(cfg *config.Config) Sender {
	log := logger.WithComponent("email")
	if cfg.SmtpHost == "" {
		log.Warn().Msg("SMTP host not configured, using logging email sender")
		return &LoggingSender{cfg: cfg, log: log}
	}

	return &SMTPSender{
		cfg:  cfg,
		auth: smtp.PlainAuth("", cfg.SmtpUsername, cfg.SmtpPassword, cfg.SmtpHost),
		addr: fmt.Sprintf("%s:%d", cfg.SmtpHost, cfg.SmtpPort),
		log:  log,
	}
}

// Send sends an email using SMTP. rawMessage already carries all headers.
func (s *SMTPSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	if err := smtp.SendMail(s.addr, s.auth, s.cfg.SmtpFromAddress, to, rawMessage); err != nil {
		s.log.Error().Err(err).Strs("to", to).Msg("failed to send email via SMTP")
		return fmt.Errorf("smtp error: %w", err)
	}
	s.log.Info().Strs("to", to).Str("subject", subject).Msg("email sent via SMTP")
	return nil
}

// LoggingSender just logs email details. Used in development when SMTP isn't configured.
type LoggingSender struct {
	cfg *config.Config
	log zerolog.Logger
}

func (s *LoggingSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	s.log.Info().
		Strs("to", to).
		Str("from", s.cfg.SmtpFromAddress).
		Str("subject", subject).
		Str("raw", string(rawMessage)).
		Msg("email logged instead of sent")
	return nil
}
