package deliver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	mail "github.com/go-mail/mail/v2"

	"github.com/ignite/campaign-engine/internal/domain"
)

// SMTPConfig holds the dial settings for the default pluggable sender.
// Mirrors ackify-ce's config.MailConfig, trimmed to what the delivery
// worker needs (no template locale/subject-prefix concerns here — those
// belong to the HTML Rewriter / campaign definition, not the transport).
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                bool // implicit TLS/SSL, typically port 465
	StartTLS           bool // explicit STARTTLS, typically port 587
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SMTPSender is the default Sender implementation, grounded directly on
// ackify-ce's email.SMTPSender dial/TLS/timeout handling.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender creates an SMTP-backed Sender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send dials the configured SMTP host and sends msg as a multipart
// text/html message. Errors are returned directly (not classified here);
// the worker's CLASSIFY_ERROR step (spec 4.5) inspects the error text for
// throttle signals and permanent-failure codes.
func (s *SMTPSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.cfg.Host == "" {
		return nil, fmt.Errorf("smtp sender: host not configured")
	}

	m := mail.NewMessage()
	m.SetHeader("From", m.FormatAddress(msg.FromEmail, msg.FromName))
	m.SetHeader("To", msg.Email)
	m.SetHeader("Subject", msg.Subject)
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}
	m.SetBody("text/plain", msg.TextContent)
	m.AddAlternative("text/html", msg.HTMLContent)
	for _, att := range msg.Attachments {
		data := att.Data
		m.Attach(att.Filename, mail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}))
	}

	d := mail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	if s.cfg.TLS {
		d.SSL = true
		d.TLSConfig = &tls.Config{ServerName: s.cfg.Host, InsecureSkipVerify: s.cfg.InsecureSkipVerify}
	} else if s.cfg.StartTLS {
		d.TLSConfig = &tls.Config{ServerName: s.cfg.Host, InsecureSkipVerify: s.cfg.InsecureSkipVerify}
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d.Timeout = timeout

	if err := d.DialAndSend(m); err != nil {
		return nil, fmt.Errorf("smtp sender: send: %w", err)
	}

	return &domain.SendResult{
		Success: true,
		ESPType: domain.ESPSMTP,
		SentAt:  time.Now(),
	}, nil
}
