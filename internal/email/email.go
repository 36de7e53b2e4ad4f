package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"field-access-control/internal/config"

	"github.com/inbucket/html2text"
	"github.com/wneessen/go-mail"
)

var ErrNotConfigured = errors.New("email is not configured")

// Message represents an email message
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string // optional, will be auto-generated from HTML if empty
}

type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Client sends mail through the configured SMTP relay.
type Client struct {
	cfg    config.EmailConfig
	logger *slog.Logger
}

func NewClient(cfg config.EmailConfig) (*Client, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, ErrNotConfigured
	}
	return &Client{cfg: cfg, logger: slog.With("component", "email")}, nil
}

// NewSender returns an SMTP client, or a LogSender when no relay is
// configured.
func NewSender(cfg config.EmailConfig) Sender {
	client, err := NewClient(cfg)
	if err != nil {
		slog.Warn("SMTP relay not configured, mail will only be logged")
		return LogSender{}
	}
	return client
}

// Send sends an email message
func (c *Client) Send(ctx context.Context, msg *Message) error {
	m, err := c.buildMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	opts := []mail.Option{
		mail.WithPort(c.cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if c.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(c.cfg.Username),
			mail.WithPassword(c.cfg.Password),
		)
	}
	client, err := mail.NewClient(c.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return err
	}
	c.logger.Info("Sent email", "to", msg.To, "subject", msg.Subject)
	return nil
}

// buildMessage creates a multipart/alternative message with a plain text
// body and an HTML alternative.
func (c *Client) buildMessage(msg *Message) (*mail.Msg, error) {
	if msg.Text == "" {
		text, err := htmlToText(msg.HTML)
		if err != nil {
			return nil, fmt.Errorf("failed to convert HTML to text: %w", err)
		}
		msg.Text = text
	}

	m := mail.NewMsg()
	if err := m.From(c.cfg.From); err != nil {
		return nil, err
	}
	if err := m.To(msg.To...); err != nil {
		return nil, err
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}
	return m, nil
}

// LogSender stands in for SMTP in development. Bodies are not logged since
// they carry login codes.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg *Message) error {
	slog.Info("Email delivery skipped, no SMTP relay", "to", msg.To, "subject", msg.Subject)
	return nil
}

// htmlToText converts HTML to plain text
func htmlToText(htmlContent string) (string, error) {
	text, err := html2text.FromString(htmlContent, html2text.Options{
		PrettyTables: true,
		OmitLinks:    false,
	})
	if err != nil {
		slog.Error("failed to convert HTML to text", "error", err)
		return "", err
	}
	return text, nil
}
