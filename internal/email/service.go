package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/notification"
)

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Host         string   `json:"host" yaml:"host"`
	Port         string   `json:"port" yaml:"port"`
	Username     string   `json:"username" yaml:"username"`
	Password     string   `json:"-" yaml:"-"`
	From         string   `json:"from" yaml:"from"`
	FromName     string   `json:"from_name" yaml:"from_name"`
	To           []string `json:"to" yaml:"to"`
	CriticalOnly bool     `json:"critical_only" yaml:"critical_only"`
}

// Configured reports whether every field needed to send is present
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Port != "" && c.From != "" && len(c.To) > 0
}

type sendFunc func(ctx context.Context, cfg SMTPConfig, msg []byte) error

// Notifier delivers operator alerts by email
type Notifier struct {
	config SMTPConfig
	send   sendFunc
}

// NewNotifier creates an SMTP notifier
func NewNotifier(config SMTPConfig) *Notifier {
	if config.FromName == "" {
		config.FromName = "Position Guard"
	}
	return &Notifier{config: config, send: sendSMTP}
}

func (n *Notifier) Name() string {
	return "email"
}

func (n *Notifier) IsEnabled() bool {
	return n.config.Enabled && n.config.Configured()
}

// Send emails the alert. With CriticalOnly set, lesser alerts are dropped.
func (n *Notifier) Send(ctx context.Context, alert *notification.Notification) error {
	if n.config.CriticalOnly && alert.Severity != notification.SeverityCritical {
		return nil
	}
	msg := buildMessage(n.config, alert)
	if err := n.send(ctx, n.config, msg); err != nil {
		return fmt.Errorf("SMTP error: %w", err)
	}
	return nil
}

func buildMessage(cfg SMTPConfig, alert *notification.Notification) []byte {
	from := cfg.From
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.From)
	}

	subject := alert.Title
	if alert.Severity != "" {
		subject = fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title)
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var body strings.Builder
	body.WriteString(alert.Message)
	body.WriteString("\r\n\r\n")
	if alert.Symbol != "" {
		body.WriteString("Symbol: " + alert.Symbol + "\r\n")
	}
	body.WriteString("Time: " + ts.UTC().Format(time.RFC3339) + "\r\n")

	return []byte(
		"From: " + from + "\r\n" +
			"To: " + strings.Join(cfg.To, ", ") + "\r\n" +
			"Subject: " + sanitizeHeader(subject) + "\r\n" +
			"Date: " + ts.Format(time.RFC1123Z) + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n" +
			"\r\n" +
			body.String(),
	)
}

// sanitizeHeader keeps alert text from injecting extra headers
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// sendSMTP uses implicit TLS on port 465 and STARTTLS elsewhere when the
// server offers it
func sendSMTP(ctx context.Context, cfg SMTPConfig, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	var (
		conn net.Conn
		err  error
	)
	if cfg.Port == "465" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: cfg.Host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if cfg.Port != "465" {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}

	if cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, recipient := range cfg.To {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to add recipient: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}
