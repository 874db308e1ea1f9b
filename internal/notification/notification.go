package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity of a notification
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification represents a notification message
type Notification struct {
	Severity  Severity
	Title     string
	Message   string
	Symbol    string
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider. Notify never
// blocks the caller and never reports delivery failures back to it.
type Manager struct {
	notifiers   []Notifier
	sendTimeout time.Duration
	logger      zerolog.Logger
	wg          sync.WaitGroup
	mu          sync.RWMutex
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers:   make([]Notifier, 0),
		sendTimeout: 10 * time.Second,
		logger:      logger.With().Str("component", "Alerter").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Notify pages operators asynchronously. Titles starting with "CRITICAL" or
// "EMERGENCY" are sent with critical severity.
func (m *Manager) Notify(title, details string) {
	severity := SeverityWarning
	upper := strings.ToUpper(title)
	if strings.HasPrefix(upper, "CRITICAL") || strings.HasPrefix(upper, "EMERGENCY") {
		severity = SeverityCritical
	}
	m.Dispatch(&Notification{
		Severity:  severity,
		Title:     title,
		Message:   details,
		Timestamp: time.Now(),
	})
}

// Dispatch sends a prepared notification asynchronously
func (m *Manager) Dispatch(n *Notification) {
	m.mu.RLock()
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.mu.RUnlock()

	for _, notifier := range notifiers {
		if !notifier.IsEnabled() {
			continue
		}
		m.wg.Add(1)
		go func(notifier Notifier) {
			defer m.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Str("notifier", notifier.Name()).Msg("Notifier panicked")
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
			defer cancel()
			if err := notifier.Send(ctx, n); err != nil {
				m.logger.Warn().Err(err).Str("notifier", notifier.Name()).Str("title", n.Title).Msg("Notification delivery failed")
			}
		}(notifier)
	}
}

// Flush waits up to timeout for in-flight notifications
func (m *Manager) Flush(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes alerts to the structured log
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that always logs
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "AlertLog").Logger()}
}

func (l *LogNotifier) Name() string {
	return "log"
}

func (l *LogNotifier) IsEnabled() bool {
	return true
}

func (l *LogNotifier) Send(_ context.Context, n *Notification) error {
	ev := l.logger.Warn()
	if n.Severity == SeverityCritical {
		ev = l.logger.Error()
	}
	ev.Str("severity", string(n.Severity)).Str("title", n.Title).Str("details", n.Message).Msg("ALERT")
	return nil
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	APIBase  string `json:"api_base" yaml:"api_base"`
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	base := config.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		apiBase:  strings.TrimRight(base, "/"),
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, notification *Notification) error {
	if !t.enabled {
		return nil
	}

	prefix := "⚠️"
	if notification.Severity == SeverityCritical {
		prefix = "🚨"
	}
	message := fmt.Sprintf("%s *%s*\n\n%s", prefix, notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	status, err := postJSON(ctx, t.client, url, payload)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", status)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0xFFA500 // Orange
	if notification.Severity == SeverityCritical {
		color = 0xFF0000 // Red
	} else if notification.Severity == SeverityInfo {
		color = 0x00FF00 // Green
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}
	if notification.Symbol != "" {
		embed["fields"] = []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	status, err := postJSON(ctx, d.client, d.webhookURL, payload)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", status)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) (int, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
