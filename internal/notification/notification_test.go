package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	got   []*Notification
	err   error
	block chan struct{}
}

func (r *recordingNotifier) Name() string    { return "recorder" }
func (r *recordingNotifier) IsEnabled() bool { return true }
func (r *recordingNotifier) Send(_ context.Context, n *Notification) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestNotifyDoesNotBlockOnSlowProvider(t *testing.T) {
	slow := &recordingNotifier{block: make(chan struct{})}
	m := NewManager(zerolog.Nop())
	m.AddNotifier(slow)

	start := time.Now()
	m.Notify("CRITICAL: liquidation failed", "all positions")
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, slow.count())

	close(slow.block)
	require.True(t, m.Flush(time.Second))
	require.Equal(t, 1, slow.count())
	assert.Equal(t, SeverityCritical, slow.got[0].Severity)
}

func TestNotifySwallowsProviderErrors(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("down")}
	ok := &recordingNotifier{}
	m := NewManager(zerolog.Nop())
	m.AddNotifier(failing)
	m.AddNotifier(ok)

	m.Notify("Gap alert", "AAPL -6.2%")
	require.True(t, m.Flush(time.Second))
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, SeverityWarning, ok.got[0].Severity)
}

func TestTelegramNotifier(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier(TelegramConfig{BotToken: "TOKEN", ChatID: "42", Enabled: true, APIBase: srv.URL})
	require.True(t, n.IsEnabled())
	err := n.Send(context.Background(), &Notification{Severity: SeverityCritical, Title: "Breaker", Message: "tripped"})
	require.NoError(t, err)
	assert.Equal(t, "42", payload["chat_id"])
	assert.Contains(t, payload["text"], "Breaker")
}

func TestDiscordNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true})
	err := n.Send(context.Background(), &Notification{Title: "x", Timestamp: time.Now()})
	assert.ErrorContains(t, err, "429")
}

func TestDisabledNotifiers(t *testing.T) {
	assert.False(t, NewTelegramNotifier(TelegramConfig{Enabled: true}).IsEnabled())
	assert.False(t, NewDiscordNotifier(DiscordConfig{Enabled: true}).IsEnabled())
}
