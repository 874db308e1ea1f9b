package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLLM struct {
	answer string
	err    error
	prompt string
}

func (s *stubLLM) Complete(_ context.Context, _, user string) (string, error) {
	s.prompt = user
	return s.answer, s.err
}

func TestConsultParsesFencedJSON(t *testing.T) {
	llm := &stubLLM{answer: "```json\n{\"decision\":\"tighten_stop\",\"confidence\":0.82,\"tighten_pct\":0.03,\"rationale\":\"earnings miss\"}\n```"}
	a := New(llm, zerolog.Nop())

	d, err := a.Consult(context.Background(), AlertContext{Symbol: "AAPL", Session: "pre_market", MovePct: -6.2, CurrentPrice: 93.8, ReferenceClose: 100})
	require.NoError(t, err)
	assert.Equal(t, ActionTightenStop, d.Action)
	assert.InDelta(t, 0.82, d.Confidence, 1e-9)
	assert.InDelta(t, 0.03, d.TightenPct, 1e-9)
	assert.True(t, d.Actionable())
	assert.Contains(t, llm.prompt, "AAPL")
	assert.Contains(t, llm.prompt, "-6.20%")
}

func TestConsultNormalizesUnknownAction(t *testing.T) {
	a := New(&stubLLM{answer: `{"decision":"DOUBLE_DOWN","confidence":1.4}`}, zerolog.Nop())

	d, err := a.Consult(context.Background(), AlertContext{Symbol: "TSLA"})
	require.NoError(t, err)
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, 1.0, d.Confidence)
	assert.False(t, d.Actionable())
}

func TestConsultErrors(t *testing.T) {
	_, err := New(&stubLLM{err: errors.New("timeout")}, zerolog.Nop()).Consult(context.Background(), AlertContext{})
	assert.ErrorContains(t, err, "timeout")

	_, err = New(&stubLLM{answer: "I think you should sell"}, zerolog.Nop()).Consult(context.Background(), AlertContext{})
	assert.ErrorContains(t, err, "parse")
}

func TestClientClaudeRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		var req claudeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, systemPrompt, req.System)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"decision\":\"SELL\",\"confidence\":0.9}"}]}`))
	}))
	defer srv.Close()

	cfg := DefaultClientConfig()
	cfg.APIKey = "secret"
	cfg.Endpoint = srv.URL
	client, err := NewClient(cfg)
	require.NoError(t, err)

	d, err := New(client, zerolog.Nop()).Consult(context.Background(), AlertContext{Symbol: "NVDA"})
	require.NoError(t, err)
	assert.Equal(t, ActionSell, d.Action)
}

func TestClientOpenAIErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	}))
	defer srv.Close()

	cfg := DefaultClientConfig()
	cfg.Provider = ProviderOpenAI
	cfg.APIKey = "k"
	cfg.Endpoint = srv.URL
	cfg.RetryMax = 0
	client, err := NewClient(cfg)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "sys", "user")
	assert.ErrorContains(t, err, "bad key")
}

func TestNewClientRejectsUnknownProvider(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Provider = "mystery"
	_, err := NewClient(cfg)
	assert.Error(t, err)
}
