package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/auth"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/autopilot"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/circuit"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/events"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/protection"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeGuard struct {
	mu      sync.Mutex
	state   autopilot.State
	results map[string]protection.Result
	flags   []string
	stopped int
}

func (g *fakeGuard) Status() autopilot.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return autopilot.Status{State: g.state, Cycle: 7, SessionDay: "2026-03-10"}
}

func (g *fakeGuard) ProtectionResults() map[string]protection.Result { return g.results }
func (g *fakeGuard) Flags() []string                                 { return g.flags }

func (g *fakeGuard) Stop() {
	g.mu.Lock()
	g.stopped++
	g.mu.Unlock()
}

func newGuard() *fakeGuard {
	return &fakeGuard{
		state: autopilot.StateRunning,
		results: map[string]protection.Result{
			"TSLA": {Symbol: "TSLA", Status: protection.Unprotected, Qty: 5},
			"AAPL": {Symbol: "AAPL", Status: protection.Protected, Qty: 10, Evidence: "stop", OrderID: "o-1"},
		},
		flags: []string{"AAPL:profit_level:0"},
	}
}

type harness struct {
	server *Server
	guard  *fakeGuard
	bus    *events.EventBus
	jwt    *auth.JWTManager
}

func newHarness(t *testing.T, withAuth bool) *harness {
	t.Helper()
	h := &harness{guard: newGuard(), bus: events.NewEventBus()}

	var handlers *auth.Handlers
	if withAuth {
		hash, err := auth.HashPassword("Correct-Horse-9", bcrypt.MinCost)
		require.NoError(t, err)
		cfg := auth.DefaultConfig()
		cfg.OperatorPassHash = hash
		h.jwt = auth.NewJWTManager("api-test-secret", time.Minute)
		handlers = auth.NewHandlers(h.jwt, cfg, zerolog.Nop())
	}

	breaker := circuit.NewCircuitBreaker(circuit.DefaultCircuitBreakerConfig())
	breaker.StartSession("2026-03-10", 100000)

	h.server = NewServer(ServerConfig{AllowedOrigins: []string{"*"}}, h.guard, breaker, h.bus, h.jwt, handlers, zerolog.Nop())
	t.Cleanup(h.server.hub.Stop)
	return h
}

func (h *harness) do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, false)

	w := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RUNNING", decode(t, w)["state"])
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))

	h.guard.state = autopilot.StateStopped
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/health", "", nil).Code)
}

func TestReadEndpointsWithoutAuth(t *testing.T) {
	h := newHarness(t, false)

	w := h.do(http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "RUNNING", data["state"])
	assert.EqualValues(t, 7, data["cycle"])

	w = h.do(http.MethodGet, "/api/flags", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["data"].(map[string]interface{})["count"])

	w = h.do(http.MethodGet, "/api/circuit", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "start_equity")
}

func TestProtectionSortedAndFiltered(t *testing.T) {
	h := newHarness(t, false)

	w := h.do(http.MethodGet, "/api/protection", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	rows := data["positions"].([]interface{})
	require.Len(t, rows, 2)
	assert.Equal(t, "AAPL", rows[0].(map[string]interface{})["symbol"])
	assert.EqualValues(t, 1, data["unprotected"])

	w = h.do(http.MethodGet, "/api/protection?status=UNPROTECTED", "", nil)
	rows = decode(t, w)["data"].(map[string]interface{})["positions"].([]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, "TSLA", rows[0].(map[string]interface{})["symbol"])
}

func TestShutdownRefusedWithoutAuth(t *testing.T) {
	h := newHarness(t, false)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/api/shutdown", "", nil).Code)
	assert.Zero(t, h.guard.stopped)
}

func TestShutdownWithToken(t *testing.T) {
	h := newHarness(t, true)

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/status", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/api/shutdown", "", nil).Code)

	body, _ := json.Marshal(auth.LoginRequest{Username: "operator", Password: "Correct-Horse-9"})
	w := h.do(http.MethodPost, "/api/auth/login", "", body)
	require.Equal(t, http.StatusOK, w.Code)
	token := decode(t, w)["access_token"].(string)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/status", token, nil).Code)
	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/api/shutdown", token, nil).Code)
	assert.Equal(t, 1, h.guard.stopped)

	h.guard.state = autopilot.StateStopped
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/shutdown", token, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, false)
	w := h.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func dial(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func readType(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(msg, &env))
	return env["type"].(string)
}

func TestWebSocketStreamsBusEvents(t *testing.T) {
	h := newHarness(t, false)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	conn, _, err := dial(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "CONNECTED", readType(t, conn))

	require.Eventually(t, func() bool { return h.server.hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
	h.bus.PublishGapAlert("TSLA", "PRE_MARKET", -6.2, 93.8, 100)
	assert.Equal(t, string(events.EventGapAlert), readType(t, conn))
}

func TestWebSocketRequiresTokenWhenAuthEnabled(t *testing.T) {
	h := newHarness(t, true)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	_, resp, err := dial(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _, err := h.jwt.GenerateAccessToken(auth.OperatorClaims{Username: "operator", Role: auth.RoleOperator})
	require.NoError(t, err)
	conn, _, err := dial(t, srv, "?token="+token)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "CONNECTED", readType(t, conn))
}
