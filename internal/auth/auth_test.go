package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-that-is-long-enough"

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTokenRoundTrip(t *testing.T) {
	m := NewJWTManager(testSecret, time.Minute)

	resp, err := m.IssueToken(OperatorClaims{Username: "ops", Role: RoleOperator})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(60), resp.ExpiresIn)

	claims, err := m.ValidateAccessToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestExpiredAndForeignTokens(t *testing.T) {
	m := NewJWTManager(testSecret, time.Minute)
	issued := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return issued }
	token, _, err := m.GenerateAccessToken(OperatorClaims{Username: "ops", Role: RoleOperator})
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = m.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	other := NewJWTManager("another-secret", time.Minute)
	foreign, _, err := other.GenerateAccessToken(OperatorClaims{Username: "ops"})
	require.NoError(t, err)
	_, err = NewJWTManager(testSecret, time.Minute).ValidateAccessToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("Correct-Horse-9", bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, VerifyPassword("Correct-Horse-9", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}

func TestValidatePasswordStrength(t *testing.T) {
	assert.NoError(t, ValidatePasswordStrength("Correct-Horse-9"))
	assert.ErrorIs(t, ValidatePasswordStrength("short"), ErrWeakPassword)
	assert.ErrorIs(t, ValidatePasswordStrength("alllowercaseletters"), ErrWeakPassword)
}

func newRouter(t *testing.T, cfg Config) (*gin.Engine, *Handlers, *JWTManager) {
	t.Helper()
	jwtm := NewJWTManager(testSecret, time.Minute)
	h := NewHandlers(jwtm, cfg, zerolog.Nop())
	r := gin.New()
	r.POST("/login", h.Login)
	protected := r.Group("/", Middleware(jwtm), RequireOperator())
	protected.GET("/me", h.GetCurrentUser)
	return r, h, jwtm
}

func login(r *gin.Engine, user, pass string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(LoginRequest{Username: user, Password: pass})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body)))
	return w
}

func operatorConfig(t *testing.T) Config {
	hash, err := HashPassword("Correct-Horse-9", bcrypt.MinCost)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.OperatorPassHash = hash
	cfg.MaxLoginAttempts = 2
	return cfg
}

func TestLoginThenAccessProtectedRoute(t *testing.T) {
	r, _, _ := newRouter(t, operatorConfig(t))

	w := login(r, "operator", "Correct-Horse-9")
	require.Equal(t, http.StatusOK, w.Code)
	var tok TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"operator"`)
}

func TestMiddlewareRejects(t *testing.T) {
	r, _, _ := newRouter(t, operatorConfig(t))

	for name, header := range map[string]string{
		"missing":   "",
		"malformed": "Token abc",
		"garbage":   "Bearer abc.def.ghi",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestRequireOperatorRejectsOtherRoles(t *testing.T) {
	r, _, jwtm := newRouter(t, operatorConfig(t))
	token, _, err := jwtm.GenerateAccessToken(OperatorClaims{Username: "viewer", Role: "viewer"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLoginLockout(t *testing.T) {
	r, h, _ := newRouter(t, operatorConfig(t))
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	assert.Equal(t, http.StatusUnauthorized, login(r, "operator", "nope").Code)
	assert.Equal(t, http.StatusUnauthorized, login(r, "operator", "nope").Code)
	assert.Equal(t, http.StatusTooManyRequests, login(r, "operator", "Correct-Horse-9").Code)

	now = now.Add(16 * time.Minute)
	assert.Equal(t, http.StatusOK, login(r, "operator", "Correct-Horse-9").Code)
}

func TestLoginWithoutConfiguredHashAlwaysFails(t *testing.T) {
	r, _, _ := newRouter(t, DefaultConfig())
	assert.Equal(t, http.StatusUnauthorized, login(r, "operator", "Correct-Horse-9").Code)
	assert.Equal(t, http.StatusBadRequest, login(r, "", "").Code)
}
