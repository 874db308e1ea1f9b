package auth

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Handlers contains the auth HTTP handlers
type Handlers struct {
	jwt    *JWTManager
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	failures    int
	lockedUntil time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(jwt *JWTManager, cfg Config, logger zerolog.Logger) *Handlers {
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = DefaultConfig().MaxLoginAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultConfig().LockoutDuration
	}
	return &Handlers{
		jwt:    jwt,
		config: cfg,
		logger: logger.With().Str("component", "Auth").Logger(),
		now:    time.Now,
	}
}

// Login handles operator login
// POST /api/auth/login
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"message": err.Error(),
		})
		return
	}

	if h.locked() {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   ErrRateLimited.Code,
			"message": ErrRateLimited.Message,
		})
		return
	}

	if !h.checkCredentials(req) {
		h.recordFailure()
		h.logger.Warn().Str("username", req.Username).Str("ip", c.ClientIP()).Msg("Operator login failed")
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   ErrInvalidCredentials.Code,
			"message": ErrInvalidCredentials.Message,
		})
		return
	}
	h.resetFailures()

	token, err := h.jwt.IssueToken(OperatorClaims{Username: req.Username, Role: RoleOperator})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to issue token")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL_ERROR",
			"message": "failed to issue token",
		})
		return
	}

	h.logger.Info().Str("username", req.Username).Str("ip", c.ClientIP()).Msg("Operator logged in")
	c.JSON(http.StatusOK, token)
}

// GetCurrentUser returns the authenticated operator
// GET /api/auth/me
func (h *Handlers) GetCurrentUser(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"username": GetUsername(c),
		"role":     RoleOperator,
	})
}

func (h *Handlers) checkCredentials(req LoginRequest) bool {
	if h.config.OperatorPassHash == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.config.OperatorUser)) == 1
	passOK := VerifyPassword(req.Password, h.config.OperatorPassHash)
	return userOK && passOK
}

func (h *Handlers) locked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now().Before(h.lockedUntil)
}

func (h *Handlers) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	if h.failures >= h.config.MaxLoginAttempts {
		h.lockedUntil = h.now().Add(h.config.LockoutDuration)
		h.failures = 0
		h.logger.Warn().Time("until", h.lockedUntil).Msg("Operator login locked out")
	}
}

func (h *Handlers) resetFailures() {
	h.mu.Lock()
	h.failures = 0
	h.mu.Unlock()
}
