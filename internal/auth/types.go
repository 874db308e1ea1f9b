package auth

import "time"

// RoleOperator is the only role; it may read state and request shutdown
const RoleOperator = "operator"

// OperatorClaims represents the operator identity carried in a token
type OperatorClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// TokenResponse is returned by a successful login
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"` // Always "Bearer"
	ExpiresIn   int64     `json:"expires_in"` // Seconds
	ExpiresAt   time.Time `json:"expires_at"`
}

// LoginRequest represents the login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Config holds operator authentication configuration
type Config struct {
	JWTSecret           string
	AccessTokenDuration time.Duration
	OperatorUser        string
	OperatorPassHash    string // bcrypt
	MaxLoginAttempts    int
	LockoutDuration     time.Duration
}

// DefaultConfig returns default auth configuration
func DefaultConfig() Config {
	return Config{
		AccessTokenDuration: 15 * time.Minute,
		OperatorUser:        "operator",
		MaxLoginAttempts:    5,
		LockoutDuration:     15 * time.Minute,
	}
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid username or password"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden          = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
	ErrWeakPassword       = AuthError{Code: "WEAK_PASSWORD", Message: "password does not meet requirements"}
	ErrRateLimited        = AuthError{Code: "RATE_LIMITED", Message: "too many failed logins, please try again later"}
)
