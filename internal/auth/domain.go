package auth

import (
	"errors"
	"time"

	"github.com/ultra-agency/ultra/internal/policy"
)

// ErrInvalidCredentials is returned for unknown, inactive or mistyped logins alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User is the subset of an account needed to sign in.
type User struct {
	ID           int64
	Username     string
	Role         policy.Role
	PasswordHash string
	IsActive     bool
}

// LoginSession is the Postgres record of a sign-in, kept for auditing.
type LoginSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
	IP        string
	UserAgent string
}

// SessionInfo is returned by GET /auth/session.
type SessionInfo struct {
	Authenticated        bool  `json:"authenticated"`
	Expired              bool  `json:"expired"`
	UserID               int64 `json:"user_id,omitempty"`
	IdleTimeoutSeconds   int64 `json:"idle_timeout_seconds"`
	IdleRemainingSeconds int64 `json:"idle_remaining_seconds"`
}
