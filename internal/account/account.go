// Package account holds the credential record and the contract of the store that
// persists it.
package account

import (
	"context"
	"errors"
	"time"
)

// Account is the unit of record of the credential store.
type Account struct {
	ID           string  `db:"id"`
	Email        string  `db:"email"`
	Name         string  `db:"name"`
	PasswordHash *string `db:"password_hash"`
	IsVerified   bool    `db:"is_verified"`

	VerificationSecret       *string    `db:"verification_secret"`
	VerificationSecretExpiry *time.Time `db:"verification_secret_expires_at"`
	ResetSecret              *string    `db:"reset_secret"`
	ResetSecretExpiry        *time.Time `db:"reset_secret_expires_at"`

	// RefreshToken is the digest of the single live refresh token.
	RefreshToken *string `db:"refresh_token"`

	OAuthID       *string `db:"oauth_id"`
	OAuthProvider *string `db:"oauth_provider"`

	Avatar    *string    `db:"avatar"`
	LastLogin *time.Time `db:"last_login_at"`

	FailedLoginCount int        `db:"failed_login_count"`
	LockedUntil      *time.Time `db:"locked_until"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// HasPassword reports whether a password hash is set.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

// HasOAuth reports whether a provider identity is attached.
func (a *Account) HasOAuth() bool {
	return a.OAuthID != nil && *a.OAuthID != ""
}

// Usable reports whether the account has at least one way to authenticate.
func (a *Account) Usable() bool {
	return a.HasPassword() || a.HasOAuth()
}

// IsLocked reports whether a lock is in force at now.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && a.LockedUntil.After(now)
}

// Purpose selects which single-use secret a store operation touches.
type Purpose int

const (
	PurposeVerification Purpose = iota + 1
	PurposeReset
)

func (p Purpose) String() string {
	switch p {
	case PurposeVerification:
		return "verification"
	case PurposeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Effect is applied in the same update that consumes a secret.
type Effect struct {
	MarkVerified bool
	PasswordHash *string
	// RevokeSession clears the stored refresh token.
	RevokeSession bool
}

// LockState is the lockout part of an account after a failed login was recorded.
type LockState struct {
	FailedLoginCount int
	LockedUntil      *time.Time
}

var (
	ErrNotFound   = errors.New("account not found")
	ErrEmailTaken = errors.New("email already registered")
	ErrOAuthTaken = errors.New("provider identity already linked")
	// ErrSecretNotFound covers unknown, mismatched, consumed and expired secrets.
	ErrSecretNotFound = errors.New("secret not found or expired")
	// ErrRefreshMismatch is returned when the stored refresh token is not the expected one.
	ErrRefreshMismatch = errors.New("refresh token does not match")
)

// Store persists accounts. Every mutating method is a single-row atomic update.
type Store interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByOAuth(ctx context.Context, provider, oauthID string) (*Account, error)

	// LinkOAuth attaches a provider identity, marks the account verified and
	// adopts avatar when the account has none.
	LinkOAuth(ctx context.Context, id, provider, oauthID string, avatar *string) (*Account, error)

	// SetSecret stores a secret digest for purpose, replacing any previous one.
	SetSecret(ctx context.Context, id string, p Purpose, secretHash string, expiresAt time.Time) error
	// ConsumeSecret matches email, digest and expiry > now, clears the secret and
	// applies eff. Returns ErrSecretNotFound when nothing matched.
	ConsumeSecret(ctx context.Context, p Purpose, email, secretHash string, now time.Time, eff Effect) (*Account, error)

	// RecordFailedLogin advances the lockout state machine by one failure.
	RecordFailedLogin(ctx context.Context, id string, now time.Time, policy LockoutPolicy) (LockState, error)
	// RecordLogin resets the lockout state, stamps the login time and stores the
	// new refresh token digest.
	RecordLogin(ctx context.Context, id, refreshHash string, now time.Time) error

	// RotateRefreshToken replaces oldHash by newHash, or returns ErrRefreshMismatch.
	RotateRefreshToken(ctx context.Context, id, oldHash, newHash string) error
	// ClearRefreshToken drops the live refresh token of an account.
	ClearRefreshToken(ctx context.Context, id string) error
	// RevokeRefreshToken drops refreshHash from whichever account holds it.
	RevokeRefreshToken(ctx context.Context, refreshHash string) error

	// PurgeExpired clears secrets that expired and locks that lapsed at or
	// before now, returning the number of accounts touched.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
