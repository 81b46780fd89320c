package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/internal/account"
)

const (
	DefaultVerificationTTL = 24 * time.Hour
	DefaultResetTTL        = time.Hour
	secretBytes            = 32
)

// SecretManager issues and redeems the single-use email secrets. Only the
// SHA-256 digest of a secret is stored.
type SecretManager struct {
	store account.Store
	ttl   map[account.Purpose]time.Duration
	now   func() time.Time
}

func NewSecretManager(store account.Store, verificationTTL, resetTTL time.Duration) *SecretManager {
	if verificationTTL <= 0 {
		verificationTTL = DefaultVerificationTTL
	}
	if resetTTL <= 0 {
		resetTTL = DefaultResetTTL
	}
	return &SecretManager{
		store: store,
		ttl: map[account.Purpose]time.Duration{
			account.PurposeVerification: verificationTTL,
			account.PurposeReset:        resetTTL,
		},
		now: time.Now,
	}
}

// Issue writes a fresh secret for purpose, replacing any previous one, and
// returns the plaintext to be mailed.
func (m *SecretManager) Issue(ctx context.Context, a *account.Account, p account.Purpose) (string, time.Time, error) {
	ttl, ok := m.ttl[p]
	if !ok {
		return "", time.Time{}, fmt.Errorf("unknown secret purpose %d", p)
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return "", time.Time{}, err
	}
	exp := m.now().Add(ttl)
	if err := m.store.SetSecret(ctx, a.ID, p, digest(secret), exp); err != nil {
		return "", time.Time{}, fmt.Errorf("store %s secret: %w", p, err)
	}
	return secret, exp, nil
}

// Consume redeems secret once. It returns account.ErrSecretNotFound for
// unknown, expired or already used secrets.
func (m *SecretManager) Consume(ctx context.Context, p account.Purpose, email, secret string, eff account.Effect) (*account.Account, error) {
	if email == "" || secret == "" {
		return nil, account.ErrSecretNotFound
	}
	return m.store.ConsumeSecret(ctx, p, email, digest(secret), m.now(), eff)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// digest is the stored form of secrets and refresh tokens.
func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
