// Package memstore is an in-process account.Store for local runs and tests.
// It mirrors the single-row atomicity of the Postgres store with one mutex.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/internal/account"
)

type Store struct {
	mu   sync.Mutex
	byID map[string]*account.Account
	now  func() time.Time
}

var _ account.Store = (*Store)(nil)

func New() *Store {
	return &Store{byID: make(map[string]*account.Account), now: time.Now}
}

func (s *Store) Create(_ context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(func(x *account.Account) bool { return strings.EqualFold(x.Email, a.Email) }) != nil {
		return account.ErrEmailTaken
	}
	if a.HasOAuth() && s.oauthLocked(deref(a.OAuthProvider), *a.OAuthID) != nil {
		return account.ErrOAuthTaken
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	s.byID[a.ID] = clone(a)
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	return clone(a), nil
}

func (s *Store) GetByEmail(_ context.Context, email string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.findLocked(func(x *account.Account) bool { return strings.EqualFold(x.Email, email) })
	if a == nil {
		return nil, account.ErrNotFound
	}
	return clone(a), nil
}

func (s *Store) GetByOAuth(_ context.Context, provider, oauthID string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.oauthLocked(provider, oauthID)
	if a == nil {
		return nil, account.ErrNotFound
	}
	return clone(a), nil
}

func (s *Store) LinkOAuth(_ context.Context, id, provider, oauthID string, avatar *string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	if other := s.oauthLocked(provider, oauthID); other != nil && other.ID != id {
		return nil, account.ErrOAuthTaken
	}
	a.OAuthID, a.OAuthProvider = &oauthID, &provider
	a.IsVerified = true
	if a.Avatar == nil && avatar != nil {
		v := *avatar
		a.Avatar = &v
	}
	a.UpdatedAt = s.now()
	return clone(a), nil
}

func (s *Store) SetSecret(_ context.Context, id string, p account.Purpose, secretHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return account.ErrNotFound
	}
	secret, expiry := secretFields(a, p)
	if secret == nil {
		return account.ErrSecretNotFound
	}
	*secret, *expiry = &secretHash, &expiresAt
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) ConsumeSecret(_ context.Context, p account.Purpose, email, secretHash string, now time.Time, eff account.Effect) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.findLocked(func(x *account.Account) bool { return strings.EqualFold(x.Email, email) })
	if a == nil {
		return nil, account.ErrSecretNotFound
	}
	secret, expiry := secretFields(a, p)
	if secret == nil || *secret == nil || **secret != secretHash || *expiry == nil || !(*expiry).After(now) {
		return nil, account.ErrSecretNotFound
	}
	*secret, *expiry = nil, nil
	if eff.MarkVerified {
		a.IsVerified = true
	}
	if eff.PasswordHash != nil {
		h := *eff.PasswordHash
		a.PasswordHash = &h
	}
	if eff.RevokeSession {
		a.RefreshToken = nil
	}
	a.UpdatedAt = s.now()
	return clone(a), nil
}

func (s *Store) RecordFailedLogin(_ context.Context, id string, now time.Time, policy account.LockoutPolicy) (account.LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return account.LockState{}, account.ErrNotFound
	}
	next := policy.OnFailure(account.LockState{FailedLoginCount: a.FailedLoginCount, LockedUntil: a.LockedUntil}, now)
	a.FailedLoginCount, a.LockedUntil = next.FailedLoginCount, next.LockedUntil
	a.UpdatedAt = s.now()
	return next, nil
}

func (s *Store) RecordLogin(_ context.Context, id, refreshHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return account.ErrNotFound
	}
	a.FailedLoginCount, a.LockedUntil = 0, nil
	a.LastLogin = &now
	a.RefreshToken = &refreshHash
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) RotateRefreshToken(_ context.Context, id, oldHash, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok || a.RefreshToken == nil || *a.RefreshToken != oldHash {
		return account.ErrRefreshMismatch
	}
	a.RefreshToken = &newHash
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) ClearRefreshToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return account.ErrNotFound
	}
	a.RefreshToken = nil
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) RevokeRefreshToken(_ context.Context, refreshHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.findLocked(func(x *account.Account) bool {
		return x.RefreshToken != nil && *x.RefreshToken == refreshHash
	}); a != nil {
		a.RefreshToken = nil
		a.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.byID {
		touched := false
		if a.VerificationSecretExpiry != nil && !a.VerificationSecretExpiry.After(now) {
			a.VerificationSecret, a.VerificationSecretExpiry = nil, nil
			touched = true
		}
		if a.ResetSecretExpiry != nil && !a.ResetSecretExpiry.After(now) {
			a.ResetSecret, a.ResetSecretExpiry = nil, nil
			touched = true
		}
		if a.LockedUntil != nil && !a.LockedUntil.After(now) {
			a.FailedLoginCount, a.LockedUntil = 0, nil
			touched = true
		}
		if touched {
			a.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *Store) findLocked(match func(*account.Account) bool) *account.Account {
	for _, a := range s.byID {
		if match(a) {
			return a
		}
	}
	return nil
}

func (s *Store) oauthLocked(provider, oauthID string) *account.Account {
	return s.findLocked(func(x *account.Account) bool {
		return x.HasOAuth() && *x.OAuthID == oauthID && deref(x.OAuthProvider) == provider
	})
}

func secretFields(a *account.Account, p account.Purpose) (**string, **time.Time) {
	switch p {
	case account.PurposeVerification:
		return &a.VerificationSecret, &a.VerificationSecretExpiry
	case account.PurposeReset:
		return &a.ResetSecret, &a.ResetSecretExpiry
	default:
		return nil, nil
	}
}

// clone copies a so callers never alias stored state.
func clone(a *account.Account) *account.Account {
	c := *a
	c.PasswordHash = copyPtr(a.PasswordHash)
	c.VerificationSecret = copyPtr(a.VerificationSecret)
	c.VerificationSecretExpiry = copyPtr(a.VerificationSecretExpiry)
	c.ResetSecret = copyPtr(a.ResetSecret)
	c.ResetSecretExpiry = copyPtr(a.ResetSecretExpiry)
	c.RefreshToken = copyPtr(a.RefreshToken)
	c.OAuthID = copyPtr(a.OAuthID)
	c.OAuthProvider = copyPtr(a.OAuthProvider)
	c.Avatar = copyPtr(a.Avatar)
	c.LastLogin = copyPtr(a.LastLogin)
	c.LockedUntil = copyPtr(a.LockedUntil)
	return &c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
