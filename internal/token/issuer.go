// Package token mints and verifies the signed access/refresh token pair.
//
// Verification is stateless: it checks signature, algorithm, issuer, audience
// and expiry only. Whether a refresh token is still the live one for its
// account is decided by the caller against the credential store.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string
}

// Subject is the account data a token pair is minted for.
type Subject struct {
	ID         string
	Email      string
	Name       string
	IsVerified bool
}

type AccessClaims struct {
	UserID     string `json:"userId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	IsVerified bool   `json:"isVerified"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Pair is always issued together.
type Pair struct {
	Access           string
	Refresh          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Kind distinguishes why verification failed.
type Kind int

const (
	Invalid Kind = iota + 1
	Expired
)

func (k Kind) String() string {
	switch k {
	case Expired:
		return "expired"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is returned by VerifyAccess and VerifyRefresh.
type Error struct {
	Kind    Kind
	Refresh bool
	Err     error
}

func (e *Error) Error() string {
	name := "access"
	if e.Refresh {
		name = "refresh"
	}
	return fmt.Sprintf("%s token %s: %v", name, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Issuer struct {
	cfg Config
	now func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token secrets are required")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

// WithClock returns a copy of the issuer that reads time from now.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	c := *i
	c.now = now
	return &c
}

// RefreshTTL is the lifetime of refresh tokens, used for the cookie max age.
func (i *Issuer) RefreshTTL() time.Duration { return i.cfg.RefreshTTL }

func (i *Issuer) IssuePair(s Subject) (Pair, error) {
	now := i.now()
	accessExp := now.Add(i.cfg.AccessTTL)
	refreshExp := now.Add(i.cfg.RefreshTTL)

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		UserID:           s.ID,
		Email:            s.Email,
		Name:             s.Name,
		IsVerified:       s.IsVerified,
		RegisteredClaims: i.registered(s.ID, now, accessExp, ""),
	})
	signedAccess, err := access.SignedString(i.cfg.AccessSecret)
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		UserID:           s.ID,
		Email:            s.Email,
		RegisteredClaims: i.registered(s.ID, now, refreshExp, uuid.NewString()),
	})
	signedRefresh, err := refresh.SignedString(i.cfg.RefreshSecret)
	if err != nil {
		return Pair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return Pair{
		Access:           signedAccess,
		Refresh:          signedRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (i *Issuer) VerifyAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := i.parse(tokenStr, claims, i.cfg.AccessSecret); err != nil {
		return nil, &Error{Kind: kindOf(err), Err: err}
	}
	if claims.UserID == "" {
		return nil, &Error{Kind: Invalid, Err: errors.New("missing userId claim")}
	}
	return claims, nil
}

func (i *Issuer) VerifyRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := i.parse(tokenStr, claims, i.cfg.RefreshSecret); err != nil {
		return nil, &Error{Kind: kindOf(err), Refresh: true, Err: err}
	}
	if claims.UserID == "" || claims.ID == "" {
		return nil, &Error{Kind: Invalid, Refresh: true, Err: errors.New("missing userId or jti claim")}
	}
	return claims, nil
}

func (i *Issuer) registered(sub string, now, exp time.Time, jti string) jwt.RegisteredClaims {
	rc := jwt.RegisteredClaims{
		Issuer:    i.cfg.Issuer,
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        jti,
	}
	if i.cfg.Audience != "" {
		rc.Audience = jwt.ClaimStrings{i.cfg.Audience}
	}
	return rc
}

func (i *Issuer) parse(tokenStr string, claims jwt.Claims, key []byte) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}
	if i.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(i.cfg.Audience))
	}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	return err
}

func kindOf(err error) Kind {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Expired
	}
	return Invalid
}
