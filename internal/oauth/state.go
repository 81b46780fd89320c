package oauth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

// ErrStateInvalid covers forged, expired, mismatched and replayed-elsewhere states.
var ErrStateInvalid = errors.New("oauth state invalid")

// DefaultStateTTL bounds how long a user may stay on the provider consent page.
const DefaultStateTTL = 10 * time.Minute

type stateClaims struct {
	Provider string `json:"provider"`
	Nonce    string `json:"nonce"`
	jwt.RegisteredClaims
}

// StateSigner produces the signed, provider-scoped correlation value carried
// through the provider redirect. The nonce is also handed to the browser in a
// cookie so a state minted for one browser is useless in another.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret []byte, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{secret: secret, ttl: ttl, now: time.Now}
}

func (s *StateSigner) TTL() time.Duration { return s.ttl }

// Issue returns the state parameter and its nonce.
func (s *StateSigner) Issue(provider string) (state, nonce string, err error) {
	now := s.now()
	nonce = utilities.NewKSUID()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		Provider: provider,
		Nonce:    nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	state, err = tok.SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign state: %w", err)
	}
	return state, nonce, nil
}

// Verify checks signature, expiry, provider and nonce.
func (s *StateSigner) Verify(state, provider, nonce string) error {
	var c stateClaims
	_, err := jwt.ParseWithClaims(state, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateInvalid, err)
	}
	if c.Provider != provider {
		return fmt.Errorf("%w: provider mismatch", ErrStateInvalid)
	}
	if nonce == "" || subtle.ConstantTimeCompare([]byte(c.Nonce), []byte(nonce)) != 1 {
		return fmt.Errorf("%w: nonce mismatch", ErrStateInvalid)
	}
	return nil
}
