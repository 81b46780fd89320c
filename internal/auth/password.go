package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher hides the hashing scheme from the flows.
type PasswordHasher interface {
	Hash(pw string) (string, error)
	// Verify reports whether pw matches hash. An empty hash never matches.
	Verify(hash, pw string) bool
}

type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pw string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
