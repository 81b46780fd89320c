package auth

import (
	"net/http"
	"time"
)

const (
	refreshCookieName = "refreshToken"
	nonceCookieName   = "oauthNonce"
	cookiePath        = "/auth"
)

// CookieConfig shapes the cookies set by the handler. CrossSite forces
// SameSite=None, which browsers only accept together with Secure.
type CookieConfig struct {
	Secure    bool
	CrossSite bool
	// RefreshMaxAge should match the refresh token TTL.
	RefreshMaxAge time.Duration
}

func (c CookieConfig) sameSite() http.SameSite {
	if c.CrossSite {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

func (c CookieConfig) refresh(value string) *http.Cookie {
	return &http.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		Path:     cookiePath,
		MaxAge:   int(c.RefreshMaxAge / time.Second),
		HttpOnly: true,
		Secure:   c.Secure || c.CrossSite,
		SameSite: c.sameSite(),
	}
}

func (c CookieConfig) clearRefresh() *http.Cookie {
	ck := c.refresh("")
	ck.MaxAge = -1
	return ck
}

// nonce is always Lax: the provider redirect back is a top-level navigation.
func (c CookieConfig) nonce(value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     nonceCookieName,
		Value:    value,
		Path:     cookiePath,
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   c.Secure || c.CrossSite,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c CookieConfig) clearNonce() *http.Cookie {
	ck := c.nonce("", 0)
	ck.MaxAge = -1
	return ck
}

func cookieValue(r *http.Request, name string) string {
	ck, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return ck.Value
}
