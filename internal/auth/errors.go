package auth

import (
	"fmt"
	"net/http"
	"time"
)

// Kind is the closed set of failures the HTTP layer knows how to render.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthentication
	KindLocked
	KindUnverified
	KindToken
	KindConflict
	KindNotFound
	KindOAuth
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindLocked:
		return "locked"
	case KindUnverified:
		return "unverified"
	case KindToken:
		return "token"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindOAuth:
		return "oauth"
	default:
		return "unknown"
	}
}

// Status is the HTTP status for k. OAuth failures are redirects and have no
// status of their own.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication, KindToken:
		return http.StatusUnauthorized
	case KindLocked, KindUnverified:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindOAuth:
		return http.StatusFound
	default:
		return http.StatusInternalServerError
	}
}

// Wire codes.
const (
	CodeValidation         = "VALIDATION_FAILED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeEmailNotVerified   = "EMAIL_NOT_VERIFIED"
	CodeAlreadyVerified    = "ALREADY_VERIFIED"
	CodeEmailTaken         = "EMAIL_TAKEN"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeSecretInvalid      = "TOKEN_INVALID_OR_EXPIRED"

	CodeNoToken             = "NO_TOKEN"
	CodeAccessTokenExpired  = "ACCESS_TOKEN_EXPIRED"
	CodeAccessTokenInvalid  = "ACCESS_TOKEN_INVALID"
	CodeRefreshTokenExpired = "REFRESH_TOKEN_EXPIRED"
	CodeRefreshTokenInvalid = "REFRESH_TOKEN_INVALID"
	CodeSessionRevoked      = "SESSION_REVOKED"
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"

	CodeOAuthFailed       = "oauth_failed"
	CodeOAuthState        = "invalid_state"
	CodeOAuthNoEmail      = "email_required"
	CodeOAuthAccessDenied = "access_denied"
	CodeOAuthLocked       = "account_locked"
)

// Error is a classified failure. Err keeps the underlying cause for errors.Is
// and logs; it never reaches the client.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]string
	// LockedUntil is set for KindLocked.
	LockedUntil *time.Time
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: "validation failed", Fields: fields}
}

func invalidCredentials() *Error {
	return &Error{Kind: KindAuthentication, Code: CodeInvalidCredentials, Message: "invalid email or password"}
}

func tokenError(code, msg string, cause error) *Error {
	return &Error{Kind: KindToken, Code: code, Message: msg, Err: cause}
}

func oauthError(code string, cause error) *Error {
	return &Error{Kind: KindOAuth, Code: code, Message: "oauth login failed", Err: cause}
}
