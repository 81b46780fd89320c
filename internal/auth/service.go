// Package auth implements the account lifecycle: signup, email verification,
// password login with lockout, password reset, refresh rotation, logout and
// OAuth login, plus the HTTP surface and the bearer-token gate.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/account"
	"github.com/ovaphlow/pitchfork/service-auth/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-auth/internal/oauth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
)

const (
	minPasswordLen = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLen = 72
	maxNameLen     = 100
)

// Mailer delivers the links that carry single-use secrets.
type Mailer interface {
	SendVerification(ctx context.Context, to, name, link string) error
	SendPasswordReset(ctx context.Context, to, name, link string) error
}

// Deps wires a Service. Store, Issuer and Secrets are required.
type Deps struct {
	Store   account.Store
	Hasher  PasswordHasher
	Issuer  *token.Issuer
	Secrets *SecretManager
	Linker  *oauth.Linker
	Mailer  Mailer
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
	NewID   func() string

	Lockout account.LockoutPolicy
	// PublicURL is where this service is reachable; verification links point here.
	PublicURL string
	// FrontendURL receives redirects and password reset links.
	FrontendURL string
}

type Service struct {
	store   account.Store
	hasher  PasswordHasher
	issuer  *token.Issuer
	secrets *SecretManager
	linker  *oauth.Linker
	mailer  Mailer
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	newID   func() string
	lockout account.LockoutPolicy

	publicURL   string
	frontendURL string

	now func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewService(d Deps) (*Service, error) {
	if d.Store == nil || d.Issuer == nil || d.Secrets == nil {
		return nil, errors.New("auth: store, issuer and secrets are required")
	}
	if d.Hasher == nil {
		d.Hasher = BcryptHasher{Cost: 12}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.NewID == nil {
		return nil, errors.New("auth: id generator is required")
	}
	if d.Lockout.Threshold <= 0 || d.Lockout.Duration <= 0 {
		d.Lockout = account.DefaultLockoutPolicy
	}
	return &Service{
		store:       d.Store,
		hasher:      d.Hasher,
		issuer:      d.Issuer,
		secrets:     d.Secrets,
		linker:      d.Linker,
		mailer:      d.Mailer,
		metrics:     d.Metrics,
		logger:      d.Logger,
		newID:       d.NewID,
		lockout:     d.Lockout,
		publicURL:   strings.TrimRight(d.PublicURL, "/"),
		frontendURL: strings.TrimRight(d.FrontendURL, "/"),
		now:         time.Now,
	}, nil
}

// Session is the result of a successful login, refresh or OAuth callback.
type Session struct {
	Account *account.Account
	Tokens  token.Pair
}

type SignupInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Signup creates an unverified password account and mails a verification link.
// A mail failure is logged, not returned: the account exists and the user can
// ask for another link.
func (s *Service) Signup(ctx context.Context, in SignupInput) (*account.Account, error) {
	fields := map[string]string{}
	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		fields["name"] = "required"
	case len(name) > maxNameLen:
		fields["name"] = fmt.Sprintf("at most %d characters", maxNameLen)
	}
	email, ok := normalizeEmail(in.Email)
	if !ok {
		fields["email"] = "must be a valid email address"
	}
	if msg := checkPassword(in.Password); msg != "" {
		fields["password"] = msg
	}
	if len(fields) > 0 {
		return nil, validationError(fields)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	a := &account.Account{
		ID:           s.newID(),
		Email:        email,
		Name:         name,
		PasswordHash: &hash,
	}
	if err := s.store.Create(ctx, a); err != nil {
		if errors.Is(err, account.ErrEmailTaken) {
			return nil, &Error{Kind: KindConflict, Code: CodeEmailTaken, Message: "email already registered", Err: err}
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	if err := s.sendVerification(ctx, a); err != nil {
		s.logger.Warnw("verification mail not sent", "userId", a.ID, "error", err)
	}
	return a, nil
}

// VerifyEmail redeems a verification secret and marks the account verified.
func (s *Service) VerifyEmail(ctx context.Context, email, secret string) (*account.Account, error) {
	a, err := s.secrets.Consume(ctx, account.PurposeVerification, strings.TrimSpace(email), secret, account.Effect{MarkVerified: true})
	if err != nil {
		return nil, s.secretError(err)
	}
	return a, nil
}

// ResendVerification replaces the verification secret of an unverified account.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	a, err := s.store.GetByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, account.ErrNotFound) {
		return &Error{Kind: KindNotFound, Code: CodeUserNotFound, Message: "user not found", Err: err}
	}
	if err != nil {
		return err
	}
	if a.IsVerified {
		return &Error{Kind: KindValidation, Code: CodeAlreadyVerified, Message: "email already verified"}
	}
	return s.sendVerification(ctx, a)
}

// Login authenticates email and password. Checks run in a fixed order: lock,
// verification, password. Unknown emails and wrong passwords are reported the
// same way.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	now := s.now()
	a, err := s.store.GetByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, account.ErrNotFound) {
		s.burnHash(password)
		s.metrics.Login("invalid")
		return nil, invalidCredentials()
	}
	if err != nil {
		return nil, err
	}

	if a.IsLocked(now) {
		s.metrics.Login("locked")
		return nil, lockedError(a.LockedUntil)
	}
	if !a.IsVerified {
		s.metrics.Login("unverified")
		return nil, &Error{Kind: KindUnverified, Code: CodeEmailNotVerified, Message: "email not verified"}
	}
	if !a.HasPassword() || !s.hasher.Verify(*a.PasswordHash, password) {
		s.metrics.Login("invalid")
		if !a.HasPassword() {
			return nil, invalidCredentials()
		}
		st, err := s.store.RecordFailedLogin(ctx, a.ID, now, s.lockout)
		if err != nil {
			return nil, fmt.Errorf("record failed login: %w", err)
		}
		if st.Locked(now) {
			s.metrics.Lockout()
			s.logger.Warnw("account locked", "userId", a.ID, "until", st.LockedUntil)
		}
		return nil, invalidCredentials()
	}

	sess, err := s.startSession(ctx, a, now)
	if err != nil {
		return nil, err
	}
	s.metrics.Login("success")
	return sess, nil
}

// ForgotPassword mails a reset link when the email belongs to an account. The
// caller must answer the same way whatever this returns.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	a, err := s.store.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return err
	}
	secret, _, err := s.secrets.Issue(ctx, a, account.PurposeReset)
	if err != nil {
		return err
	}
	if s.mailer == nil {
		return nil
	}
	q := url.Values{"token": {secret}, "email": {a.Email}}
	return s.mailer.SendPasswordReset(ctx, a.Email, a.Name, s.frontendURL+"/reset-password?"+q.Encode())
}

// ResetPassword redeems a reset secret, sets the new password and drops the
// stored refresh token.
func (s *Service) ResetPassword(ctx context.Context, email, secret, password string) error {
	if msg := checkPassword(password); msg != "" {
		return validationError(map[string]string{"password": msg})
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = s.secrets.Consume(ctx, account.PurposeReset, strings.TrimSpace(email), secret, account.Effect{
		PasswordHash:  &hash,
		RevokeSession: true,
	})
	if err != nil {
		return s.secretError(err)
	}
	return nil
}

// Refresh exchanges a live refresh token for a new pair. Exactly one of two
// concurrent exchanges of the same token succeeds.
func (s *Service) Refresh(ctx context.Context, raw string) (*Session, error) {
	if raw == "" {
		s.metrics.Refresh("invalid")
		return nil, tokenError(CodeRefreshTokenInvalid, "refresh token missing", nil)
	}
	claims, err := s.issuer.VerifyRefresh(raw)
	if err != nil {
		var te *token.Error
		if errors.As(err, &te) && te.Kind == token.Expired {
			s.metrics.Refresh("expired")
			return nil, tokenError(CodeRefreshTokenExpired, "refresh token expired", err)
		}
		s.metrics.Refresh("invalid")
		return nil, tokenError(CodeRefreshTokenInvalid, "refresh token invalid", err)
	}

	a, err := s.store.GetByID(ctx, claims.UserID)
	if errors.Is(err, account.ErrNotFound) {
		s.metrics.Refresh("revoked")
		return nil, tokenError(CodeSessionRevoked, "session revoked", err)
	}
	if err != nil {
		return nil, err
	}
	old := digest(raw)
	if a.RefreshToken == nil || subtle.ConstantTimeCompare([]byte(*a.RefreshToken), []byte(old)) != 1 {
		s.metrics.Refresh("revoked")
		return nil, tokenError(CodeSessionRevoked, "session revoked", nil)
	}

	pair, err := s.issuer.IssuePair(subjectOf(a))
	if err != nil {
		return nil, err
	}
	if err := s.store.RotateRefreshToken(ctx, a.ID, old, digest(pair.Refresh)); err != nil {
		if errors.Is(err, account.ErrRefreshMismatch) {
			s.metrics.Refresh("revoked")
			return nil, tokenError(CodeSessionRevoked, "session revoked", err)
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	h := digest(pair.Refresh)
	a.RefreshToken = &h
	s.metrics.Refresh("success")
	return &Session{Account: a, Tokens: pair}, nil
}

// Logout revokes raw if it is the live token of some account. It never fails
// on an unknown or empty token.
func (s *Service) Logout(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	return s.store.RevokeRefreshToken(ctx, digest(raw))
}

// LogoutAll drops the live refresh token of accountID.
func (s *Service) LogoutAll(ctx context.Context, accountID string) error {
	err := s.store.ClearRefreshToken(ctx, accountID)
	if errors.Is(err, account.ErrNotFound) {
		return &Error{Kind: KindNotFound, Code: CodeUserNotFound, Message: "user not found", Err: err}
	}
	return err
}

// OAuthProvider reports whether name is a configured provider.
func (s *Service) OAuthProvider(name string) (*oauth.Provider, bool) {
	if s.linker == nil {
		return nil, false
	}
	return s.linker.Provider(name)
}

// OAuthLogin completes a provider callback and starts a session for the
// resolved account.
func (s *Service) OAuthLogin(ctx context.Context, provider, code string) (*Session, error) {
	if s.linker == nil {
		return nil, oauthError(CodeOAuthFailed, oauth.ErrUnknownProvider)
	}
	a, outcome, err := s.linker.Complete(ctx, provider, code)
	if err != nil {
		s.metrics.OAuth(provider, "failed")
		if errors.Is(err, oauth.ErrProfileIncomplete) {
			return nil, oauthError(CodeOAuthNoEmail, err)
		}
		return nil, oauthError(CodeOAuthFailed, err)
	}
	now := s.now()
	if a.IsLocked(now) {
		s.metrics.OAuth(provider, "locked")
		return nil, oauthError(CodeOAuthLocked, nil)
	}
	sess, err := s.startSession(ctx, a, now)
	if err != nil {
		return nil, err
	}
	s.metrics.OAuth(provider, outcome.String())
	s.logger.Infow("oauth login", "provider", provider, "userId", a.ID, "outcome", outcome.String())
	return sess, nil
}

// Authenticate resolves the account behind an access token. It is read-only:
// lockout and verification state are not consulted.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*account.Account, error) {
	if accessToken == "" {
		return nil, tokenError(CodeNoToken, "no token provided", nil)
	}
	claims, err := s.issuer.VerifyAccess(accessToken)
	if err != nil {
		var te *token.Error
		if errors.As(err, &te) && te.Kind == token.Expired {
			return nil, tokenError(CodeAccessTokenExpired, "access token expired", err)
		}
		return nil, tokenError(CodeAccessTokenInvalid, "access token invalid", err)
	}
	a, err := s.store.GetByID(ctx, claims.UserID)
	if errors.Is(err, account.ErrNotFound) {
		return nil, tokenError(CodeAccountNotFound, "account not found", err)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// RefreshTTL is the lifetime of refresh tokens, used for the cookie max-age.
func (s *Service) RefreshTTL() time.Duration { return s.issuer.RefreshTTL() }

func (s *Service) startSession(ctx context.Context, a *account.Account, now time.Time) (*Session, error) {
	pair, err := s.issuer.IssuePair(subjectOf(a))
	if err != nil {
		return nil, err
	}
	h := digest(pair.Refresh)
	if err := s.store.RecordLogin(ctx, a.ID, h, now); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	a.RefreshToken = &h
	a.LastLogin = &now
	a.FailedLoginCount, a.LockedUntil = 0, nil
	return &Session{Account: a, Tokens: pair}, nil
}

func (s *Service) sendVerification(ctx context.Context, a *account.Account) error {
	secret, _, err := s.secrets.Issue(ctx, a, account.PurposeVerification)
	if err != nil {
		return err
	}
	if s.mailer == nil {
		return nil
	}
	q := url.Values{"token": {secret}, "email": {a.Email}}
	return s.mailer.SendVerification(ctx, a.Email, a.Name, s.publicURL+"/auth/verify-email?"+q.Encode())
}

func (s *Service) secretError(err error) error {
	if errors.Is(err, account.ErrSecretNotFound) {
		return &Error{Kind: KindValidation, Code: CodeSecretInvalid, Message: "token invalid or expired", Err: err}
	}
	return err
}

// burnHash spends one hash comparison so unknown emails take as long as wrong
// passwords.
func (s *Service) burnHash(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("not-a-real-password")
	})
	s.hasher.Verify(s.dummyHash, password)
}

func lockedError(until *time.Time) *Error {
	return &Error{Kind: KindLocked, Code: CodeAccountLocked, Message: "account temporarily locked", LockedUntil: until}
}

func subjectOf(a *account.Account) token.Subject {
	return token.Subject{ID: a.ID, Email: a.Email, Name: a.Name, IsVerified: a.IsVerified}
}

func normalizeEmail(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw || addr.Name != "" {
		return "", false
	}
	return strings.ToLower(addr.Address), true
}

func checkPassword(pw string) string {
	switch {
	case len(pw) < minPasswordLen:
		return fmt.Sprintf("at least %d characters", minPasswordLen)
	case len(pw) > maxPasswordLen:
		return fmt.Sprintf("at most %d bytes", maxPasswordLen)
	}
	return ""
}
