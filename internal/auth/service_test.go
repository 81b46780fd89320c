package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-auth/internal/account"
)

func TestSignupVerifyLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Signup(ctx, SignupInput{Name: " Ada ", Email: "Ada@Example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", a.Email)
	assert.Equal(t, "Ada", a.Name)
	assert.False(t, a.IsVerified)

	_, err = f.svc.Login(ctx, "ada@example.com", "correct horse")
	requireKind(t, err, KindUnverified, CodeEmailNotVerified)

	secret, email := f.mail.last(t, "verification")
	assert.Equal(t, "ada@example.com", email)
	verified, err := f.svc.VerifyEmail(ctx, email, secret)
	require.NoError(t, err)
	assert.True(t, verified.IsVerified)

	sess, err := f.svc.Login(ctx, "ada@example.com", "correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Tokens.Access)
	assert.NotEmpty(t, sess.Tokens.Refresh)

	stored, err := f.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastLogin)
	assert.Equal(t, f.clock(), *stored.LastLogin)
	require.NotNil(t, stored.RefreshToken)
	assert.Equal(t, digest(sess.Tokens.Refresh), *stored.RefreshToken)
	assert.Nil(t, stored.VerificationSecret)
}

func TestSignup_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		in    SignupInput
		field string
	}{
		{"missing name", SignupInput{Email: "a@x.com", Password: "longenough"}, "name"},
		{"long name", SignupInput{Name: strings.Repeat("n", 101), Email: "a@x.com", Password: "longenough"}, "name"},
		{"bad email", SignupInput{Name: "A", Email: "not-an-email", Password: "longenough"}, "email"},
		{"display name email", SignupInput{Name: "A", Email: "Ada <a@x.com>", Password: "longenough"}, "email"},
		{"short password", SignupInput{Name: "A", Email: "a@x.com", Password: "short"}, "password"},
		{"long password", SignupInput{Name: "A", Email: "a@x.com", Password: strings.Repeat("p", 73)}, "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Signup(context.Background(), tt.in)
			e := requireKind(t, err, KindValidation, CodeValidation)
			assert.Contains(t, e.Fields, tt.field)
		})
	}
	assert.Zero(t, f.mail.count())
}

func TestSignup_DuplicateEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Signup(ctx, SignupInput{Name: "Ada", Email: "ada@x.com", Password: "longenough"})
	require.NoError(t, err)

	_, err = f.svc.Signup(ctx, SignupInput{Name: "Ada", Email: "ADA@x.com", Password: "longenough"})
	requireKind(t, err, KindConflict, CodeEmailTaken)
}

func TestResendVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.ResendVerification(ctx, "nobody@x.com")
	requireKind(t, err, KindNotFound, CodeUserNotFound)

	_, err = f.svc.Signup(ctx, SignupInput{Name: "Ada", Email: "ada@x.com", Password: "longenough"})
	require.NoError(t, err)
	first, _ := f.mail.last(t, "verification")

	require.NoError(t, f.svc.ResendVerification(ctx, "ada@x.com"))
	second, _ := f.mail.last(t, "verification")
	assert.NotEqual(t, first, second)

	_, err = f.svc.VerifyEmail(ctx, "ada@x.com", first)
	requireKind(t, err, KindValidation, CodeSecretInvalid)
	_, err = f.svc.VerifyEmail(ctx, "ada@x.com", second)
	require.NoError(t, err)

	err = f.svc.ResendVerification(ctx, "ada@x.com")
	requireKind(t, err, KindValidation, CodeAlreadyVerified)
}

func TestVerifyEmail_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Signup(ctx, SignupInput{Name: "Ada", Email: "ada@x.com", Password: "longenough"})
	require.NoError(t, err)
	secret, email := f.mail.last(t, "verification")

	f.advance(24*time.Hour + time.Second)
	_, err = f.svc.VerifyEmail(ctx, email, secret)
	requireKind(t, err, KindValidation, CodeSecretInvalid)
}

func TestLogin_LockoutAfterFiveFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.verifiedAccount(t, "ada@x.com", "correct horse")

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, "ada@x.com", "wrong password")
		requireKind(t, err, KindAuthentication, CodeInvalidCredentials)
	}

	stored, err := f.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.FailedLoginCount)
	require.NotNil(t, stored.LockedUntil)
	assert.Equal(t, f.clock().Add(2*time.Hour), *stored.LockedUntil)

	// the correct password does not help while locked
	_, err = f.svc.Login(ctx, "ada@x.com", "correct horse")
	e := requireKind(t, err, KindLocked, CodeAccountLocked)
	require.NotNil(t, e.LockedUntil)
	assert.Equal(t, *stored.LockedUntil, *e.LockedUntil)

	// once the lock lapses the correct password works and resets the counter
	f.advance(2*time.Hour + time.Second)
	_, err = f.svc.Login(ctx, "ada@x.com", "correct horse")
	require.NoError(t, err)
	stored, err = f.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailedLoginCount)
	assert.Nil(t, stored.LockedUntil)
}

func TestLogin_FailureAfterExpiredLockRestartsCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.verifiedAccount(t, "ada@x.com", "correct horse")

	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(ctx, "ada@x.com", "wrong password")
	}
	f.advance(3 * time.Hour)

	_, err := f.svc.Login(ctx, "ada@x.com", "wrong password")
	requireKind(t, err, KindAuthentication, CodeInvalidCredentials)

	stored, err := f.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedLoginCount)
	assert.Nil(t, stored.LockedUntil)
}

func TestLogin_SuccessResetsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.verifiedAccount(t, "ada@x.com", "correct horse")

	for i := 0; i < 3; i++ {
		_, _ = f.svc.Login(ctx, "ada@x.com", "wrong password")
	}
	_, err := f.svc.Login(ctx, "ada@x.com", "correct horse")
	require.NoError(t, err)

	stored, err := f.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailedLoginCount)
}

func TestLogin_UnknownEmailLooksLikeWrongPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedAccount(t, "ada@x.com", "correct horse")

	_, errUnknown := f.svc.Login(ctx, "nobody@x.com", "correct horse")
	_, errWrong := f.svc.Login(ctx, "ada@x.com", "wrong password")

	u := requireKind(t, errUnknown, KindAuthentication, CodeInvalidCredentials)
	w := requireKind(t, errWrong, KindAuthentication, CodeInvalidCredentials)
	assert.Equal(t, u.Message, w.Message)
}

func TestLogin_OAuthOnlyAccountHasNoPassword(t *testing.T) {
	f := newFixture(t, fakeGoogle(t, map[string]any{
		"sub": "g-1", "email": "ada@x.com", "email_verified": true, "name": "Ada",
	}))
	ctx := context.Background()
	_, err := f.svc.OAuthLogin(ctx, "google", "good-code")
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, "ada@x.com", "anything-at-all")
	requireKind(t, err, KindAuthentication, CodeInvalidCredentials)
}

func TestRefresh_RotatesAndRevokesOld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedAccount(t, "ada@x.com", "correct horse")

	sess, err := f.svc.Login(ctx, "ada@x.com", "correct horse")
	require.NoError(t, err)

	next, err := f.svc.Refresh(ctx, sess.Tokens.Refresh)
	require.NoError(t, err)
	assert.NotEqual(t, sess.Tokens.Refresh, next.Tokens.Refresh)
	assert.Equal(t, sess.Account.ID, next.Account.ID)

	_, err = f.svc.Refresh(ctx, sess.Tokens.Refresh)
	requireKind(t, err, KindToken, CodeSessionRevoked)

	_, err = f.svc.Refresh(ctx, next.Tokens.Refresh)
	require.NoError(t, err)
}

func TestRefresh_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedAccount(t, "ada@x.com", "correct horse")
	sess, err := f.svc.Login(ctx, "ada@x.com", "correct horse")
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, "")
	requireKind(t, err, KindToken, CodeRefreshTokenInvalid)

	_, err = f.svc.Refresh(ctx, "garbage")
	requireKind(t, err, KindToken, CodeRefreshTokenInvalid)

	// an access token is not a refresh token
	_, err = f.svc.Refresh(ctx, sess.Tokens.Access)
	requireKind(t, err, KindToken, CodeRefreshTokenInvalid)

	f.advance(7*24*time.Hour + time.Minute)
	_, err = f.svc.Refresh(ctx, sess.Tokens.Refresh)
	requireKind(t, err, KindToken, CodeRefreshTokenExpired)
}

func TestRefresh_ConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedAccount(t, "ada@x.com", "correct horse")
	sess, err := f.svc.Login(ctx, "ada@x.com", "correct horse")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Refresh(ctx, sess.Tokens.Refresh)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		requireKind(t, err, KindToken, CodeSessionRevoked)
	}
	assert.Equal(t, 1, wins)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedAccount(t, "ada@x.com", "correct horse")
	sess, err := f.svc.Login(ctx, "ada@x.com", "correct horse")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, ""))
	require.NoError(t, f.svc.Logout(ctx, "unknown"))
	require.NoError(t, f.svc.Logout(ctx, sess.Tokens.Refresh))

	_, err = f.svc.Refresh(ctx, sess.Tokens.Refresh)
	requireKind(t, err, KindToken, CodeSessionRevoked)
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.verifiedAccount(t, "ada@x.com", "correct horse")
	sess, err := f.svc.Login(ctx, "ada@x.com", "correct horse")
	require.NoError(t, err)

	require.NoError(t, f.svc.LogoutAll(ctx, a.ID))
	_, err = f.svc.Refresh(ctx, sess.Tokens.Refresh)
	requireKind(t, err, KindToken, CodeSessionRevoked)

	err = f.svc.LogoutAll(ctx, "missing")
	requireKind(t, err, KindNotFound, CodeUserNotFound)
}

func TestForgotAndResetPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedAccount(t, "ada@x.com", "correct horse")
	sess, err := f.svc.Login(ctx, "ada@x.com", "correct horse")
	require.NoError(t, err)

	require.NoError(t, f.svc.ForgotPassword(ctx, "ada@x.com"))
	secret, email := f.mail.last(t, "reset")

	err = f.svc.ResetPassword(ctx, email, secret, "short")
	e := requireKind(t, err, KindValidation, CodeValidation)
	assert.Contains(t, e.Fields, "password")

	require.NoError(t, f.svc.ResetPassword(ctx, email, secret, "battery staple"))

	_, err = f.svc.Refresh(ctx, sess.Tokens.Refresh)
	requireKind(t, err, KindToken, CodeSessionRevoked)

	_, err = f.svc.Login(ctx, "ada@x.com", "correct horse")
	requireKind(t, err, KindAuthentication, CodeInvalidCredentials)
	_, err = f.svc.Login(ctx, "ada@x.com", "battery staple")
	require.NoError(t, err)

	err = f.svc.ResetPassword(ctx, email, secret, "another password")
	requireKind(t, err, KindValidation, CodeSecretInvalid)
}

func TestResetPassword_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedAccount(t, "ada@x.com", "correct horse")
	require.NoError(t, f.svc.ForgotPassword(ctx, "ada@x.com"))
	secret, email := f.mail.last(t, "reset")

	f.advance(time.Hour + time.Second)
	err := f.svc.ResetPassword(ctx, email, secret, "battery staple")
	requireKind(t, err, KindValidation, CodeSecretInvalid)
}

func TestForgotPassword_UnknownEmailSendsNothing(t *testing.T) {
	f := newFixture(t)
	err := f.svc.ForgotPassword(context.Background(), "nobody@x.com")
	assert.Error(t, err)
	assert.Zero(t, f.mail.count())
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.verifiedAccount(t, "ada@x.com", "correct horse")
	sess, err := f.svc.Login(ctx, "ada@x.com", "correct horse")
	require.NoError(t, err)

	got, err := f.svc.Authenticate(ctx, sess.Tokens.Access)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = f.svc.Authenticate(ctx, "")
	requireKind(t, err, KindToken, CodeNoToken)

	_, err = f.svc.Authenticate(ctx, "garbage")
	requireKind(t, err, KindToken, CodeAccessTokenInvalid)

	_, err = f.svc.Authenticate(ctx, sess.Tokens.Refresh)
	requireKind(t, err, KindToken, CodeAccessTokenInvalid)

	f.advance(16 * time.Minute)
	_, err = f.svc.Authenticate(ctx, sess.Tokens.Access)
	requireKind(t, err, KindToken, CodeAccessTokenExpired)
}

func TestAuthenticate_AccountGone(t *testing.T) {
	f := newFixture(t)
	pair, err := f.issuer.IssuePair(subjectOf(&account.Account{ID: "ghost", Email: "g@x.com"}))
	require.NoError(t, err)

	_, err = f.svc.Authenticate(context.Background(), pair.Access)
	requireKind(t, err, KindToken, CodeAccountNotFound)
}

func TestOAuthLogin_LinksExistingAccount(t *testing.T) {
	f := newFixture(t, fakeGoogle(t, map[string]any{
		"sub": "g-1", "email": "ADA@x.com", "email_verified": true, "name": "Ada L", "picture": "http://img/a.png",
	}))
	ctx := context.Background()
	_, err := f.svc.Signup(ctx, SignupInput{Name: "Ada", Email: "ada@x.com", Password: "longenough"})
	require.NoError(t, err)

	sess, err := f.svc.OAuthLogin(ctx, "google", "good-code")
	require.NoError(t, err)
	assert.Equal(t, "1", sess.Account.ID)
	assert.True(t, sess.Account.IsVerified)
	require.NotNil(t, sess.Account.Avatar)
	assert.Equal(t, "http://img/a.png", *sess.Account.Avatar)

	// the password still works and the account is now verified
	_, err = f.svc.Login(ctx, "ada@x.com", "longenough")
	require.NoError(t, err)
}

func TestOAuthLogin_Failures(t *testing.T) {
	f := newFixture(t, fakeGoogle(t, map[string]any{"sub": "g-1", "email_verified": false, "email": "x@x.com"}))
	ctx := context.Background()

	_, err := f.svc.OAuthLogin(ctx, "google", "bad-code")
	requireKind(t, err, KindOAuth, CodeOAuthFailed)

	_, err = f.svc.OAuthLogin(ctx, "google", "good-code")
	requireKind(t, err, KindOAuth, CodeOAuthNoEmail)

	_, err = f.svc.OAuthLogin(ctx, "gitlab", "good-code")
	requireKind(t, err, KindOAuth, CodeOAuthFailed)
}
