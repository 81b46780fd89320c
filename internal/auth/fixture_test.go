package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-auth/internal/account"
	"github.com/ovaphlow/pitchfork/service-auth/internal/account/memstore"
	"github.com/ovaphlow/pitchfork/service-auth/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-auth/internal/oauth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
)

type sentMail struct {
	kind string
	to   string
	link string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *recordingMailer) SendVerification(_ context.Context, to, _, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{"verification", to, link})
	return nil
}

func (m *recordingMailer) SendPasswordReset(_ context.Context, to, _, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{"reset", to, link})
	return nil
}

// last returns the token and email query values of the newest mail of kind.
func (m *recordingMailer) last(t *testing.T, kind string) (secret, email string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].kind == kind {
			u, err := url.Parse(m.sent[i].link)
			require.NoError(t, err)
			return u.Query().Get("token"), u.Query().Get("email")
		}
	}
	t.Fatalf("no %s mail sent", kind)
	return "", ""
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fixture struct {
	svc     *Service
	store   *memstore.Store
	mail    *recordingMailer
	metrics *metrics.Metrics
	issuer  *token.Issuer

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, providers ...*oauth.Provider) *fixture {
	t.Helper()
	f := &fixture{
		store:   memstore.New(),
		mail:    &recordingMailer{},
		metrics: metrics.New(),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	iss, err := token.NewIssuer(token.Config{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "showcase-api",
		Audience:      "showcase-web",
	})
	require.NoError(t, err)
	f.issuer = iss.WithClock(f.clock)

	secrets := NewSecretManager(f.store, 0, 0)
	secrets.now = f.clock

	var seq atomic.Int64
	newID := func() string { return strconv.FormatInt(seq.Add(1), 10) }

	svc, err := NewService(Deps{
		Store:       f.store,
		Hasher:      BcryptHasher{Cost: bcrypt.MinCost},
		Issuer:      f.issuer,
		Secrets:     secrets,
		Linker:      oauth.NewLinker(f.store, newID, providers...),
		Mailer:      f.mail,
		Metrics:     f.metrics,
		NewID:       newID,
		PublicURL:   "http://api.test",
		FrontendURL: "http://web.test",
	})
	require.NoError(t, err)
	svc.now = f.clock
	f.svc = svc
	return f
}

// verifiedAccount signs up and verifies an account with password pw.
func (f *fixture) verifiedAccount(t *testing.T, email, pw string) *account.Account {
	t.Helper()
	ctx := context.Background()
	a, err := f.svc.Signup(ctx, SignupInput{Name: "Ada", Email: email, Password: pw})
	require.NoError(t, err)
	secret, mailed := f.mail.last(t, "verification")
	_, err = f.svc.VerifyEmail(ctx, mailed, secret)
	require.NoError(t, err)
	return a
}

// fakeGoogle serves the token and userinfo endpoints for a single profile.
func fakeGoogle(t *testing.T, profile map[string]any) *oauth.Provider {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"provider-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(profile)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return oauth.Google(oauth.ProviderConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		CallbackURL:  "http://api.test/auth/google/callback",
		AuthURL:      srv.URL + "/authorize",
		TokenURL:     srv.URL + "/token",
		UserInfoURL:  srv.URL + "/userinfo",
	})
}

func requireKind(t *testing.T, err error, kind Kind, code string) *Error {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, kind, e.Kind, "kind")
	require.Equal(t, code, e.Code, "code")
	return e
}
