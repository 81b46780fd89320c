package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/account"
	"github.com/ovaphlow/pitchfork/service-auth/internal/oauth"
)

const (
	maxBodyBytes   = 1 << 20
	forgotResponse = "If that email is registered, a password reset link has been sent."
)

// Handler exposes the auth flows over HTTP.
type Handler struct {
	svc         *Service
	states      *oauth.StateSigner
	cookies     CookieConfig
	frontendURL string
	logger      *zap.SugaredLogger
}

func NewHandler(svc *Service, states *oauth.StateSigner, cookies CookieConfig, frontendURL string, logger *zap.SugaredLogger) *Handler {
	if cookies.RefreshMaxAge == 0 {
		cookies.RefreshMaxAge = svc.RefreshTTL()
	}
	return &Handler{
		svc:         svc,
		states:      states,
		cookies:     cookies,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		logger:      logger,
	}
}

type userView struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	IsVerified bool       `json:"isVerified"`
	Avatar     *string    `json:"avatar,omitempty"`
	Provider   *string    `json:"oauthProvider,omitempty"`
	LastLogin  *time.Time `json:"lastLogin,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func viewOf(a *account.Account) userView {
	return userView{
		ID:         a.ID,
		Email:      a.Email,
		Name:       a.Name,
		IsVerified: a.IsVerified,
		Avatar:     a.Avatar,
		Provider:   a.OAuthProvider,
		LastLogin:  a.LastLogin,
		CreatedAt:  a.CreatedAt,
	}
}

type sessionResponse struct {
	AccessToken string   `json:"accessToken"`
	User        userView `json:"user"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorBody struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Fields      map[string]string `json:"fields,omitempty"`
	LockedUntil *time.Time        `json:"lockedUntil,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupInput
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.svc.Signup(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"userId": a.ID, "email": a.Email})
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	secret, email := q.Get("token"), q.Get("email")
	if secret == "" || email == "" {
		h.redirect(w, r, "/verify-email", url.Values{"status": {"error"}})
		return
	}
	_, err := h.svc.VerifyEmail(r.Context(), email, secret)
	switch {
	case err == nil:
		h.redirect(w, r, "/verify-email", url.Values{"status": {"success"}})
	case errors.Is(err, account.ErrSecretNotFound):
		h.redirect(w, r, "/verify-email", url.Values{"status": {"expired"}})
	default:
		h.logger.Errorw("verify email failed", "error", err)
		h.redirect(w, r, "/verify-email", url.Values{"status": {"error"}})
	}
}

type emailRequest struct {
	Email string `json:"email"`
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ResendVerification(r.Context(), req.Email); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "verification email sent"})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSession(w, sess)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ForgotPassword(r.Context(), req.Email); err != nil && !errors.Is(err, account.ErrNotFound) {
		h.logger.Warnw("forgot password failed", "error", err)
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: forgotResponse})
}

type resetRequest struct {
	Token    string `json:"token"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ResetPassword takes token and email from the query string, falling back to
// the body.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}
	q := r.URL.Query()
	if v := q.Get("token"); v != "" {
		req.Token = v
	}
	if v := q.Get("email"); v != "" {
		req.Email = v
	}
	if err := h.svc.ResetPassword(r.Context(), req.Email, req.Token, req.Password); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "password updated"})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Refresh(r.Context(), cookieValue(r, refreshCookieName))
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == KindToken {
			http.SetCookie(w, h.cookies.clearRefresh())
		}
		h.writeError(w, r, err)
		return
	}
	h.writeSession(w, sess)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context(), cookieValue(r, refreshCookieName)); err != nil {
		h.logger.Warnw("logout revoke failed", "error", err)
	}
	http.SetCookie(w, h.cookies.clearRefresh())
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

// LogoutAll must be mounted behind RequireAuth.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	a, ok := AccountFrom(r.Context())
	if !ok {
		h.writeError(w, r, tokenError(CodeNoToken, "no token provided", nil))
		return
	}
	if err := h.svc.LogoutAll(r.Context(), a.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	http.SetCookie(w, h.cookies.clearRefresh())
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "logged out from all sessions"})
}

// Me must be mounted behind RequireAuth.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	a, ok := AccountFrom(r.Context())
	if !ok {
		h.writeError(w, r, tokenError(CodeNoToken, "no token provided", nil))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]userView{"user": viewOf(a)})
}

// OAuthStart redirects to the provider named by the {provider} path value.
func (h *Handler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	p, ok := h.svc.OAuthProvider(name)
	if !ok {
		h.writeError(w, r, &Error{Kind: KindNotFound, Code: "PROVIDER_NOT_FOUND", Message: "unknown provider"})
		return
	}
	state, nonce, err := h.states.Issue(name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.SetCookie(w, h.cookies.nonce(nonce, h.states.TTL()))
	http.Redirect(w, r, p.AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	q := r.URL.Query()
	http.SetCookie(w, h.cookies.clearNonce())

	if e := q.Get("error"); e != "" {
		h.logger.Infow("oauth denied", "provider", name, "reason", e)
		h.writeError(w, r, oauthError(CodeOAuthAccessDenied, nil))
		return
	}
	if err := h.states.Verify(q.Get("state"), name, cookieValue(r, nonceCookieName)); err != nil {
		h.writeError(w, r, oauthError(CodeOAuthState, err))
		return
	}
	code := q.Get("code")
	if code == "" {
		h.writeError(w, r, oauthError(CodeOAuthFailed, errors.New("missing code")))
		return
	}
	sess, err := h.svc.OAuthLogin(r.Context(), name, code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.SetCookie(w, h.cookies.refresh(sess.Tokens.Refresh))
	h.redirect(w, r, "/oauth/callback", url.Values{"token": {sess.Tokens.Access}})
}

func (h *Handler) writeSession(w http.ResponseWriter, sess *Session) {
	http.SetCookie(w, h.cookies.refresh(sess.Tokens.Refresh))
	h.writeJSON(w, http.StatusOK, sessionResponse{AccessToken: sess.Tokens.Access, User: viewOf(sess.Account)})
}

// writeError is the only place errors become responses. Unclassified errors
// are logged and answered with a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		h.logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{Code: "INTERNAL", Message: "internal server error"}})
		return
	}
	if e.Kind == KindOAuth {
		if e.Err != nil {
			h.logger.Warnw("oauth callback failed", "provider", r.PathValue("provider"), "code", e.Code, "error", e.Err)
		}
		h.redirect(w, r, "/login", url.Values{"error": {e.Code}})
		return
	}
	h.logger.Debugw("request rejected", "path", r.URL.Path, "kind", e.Kind.String(), "code", e.Code)
	body := errorBody{Code: e.Code, Message: e.Message, Fields: e.Fields}
	if e.Kind == KindLocked {
		body.LockedUntil = e.LockedUntil
	}
	h.writeJSON(w, e.Kind.Status(), errorResponse{Error: body})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeError(w, r, validationError(map[string]string{"body": "invalid JSON payload"}))
		return false
	}
	return true
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, path string, q url.Values) {
	http.Redirect(w, r, h.frontendURL+path+"?"+q.Encode(), http.StatusFound)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
