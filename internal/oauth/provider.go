package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// ProviderConfig is the client registration for one identity provider. The
// endpoint URLs default to the provider's public ones when empty.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	EmailsURL    string
	Scopes       []string
}

// Provider performs the code exchange and profile fetch for one provider.
type Provider struct {
	name        string
	oauth2      *oauth2.Config
	userInfoURL string
	emailsURL   string
	decode      func(ctx context.Context, p *Provider, client *http.Client, body []byte) (Profile, error)
	// HTTPClient is used for the token exchange when set.
	HTTPClient *http.Client
}

func newProvider(name string, cfg ProviderConfig, ep oauth2.Endpoint, defaultScopes []string) *Provider {
	if cfg.AuthURL != "" {
		ep.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		ep.TokenURL = cfg.TokenURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	return &Provider{
		name: name,
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     ep,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       scopes,
		},
		userInfoURL: cfg.UserInfoURL,
		emailsURL:   cfg.EmailsURL,
	}
}

// Google builds the "google" provider.
func Google(cfg ProviderConfig) *Provider {
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	}
	p := newProvider("google", cfg, endpoints.Google, []string{"openid", "email", "profile"})
	p.decode = decodeGoogle
	return p
}

// GitHub builds the "github" provider.
func GitHub(cfg ProviderConfig) *Provider {
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = "https://api.github.com/user"
	}
	if cfg.EmailsURL == "" {
		cfg.EmailsURL = "https://api.github.com/user/emails"
	}
	p := newProvider("github", cfg, endpoints.GitHub, []string{"read:user", "user:email"})
	p.decode = decodeGitHub
	return p
}

func (p *Provider) Name() string { return p.name }

// AuthCodeURL is the provider consent URL carrying state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth2.AuthCodeURL(state)
}

// Exchange trades the callback code for a provider token.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if p.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}
	tok, err := p.oauth2.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// FetchProfile loads the user profile with the provider token.
func (p *Provider) FetchProfile(ctx context.Context, tok *oauth2.Token) (Profile, error) {
	if p.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}
	client := p.oauth2.Client(ctx, tok)
	body, err := getJSON(ctx, client, p.userInfoURL)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	return p.decode(ctx, p, client, body)
}

func getJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return body, nil
}

func decodeGoogle(_ context.Context, _ *Provider, _ *http.Client, body []byte) (Profile, error) {
	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return Profile{}, fmt.Errorf("decode google profile: %w", err)
	}
	if info.Sub == "" {
		return Profile{}, errors.New("google profile without sub")
	}
	prof := Profile{ExternalID: info.Sub, DisplayName: info.Name}
	// an unverified address must not link onto an existing account
	if info.Email != "" && (info.EmailVerified == nil || *info.EmailVerified) {
		prof.Emails = []string{info.Email}
	}
	if info.Picture != "" {
		prof.Photos = []string{info.Picture}
	}
	return prof, nil
}

func decodeGitHub(ctx context.Context, p *Provider, client *http.Client, body []byte) (Profile, error) {
	var info struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return Profile{}, fmt.Errorf("decode github profile: %w", err)
	}
	if info.ID == 0 {
		return Profile{}, errors.New("github profile without id")
	}
	prof := Profile{ExternalID: strconv.FormatInt(info.ID, 10), DisplayName: info.Name}
	if prof.DisplayName == "" {
		prof.DisplayName = info.Login
	}
	if info.AvatarURL != "" {
		prof.Photos = []string{info.AvatarURL}
	}

	emails, err := githubEmails(ctx, client, p.emailsURL)
	if err != nil || len(emails) == 0 {
		if info.Email != "" {
			emails = []string{info.Email}
		}
	}
	prof.Emails = emails
	return prof, nil
}

// githubEmails lists verified addresses, primary first.
func githubEmails(ctx context.Context, client *http.Client, url string) ([]string, error) {
	if url == "" {
		return nil, nil
	}
	body, err := getJSON(ctx, client, url)
	if err != nil {
		return nil, err
	}
	var list []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Primary && !list[j].Primary })
	out := make([]string, 0, len(list))
	for _, e := range list {
		if e.Verified && e.Email != "" {
			out = append(out, e.Email)
		}
	}
	return out, nil
}
