// Package oauth reconciles third-party identity provider profiles with local
// accounts. Providers are injected at construction; nothing is registered
// globally.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ovaphlow/pitchfork/service-auth/internal/account"
)

// Profile is the provider-neutral shape of a callback profile.
type Profile struct {
	ExternalID  string
	Emails      []string
	DisplayName string
	Photos      []string
}

// Outcome names the resolver branch that produced the account.
type Outcome int

const (
	Matched Outcome = iota + 1
	Linked
	Created
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Linked:
		return "linked"
	case Created:
		return "created"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownProvider = errors.New("unknown oauth provider")
	// ErrProfileIncomplete is returned when a new account would have no email.
	ErrProfileIncomplete = errors.New("oauth profile has no email")
)

type Linker struct {
	store     account.Store
	providers map[string]*Provider
	newID     func() string
}

func NewLinker(store account.Store, newID func() string, providers ...*Provider) *Linker {
	m := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Linker{store: store, providers: m, newID: newID}
}

func (l *Linker) Provider(name string) (*Provider, bool) {
	p, ok := l.providers[name]
	return p, ok
}

// Complete finishes a provider redirect: exchanges code, fetches the profile
// and resolves it to an account.
func (l *Linker) Complete(ctx context.Context, provider, code string) (*account.Account, Outcome, error) {
	p, ok := l.Provider(provider)
	if !ok {
		return nil, 0, ErrUnknownProvider
	}
	tok, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, 0, err
	}
	prof, err := p.FetchProfile(ctx, tok)
	if err != nil {
		return nil, 0, err
	}
	return l.Resolve(ctx, provider, prof)
}

// Resolve finds, links or creates the account for a provider profile. The
// identity match is tried before the email match so an account keeps the
// provider identity it was first linked with.
func (l *Linker) Resolve(ctx context.Context, provider string, prof Profile) (*account.Account, Outcome, error) {
	if prof.ExternalID == "" {
		return nil, 0, fmt.Errorf("%w: missing external id", ErrProfileIncomplete)
	}
	a, outcome, err := l.resolve(ctx, provider, prof)
	if errors.Is(err, account.ErrEmailTaken) || errors.Is(err, account.ErrOAuthTaken) {
		// lost a create race against a concurrent callback; the row exists now
		a, outcome, err = l.resolve(ctx, provider, prof)
	}
	return a, outcome, err
}

func (l *Linker) resolve(ctx context.Context, provider string, prof Profile) (*account.Account, Outcome, error) {
	a, err := l.store.GetByOAuth(ctx, provider, prof.ExternalID)
	if err == nil {
		return a, Matched, nil
	}
	if !errors.Is(err, account.ErrNotFound) {
		return nil, 0, err
	}

	email := primaryEmail(prof)
	if email != "" {
		a, err = l.store.GetByEmail(ctx, email)
		if err == nil {
			linked, err := l.store.LinkOAuth(ctx, a.ID, provider, prof.ExternalID, firstPhoto(prof))
			if err != nil {
				return nil, 0, err
			}
			return linked, Linked, nil
		}
		if !errors.Is(err, account.ErrNotFound) {
			return nil, 0, err
		}
	}

	if email == "" {
		return nil, 0, ErrProfileIncomplete
	}
	name := strings.TrimSpace(prof.DisplayName)
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}
	oauthID, prov := prof.ExternalID, provider
	a = &account.Account{
		ID:            l.newID(),
		Email:         email,
		Name:          name,
		IsVerified:    true,
		OAuthID:       &oauthID,
		OAuthProvider: &prov,
		Avatar:        firstPhoto(prof),
	}
	if err := l.store.Create(ctx, a); err != nil {
		return nil, 0, err
	}
	return a, Created, nil
}

func primaryEmail(p Profile) string {
	for _, e := range p.Emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if strings.Contains(e, "@") {
			return e
		}
	}
	return ""
}

func firstPhoto(p Profile) *string {
	for _, ph := range p.Photos {
		if ph != "" {
			v := ph
			return &v
		}
	}
	return nil
}
