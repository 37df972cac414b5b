// Package credential supplies IMAP credentials for accounts. Refresh tokens
// and passwords live in the system keyring; access tokens are minted with
// OAuth2 and cached until they expire.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/gmail"
)

// GmailScope grants full IMAP access.
const GmailScope = "https://mail.google.com/"

// Secrets is the secret storage a Provider reads from.
type Secrets interface {
	Get(accountID, name string) (string, error)
}

// Provider returns credentials for an account.
type Provider struct {
	secrets Secrets
	oauth   *oauth2.Config

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewProvider creates a Provider. Without an OAuth client id only stored
// passwords are used.
func NewProvider(secrets Secrets, cfg model.OAuthConfig) *Provider {
	p := &Provider{secrets: secrets, sources: make(map[string]oauth2.TokenSource)}
	if cfg.ClientID != "" {
		p.oauth = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
			Scopes:       []string{GmailScope},
		}
	}
	return p
}

// Credentials returns a login for acct. A refresh token takes precedence
// over a password. Missing secrets and rejected refresh tokens are auth
// errors.
func (p *Provider) Credentials(ctx context.Context, acct *model.Account) (gmail.Credentials, error) {
	creds := gmail.Credentials{Username: acct.Email}

	if p.oauth != nil {
		ts, err := p.tokenSource(ctx, acct.ID)
		switch {
		case err == nil:
			tok, err := ts.Token()
			if err != nil {
				return creds, tokenError(acct.ID, err)
			}
			creds.AccessToken = tok.AccessToken
			return creds, nil
		case !errors.Is(err, ErrNotFound):
			return creds, err
		}
	}

	pw, err := p.secrets.Get(acct.ID, SecretPassword)
	if errors.Is(err, ErrNotFound) {
		return creds, source.AuthError("credentials", fmt.Errorf("no credentials stored for %s", acct.ID))
	}
	if err != nil {
		return creds, err
	}
	creds.Password = pw
	return creds, nil
}

// Invalidate drops the cached token source so the next call re-reads the
// refresh token.
func (p *Provider) Invalidate(accountID string) {
	p.mu.Lock()
	delete(p.sources, accountID)
	p.mu.Unlock()
}

func (p *Provider) tokenSource(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ts, ok := p.sources[accountID]; ok {
		return ts, nil
	}
	refresh, err := p.secrets.Get(accountID, SecretRefreshToken)
	if err != nil {
		return nil, err
	}
	// The token source outlives the request that created it.
	ts := p.oauth.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: refresh})
	p.sources[accountID] = ts
	return ts, nil
}

// tokenError classifies a refresh failure. The token endpoint answers 4xx
// when the refresh token was revoked or is unknown.
func tokenError(accountID string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
		return source.AuthError("refresh token", fmt.Errorf("refreshing token for %s: %w", accountID, err))
	}
	return source.NewProtocolError(source.KindTransient, "refresh token", err)
}
