// Package provider adapts the external OAuth2 calendar provider. It
// covers the two outbound protocol calls the service makes: exchanging
// an authorization code for credentials, and refreshing an access
// credential from a stored refresh credential.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// Google OAuth endpoints. Defined inline rather than pulled from the
// provider SDK so the adapter stays a pure oauth2 client.
const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token" //nolint:gosec // G101: OAuth endpoint URL, not a credential
)

// calendarScopes limits the grant to calendar read and event management.
var calendarScopes = []string{
	"https://www.googleapis.com/auth/calendar.readonly",
	"https://www.googleapis.com/auth/calendar.events",
}

// ErrInvalidGrant indicates the provider rejected the presented grant
// (revoked or expired code/refresh credential). The caller must send
// the user back through the consent flow; retrying is pointless.
var ErrInvalidGrant = errors.New("provider rejected grant")

// Credentials is the provider's answer to an exchange or refresh.
// RefreshToken is empty when the provider chose not to rotate it.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

//go:generate mockgen -source=provider.go -destination=mock_provider.go -package=provider

// Provider is the outbound surface the connection flow depends on.
// The production implementation is Google; tests substitute a mock.
type Provider interface {
	// AuthCodeURL builds the consent URL carrying the opaque state.
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for credentials.
	Exchange(ctx context.Context, code string) (*Credentials, error)

	// Refresh trades a refresh credential for new credentials.
	Refresh(ctx context.Context, refreshToken string) (*Credentials, error)
}

// Google implements Provider against Google's OAuth2 endpoints.
type Google struct {
	cfg     *oauth2.Config
	timeout time.Duration
}

// NewGoogle constructs the Google provider adapter. The redirect URL
// must match the URI registered with the OAuth client. Timeout bounds
// every outbound call.
func NewGoogle(clientID, clientSecret, redirectURL string, timeout time.Duration) *Google {
	return &Google{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       calendarScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  googleAuthURL,
				TokenURL: googleTokenURL,
			},
		},
		timeout: timeout,
	}
}

// AuthCodeURL builds the Google consent URL. access_type=offline and
// prompt=consent force a refresh credential to be issued even when the
// user has previously granted access.
func (g *Google) AuthCodeURL(state string) string {
	return g.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the authorization code for credentials. Timeouts and
// provider rejections are terminal; the caller decides whether the user
// should retry.
func (g *Google) Exchange(ctx context.Context, code string) (*Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	tok, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, classify(err)
	}

	return fromToken(tok), nil
}

// Refresh mints new credentials from a stored refresh credential. When
// Google rotates the refresh credential, the returned RefreshToken is
// non-empty and differs from the input; otherwise it is left empty so
// the caller knows to retain the one it holds.
func (g *Google) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	src := g.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, classify(err)
	}

	creds := fromToken(tok)
	if creds.RefreshToken == refreshToken {
		creds.RefreshToken = ""
	}

	return creds, nil
}

func fromToken(tok *oauth2.Token) *Credentials {
	return &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

// classify maps provider transport errors to service-level sentinels.
// The token endpoint reports grant problems in the JSON body's "error"
// field per RFC 6749 Section 5.2.
func classify(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		code := gjson.GetBytes(retrieve.Body, "error").Str
		if code == "invalid_grant" {
			return ErrInvalidGrant
		}
	}

	return err
}
