package oidcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
)

var (
	// ErrExchange reports a provider-side failure during code exchange or
	// ID-token verification. Callers map it to an "authentication failed"
	// response, never a generic internal error.
	ErrExchange = errors.New("provider exchange failed")
	// ErrNoIDToken reports a token response missing the id_token field.
	ErrNoIDToken = errors.New("provider response missing id_token")
)

// ProviderConfig describes one upstream OIDC provider.
type ProviderConfig struct {
	Name         string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Identity is the verified profile extracted from a provider ID token.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// Client is a relying-party client for one provider: it builds PKCE
// authorization URLs, exchanges codes, and verifies ID tokens against
// the provider's published key set.
type Client struct {
	name     string
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	timeout  time.Duration
}

// New runs OIDC discovery against cfg.IssuerURL and returns a ready
// Client. Discovery is time-bounded by ctx.
func New(ctx context.Context, cfg ProviderConfig) (*Client, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, fmt.Errorf("provider %s: issuer, client id, and redirect url are required", cfg.Name)
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("provider %s discovery: %w", cfg.Name, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	return &Client{
		name: cfg.Name,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		timeout:  10 * time.Second,
	}, nil
}

// Name returns the provider name this client was configured with.
func (c *Client) Name() string {
	return c.name
}

// NewVerifier returns a fresh PKCE code verifier.
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// AuthCodeURL builds the provider authorization URL carrying state and
// the S256 challenge derived from verifier.
func (c *Client) AuthCodeURL(state, verifier string) string {
	return c.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange redeems code with the stored PKCE verifier, verifies the
// returned ID token (signature against the provider JWKS, issuer,
// audience), and extracts the profile. Transient provider failures are
// retried with jittered backoff; persistent failure maps to
// [ErrExchange].
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*Identity, error) {
	var tok *oauth2.Token

	backoff := retry.WithJitter(100*time.Millisecond, retry.NewExponential(250*time.Millisecond))
	backoff = retry.WithMaxRetries(2, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		exchanged, err := c.oauth.Exchange(attemptCtx, code, oauth2.VerifierOption(verifier))
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
				// 4xx means the code or verifier is bad; retrying cannot help.
				return err
			}
			return retry.RetryableError(err)
		}
		tok = exchanged
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: provider %s: %v", ErrExchange, c.name, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: provider %s", ErrNoIDToken, c.name)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	idToken, err := c.verifier.Verify(verifyCtx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: provider %s id token: %v", ErrExchange, c.name, err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: provider %s claims: %v", ErrExchange, c.name, err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: provider %s returned no email", ErrExchange, c.name)
	}

	return &Identity{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}
