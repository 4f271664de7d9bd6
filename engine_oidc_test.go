package authkit_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/signalpost/authkit"
	"github.com/signalpost/authkit/oidcclient"
)

// fakeIssuer is an in-process OIDC provider serving discovery, JWKS,
// and a token endpoint that signs id tokens for a fixed identity.
type fakeIssuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	rejectGrant atomic.Bool

	subject string
	email   string
	name    string
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	p := &fakeIssuer{
		key:     key,
		subject: "prov-user-1",
		email:   "ada@example.com",
		name:    "Ada from Provider",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/jwks", p.handleJWKS)
	mux.HandleFunc("/token", p.handleToken)

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeIssuer) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	base := p.server.URL
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              base + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *fakeIssuer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := &p.key.PublicKey
	_ = json.NewEncoder(w).Encode(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": "test-key",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (p *fakeIssuer) handleToken(w http.ResponseWriter, r *http.Request) {
	if p.rejectGrant.Load() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.Form.Get("code_verifier") == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_request"}`))
		return
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":            p.server.URL,
		"sub":            p.subject,
		"aud":            "test-client",
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"email":          p.email,
		"email_verified": true,
		"name":           p.name,
	})
	tok.Header["kid"] = "test-key"
	signed, err := tok.SignedString(p.key)
	if err != nil {
		panic(fmt.Sprintf("sign id token: %v", err))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "prov-access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     signed,
	})
}

func (p *fakeIssuer) providerConfig() oidcclient.ProviderConfig {
	return oidcclient.ProviderConfig{
		Name:         "fake",
		IssuerURL:    p.server.URL,
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURL:  "https://app.example.com/auth/callback",
	}
}

func newOIDCEnv(t *testing.T) (*testEnv, *fakeIssuer) {
	t.Helper()
	issuer := newFakeIssuer(t)
	env := newTestEnv(t, func(cfg *authkit.Config) {
		cfg.OIDC.Providers = []oidcclient.ProviderConfig{issuer.providerConfig()}
	})
	return env, issuer
}

// stateFrom pulls the state parameter out of an authorization URL.
func stateFrom(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatal("authorization url missing state")
	}
	return state
}

func TestOIDCSignInCreatesVerifiedUser(t *testing.T) {
	env, issuer := newOIDCEnv(t)
	ctx := context.Background()

	authURL, err := env.engine.OIDCAuthURL(ctx, "fake")
	if err != nil {
		t.Fatalf("OIDCAuthURL: %v", err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	if got := u.Query().Get("code_challenge_method"); got != "S256" {
		t.Fatalf("code_challenge_method = %q, want S256", got)
	}

	result, err := env.engine.OIDCCallback(ctx, "fake", "auth-code", stateFrom(t, authURL))
	if err != nil {
		t.Fatalf("OIDCCallback: %v", err)
	}
	if result.AccessToken == "" || result.SessionID == "" {
		t.Fatalf("incomplete login result: %+v", result)
	}

	user, err := env.store.GetUserByEmail(ctx, issuer.email)
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if !user.EmailVerified {
		t.Fatal("provider-asserted email must arrive verified")
	}
	if !user.HasMethod(authkit.MethodOIDC) {
		t.Fatalf("oidc method not recorded: %v", user.AuthMethods)
	}

	// The placeholder credential never verifies as a password.
	if _, err := env.engine.Login(ctx, issuer.email, "anything at all!"); !errors.Is(err, authkit.ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestOIDCStateReplayRejected(t *testing.T) {
	env, _ := newOIDCEnv(t)
	ctx := context.Background()

	authURL, err := env.engine.OIDCAuthURL(ctx, "fake")
	if err != nil {
		t.Fatalf("OIDCAuthURL: %v", err)
	}
	state := stateFrom(t, authURL)

	if _, err := env.engine.OIDCCallback(ctx, "fake", "auth-code", state); err != nil {
		t.Fatalf("OIDCCallback: %v", err)
	}
	if _, err := env.engine.OIDCCallback(ctx, "fake", "auth-code", state); !errors.Is(err, authkit.ErrChallengeConsumed) {
		t.Fatalf("replay: got %v, want ErrChallengeConsumed", err)
	}
}

func TestOIDCForgedStateRejected(t *testing.T) {
	env, _ := newOIDCEnv(t)

	_, err := env.engine.OIDCCallback(context.Background(), "fake", "auth-code", "never-issued")
	if !errors.Is(err, authkit.ErrChallengeNotFound) {
		t.Fatalf("got %v, want ErrChallengeNotFound", err)
	}
}

func TestOIDCUnknownProvider(t *testing.T) {
	env, _ := newOIDCEnv(t)
	ctx := context.Background()

	if _, err := env.engine.OIDCAuthURL(ctx, "nope"); !errors.Is(err, authkit.ErrProviderUnknown) {
		t.Fatalf("got %v, want ErrProviderUnknown", err)
	}
	if _, err := env.engine.OIDCCallback(ctx, "nope", "code", "state"); !errors.Is(err, authkit.ErrProviderUnknown) {
		t.Fatalf("got %v, want ErrProviderUnknown", err)
	}
}

func TestOIDCExchangeFailure(t *testing.T) {
	env, issuer := newOIDCEnv(t)
	ctx := context.Background()

	authURL, err := env.engine.OIDCAuthURL(ctx, "fake")
	if err != nil {
		t.Fatalf("OIDCAuthURL: %v", err)
	}

	issuer.rejectGrant.Store(true)
	if _, err := env.engine.OIDCCallback(ctx, "fake", "auth-code", stateFrom(t, authURL)); !errors.Is(err, authkit.ErrProviderExchange) {
		t.Fatalf("got %v, want ErrProviderExchange", err)
	}
}

func TestOIDCExistingAccountNotOverwritten(t *testing.T) {
	env, _ := newOIDCEnv(t)
	ctx := context.Background()

	// Same email, registered with a password first.
	user := env.registerVerified(t)
	before, err := env.store.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}

	authURL, err := env.engine.OIDCAuthURL(ctx, "fake")
	if err != nil {
		t.Fatalf("OIDCAuthURL: %v", err)
	}
	result, err := env.engine.OIDCCallback(ctx, "fake", "auth-code", stateFrom(t, authURL))
	if err != nil {
		t.Fatalf("OIDCCallback: %v", err)
	}
	if result.UserID != user.ID {
		t.Fatalf("callback landed on %s, want existing %s", result.UserID, user.ID)
	}

	after, err := env.store.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if after.PasswordHash != before.PasswordHash || after.Name != before.Name {
		t.Fatal("oidc sign-in must not overwrite the existing account")
	}

	// The password still works.
	if _, err := env.engine.Login(ctx, testEmail, testPassword); err != nil {
		t.Fatalf("password login after oidc: %v", err)
	}
}
