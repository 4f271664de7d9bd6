package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/signalpost/authkit/challenge"
	"github.com/signalpost/authkit/internal"
	"github.com/signalpost/authkit/oidcclient"
)

// oidcPayload is the PKCE verifier held server-side between the
// authorization redirect and the callback.
type oidcPayload struct {
	Verifier string `json:"verifier"`
}

// OIDCAuthURL starts an authorization-code flow with PKCE. The state is
// the correlation key of a single-use challenge record carrying the
// code verifier; replaying or forging the state fails the callback.
func (e *Engine) OIDCAuthURL(ctx context.Context, provider string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}

	client, ok := e.providers[provider]
	if !ok {
		return "", ErrProviderUnknown
	}

	state, err := internal.NewCorrelationKey()
	if err != nil {
		return "", err
	}
	verifier := oidcclient.NewVerifier()

	payload, err := json.Marshal(oidcPayload{Verifier: verifier})
	if err != nil {
		return "", err
	}

	now := time.Now()
	ttl := e.config.Challenge.OIDCStateTTL
	rec := &challenge.Record{
		Key:       state,
		Purpose:   oidcPurpose(provider),
		Data:      payload,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	if err := e.challenges.Create(ctx, rec, ttl); err != nil {
		return "", mapChallengeErr(err)
	}

	e.metricInc(MetricOIDCBegin)
	e.emitAudit(ctx, AuditOIDCBegin, "", "", provider, true, nil)

	return client.AuthCodeURL(state, verifier), nil
}

// OIDCCallback consumes the state, exchanges the code with the stored
// PKCE verifier, and signs the user in. Accounts are created on first
// sight of a provider email with an unusable password placeholder and
// the email pre-verified; existing accounts are never overwritten.
func (e *Engine) OIDCCallback(ctx context.Context, provider, code, state string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	client, ok := e.providers[provider]
	if !ok {
		return nil, ErrProviderUnknown
	}

	rec, err := e.challenges.Consume(ctx, state, oidcPurpose(provider))
	if err != nil {
		mapped := mapChallengeErr(err)
		if errors.Is(mapped, ErrChallengeConsumed) {
			e.metricInc(MetricOIDCStateReplay)
		}
		e.metricInc(MetricOIDCFailure)
		e.emitAudit(ctx, AuditOIDCCallback, "", "", provider, false, mapped)
		return nil, mapped
	}

	var payload oidcPayload
	if err := json.Unmarshal(rec.Data, &payload); err != nil {
		return nil, err
	}

	identity, err := client.Exchange(ctx, code, payload.Verifier)
	if err != nil {
		e.metricInc(MetricOIDCFailure)
		e.emitAudit(ctx, AuditOIDCCallback, "", "", provider, false, ErrProviderExchange)
		return nil, errors.Join(ErrProviderExchange, err)
	}

	user, err := e.upsertOIDCUser(ctx, identity)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricOIDCSuccess)

	result, err := e.finishLogin(ctx, user, string(MethodOIDC))
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, AuditOIDCCallback, user.ID, result.SessionID, provider, true, nil)
	return result, nil
}

// upsertOIDCUser creates the account on first sight, insert-only: when
// the email already exists nothing on the record is overwritten.
func (e *Engine) upsertOIDCUser(ctx context.Context, identity *oidcclient.Identity) (*User, error) {
	email := normalizeEmail(identity.Email)
	if !validEmail(email) {
		return nil, ErrValidation
	}

	placeholder, err := unusablePassword()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	candidate := &User{
		ID:            uuid.NewString(),
		Email:         email,
		Name:          identity.Name,
		PasswordHash:  placeholder,
		EmailVerified: true,
		AuthMethods:   []AuthMethod{MethodOIDC},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	user, _, err := e.store.CreateUserIfAbsent(ctx, candidate)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// unusablePassword returns a placeholder that can never verify: it is
// not a valid PHC string, so Verify fails before any comparison.
func unusablePassword() (string, error) {
	random, err := internal.NewCorrelationKey()
	if err != nil {
		return "", err
	}
	return "!oidc!" + random, nil
}
