package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/signalpost/authkit/challenge"
)

// webauthnUser adapts an account to the relying-party library. For
// signup the id is a freshly generated user id, since the account does
// not exist until the ceremony verifies.
type webauthnUser struct {
	id          []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return u.id }
func (u *webauthnUser) WebAuthnName() string                       { return u.name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.displayName }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// passkeyPayload is the kind-specific data stored with a passkey
// ceremony challenge.
type passkeyPayload struct {
	Session      webauthn.SessionData `json:"session"`
	UserID       string               `json:"userId,omitempty"`
	Email        string               `json:"email,omitempty"`
	Name         string               `json:"name,omitempty"`
	CredentialID []byte               `json:"credentialId,omitempty"`
}

func webauthnCredential(pk *Passkey) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(pk.Transports))
	for _, t := range pk.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:        pk.CredentialID,
		PublicKey: pk.PublicKey,
		Transport: transports,
		Authenticator: webauthn.Authenticator{
			SignCount: pk.SignCount,
		},
	}
}

func credentialDescriptor(pk *Passkey) protocol.CredentialDescriptor {
	transports := make([]protocol.AuthenticatorTransport, 0, len(pk.Transports))
	for _, t := range pk.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return protocol.CredentialDescriptor{
		Type:         protocol.PublicKeyCredentialType,
		CredentialID: pk.CredentialID,
		Transport:    transports,
	}
}

func passkeyFromCredential(userID string, cred *webauthn.Credential, now time.Time) *Passkey {
	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	aaguid := ""
	if parsed, err := uuid.FromBytes(cred.Authenticator.AAGUID); err == nil {
		aaguid = parsed.String()
	}
	return &Passkey{
		ID:           uuid.NewString(),
		UserID:       userID,
		CredentialID: cred.ID,
		PublicKey:    cred.PublicKey,
		SignCount:    cred.Authenticator.SignCount,
		Transports:   transports,
		Attachment:   string(cred.Authenticator.Attachment),
		AAGUID:       aaguid,
		BackedUp:     cred.Flags.BackupState,
		CreatedAt:    now,
		LastUsedAt:   now,
	}
}

// savePasskeyChallenge persists the ceremony state keyed by the
// challenge the client will echo back.
func (e *Engine) savePasskeyChallenge(ctx context.Context, purpose challenge.Purpose, payload passkeyPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	now := time.Now()
	ttl := e.config.Challenge.PasskeyTTL
	rec := &challenge.Record{
		Key:       payload.Session.Challenge,
		Purpose:   purpose,
		UserID:    payload.UserID,
		Email:     payload.Email,
		Data:      data,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	if err := e.challenges.Create(ctx, rec, ttl); err != nil {
		return mapChallengeErr(err)
	}
	return nil
}

func (e *Engine) consumePasskeyChallenge(ctx context.Context, key string, purpose challenge.Purpose) (*passkeyPayload, error) {
	rec, err := e.challenges.Consume(ctx, key, purpose)
	if err != nil {
		return nil, mapChallengeErr(err)
	}
	var payload passkeyPayload
	if err := json.Unmarshal(rec.Data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// PasskeyRegisterInit starts a signup registration ceremony. A fresh
// user id is generated here and becomes the account id when the
// ceremony verifies.
func (e *Engine) PasskeyRegisterInit(ctx context.Context, email, name string) (*protocol.CredentialCreation, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if !validEmail(email) {
		return nil, ErrValidation
	}

	if _, err := e.store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	userID := uuid.NewString()
	wu := &webauthnUser{id: []byte(userID), name: email, displayName: name}

	options, sessionData, err := e.webauthn.BeginRegistration(wu,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: protocol.VerificationRequired,
		}),
	)
	if err != nil {
		return nil, err
	}

	err = e.savePasskeyChallenge(ctx, purposePasskeySignup, passkeyPayload{
		Session: *sessionData,
		UserID:  userID,
		Email:   email,
		Name:    name,
	})
	if err != nil {
		return nil, err
	}

	return options, nil
}

// PasskeyRegisterVerify completes a signup registration: the challenge
// is consumed, attestation is verified, and the user, their first
// passkey, and a pending verification code are created in one
// transaction. Tokens are withheld until the email is verified.
func (e *Engine) PasskeyRegisterVerify(ctx context.Context, body io.Reader) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		e.metricInc(MetricPasskeyFailure)
		return nil, errors.Join(ErrPasskeyVerification, err)
	}

	payload, err := e.consumePasskeyChallenge(ctx, parsed.Response.CollectedClientData.Challenge, purposePasskeySignup)
	if err != nil {
		e.metricInc(MetricPasskeyFailure)
		e.emitAudit(ctx, AuditPasskeyRegister, "", "", string(MethodPasskey), false, err)
		return nil, err
	}

	wu := &webauthnUser{id: []byte(payload.UserID), name: payload.Email, displayName: payload.Name}
	cred, err := e.webauthn.CreateCredential(wu, payload.Session, parsed)
	if err != nil {
		e.metricInc(MetricPasskeyFailure)
		e.emitAudit(ctx, AuditPasskeyRegister, payload.UserID, "", string(MethodPasskey), false, ErrPasskeyVerification)
		return nil, errors.Join(ErrPasskeyVerification, err)
	}

	now := time.Now()
	user := &User{
		ID:          payload.UserID,
		Email:       payload.Email,
		Name:        payload.Name,
		AuthMethods: []AuthMethod{MethodPasskey},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	pk := passkeyFromCredential(user.ID, cred, now)

	code, plainCode, err := e.newVerificationCode(user.ID)
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateUserWithPasskey(ctx, user, pk, code); err != nil {
		e.emitAudit(ctx, AuditPasskeyRegister, user.ID, "", string(MethodPasskey), false, err)
		return nil, err
	}

	if err := e.sendVerificationEmail(ctx, user, plainCode); err != nil {
		return nil, err
	}

	e.metricInc(MetricPasskeyRegistered)
	e.emitAudit(ctx, AuditPasskeyRegister, user.ID, "", string(MethodPasskey), true, nil)

	return &LoginResult{UserID: user.ID, EmailVerificationPending: true}, nil
}

// PasskeyAuthenticateInit starts a discoverable sign-in ceremony.
func (e *Engine) PasskeyAuthenticateInit(ctx context.Context) (*protocol.CredentialAssertion, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	options, sessionData, err := e.webauthn.BeginDiscoverableLogin()
	if err != nil {
		return nil, err
	}

	if err := e.savePasskeyChallenge(ctx, purposePasskeySignin, passkeyPayload{Session: *sessionData}); err != nil {
		return nil, err
	}

	return options, nil
}

// PasskeyAuthenticateVerify completes a sign-in ceremony. A verified
// assertion whose signature counter did not advance is treated as a
// cloned-authenticator signal and rejected. On success the stored
// counter and last-used time advance and the usual login convergence
// runs.
func (e *Engine) PasskeyAuthenticateVerify(ctx context.Context, body io.Reader) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		e.metricInc(MetricPasskeyFailure)
		return nil, errors.Join(ErrPasskeyVerification, err)
	}

	payload, err := e.consumePasskeyChallenge(ctx, parsed.Response.CollectedClientData.Challenge, purposePasskeySignin)
	if err != nil {
		e.metricInc(MetricPasskeyFailure)
		e.emitAudit(ctx, AuditPasskeySignin, "", "", string(MethodPasskey), false, err)
		return nil, err
	}

	var matched *Passkey
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		pk, err := e.store.GetPasskeyByCredentialID(ctx, rawID)
		if err != nil {
			return nil, err
		}
		if len(userHandle) > 0 && !bytes.Equal(userHandle, []byte(pk.UserID)) {
			return nil, ErrPasskeyNotFound
		}
		matched = pk
		return &webauthnUser{
			id:          []byte(pk.UserID),
			name:        pk.UserID,
			displayName: pk.UserID,
			credentials: []webauthn.Credential{webauthnCredential(pk)},
		}, nil
	}

	cred, err := e.webauthn.ValidateDiscoverableLogin(handler, payload.Session, parsed)
	if err != nil {
		e.metricInc(MetricPasskeyFailure)
		e.emitAudit(ctx, AuditPasskeySignin, "", "", string(MethodPasskey), false, ErrPasskeyVerification)
		if errors.Is(err, ErrPasskeyNotFound) {
			return nil, ErrPasskeyNotFound
		}
		return nil, errors.Join(ErrPasskeyVerification, err)
	}
	if matched == nil {
		return nil, ErrPasskeyNotFound
	}

	if cred.Authenticator.CloneWarning {
		e.metricInc(MetricPasskeyReplay)
		e.emitAudit(ctx, AuditPasskeySignin, matched.UserID, "", string(MethodPasskey), false, ErrPasskeyReplay)
		return nil, ErrPasskeyReplay
	}

	if err := e.store.UpdatePasskeySignCount(ctx, matched.CredentialID, cred.Authenticator.SignCount, time.Now()); err != nil {
		return nil, err
	}

	user, err := e.store.GetUserByID(ctx, matched.UserID)
	if err != nil {
		return nil, err
	}

	if !user.EmailVerified {
		e.emitAudit(ctx, AuditPasskeySignin, user.ID, "", string(MethodPasskey), false, ErrEmailUnverified)
		return &LoginResult{UserID: user.ID, EmailVerificationPending: true}, nil
	}

	e.metricInc(MetricPasskeySignin)

	result, err := e.finishLogin(ctx, user, string(MethodPasskey))
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, AuditPasskeySignin, user.ID, result.SessionID, string(MethodPasskey), true, nil)
	return result, nil
}

// PasskeyAddInit starts an add-key registration ceremony for an
// existing account. The caller must own the account. Existing
// credentials are excluded so the authenticator cannot re-register one.
func (e *Engine) PasskeyAddInit(ctx context.Context, callerID, userID string) (*protocol.CredentialCreation, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if callerID != userID {
		return nil, ErrForbidden
	}

	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.ListPasskeysByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(existing))
	credentials := make([]webauthn.Credential, 0, len(existing))
	for _, pk := range existing {
		exclusions = append(exclusions, credentialDescriptor(pk))
		credentials = append(credentials, webauthnCredential(pk))
	}

	wu := &webauthnUser{id: []byte(user.ID), name: user.Email, displayName: user.Name, credentials: credentials}

	options, sessionData, err := e.webauthn.BeginRegistration(wu,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: protocol.VerificationRequired,
		}),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		return nil, err
	}

	err = e.savePasskeyChallenge(ctx, purposePasskeyAdd, passkeyPayload{
		Session: *sessionData,
		UserID:  user.ID,
		Email:   user.Email,
		Name:    user.Name,
	})
	if err != nil {
		return nil, err
	}

	return options, nil
}

// PasskeyAddVerify completes an add-key ceremony: the new credential
// and the user's method update are applied atomically.
func (e *Engine) PasskeyAddVerify(ctx context.Context, callerID, userID string, body io.Reader) (*Passkey, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if callerID != userID {
		return nil, ErrForbidden
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		e.metricInc(MetricPasskeyFailure)
		return nil, errors.Join(ErrPasskeyVerification, err)
	}

	payload, err := e.consumePasskeyChallenge(ctx, parsed.Response.CollectedClientData.Challenge, purposePasskeyAdd)
	if err != nil {
		e.metricInc(MetricPasskeyFailure)
		e.emitAudit(ctx, AuditPasskeyAdd, userID, "", string(MethodPasskey), false, err)
		return nil, err
	}
	if payload.UserID != userID {
		return nil, ErrForbidden
	}

	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.ListPasskeysByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	credentials := make([]webauthn.Credential, 0, len(existing))
	for _, pk := range existing {
		credentials = append(credentials, webauthnCredential(pk))
	}

	wu := &webauthnUser{id: []byte(user.ID), name: user.Email, displayName: user.Name, credentials: credentials}
	cred, err := e.webauthn.CreateCredential(wu, payload.Session, parsed)
	if err != nil {
		e.metricInc(MetricPasskeyFailure)
		e.emitAudit(ctx, AuditPasskeyAdd, userID, "", string(MethodPasskey), false, ErrPasskeyVerification)
		return nil, errors.Join(ErrPasskeyVerification, err)
	}

	pk := passkeyFromCredential(user.ID, cred, time.Now())
	if err := e.store.AddPasskey(ctx, pk); err != nil {
		e.emitAudit(ctx, AuditPasskeyAdd, userID, "", string(MethodPasskey), false, err)
		return nil, err
	}

	e.metricInc(MetricPasskeyRegistered)
	e.emitAudit(ctx, AuditPasskeyAdd, userID, "", string(MethodPasskey), true, nil)
	return pk, nil
}

// PasskeyRemoveInit starts the possession-proof ceremony required
// before a credential may be deleted. The assertion is scoped to the
// credential being removed.
func (e *Engine) PasskeyRemoveInit(ctx context.Context, callerID, userID string, credentialID []byte) (*protocol.CredentialAssertion, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if callerID != userID {
		return nil, ErrForbidden
	}

	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	pk, err := e.store.GetPasskeyByCredentialID(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if pk.UserID != userID {
		return nil, ErrForbidden
	}

	wu := &webauthnUser{
		id:          []byte(user.ID),
		name:        user.Email,
		displayName: user.Name,
		credentials: []webauthn.Credential{webauthnCredential(pk)},
	}

	options, sessionData, err := e.webauthn.BeginLogin(wu,
		webauthn.WithAllowedCredentials([]protocol.CredentialDescriptor{credentialDescriptor(pk)}),
	)
	if err != nil {
		return nil, err
	}

	err = e.savePasskeyChallenge(ctx, purposePasskeyDelete, passkeyPayload{
		Session:      *sessionData,
		UserID:       user.ID,
		CredentialID: pk.CredentialID,
	})
	if err != nil {
		return nil, err
	}

	return options, nil
}

// PasskeyRemoveVerify completes the removal: the assertion proves
// possession of the credential being deleted, then the credential
// delete and the user's detach run as one transaction.
func (e *Engine) PasskeyRemoveVerify(ctx context.Context, callerID, userID string, body io.Reader) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if callerID != userID {
		return ErrForbidden
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		e.metricInc(MetricPasskeyFailure)
		return errors.Join(ErrPasskeyVerification, err)
	}

	payload, err := e.consumePasskeyChallenge(ctx, parsed.Response.CollectedClientData.Challenge, purposePasskeyDelete)
	if err != nil {
		e.metricInc(MetricPasskeyFailure)
		e.emitAudit(ctx, AuditPasskeyRemove, userID, "", string(MethodPasskey), false, err)
		return err
	}
	if payload.UserID != userID {
		return ErrForbidden
	}

	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	pk, err := e.store.GetPasskeyByCredentialID(ctx, payload.CredentialID)
	if err != nil {
		return err
	}

	wu := &webauthnUser{
		id:          []byte(user.ID),
		name:        user.Email,
		displayName: user.Name,
		credentials: []webauthn.Credential{webauthnCredential(pk)},
	}

	if _, err := e.webauthn.ValidateLogin(wu, payload.Session, parsed); err != nil {
		e.metricInc(MetricPasskeyFailure)
		e.emitAudit(ctx, AuditPasskeyRemove, userID, "", string(MethodPasskey), false, ErrPasskeyVerification)
		return errors.Join(ErrPasskeyVerification, err)
	}

	if err := e.store.DeletePasskey(ctx, userID, payload.CredentialID); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditPasskeyRemove, userID, "", string(MethodPasskey), true, nil)
	return nil
}

// PasskeyList returns credential metadata for the caller's own account.
// Public keys are never included.
func (e *Engine) PasskeyList(ctx context.Context, callerID, userID string) ([]PasskeyInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if callerID != userID {
		return nil, ErrForbidden
	}

	passkeys, err := e.store.ListPasskeysByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	infos := make([]PasskeyInfo, 0, len(passkeys))
	for _, pk := range passkeys {
		infos = append(infos, PasskeyInfo{
			ID:         pk.ID,
			AAGUID:     pk.AAGUID,
			Attachment: pk.Attachment,
			Transports: pk.Transports,
			CreatedAt:  pk.CreatedAt,
			LastUsedAt: pk.LastUsedAt,
		})
	}
	return infos, nil
}
