package authkit

import (
	"context"
	"errors"
	"time"

	"github.com/signalpost/authkit/challenge"
	"github.com/signalpost/authkit/internal"
	"github.com/signalpost/authkit/token"
)

// MFASetupBegin generates a candidate TOTP secret and stores it as the
// user's single pending secret. A retried setup replaces the previous
// pending secret; nothing on the account changes until a correct code
// confirms the new secret.
func (e *Engine) MFASetupBegin(ctx context.Context, userID string) (*TOTPSetup, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ttl := e.config.Challenge.TOTPSetupTTL
	rec := &challenge.Record{
		Key:       totpSetupKey(user.ID),
		Purpose:   purposeTOTPSetup,
		UserID:    user.ID,
		Email:     user.Email,
		Data:      secret,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	if err := e.challenges.Upsert(ctx, rec, ttl); err != nil {
		return nil, mapChallengeErr(err)
	}

	e.emitAudit(ctx, AuditMFASetup, user.ID, "", "totp", true, nil)

	return &TOTPSetup{
		SecretBase32: secretBase32,
		URI:          e.totp.ProvisionURI(secretBase32, user.Email),
	}, nil
}

// MFASetupConfirm verifies a code against the pending secret. On
// success the secret is promoted onto the account, MFA is enabled, and
// a fresh backup-code set is returned in plaintext exactly once. On
// failure nothing changes and the pending secret stays usable.
func (e *Engine) MFASetupConfirm(ctx context.Context, userID, code string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}

	rec, err := e.challenges.Get(ctx, totpSetupKey(user.ID))
	if err != nil {
		return nil, mapChallengeErr(err)
	}

	ok, _, err := e.totp.VerifyCode(rec.Data, code, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, AuditMFAConfirm, user.ID, "", "totp", false, ErrMFACodeInvalid)
		return nil, ErrMFACodeInvalid
	}

	codes, err := internal.NewBackupCodes(e.config.TOTP.BackupCodeCount, e.config.TOTP.BackupCodeLength)
	if err != nil {
		return nil, err
	}
	hashes := make([][32]byte, len(codes))
	for i, c := range codes {
		hashes[i] = backupCodeHash(user.ID, c)
	}

	updated := *user
	updated.MFAEnabled = true
	updated.TOTPSecret = rec.Data
	updated.BackupCodeHashes = hashes
	updated.UpdatedAt = time.Now()

	if err := e.store.UpdateUser(ctx, &updated); err != nil {
		return nil, err
	}

	// The pending secret has served its purpose.
	if _, err := e.challenges.Delete(ctx, totpSetupKey(user.ID)); err != nil {
		return nil, mapChallengeErr(err)
	}

	e.metricInc(MetricMFAEnabled)
	e.emitAudit(ctx, AuditMFAConfirm, user.ID, "", "totp", true, nil)
	return codes, nil
}

// MFARevoke disables MFA. It requires possession of a current factor: a
// valid TOTP code or an unused backup code.
func (e *Engine) MFARevoke(ctx context.Context, userID, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return ErrMFANotEnabled
	}

	ok, _, err := e.totp.VerifyCode(user.TOTPSecret, code, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		err := e.store.ConsumeBackupCode(ctx, user.ID, backupCodeHash(user.ID, code))
		if errors.Is(err, ErrBackupCodeInvalid) {
			e.metricInc(MetricMFAFailure)
			e.emitAudit(ctx, AuditMFARevoke, user.ID, "", "totp", false, ErrMFACodeInvalid)
			return ErrMFACodeInvalid
		}
		if err != nil {
			return err
		}
		e.metricInc(MetricBackupCodeUsed)
	}

	updated := *user
	updated.MFAEnabled = false
	updated.TOTPSecret = nil
	updated.BackupCodeHashes = nil
	updated.UpdatedAt = time.Now()

	if err := e.store.UpdateUser(ctx, &updated); err != nil {
		return err
	}

	e.metricInc(MetricMFARevoked)
	e.emitAudit(ctx, AuditMFARevoke, user.ID, "", "totp", true, nil)
	return nil
}

// backupCodeHash salts the digest with the owning user id: the same
// code issued to two users never shares a stored hash.
func backupCodeHash(userID, code string) [32]byte {
	return internal.HashCode("backup-code:"+userID, internal.CanonicalizeCode(code))
}

// hasBackupCode is a non-destructive membership check, used to reject
// wrong codes before any single-use state is spent. Consumption itself
// goes through the store's atomic compare-and-delete.
func hasBackupCode(user *User, code string) bool {
	target := backupCodeHash(user.ID, code)
	for _, h := range user.BackupCodeHashes {
		if h == target {
			return true
		}
	}
	return false
}

// consumeMFAToken verifies an MFA continuation token for the expected
// purpose and loads its user. The challenge session is not consumed
// here: a wrong factor leaves it redeemable for another attempt within
// its TTL.
func (e *Engine) consumeMFAToken(mfaToken string, expected challenge.Purpose) (*token.Claims, error) {
	claims, err := e.tokens.Verify(token.KindMFA, mfaToken)
	if err != nil {
		return nil, mapTokenErr(err)
	}
	if claims.Purpose != string(expected) {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// finishMFALogin runs the shared tail of both login factors: consume
// the challenge session exactly once, then open the session and mint
// tokens.
func (e *Engine) finishMFALogin(ctx context.Context, user *User, challengeID string) (*LoginResult, error) {
	if _, err := e.challenges.Consume(ctx, challengeID, purposeMFALogin); err != nil {
		return nil, mapChallengeErr(err)
	}
	return e.openMFASession(ctx, user)
}

func (e *Engine) openMFASession(ctx context.Context, user *User) (*LoginResult, error) {
	sess, err := e.openSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	access, refresh, err := e.issueTokens(sess)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricMFASuccess)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditMFALogin, user.ID, sess.ID, "mfa", true, nil)

	return &LoginResult{
		UserID:       user.ID,
		SessionID:    sess.ID,
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

// MFALoginVerify completes a login with a TOTP code. The factor is
// checked before the challenge session is consumed, so a typo does not
// burn the single-use session.
func (e *Engine) MFALoginVerify(ctx context.Context, mfaToken, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.consumeMFAToken(mfaToken, purposeMFALogin)
	if err != nil {
		return nil, err
	}

	user, err := e.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled {
		return nil, ErrMFANotEnabled
	}

	ok, _, err := e.totp.VerifyCode(user.TOTPSecret, code, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, AuditMFALogin, user.ID, "", "totp", false, ErrMFACodeInvalid)
		return nil, ErrMFACodeInvalid
	}

	return e.finishMFALogin(ctx, user, claims.ChallengeID)
}

// MFALoginBackupCode completes a login with a backup code. A wrong
// code leaves the challenge session redeemable; a valid one passes the
// single-use challenge gate first and is then spent through the
// store's atomic compare-and-delete, so a replayed challenge never
// costs the user a code.
func (e *Engine) MFALoginBackupCode(ctx context.Context, mfaToken, backupCode string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.consumeMFAToken(mfaToken, purposeMFALogin)
	if err != nil {
		return nil, err
	}

	user, err := e.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled {
		return nil, ErrMFANotEnabled
	}

	if !hasBackupCode(user, backupCode) {
		e.metricInc(MetricBackupCodeFailed)
		e.emitAudit(ctx, AuditBackupCodeConsume, user.ID, "", "backup", false, ErrBackupCodeInvalid)
		return nil, ErrBackupCodeInvalid
	}

	if _, err := e.challenges.Consume(ctx, claims.ChallengeID, purposeMFALogin); err != nil {
		return nil, mapChallengeErr(err)
	}

	if err := e.store.ConsumeBackupCode(ctx, user.ID, backupCodeHash(user.ID, backupCode)); err != nil {
		if errors.Is(err, ErrBackupCodeInvalid) {
			e.metricInc(MetricBackupCodeFailed)
			e.emitAudit(ctx, AuditBackupCodeConsume, user.ID, "", "backup", false, ErrBackupCodeInvalid)
		}
		return nil, err
	}

	e.metricInc(MetricBackupCodeUsed)
	e.emitAudit(ctx, AuditBackupCodeConsume, user.ID, "", "backup", true, nil)

	return e.openMFASession(ctx, user)
}

// MFAForgotPasswordVerify completes the MFA gate on a password reset:
// only after a valid factor is the reset email sent. Both TOTP and
// backup codes are accepted.
func (e *Engine) MFAForgotPasswordVerify(ctx context.Context, mfaToken, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	claims, err := e.consumeMFAToken(mfaToken, purposeMFAForgot)
	if err != nil {
		return err
	}

	user, err := e.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return ErrMFANotEnabled
	}

	totpOK, _, err := e.totp.VerifyCode(user.TOTPSecret, code, time.Now())
	if err != nil {
		return err
	}
	if !totpOK && !hasBackupCode(user, code) {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, AuditMFALogin, user.ID, "", "forgot_password", false, ErrMFACodeInvalid)
		return ErrMFACodeInvalid
	}

	if _, err := e.challenges.Consume(ctx, claims.ChallengeID, purposeMFAForgot); err != nil {
		return mapChallengeErr(err)
	}

	if !totpOK {
		err := e.store.ConsumeBackupCode(ctx, user.ID, backupCodeHash(user.ID, code))
		if errors.Is(err, ErrBackupCodeInvalid) {
			e.metricInc(MetricMFAFailure)
			e.emitAudit(ctx, AuditMFALogin, user.ID, "", "forgot_password", false, ErrMFACodeInvalid)
			return ErrMFACodeInvalid
		}
		if err != nil {
			return err
		}
		e.metricInc(MetricBackupCodeUsed)
	}

	if err := e.sendPasswordReset(ctx, user); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditMFALogin, user.ID, "", "forgot_password", true, nil)
	return nil
}

// MFAConsumeBackupCode redeems one backup code outside a login flow,
// for callers gating a sensitive operation on factor possession.
func (e *Engine) MFAConsumeBackupCode(ctx context.Context, userID, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return ErrMFANotEnabled
	}

	if err := e.store.ConsumeBackupCode(ctx, user.ID, backupCodeHash(user.ID, code)); err != nil {
		if errors.Is(err, ErrBackupCodeInvalid) {
			e.metricInc(MetricBackupCodeFailed)
			e.emitAudit(ctx, AuditBackupCodeConsume, user.ID, "", "backup", false, ErrBackupCodeInvalid)
		}
		return err
	}

	e.metricInc(MetricBackupCodeUsed)
	e.emitAudit(ctx, AuditBackupCodeConsume, user.ID, "", "backup", true, nil)
	return nil
}
