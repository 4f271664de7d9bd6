package authkit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/signalpost/authkit/challenge"
	"github.com/signalpost/authkit/internal"
	"github.com/signalpost/authkit/token"
)

// Register creates a password account and emails a verification code.
// The account cannot log in until the email is verified.
func (e *Engine) Register(ctx context.Context, email, name, plaintext string) (*User, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if !validEmail(email) {
		return nil, ErrValidation
	}
	if len(plaintext) < e.config.Password.MinLength {
		return nil, ErrPasswordPolicy
	}

	hash, err := e.hasher.Hash(plaintext)
	if err != nil {
		return nil, ErrPasswordPolicy
	}

	now := time.Now()
	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		AuthMethods:  []AuthMethod{MethodPassword},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrUserExists) {
			e.metricInc(MetricRegisterDuplicate)
		}
		e.emitAudit(ctx, AuditRegister, "", "", string(MethodPassword), false, err)
		return nil, err
	}

	code, plainCode, err := e.newVerificationCode(user.ID)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpsertVerificationCode(ctx, code); err != nil {
		return nil, err
	}
	if err := e.sendVerificationEmail(ctx, user, plainCode); err != nil {
		e.emitAudit(ctx, AuditRegister, user.ID, "", string(MethodPassword), false, err)
		return nil, err
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, AuditRegister, user.ID, "", string(MethodPassword), true, nil)

	return user, nil
}

// Login verifies a password and either opens a session or hands back an
// MFA continuation. Unknown emails and wrong passwords are
// indistinguishable to the caller.
func (e *Engine) Login(ctx context.Context, email, plaintext string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)

	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, AuditLogin, "", "", string(MethodPassword), false, ErrInvalidCredentials)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !e.hasher.Verify(plaintext, user.PasswordHash) {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLogin, user.ID, "", string(MethodPassword), false, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	if !user.EmailVerified {
		e.emitAudit(ctx, AuditLogin, user.ID, "", string(MethodPassword), false, ErrEmailUnverified)
		return nil, ErrEmailUnverified
	}

	result, err := e.finishLogin(ctx, user, string(MethodPassword))
	if err != nil {
		return nil, err
	}
	if !result.MFARequired {
		e.metricInc(MetricLoginSuccess)
	}
	return result, nil
}

// VerifyEmail redeems an emailed verification code. The check, the
// verified-flag flip, and the code deletion are one transaction.
func (e *Engine) VerifyEmail(ctx context.Context, email, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	email = normalizeEmail(email)

	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return ErrEmailAlreadyVerified
	}

	hash := internal.HashCode("email-verify", internal.CanonicalizeCode(code))
	if err := e.store.ConsumeVerificationCode(ctx, user.ID, hash[:]); err != nil {
		e.metricInc(MetricEmailVerifyFailure)
		e.emitAudit(ctx, AuditEmailVerify, user.ID, "", string(MethodPassword), false, err)
		return err
	}

	e.metricInc(MetricEmailVerifySuccess)
	e.emitAudit(ctx, AuditEmailVerify, user.ID, "", string(MethodPassword), true, nil)
	return nil
}

// ResendVerification replaces the pending code and emails a fresh one.
func (e *Engine) ResendVerification(ctx context.Context, email string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	email = normalizeEmail(email)

	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return ErrEmailAlreadyVerified
	}

	code, plainCode, err := e.newVerificationCode(user.ID)
	if err != nil {
		return err
	}
	if err := e.store.UpsertVerificationCode(ctx, code); err != nil {
		return err
	}
	if err := e.sendVerificationEmail(ctx, user, plainCode); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditEmailResend, user.ID, "", string(MethodPassword), true, nil)
	return nil
}

// ForgotPasswordResult reports whether the caller must complete an MFA
// step before the reset email is sent.
type ForgotPasswordResult struct {
	MFARequired bool
	MFAToken    string
}

// ForgotPassword starts a password reset. Accounts with MFA enabled
// must verify a factor first; the reset email is only sent afterwards.
// Unknown emails succeed silently so the endpoint cannot be used to
// enumerate accounts.
func (e *Engine) ForgotPassword(ctx context.Context, email string) (*ForgotPasswordResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)

	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.emitAudit(ctx, AuditPasswordForgot, "", "", string(MethodPassword), false, err)
			return &ForgotPasswordResult{}, nil
		}
		return nil, err
	}

	e.metricInc(MetricPasswordResetRequest)

	if user.MFAEnabled {
		result, err := e.beginMFALogin(ctx, user, purposeMFAForgot)
		if err != nil {
			return nil, err
		}
		e.emitAudit(ctx, AuditPasswordForgot, user.ID, "", string(MethodPassword), true, ErrMFARequired)
		return &ForgotPasswordResult{MFARequired: true, MFAToken: result.MFAToken}, nil
	}

	if err := e.sendPasswordReset(ctx, user); err != nil {
		return nil, err
	}

	e.emitAudit(ctx, AuditPasswordForgot, user.ID, "", string(MethodPassword), true, nil)
	return &ForgotPasswordResult{}, nil
}

// sendPasswordReset creates the single-use reset challenge, signs the
// emailed token bound to it, and delivers the email.
func (e *Engine) sendPasswordReset(ctx context.Context, user *User) error {
	key, err := internal.NewCorrelationKey()
	if err != nil {
		return err
	}

	now := time.Now()
	ttl := e.config.Token.MagicLinkTTL
	rec := &challenge.Record{
		Key:       key,
		Purpose:   purposePasswordReset,
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	if err := e.challenges.Create(ctx, rec, ttl); err != nil {
		return mapChallengeErr(err)
	}

	resetToken, err := e.tokens.Sign(token.KindMagicLink, token.Claims{
		UserID:      user.ID,
		ChallengeID: key,
		Purpose:     string(purposePasswordReset),
	})
	if err != nil {
		return err
	}

	return e.sendPasswordResetEmail(ctx, user.Email, resetToken)
}

// ResetPassword redeems a reset token, enforces the reuse policy, and
// revokes every live session for the account.
func (e *Engine) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(token.KindMagicLink, resetToken)
	if err != nil {
		e.metricInc(MetricPasswordResetFailure)
		return mapTokenErr(err)
	}
	if claims.Purpose != string(purposePasswordReset) {
		e.metricInc(MetricPasswordResetFailure)
		return ErrTokenInvalid
	}

	rec, err := e.challenges.Consume(ctx, claims.ChallengeID, purposePasswordReset)
	if err != nil {
		e.metricInc(MetricPasswordResetFailure)
		e.emitAudit(ctx, AuditPasswordReset, claims.UserID, "", string(MethodPassword), false, mapChallengeErr(err))
		return mapChallengeErr(err)
	}

	user, err := e.store.GetUserByID(ctx, rec.UserID)
	if err != nil {
		return err
	}

	if len(newPassword) < e.config.Password.MinLength {
		return ErrPasswordPolicy
	}
	if err := e.hasher.CheckReuse(newPassword, user.PasswordHash, user.PriorHashes); err != nil {
		e.metricInc(MetricPasswordResetFailure)
		return ErrPasswordReuse
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	updated := *user
	updated.PriorHashes = rotateHistory(user.PasswordHash, user.PriorHashes, e.config.Password.HistoryDepth)
	updated.PasswordHash = hash
	updated.AuthMethods = user.WithMethod(MethodPassword)
	updated.UpdatedAt = time.Now()

	if err := e.store.UpdateUser(ctx, &updated); err != nil {
		return err
	}

	// A reset invalidates every device that knew the old password.
	if _, err := e.sessions.DeleteAllForUser(ctx, user.ID); err != nil {
		return mapSessionErr(err)
	}

	e.metricInc(MetricPasswordResetSuccess)
	e.emitAudit(ctx, AuditPasswordReset, user.ID, "", string(MethodPassword), true, nil)
	return nil
}

// Logout verifies the refresh token and deletes its session.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(token.KindRefresh, refreshToken)
	if err != nil {
		return mapTokenErr(err)
	}

	existed, err := e.sessions.Delete(ctx, claims.SessionID)
	if err != nil {
		return mapSessionErr(err)
	}
	if !existed {
		return ErrSessionNotFound
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, AuditLogout, claims.UserID, claims.SessionID, "", true, nil)
	return nil
}

func rotateHistory(currentHash string, prior []string, depth int) []string {
	if depth <= 0 {
		return nil
	}
	out := make([]string, 0, depth)
	out = append(out, currentHash)
	for _, h := range prior {
		if len(out) == depth {
			break
		}
		out = append(out, h)
	}
	return out
}
