package authkit

import (
	"errors"

	"github.com/signalpost/authkit/challenge"
	"github.com/signalpost/authkit/mail"
	"github.com/signalpost/authkit/session"
	"github.com/signalpost/authkit/token"
)

var (
	// ErrValidation reports malformed or missing input fields.
	ErrValidation = errors.New("invalid request")
	// ErrInvalidCredentials reports a failed password check.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound reports a lookup miss by id or email.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists reports a signup against an email already registered.
	ErrUserExists = errors.New("user already exists")
	// ErrEmailUnverified reports a login blocked until email verification completes.
	ErrEmailUnverified = errors.New("email not verified")
	// ErrEmailAlreadyVerified reports a verification attempt on a verified account.
	ErrEmailAlreadyVerified = errors.New("email already verified")
	// ErrCodeInvalid reports a wrong or unknown verification code.
	ErrCodeInvalid = errors.New("verification code invalid")
	// ErrCodeExpired reports a verification code past its TTL.
	ErrCodeExpired = errors.New("verification code expired")

	// ErrTokenInvalid reports a token that failed signature, format, or
	// type checks. The caller must re-authenticate.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired reports a structurally valid token past expiry. The
	// caller may attempt a refresh before re-authenticating.
	ErrTokenExpired = errors.New("token expired")
	// ErrSessionNotFound reports a token whose session no longer exists.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired reports a session past its expiry.
	ErrSessionExpired = errors.New("session expired")
	// ErrForbidden reports an ownership violation.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized reports a request with no usable credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrChallengeNotFound reports an unknown challenge, state, or link token.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeConsumed reports a replayed challenge, state, or link token.
	ErrChallengeConsumed = errors.New("challenge already consumed")
	// ErrChallengePurpose reports a challenge redeemed against the wrong flow.
	ErrChallengePurpose = errors.New("challenge purpose mismatch")
	// ErrChallengeExpired reports a challenge past its TTL.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrPasswordPolicy reports a new password failing length rules.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse reports a new password matching the current or a
	// recent prior password.
	ErrPasswordReuse = errors.New("password was used before")

	// ErrMFARequired signals the caller to run the second-factor step.
	ErrMFARequired = errors.New("mfa required")
	// ErrMFAAlreadyEnabled reports a setup attempt with MFA already on.
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
	// ErrMFANotEnabled reports an MFA operation on an account without MFA.
	ErrMFANotEnabled = errors.New("mfa not enabled")
	// ErrMFACodeInvalid reports a wrong TOTP code.
	ErrMFACodeInvalid = errors.New("invalid totp code")
	// ErrBackupCodeInvalid reports a wrong or already-consumed backup code.
	ErrBackupCodeInvalid = errors.New("invalid backup code")

	// ErrPasskeyNotFound reports an unknown credential id.
	ErrPasskeyNotFound = errors.New("passkey not found")
	// ErrPasskeyExists reports a registration reusing a known credential id.
	ErrPasskeyExists = errors.New("passkey already registered")
	// ErrPasskeyVerification reports a failed attestation or assertion check.
	ErrPasskeyVerification = errors.New("passkey verification failed")
	// ErrPasskeyReplay reports an assertion whose signature counter did not
	// advance past the stored value.
	ErrPasskeyReplay = errors.New("passkey replay detected")

	// ErrProviderUnknown reports an OIDC provider name with no configured client.
	ErrProviderUnknown = errors.New("unknown oidc provider")
	// ErrProviderExchange reports a provider-side failure during the OIDC
	// code exchange. It maps to an authentication failure, never a 500.
	ErrProviderExchange = errors.New("provider exchange failed")

	// ErrMailSend reports an email that could not be delivered after the
	// retry budget was exhausted.
	ErrMailSend = errors.New("email send failed")

	// ErrEngineNotReady reports use of an engine that was not built.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrBackend wraps storage-level failures.
	ErrBackend = errors.New("backend unavailable")
)

// Code returns the stable machine-readable code for err, consumed by
// API clients for branching. Unknown errors map to "internal_error" and
// are never detailed to the client.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrUserExists):
		return "user_exists"
	case errors.Is(err, ErrEmailUnverified):
		return "email_unverified"
	case errors.Is(err, ErrEmailAlreadyVerified):
		return "email_already_verified"
	case errors.Is(err, ErrCodeInvalid):
		return "code_invalid"
	case errors.Is(err, ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrChallengeConsumed):
		return "challenge_consumed"
	case errors.Is(err, ErrChallengePurpose):
		return "challenge_purpose_mismatch"
	case errors.Is(err, ErrChallengeExpired):
		return "challenge_expired"
	case errors.Is(err, ErrChallengeNotFound):
		return "challenge_not_found"
	case errors.Is(err, ErrPasswordReuse):
		return "password_reuse"
	case errors.Is(err, ErrPasswordPolicy):
		return "password_policy"
	case errors.Is(err, ErrMFARequired):
		return "mfa_required"
	case errors.Is(err, ErrMFAAlreadyEnabled):
		return "mfa_already_enabled"
	case errors.Is(err, ErrMFANotEnabled):
		return "mfa_not_enabled"
	case errors.Is(err, ErrMFACodeInvalid):
		return "mfa_code_invalid"
	case errors.Is(err, ErrBackupCodeInvalid):
		return "backup_code_invalid"
	case errors.Is(err, ErrPasskeyReplay):
		return "passkey_replay"
	case errors.Is(err, ErrPasskeyVerification):
		return "passkey_verification_failed"
	case errors.Is(err, ErrPasskeyExists):
		return "passkey_exists"
	case errors.Is(err, ErrPasskeyNotFound):
		return "passkey_not_found"
	case errors.Is(err, ErrProviderUnknown):
		return "provider_unknown"
	case errors.Is(err, ErrProviderExchange):
		return "provider_exchange_failed"
	case errors.Is(err, ErrMailSend):
		return "email_send_failed"
	default:
		return "internal_error"
	}
}

// mapChallengeErr lifts challenge store sentinels into the engine's
// error taxonomy, preserving the store's precedence order.
func mapChallengeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, challenge.ErrNotFound):
		return ErrChallengeNotFound
	case errors.Is(err, challenge.ErrConsumed):
		return ErrChallengeConsumed
	case errors.Is(err, challenge.ErrWrongPurpose):
		return ErrChallengePurpose
	case errors.Is(err, challenge.ErrExpired):
		return ErrChallengeExpired
	default:
		return errors.Join(ErrBackend, err)
	}
}

func mapSessionErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrExpired):
		return ErrSessionExpired
	default:
		return errors.Join(ErrBackend, err)
	}
}

func mapTokenErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, token.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, token.ErrInvalid):
		return ErrTokenInvalid
	default:
		return ErrTokenInvalid
	}
}

func mapMailErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mail.ErrSendFailed) {
		return ErrMailSend
	}
	return errors.Join(ErrMailSend, err)
}
