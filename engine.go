package authkit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/signalpost/authkit/challenge"
	"github.com/signalpost/authkit/internal"
	internalaudit "github.com/signalpost/authkit/internal/audit"
	"github.com/signalpost/authkit/mail"
	"github.com/signalpost/authkit/oidcclient"
	"github.com/signalpost/authkit/password"
	"github.com/signalpost/authkit/session"
	"github.com/signalpost/authkit/token"
)

// Challenge purposes. Each single-use record is bound to exactly one of
// these and can only be consumed by the matching flow.
const (
	purposeMagicSignin   challenge.Purpose = "magic-link:signin"
	purposeMagicSignup   challenge.Purpose = "magic-link:signup"
	purposePasswordReset challenge.Purpose = "password-reset"
	purposePasskeySignup challenge.Purpose = "passkey:signup"
	purposePasskeySignin challenge.Purpose = "passkey:signin"
	purposePasskeyAdd    challenge.Purpose = "passkey:add-new-key"
	purposePasskeyDelete challenge.Purpose = "passkey:delete-key"
	purposeMFALogin      challenge.Purpose = "mfa:login"
	purposeMFAForgot     challenge.Purpose = "mfa:forgot_password"
	purposeTOTPSetup     challenge.Purpose = "totp-setup"
)

func oidcPurpose(provider string) challenge.Purpose {
	return challenge.Purpose("oidc:" + provider)
}

// totpSetupKey is the fixed correlation key for a user's pending TOTP
// secret: one pending secret per user, replaced on every setup retry.
func totpSetupKey(userID string) string {
	return "totp-setup:" + userID
}

// Engine is the identity and session core. All five authentication
// methods converge here on the same Session and token pair. Build one
// via [Builder] and treat it as immutable.
type Engine struct {
	config     Config
	store      Store
	sessions   *session.Store
	challenges *challenge.Store
	tokens     *token.Manager
	hasher     *password.Hasher
	totp       *totpManager
	webauthn   *webauthn.WebAuthn
	providers  map[string]*oidcclient.Client
	mailer     mail.Sender
	audit      *internalaudit.Dispatcher
	metrics    *Metrics
}

// Close flushes the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// AuditDropped returns how many audit events were discarded because of
// a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

// openSession persists a fresh session whose lifetime mirrors the
// refresh TTL. The user agent comes from the request metadata.
func (e *Engine) openSession(ctx context.Context, userID string) (*session.Session, error) {
	now := time.Now()
	sess := &session.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		UserAgent: RequestMetaFromContext(ctx).UserAgent,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(e.config.Token.RefreshTTL).Unix(),
	}
	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, mapSessionErr(err)
	}
	e.metricInc(MetricSessionCreated)
	return sess, nil
}

func (e *Engine) issueTokens(sess *session.Session) (access, refresh string, err error) {
	access, err = e.tokens.Sign(token.KindAccess, token.Claims{
		UserID:    sess.UserID,
		SessionID: sess.ID,
	})
	if err != nil {
		return "", "", err
	}
	refresh, err = e.tokens.Sign(token.KindRefresh, token.Claims{
		SessionID: sess.ID,
	})
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// finishLogin is the convergence point of every authentication method:
// it branches to the MFA continuation when a second factor is enabled,
// and otherwise opens a session and mints the token pair.
func (e *Engine) finishLogin(ctx context.Context, user *User, method string) (*LoginResult, error) {
	if user.MFAEnabled {
		result, err := e.beginMFALogin(ctx, user, purposeMFALogin)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricMFARequired)
		e.emitAudit(ctx, AuditLogin, user.ID, "", method, true, ErrMFARequired)
		return result, nil
	}

	sess, err := e.openSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	access, refresh, err := e.issueTokens(sess)
	if err != nil {
		return nil, err
	}

	e.emitAudit(ctx, AuditLogin, user.ID, sess.ID, method, true, nil)

	return &LoginResult{
		UserID:       user.ID,
		SessionID:    sess.ID,
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

// beginMFALogin creates the MFA challenge session and the short-lived
// token carrying its jti. The purpose distinguishes login from
// forgot-password so a token for one can never redeem the other.
func (e *Engine) beginMFALogin(ctx context.Context, user *User, purpose challenge.Purpose) (*LoginResult, error) {
	key, err := internal.NewCorrelationKey()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ttl := e.config.Challenge.MFALoginTTL
	rec := &challenge.Record{
		Key:       key,
		Purpose:   purpose,
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	if err := e.challenges.Create(ctx, rec, ttl); err != nil {
		return nil, mapChallengeErr(err)
	}

	mfaToken, err := e.tokens.Sign(token.KindMFA, token.Claims{
		UserID:      user.ID,
		ChallengeID: key,
		Purpose:     string(purpose),
	})
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		UserID:      user.ID,
		MFARequired: true,
		MFAToken:    mfaToken,
	}, nil
}

// newVerificationCode builds a hashed pending code and returns the
// plaintext for delivery.
func (e *Engine) newVerificationCode(userID string) (*VerificationCode, string, error) {
	code, err := internal.NewOTP(6)
	if err != nil {
		return nil, "", err
	}
	hash := internal.HashCode("email-verify", code)
	now := time.Now()
	return &VerificationCode{
		UserID:    userID,
		CodeHash:  hash[:],
		CreatedAt: now,
		ExpiresAt: now.Add(e.config.Challenge.VerificationCodeTTL),
	}, code, nil
}

func (e *Engine) sendVerificationEmail(ctx context.Context, user *User, code string) error {
	msg := mail.Message{
		To:      user.Email,
		Subject: "Verify your email address",
		HTML: fmt.Sprintf(
			"<p>Your verification code is <strong>%s</strong>.</p><p>It expires in %s.</p>",
			code, e.config.Challenge.VerificationCodeTTL),
	}
	if err := e.mailer.Send(ctx, msg); err != nil {
		e.metricInc(MetricMailSendFailure)
		return mapMailErr(err)
	}
	return nil
}

func (e *Engine) sendMagicLinkEmail(ctx context.Context, email, linkToken string) error {
	msg := mail.Message{
		To:      email,
		Subject: "Your sign-in link",
		HTML: fmt.Sprintf(
			`<p><a href="%s/magic-link/verify/%s">Click here to sign in</a>. The link expires in %s and can be used once.</p>`,
			strings.TrimRight(e.config.Mail.BaseURL, "/"), linkToken, e.config.Token.MagicLinkTTL),
	}
	if err := e.mailer.Send(ctx, msg); err != nil {
		e.metricInc(MetricMailSendFailure)
		return mapMailErr(err)
	}
	return nil
}

func (e *Engine) sendPasswordResetEmail(ctx context.Context, email, resetToken string) error {
	msg := mail.Message{
		To:      email,
		Subject: "Reset your password",
		HTML: fmt.Sprintf(
			`<p><a href="%s/password/reset/%s">Reset your password</a>. The link expires in %s and can be used once.</p>`,
			strings.TrimRight(e.config.Mail.BaseURL, "/"), resetToken, e.config.Token.MagicLinkTTL),
	}
	if err := e.mailer.Send(ctx, msg); err != nil {
		e.metricInc(MetricMailSendFailure)
		return mapMailErr(err)
	}
	return nil
}
