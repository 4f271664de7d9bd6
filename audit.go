package authkit

import (
	"context"
	"time"

	internalaudit "github.com/signalpost/authkit/internal/audit"
)

// Audit event types emitted by the engine.
const (
	AuditRegister          = "register"
	AuditLogin             = "login"
	AuditLogout            = "logout"
	AuditEmailVerify       = "email_verify"
	AuditEmailResend       = "email_resend"
	AuditPasswordForgot    = "password_forgot"
	AuditPasswordReset     = "password_reset"
	AuditMagicLinkStart    = "magic_link_start"
	AuditMagicLinkVerify   = "magic_link_verify"
	AuditOIDCBegin         = "oidc_begin"
	AuditOIDCCallback      = "oidc_callback"
	AuditPasskeyRegister   = "passkey_register"
	AuditPasskeySignin     = "passkey_signin"
	AuditPasskeyAdd        = "passkey_add"
	AuditPasskeyRemove     = "passkey_remove"
	AuditMFASetup          = "mfa_setup"
	AuditMFAConfirm        = "mfa_confirm"
	AuditMFARevoke         = "mfa_revoke"
	AuditMFALogin          = "mfa_login"
	AuditBackupCodeConsume = "backup_code_consume"
	AuditRefresh           = "refresh"
	AuditSessionDelete     = "session_delete"
)

func (e *Engine) emitAudit(ctx context.Context, eventType, userID, sessionID, method string, success bool, failure error) {
	if e.audit == nil {
		return
	}

	meta := RequestMetaFromContext(ctx)
	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		RequestID: meta.RequestID,
		Method:    method,
		IP:        meta.ClientIP,
		Success:   success,
	}
	if failure != nil {
		event.Error = Code(failure)
	}

	e.audit.Emit(ctx, event)
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *internalaudit.Dispatcher {
	return internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Enabled,
		BufferSize: cfg.BufferSize,
		DropIfFull: cfg.DropIfFull,
	}, sink)
}
