package authkit

import (
	"context"
	"time"

	"github.com/signalpost/authkit/session"
	"github.com/signalpost/authkit/token"
)

// Refresh mints a fresh access token against a live session. When the
// session is within the rotation threshold of expiry, its lifetime is
// extended by the full refresh TTL and a new refresh token is issued;
// otherwise the presented refresh token stays valid.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(token.KindRefresh, refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, mapTokenErr(err)
	}

	sess, err := e.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, mapSessionErr(err)
	}

	now := time.Now()
	result := &RefreshResult{}

	if time.Unix(sess.ExpiresAt, 0).Sub(now) <= e.config.Session.RotationThreshold {
		newExpiry := now.Add(e.config.Token.RefreshTTL).Unix()
		if err := e.sessions.ExtendExpiry(ctx, sess.ID, newExpiry); err != nil {
			return nil, mapSessionErr(err)
		}

		rotated, err := e.tokens.Sign(token.KindRefresh, token.Claims{SessionID: sess.ID})
		if err != nil {
			return nil, err
		}
		result.RefreshToken = rotated
		result.Rotated = true
		e.metricInc(MetricRefreshRotated)
	}

	access, err := e.tokens.Sign(token.KindAccess, token.Claims{
		UserID:    sess.UserID,
		SessionID: sess.ID,
	})
	if err != nil {
		return nil, err
	}
	result.AccessToken = access

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, AuditRefresh, sess.UserID, sess.ID, "", true, nil)

	return result, nil
}

// Sessions lists the caller's unexpired sessions, newest first.
func (e *Engine) Sessions(ctx context.Context, userID string) ([]*session.Session, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	sessions, err := e.sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return sessions, nil
}

// CurrentSession returns the caller's own session record.
func (e *Engine) CurrentSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return sess, nil
}

// DeleteSession revokes one of the caller's sessions. Deleting another
// user's session is forbidden. The result reports whether the caller
// revoked their own current session, so the caller can clear its
// cookies.
func (e *Engine) DeleteSession(ctx context.Context, caller Principal, sessionID string) (*DeleteSessionResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	if sess.UserID != caller.UserID {
		return nil, ErrForbidden
	}

	existed, err := e.sessions.Delete(ctx, sessionID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	if !existed {
		return nil, ErrSessionNotFound
	}

	e.metricInc(MetricSessionDeleted)
	e.emitAudit(ctx, AuditSessionDelete, caller.UserID, sessionID, "", true, nil)

	return &DeleteSessionResult{WasCurrent: sessionID == caller.SessionID}, nil
}

// ValidateAccess runs the ordered guards for an access token: type and
// signature check, then user lookup, then session lookup, then the
// token-session cross check. It returns the authenticated principal.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*Principal, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(token.KindAccess, accessToken)
	if err != nil {
		return nil, mapTokenErr(err)
	}

	if _, err := e.store.GetUserByID(ctx, claims.UserID); err != nil {
		return nil, ErrUnauthorized
	}

	sess, err := e.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	if sess.UserID != claims.UserID {
		return nil, ErrUnauthorized
	}

	return &Principal{UserID: claims.UserID, SessionID: sess.ID}, nil
}
