package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/signalpost/authkit/challenge"
	"github.com/signalpost/authkit/internal"
	"github.com/signalpost/authkit/token"
)

// magicLinkPayload is the kind-specific data carried by a signup link.
type magicLinkPayload struct {
	Name string `json:"name,omitempty"`
}

// MagicLinkSignup emails a single-use signup link. The account is only
// created when the link is redeemed, with the email pre-verified since
// redeeming proves mailbox ownership.
func (e *Engine) MagicLinkSignup(ctx context.Context, email, name string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if !validEmail(email) {
		return ErrValidation
	}

	if _, err := e.store.GetUserByEmail(ctx, email); err == nil {
		return ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	payload, err := json.Marshal(magicLinkPayload{Name: name})
	if err != nil {
		return err
	}

	if err := e.sendMagicLink(ctx, email, "", purposeMagicSignup, payload); err != nil {
		e.emitAudit(ctx, AuditMagicLinkStart, "", "", string(MethodMagicLink), false, err)
		return err
	}

	e.metricInc(MetricMagicLinkIssued)
	e.emitAudit(ctx, AuditMagicLinkStart, "", "", string(MethodMagicLink), true, nil)
	return nil
}

// MagicLinkSignin emails a single-use sign-in link for an existing
// account.
func (e *Engine) MagicLinkSignin(ctx context.Context, email string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	email = normalizeEmail(email)

	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}

	if err := e.sendMagicLink(ctx, user.Email, user.ID, purposeMagicSignin, nil); err != nil {
		e.emitAudit(ctx, AuditMagicLinkStart, user.ID, "", string(MethodMagicLink), false, err)
		return err
	}

	e.metricInc(MetricMagicLinkIssued)
	e.emitAudit(ctx, AuditMagicLinkStart, user.ID, "", string(MethodMagicLink), true, nil)
	return nil
}

// MagicLinkResend issues a fresh sign-in link. Earlier links stay valid
// until they expire or one of them is redeemed.
func (e *Engine) MagicLinkResend(ctx context.Context, email string) error {
	return e.MagicLinkSignin(ctx, email)
}

// sendMagicLink creates the challenge record, signs the emailed token
// bound to it by jti, and delivers the email. The token's jti and the
// record's correlation key are the same value.
func (e *Engine) sendMagicLink(ctx context.Context, email, userID string, purpose challenge.Purpose, payload []byte) error {
	key, err := internal.NewCorrelationKey()
	if err != nil {
		return err
	}

	now := time.Now()
	ttl := e.config.Token.MagicLinkTTL
	rec := &challenge.Record{
		Key:       key,
		Purpose:   purpose,
		UserID:    userID,
		Email:     email,
		Data:      payload,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	if err := e.challenges.Create(ctx, rec, ttl); err != nil {
		return mapChallengeErr(err)
	}

	linkToken, err := e.tokens.Sign(token.KindMagicLink, token.Claims{
		UserID:      userID,
		Email:       email,
		ChallengeID: key,
		Purpose:     string(purpose),
	})
	if err != nil {
		return err
	}

	return e.sendMagicLinkEmail(ctx, email, linkToken)
}

// MagicLinkVerify redeems a link token. Two concurrent redemptions of
// the same link cannot both succeed: consumption is one atomic
// conditional write.
func (e *Engine) MagicLinkVerify(ctx context.Context, linkToken string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(token.KindMagicLink, linkToken)
	if err != nil {
		return nil, mapTokenErr(err)
	}

	purpose := challenge.Purpose(claims.Purpose)
	if purpose != purposeMagicSignin && purpose != purposeMagicSignup {
		return nil, ErrTokenInvalid
	}

	rec, err := e.challenges.Consume(ctx, claims.ChallengeID, purpose)
	if err != nil {
		mapped := mapChallengeErr(err)
		if errors.Is(mapped, ErrChallengeConsumed) {
			e.metricInc(MetricMagicLinkReplay)
		}
		e.emitAudit(ctx, AuditMagicLinkVerify, claims.UserID, "", string(MethodMagicLink), false, mapped)
		return nil, mapped
	}

	var user *User
	switch purpose {
	case purposeMagicSignup:
		var payload magicLinkPayload
		if len(rec.Data) > 0 {
			if err := json.Unmarshal(rec.Data, &payload); err != nil {
				return nil, err
			}
		}
		now := time.Now()
		candidate := &User{
			ID:            uuid.NewString(),
			Email:         rec.Email,
			Name:          payload.Name,
			EmailVerified: true,
			AuthMethods:   []AuthMethod{MethodMagicLink},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		user, _, err = e.store.CreateUserIfAbsent(ctx, candidate)
		if err != nil {
			return nil, err
		}
	case purposeMagicSignin:
		user, err = e.store.GetUserByID(ctx, rec.UserID)
		if err != nil {
			return nil, err
		}
	}

	e.metricInc(MetricMagicLinkConsumed)

	result, err := e.finishLogin(ctx, user, string(MethodMagicLink))
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, AuditMagicLinkVerify, user.ID, result.SessionID, string(MethodMagicLink), true, nil)
	return result, nil
}
