package httpapi

import (
	"net/http"

	authkit "github.com/signalpost/authkit"
)

type loginResponse struct {
	UserID                   string `json:"userId,omitempty"`
	SessionID                string `json:"sessionId,omitempty"`
	MFARequired              bool   `json:"mfaRequired,omitempty"`
	EmailVerificationPending bool   `json:"emailVerificationPending,omitempty"`
}

// writeLoginResult translates the engine's login outcome into cookies
// and a response body. Exactly one of the three shapes fires.
func (a *API) writeLoginResult(w http.ResponseWriter, result *authkit.LoginResult) {
	switch {
	case result.MFARequired:
		a.setMFACookie(w, result.MFAToken)
		writeJSON(w, http.StatusOK, loginResponse{MFARequired: true})
	case result.EmailVerificationPending:
		writeJSON(w, http.StatusAccepted, loginResponse{
			UserID:                   result.UserID,
			EmailVerificationPending: true,
		})
	default:
		a.clearMFACookie(w)
		a.setSessionCookies(w, result.AccessToken, result.RefreshToken)
		writeJSON(w, http.StatusOK, loginResponse{UserID: result.UserID, SessionID: result.SessionID})
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	user, err := a.engine.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loginResponse{
		UserID:                   user.ID,
		EmailVerificationPending: true,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	result, err := a.engine.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeLoginResult(w, result)
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.VerifyEmail(r.Context(), req.Email, req.Code); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.ResendVerification(r.Context(), req.Email); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	result, err := a.engine.ForgotPassword(r.Context(), req.Email)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if result.MFARequired {
		a.setMFACookie(w, result.MFAToken)
		writeJSON(w, http.StatusOK, loginResponse{MFARequired: true})
		return
	}
	// Unknown emails get the same answer as known ones.
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		a.writeError(w, r, err)
		return
	}
	// Reset revokes every session, including the caller's.
	a.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	refresh := bearerOrCookie(r, cookieRefresh)
	// Cookies are cleared even when revocation fails. Set-Cookie must
	// precede the body write.
	a.clearSessionCookies(w)

	if refresh == "" {
		a.writeError(w, r, authkit.ErrUnauthorized)
		return
	}
	if err := a.engine.Logout(r.Context(), refresh); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

// handleRefresh is fail-closed: any error clears both auth cookies so a
// broken client cannot keep replaying a dead token.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	refresh := bearerOrCookie(r, cookieRefresh)
	if refresh == "" {
		a.clearSessionCookies(w)
		a.writeError(w, r, authkit.ErrUnauthorized)
		return
	}
	result, err := a.engine.Refresh(r.Context(), refresh)
	if err != nil {
		a.clearSessionCookies(w)
		a.writeError(w, r, err)
		return
	}
	http.SetCookie(w, a.newCookie(cookieAccess, result.AccessToken, "/", int(a.tokenCfg.AccessTTL.Seconds())))
	if result.Rotated {
		http.SetCookie(w, a.newCookie(cookieRefresh, result.RefreshToken, a.refreshCookiePath(), int(a.tokenCfg.RefreshTTL.Seconds())))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rotated": result.Rotated})
}
