package httpapi

import (
	"net/http"

	authkit "github.com/signalpost/authkit"
)

func (a *API) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())

	setup, err := a.engine.MFASetupBegin(r.Context(), principal.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"secret": setup.SecretBase32,
		"uri":    setup.URI,
	})
}

func (a *API) handleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	backupCodes, err := a.engine.MFASetupConfirm(r.Context(), principal.UserID, req.Code)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	// The plaintext codes appear exactly once, here.
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":     true,
		"backupCodes": backupCodes,
	})
}

func (a *API) handleMFARevoke(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.MFARevoke(r.Context(), principal.UserID, req.Code); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

// mfaToken pulls the continuation token from the scoped cookie, with a
// JSON body fallback for non-browser clients.
func mfaToken(r *http.Request, bodyToken string) string {
	if c, err := r.Cookie(cookieMFA); err == nil && c.Value != "" {
		return c.Value
	}
	return bodyToken
}

func (a *API) handleMFALoginVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		MFAToken string `json:"mfaToken,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	result, err := a.engine.MFALoginVerify(r.Context(), mfaToken(r, req.MFAToken), req.Code)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeLoginResult(w, result)
}

func (a *API) handleMFALoginBackupCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		MFAToken string `json:"mfaToken,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	result, err := a.engine.MFALoginBackupCode(r.Context(), mfaToken(r, req.MFAToken), req.Code)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeLoginResult(w, result)
}

func (a *API) handleMFAForgotVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		MFAToken string `json:"mfaToken,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	if err := a.engine.MFAForgotPasswordVerify(r.Context(), mfaToken(r, req.MFAToken), req.Code); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearMFACookie(w)
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

func (a *API) handleMFABackupConsume(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.MFAConsumeBackupCode(r.Context(), principal.UserID, req.Code); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"consumed": true})
}
