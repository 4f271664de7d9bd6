package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleMagicSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.MagicLinkSignup(r.Context(), req.Email, req.Name); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

func (a *API) handleMagicSignin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.MagicLinkSignin(r.Context(), req.Email); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

func (a *API) handleMagicResend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.MagicLinkResend(r.Context(), req.Email); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

func (a *API) handleMagicVerify(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	result, err := a.engine.MagicLinkVerify(r.Context(), token)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeLoginResult(w, result)
}
