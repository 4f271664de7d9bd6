package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	authkit "github.com/signalpost/authkit"
)

func (a *API) handlePasskeyRegisterInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	creation, err := a.engine.PasskeyRegisterInit(r.Context(), req.Email, req.Name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creation)
}

func (a *API) handlePasskeyRegisterVerify(w http.ResponseWriter, r *http.Request) {
	result, err := a.engine.PasskeyRegisterVerify(r.Context(), r.Body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeLoginResult(w, result)
}

func (a *API) handlePasskeyAuthInit(w http.ResponseWriter, r *http.Request) {
	assertion, err := a.engine.PasskeyAuthenticateInit(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assertion)
}

func (a *API) handlePasskeyAuthVerify(w http.ResponseWriter, r *http.Request) {
	result, err := a.engine.PasskeyAuthenticateVerify(r.Context(), r.Body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeLoginResult(w, result)
}

func (a *API) handlePasskeyAddInit(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())
	userID := chi.URLParam(r, "userid")

	creation, err := a.engine.PasskeyAddInit(r.Context(), principal.UserID, userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creation)
}

func (a *API) handlePasskeyAddVerify(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())
	userID := chi.URLParam(r, "userid")

	pk, err := a.engine.PasskeyAddVerify(r.Context(), principal.UserID, userID, r.Body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": pk.ID})
}

func credentialIDParam(r *http.Request) ([]byte, error) {
	raw := chi.URLParam(r, "credentialid")
	id, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.Join(authkit.ErrValidation, err)
	}
	return id, nil
}

func (a *API) handlePasskeyRemoveInit(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())
	userID := chi.URLParam(r, "userid")
	credentialID, err := credentialIDParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	assertion, err := a.engine.PasskeyRemoveInit(r.Context(), principal.UserID, userID, credentialID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assertion)
}

func (a *API) handlePasskeyRemoveVerify(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())
	userID := chi.URLParam(r, "userid")

	if err := a.engine.PasskeyRemoveVerify(r.Context(), principal.UserID, userID, r.Body); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (a *API) handlePasskeyList(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())
	userID := chi.URLParam(r, "userid")

	keys, err := a.engine.PasskeyList(r.Context(), principal.UserID, userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkeys": keys})
}
