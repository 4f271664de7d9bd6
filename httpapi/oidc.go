package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleOIDCAuthURL(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	url, err := a.engine.OIDCAuthURL(r.Context(), provider)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (a *API) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	result, err := a.engine.OIDCCallback(r.Context(), provider, code, state)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeLoginResult(w, result)
}
