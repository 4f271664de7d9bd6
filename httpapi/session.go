package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	authkit "github.com/signalpost/authkit"
	"github.com/signalpost/authkit/session"
)

type sessionResponse struct {
	ID        string    `json:"id"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Current   bool      `json:"current"`
}

func toSessionResponse(sess *session.Session, currentID string) sessionResponse {
	return sessionResponse{
		ID:        sess.ID,
		UserAgent: sess.UserAgent,
		CreatedAt: time.Unix(sess.CreatedAt, 0).UTC(),
		ExpiresAt: time.Unix(sess.ExpiresAt, 0).UTC(),
		Current:   sess.ID == currentID,
	}
}

func (a *API) handleSessionList(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())

	sessions, err := a.engine.Sessions(r.Context(), principal.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess, principal.SessionID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *API) handleSessionCurrent(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())

	sess, err := a.engine.CurrentSession(r.Context(), principal.SessionID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess, principal.SessionID))
}

func (a *API) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	principal, _ := authkit.PrincipalFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	result, err := a.engine.DeleteSession(r.Context(), principal, sessionID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	// Deleting the caller's own session invalidates its cookies too.
	if result.WasCurrent {
		a.clearSessionCookies(w)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"wasCurrent": result.WasCurrent})
}
