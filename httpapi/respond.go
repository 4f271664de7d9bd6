package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	authkit "github.com/signalpost/authkit"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain sentinels onto HTTP statuses. Expired and
// invalid credentials are kept distinct because the client remediation
// differs: expired may retry a refresh, invalid must re-authenticate.
func statusFor(err error) int {
	switch {
	case errors.Is(err, authkit.ErrValidation),
		errors.Is(err, authkit.ErrPasswordPolicy),
		errors.Is(err, authkit.ErrCodeInvalid),
		errors.Is(err, authkit.ErrCodeExpired),
		errors.Is(err, authkit.ErrMFACodeInvalid),
		errors.Is(err, authkit.ErrBackupCodeInvalid),
		errors.Is(err, authkit.ErrChallengePurpose):
		return http.StatusBadRequest

	case errors.Is(err, authkit.ErrInvalidCredentials),
		errors.Is(err, authkit.ErrUnauthorized),
		errors.Is(err, authkit.ErrTokenInvalid),
		errors.Is(err, authkit.ErrTokenExpired),
		errors.Is(err, authkit.ErrSessionExpired),
		errors.Is(err, authkit.ErrChallengeExpired),
		errors.Is(err, authkit.ErrPasskeyVerification),
		errors.Is(err, authkit.ErrPasskeyReplay),
		errors.Is(err, authkit.ErrProviderExchange),
		errors.Is(err, authkit.ErrMFARequired):
		return http.StatusUnauthorized

	case errors.Is(err, authkit.ErrForbidden),
		errors.Is(err, authkit.ErrEmailUnverified):
		return http.StatusForbidden

	case errors.Is(err, authkit.ErrUserNotFound),
		errors.Is(err, authkit.ErrSessionNotFound),
		errors.Is(err, authkit.ErrPasskeyNotFound),
		errors.Is(err, authkit.ErrChallengeNotFound),
		errors.Is(err, authkit.ErrProviderUnknown):
		return http.StatusNotFound

	case errors.Is(err, authkit.ErrUserExists),
		errors.Is(err, authkit.ErrEmailAlreadyVerified),
		errors.Is(err, authkit.ErrPasswordReuse),
		errors.Is(err, authkit.ErrChallengeConsumed),
		errors.Is(err, authkit.ErrMFAAlreadyEnabled),
		errors.Is(err, authkit.ErrMFANotEnabled),
		errors.Is(err, authkit.ErrPasskeyExists):
		return http.StatusConflict

	case errors.Is(err, authkit.ErrMailSend):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	meta := authkit.RequestMetaFromContext(r.Context())

	body := errorBody{
		Code:      authkit.Code(err),
		Message:   err.Error(),
		RequestID: meta.RequestID,
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("request_id", meta.RequestID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		body.Code = "internal_error"
		body.Message = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(authkit.ErrValidation, err)
	}
	return nil
}
