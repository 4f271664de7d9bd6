package httpapi

import "net/http"

const (
	cookieAccess  = "accessToken"
	cookieRefresh = "refreshToken"
	cookieMFA     = "mfaToken"
)

// refreshCookiePath scopes the refresh token away from the site root.
// Logout and refresh both live under the auth base path and need it; no
// other endpoint ever sees the refresh token.
func (a *API) refreshCookiePath() string {
	return a.cfg.BasePath
}

func (a *API) mfaCookiePath() string {
	return a.cfg.BasePath + "/mfa"
}

func (a *API) newCookie(name, value, path string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   a.cfg.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: a.cfg.SameSite,
	}
}

func (a *API) setSessionCookies(w http.ResponseWriter, access, refresh string) {
	http.SetCookie(w, a.newCookie(cookieAccess, access, "/", int(a.tokenCfg.AccessTTL.Seconds())))
	if refresh != "" {
		http.SetCookie(w, a.newCookie(cookieRefresh, refresh, a.refreshCookiePath(), int(a.tokenCfg.RefreshTTL.Seconds())))
	}
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, a.newCookie(cookieAccess, "", "/", -1))
	http.SetCookie(w, a.newCookie(cookieRefresh, "", a.refreshCookiePath(), -1))
}

func (a *API) setMFACookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, a.newCookie(cookieMFA, token, a.mfaCookiePath(), int(a.tokenCfg.MFATTL.Seconds())))
}

func (a *API) clearMFACookie(w http.ResponseWriter) {
	http.SetCookie(w, a.newCookie(cookieMFA, "", a.mfaCookiePath(), -1))
}
