package auth

import (
	"net/http"
	"time"
)

// StateCookieName holds the nonce bound into the OAuth state token.
const StateCookieName = "filevault_oauth_state"

// SetStateCookie stores the consent flow nonce.
func SetStateCookie(w http.ResponseWriter, r *http.Request, nonce string) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    nonce,
		Path:     "/",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearStateCookie removes the nonce cookie.
func ClearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// GetStateCookie returns the nonce from the request, if any.
func GetStateCookie(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(StateCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
