package auth

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/filevault/internal/apperr"
)

// Handler exposes the Drive consent flow over HTTP.
type Handler struct {
	auth *DriveAuth
}

// NewHandler creates a new consent flow handler.
func NewHandler(a *DriveAuth) *Handler {
	return &Handler{auth: a}
}

// RegisterRoutes mounts the consent routes. The callback is mounted on public
// and guarded by the state token alone.
func (h *Handler) RegisterRoutes(public, protected *mux.Router) {
	public.HandleFunc("/api/drive/callback", h.HandleCallback).Methods(http.MethodGet)
	protected.HandleFunc("/api/drive/authorize", h.HandleLogin).Methods(http.MethodGet)
	protected.HandleFunc("/api/drive/status", h.HandleStatus).Methods(http.MethodGet)
}

// HandleLogin sets the state cookie and redirects to the consent screen.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	url, nonce, err := h.auth.LoginURL(r.Context())
	if err != nil {
		http.Error(w, "Failed to generate login URL", http.StatusInternalServerError)
		return
	}
	SetStateCookie(w, r, nonce)
	http.Redirect(w, r, url, http.StatusFound)
}

// HandleCallback completes the flow started by HandleLogin.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		ClearStateCookie(w)
		http.Error(w, "Authorization denied: "+e, http.StatusForbidden)
		return
	}

	nonce, _ := GetStateCookie(r)
	if err := h.auth.HandleCallback(r.Context(), q.Get("state"), nonce, q.Get("code")); err != nil {
		http.Error(w, "Authorization failed", apperr.HTTPStatus(err))
		return
	}
	ClearStateCookie(w)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "authorized": true})
}

// HandleStatus reports whether a refresh token is stored.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	tok, err := h.auth.StoredRefreshToken(r.Context())
	if err != nil {
		http.Error(w, "Failed to read authorization state", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"authorized": tok != ""})
}
