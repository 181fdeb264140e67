package handler

import (
	"log/slog"
	"net/http"

	"github.com/tesserahq/tessera-backend/internal/auth"
)

// AuthDeps backs the OIDC login endpoints.
type AuthDeps struct {
	Bridge *auth.Bridge
	// DefaultNext is where the callback redirects when the state carries
	// no target.
	DefaultNext string
}

// Login handles GET /auth/login?next=… by redirecting to the identity
// provider with the next URL folded into the state parameter.
func Login(deps AuthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next := r.URL.Query().Get("next")
		if next == "" {
			next = deps.DefaultNext
		}
		authURL, state, err := deps.Bridge.AuthCodeURL(next)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to start login")
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     "oidc_state",
			Value:    state,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			MaxAge:   600,
		})
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// Callback handles the provider redirect: verifies state, exchanges the
// code, and forwards to the original target.
func Callback(deps AuthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		cookie, err := r.Cookie("oidc_state")
		if err != nil || cookie.Value != state {
			writeError(w, http.StatusBadRequest, "state mismatch")
			return
		}
		_, next, err := auth.ParseState(state)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed state")
			return
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			writeError(w, http.StatusBadRequest, "missing code")
			return
		}
		token, err := deps.Bridge.Exchange(r.Context(), code)
		if err != nil {
			slog.Error("oidc exchange failed", "error", err)
			writeError(w, http.StatusBadGateway, "token exchange failed")
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     "session_token",
			Value:    token.AccessToken,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
		})
		if next == "" {
			next = deps.DefaultNext
		}
		http.Redirect(w, r, next, http.StatusFound)
	}
}
