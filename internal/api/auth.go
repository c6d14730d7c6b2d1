package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hearth-chat/hearth/internal/crypto"
	"github.com/hearth-chat/hearth/internal/identity"
	"github.com/hearth-chat/hearth/internal/store"
)

const sessionCookieMaxAge = 400 * 24 * 60 * 60

// playerSession returns the session token carried in the cookie, or "" when
// it is missing or fails its checksum.
func (a *handlers) playerSession(r *http.Request) string {
	c, err := r.Cookie(a.SessionCookie)
	if err != nil {
		return ""
	}
	if err := identity.ValidateSessionToken(c.Value); err != nil {
		return ""
	}
	return c.Value
}

func (a *handlers) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   sessionCookieMaxAge,
		HttpOnly: true,
		Secure:   a.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// login starts the link flow, issuing a player session first if the browser
// has none.
func (a *handlers) login(w http.ResponseWriter, r *http.Request) {
	session := a.playerSession(r)
	if session == "" {
		token, err := identity.NewSessionToken()
		if err != nil {
			slog.Error("failed to issue player session", "error", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		a.setSessionCookie(w, token)
		session = token
	}

	state, err := a.Links.RegisterPending(crypto.HashToken(session))
	if err != nil {
		slog.Error("failed to register link attempt", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, a.OAuth.AuthCodeURL(state), http.StatusFound)
}

// twitchCallback finishes the link flow: the state must have been issued to
// this browser's session.
func (a *handlers) twitchCallback(w http.ResponseWriter, r *http.Request) {
	session := a.playerSession(r)
	if session == "" {
		http.Error(w, "Player session not found", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Authorization code not found", http.StatusBadRequest)
		return
	}

	owner, err := a.Links.Claim(r.URL.Query().Get("state"))
	if err != nil || owner != crypto.HashToken(session) {
		if err != nil && !errors.Is(err, store.ErrClaimNotFound) {
			slog.Error("failed to claim link state", "error", err)
		}
		http.Error(w, "Player session not found", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.UpstreamTimeout)
	defer cancel()
	tok, err := a.OAuth.Exchange(ctx, code)
	if err != nil {
		slog.Error("twitch user auth failed", "error", err)
		http.Error(w, "Error authenticating with Twitch", http.StatusInternalServerError)
		return
	}
	if err := a.Identities.Link(session, tok); err != nil {
		slog.Error("failed to store linked token", "error", err)
		http.Error(w, "Error authenticating with Twitch", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// sessionCheck reports whether the browser's session is linked.
func (a *handlers) sessionCheck(w http.ResponseWriter, r *http.Request) {
	session := a.playerSession(r)
	if session == "" {
		http.Error(w, "Player session not found", http.StatusBadRequest)
		return
	}
	linked, err := a.Identities.Linked(session)
	if err != nil {
		slog.Error("failed to read link state", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, linked)
}

// requireMod lets a request through only when the cookie resolves to a
// moderator.
func (a *handlers) requireMod(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := a.playerSession(r)
		if session == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), a.UpstreamTimeout)
		profile, err := a.Identities.Resolve(ctx, session)
		cancel()
		if err != nil {
			if !errors.Is(err, identity.ErrNotLinked) {
				slog.Warn("admin session check failed", "error", err)
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		mod, err := a.Roles.HasRole(profile.UserID, store.RoleMod)
		if err != nil {
			slog.Error("failed to read roles", "user_id", profile.UserID, "error", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		if !mod {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
