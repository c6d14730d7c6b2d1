// Package identity resolves player sessions to chat identities. Sessions are
// opaque cookie tokens; a session becomes usable once it is linked to an
// identity provider token through the OAuth flow, after which the Cache
// resolves it to a display name, user id and name color.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotLinked means no provider token exists for the session.
	ErrNotLinked = errors.New("account not linked")
	// ErrUnavailable means the provider could not be reached or refused the
	// request. The caller reports it to the user; nothing is defaulted.
	ErrUnavailable = errors.New("identity provider unavailable")
)

// Token is a provider user token.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// Expired reports whether the token must be refreshed before use. A zero
// expiry never expires.
func (t Token) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && t.Expiry.Before(now)
}

// Profile is what the chat knows about a user.
type Profile struct {
	UserID      string
	DisplayName string
	// Color is the user's chosen name color, "" when they never picked one.
	Color string
}

// Provider is the delegated identity service.
type Provider interface {
	Exchange(ctx context.Context, code string) (Token, error)
	Refresh(ctx context.Context, tok Token) (Token, error)
	Profile(ctx context.Context, tok Token) (Profile, error)
}
