// Package api exposes the hub over HTTP: the /chat websocket upgrade, the
// OAuth link flow, emote endpoints and the mod-only admin endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hearth-chat/hearth/internal/hub"
	"github.com/hearth-chat/hearth/internal/identity"
	"github.com/hearth-chat/hearth/internal/ratelimit"
	"github.com/hearth-chat/hearth/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Identities resolves and links player sessions.
type Identities interface {
	Resolve(ctx context.Context, session string) (identity.Profile, error)
	Link(session string, tok identity.Token) error
	Linked(session string) (bool, error)
}

// Roles answers role membership for the mod-only endpoints.
type Roles interface {
	HasRole(userID string, role store.Role) (bool, error)
}

// Links tracks OAuth attempts in flight.
type Links interface {
	RegisterPending(sessionHash string) (string, error)
	Claim(code string) (string, error)
}

// OAuth is the provider side of the link flow.
type OAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (identity.Token, error)
}

// Emotes serves encoded emote maps.
type Emotes interface {
	TwitchEmotes(ctx context.Context) ([]byte, error)
	SevenTVEmotes(ctx context.Context) ([]byte, error)
	Flush(ctx context.Context) error
}

// Deps wires the router. Images, Emotes and Limiter are optional.
type Deps struct {
	// Context is the parent of every client context; cancelling it tears
	// down the websocket pumps.
	Context context.Context

	Hub        *hub.Hub
	Identities Identities
	Roles      Roles
	Links      Links
	OAuth      OAuth
	Emotes     Emotes
	Images     http.Handler
	Limiter    *ratelimit.IPLimiter

	SessionCookie   string
	SecureCookies   bool
	TrustProxy      bool
	AllowedOrigins  []string
	UpstreamTimeout time.Duration
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) *chi.Mux {
	if d.Context == nil {
		d.Context = context.Background()
	}
	if d.SessionCookie == "" {
		d.SessionCookie = "hearth_player_session"
	}
	if d.UpstreamTimeout <= 0 {
		d.UpstreamTimeout = 10 * time.Second
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if d.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(instrument)

	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.AllowedOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			ExposedHeaders:   []string{ConnectionHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	a := &handlers{Deps: d}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", a.health)

	r.Get("/chat", a.chat)

	r.Get("/auth/login", a.login)
	r.Get("/twitch_auth", a.twitchCallback)
	r.Get("/twitch_session_check", a.sessionCheck)

	if d.Emotes != nil {
		r.Get("/emotes/twitch", a.twitchEmotes)
		r.Get("/emotes/7tv", a.sevenTVEmotes)
	}
	if d.Images != nil {
		r.Handle("/7tv/*", d.Images)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.requireMod)
		r.Get("/session_debug", a.sessionDebug)
		if d.Emotes != nil {
			r.Get("/flush_emote_cache", a.flushEmotes)
		}
	})

	return r
}

type handlers struct {
	Deps
}
