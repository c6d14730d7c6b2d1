package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hearth-chat/hearth/internal/api"
	"github.com/hearth-chat/hearth/internal/config"
	"github.com/hearth-chat/hearth/internal/emotes"
	"github.com/hearth-chat/hearth/internal/history"
	"github.com/hearth-chat/hearth/internal/hub"
	"github.com/hearth-chat/hearth/internal/identity"
	"github.com/hearth-chat/hearth/internal/logging"
	"github.com/hearth-chat/hearth/internal/metrics"
	"github.com/hearth-chat/hearth/internal/ratelimit"
	"github.com/hearth-chat/hearth/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	maintenanceInterval = time.Minute
	pendingLinkTTL      = 15 * time.Minute
	idleLimiterTTL      = 10 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.New(cfg.LogLevel, cfg.IsProduction())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		slog.Error("hearthd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.OpenDB(cfg.BoltPath())
	if err != nil {
		return err
	}
	defer db.Close()

	messages, err := history.Open(cfg.MessagesPath())
	if err != nil {
		return err
	}
	defer messages.Close()

	moderation, err := store.NewModeration(db)
	if err != nil {
		return err
	}
	if err := seedRoles(moderation, cfg); err != nil {
		return err
	}
	attachments, err := store.NewAttachments(db)
	if err != nil {
		return err
	}
	links, err := store.NewLinks(db)
	if err != nil {
		return err
	}
	schedule, err := store.NewSchedule(db)
	if err != nil {
		return err
	}

	twitch := identity.NewTwitch(identity.TwitchConfig{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURL:  cfg.RedirectURL(),
		AuthURL:      cfg.TwitchAuthURL,
		APIURL:       cfg.TwitchAPIURL,
		HTTPClient:   &http.Client{Timeout: cfg.UpstreamTimeout},
	})
	identities, err := identity.NewCache(db, twitch, cfg.IdentityTTL)
	if err != nil {
		return err
	}

	catalog, closeCache, err := newCatalog(ctx, cfg, twitch)
	if err != nil {
		return err
	}
	defer closeCache()

	h, err := hub.NewHub(hub.Stores{
		Moderation:  moderation,
		History:     messages,
		Identity:    identities,
		Attachments: attachments,
		Schedule:    schedule,
	}, hub.Options{
		RateWindow:       ratelimit.Window{Capacity: cfg.RateLimitMessages, Span: cfg.RateLimitWindow},
		RatePenalty:      cfg.RateLimitPenalty,
		MaxMessageLength: cfg.MaxMessageLength,
		HistoryLimit:     cfg.HistoryLimit,
		Retention:        cfg.Retention,
		SweepInterval:    cfg.SweepInterval,
		ResumeGrace:      cfg.ResumeGrace,
		UpstreamTimeout:  cfg.UpstreamTimeout,
	})
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Run(ctx)
	}()

	limiter := ratelimit.NewIPLimiter(cfg.ConnectRate, cfg.ConnectBurst, idleLimiterTTL)
	wg.Add(1)
	go func() {
		defer wg.Done()
		maintain(ctx, limiter, links)
	}()

	r := api.NewRouter(api.Deps{
		Context:         ctx,
		Hub:             h,
		Identities:      identities,
		Roles:           moderation,
		Links:           links,
		OAuth:           twitch,
		Emotes:          catalog,
		Images:          &emotes.ImageProxy{CDNURL: cfg.SevenTVCDNURL, Prefix: "/7tv/"},
		Limiter:         limiter,
		SessionCookie:   cfg.SessionCookie,
		SecureCookies:   cfg.IsProduction(),
		TrustProxy:      cfg.TrustProxy,
		AllowedOrigins:  cfg.AllowedOrigins,
		UpstreamTimeout: cfg.UpstreamTimeout,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("hearthd starting", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		cancelRun()
	}
	slog.Info("shutting down hearthd")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	// The hub closes every connection and keeps their attachments before
	// the stores are closed.
	wg.Wait()
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	slog.Info("hearthd stopped")
	return nil
}

// seedRoles writes the configured role lists on first boot only.
func seedRoles(m *store.Moderation, cfg config.Config) error {
	seeds := []struct {
		role store.Role
		ids  []string
	}{
		{store.RoleMod, cfg.SeedMods},
		{store.RoleDev, cfg.SeedDevs},
		{store.RoleArt, cfg.SeedArtists},
	}
	for _, s := range seeds {
		if len(s.ids) == 0 {
			continue
		}
		seeded, err := m.SeedRole(s.role, s.ids)
		if err != nil {
			return fmt.Errorf("seed %s: %w", s.role, err)
		}
		if seeded {
			slog.Info("seeded role", "role", s.role, "count", len(s.ids))
		}
	}
	return nil
}

// newCatalog builds the emote catalog, caching in Redis when configured.
func newCatalog(ctx context.Context, cfg config.Config, twitch *identity.Twitch) (*emotes.Catalog, func(), error) {
	channels, err := cfg.Channels()
	if err != nil {
		return nil, nil, err
	}

	var (
		cache      emotes.Cache = emotes.NewMemoryCache()
		closeCache              = func() {}
	)
	if cfg.RedisURL != "" {
		var client *redis.Client
		client, err = emotes.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		cache = emotes.NewRedisCache(client, "hearth:")
		closeCache = func() { _ = client.Close() }
		slog.Info("emote cache using redis")
	}

	upstream := &http.Client{Timeout: cfg.UpstreamTimeout}
	return emotes.NewCatalog(emotes.Config{
		Twitch: &emotes.TwitchSource{
			APIURL:   twitch.APIURL(),
			ClientID: twitch.ClientID(),
			Tokens:   twitch.AppTokenSource(context.WithoutCancel(ctx)),
			Client:   upstream,
		},
		SevenTV:  &emotes.SevenTVSource{GQLURL: cfg.SevenTVGQLURL, Client: upstream},
		Cache:    cache,
		TTL:      cfg.EmoteTTL,
		Channels: channels,
		Sets:     cfg.SevenTVEmoteSets,
	}), closeCache, nil
}

// maintain prunes idle per-IP limiters and abandoned OAuth attempts.
func maintain(ctx context.Context, limiter *ratelimit.IPLimiter, links *store.Links) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			maintainOnce(limiter, links)
		case <-ctx.Done():
			return
		}
	}
}

func maintainOnce(limiter *ratelimit.IPLimiter, links *store.Links) {
	if n := limiter.Prune(); n > 0 {
		slog.Debug("pruned connection limiters", "count", n)
	}
	metrics.ConnectLimiterEntries.Set(float64(limiter.Len()))
	if err := links.SweepPending(pendingLinkTTL); err != nil {
		slog.Warn("failed to sweep pending links", "error", err)
	}
}
