package emotes

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hearth-chat/hearth/internal/metrics"
)

// DefaultTTL is how long a fetched emote map is served before refetching.
const DefaultTTL = 24 * time.Hour

const (
	twitchKey  = "twitch_emotes"
	seventvKey = "seventv_emotes"
)

// Config wires a Catalog.
type Config struct {
	Twitch   *TwitchSource
	SevenTV  *SevenTVSource
	Cache    Cache
	TTL      time.Duration
	Channels []Channel
	Sets     []string
}

// Catalog serves encoded emote maps, fetching from upstream on a cache miss.
type Catalog struct {
	twitch   *TwitchSource
	seventv  *SevenTVSource
	cache    Cache
	ttl      time.Duration
	channels []Channel
	sets     []string

	// fetchMu keeps concurrent misses from fetching the same map twice.
	fetchMu sync.Mutex
}

func NewCatalog(cfg Config) *Catalog {
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels
	}
	if len(cfg.Sets) == 0 {
		cfg.Sets = DefaultSevenTVSets
	}
	return &Catalog{
		twitch:   cfg.Twitch,
		seventv:  cfg.SevenTV,
		cache:    cfg.Cache,
		ttl:      cfg.TTL,
		channels: cfg.Channels,
		sets:     cfg.Sets,
	}
}

// TwitchEmotes returns the JSON-encoded Twitch emote map.
func (c *Catalog) TwitchEmotes(ctx context.Context) ([]byte, error) {
	return c.cached(ctx, twitchKey, func(ctx context.Context) (any, error) {
		return c.twitch.Fetch(ctx, c.channels)
	})
}

// SevenTVEmotes returns the JSON-encoded 7TV emote map.
func (c *Catalog) SevenTVEmotes(ctx context.Context) ([]byte, error) {
	return c.cached(ctx, seventvKey, func(ctx context.Context) (any, error) {
		return c.seventv.Fetch(ctx, c.sets)
	})
}

// Flush drops both cached maps so the next request refetches.
func (c *Catalog) Flush(ctx context.Context) error {
	return c.cache.Delete(ctx, twitchKey, seventvKey)
}

func (c *Catalog) cached(ctx context.Context, key string, fetch func(context.Context) (any, error)) ([]byte, error) {
	if data, ok := c.lookup(ctx, key); ok {
		return data, nil
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	if data, ok := c.lookup(ctx, key); ok {
		return data, nil
	}

	metrics.EmoteCacheResults.WithLabelValues(key, "miss").Inc()
	emotes, err := fetch(ctx)
	if err != nil {
		metrics.EmoteCacheResults.WithLabelValues(key, "error").Inc()
		return nil, err
	}
	data, err := json.Marshal(emotes)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
		slog.Warn("failed to cache emotes", "key", key, "error", err)
	}
	slog.Info("fetched emotes", "key", key, "bytes", len(data))
	return data, nil
}

func (c *Catalog) lookup(ctx context.Context, key string) ([]byte, bool) {
	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("emote cache read failed", "key", key, "error", err)
		return nil, false
	}
	if ok {
		metrics.EmoteCacheResults.WithLabelValues(key, "hit").Inc()
	}
	return data, ok
}
