// Package config loads the daemon configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hearth-chat/hearth/internal/emotes"
	"github.com/joho/godotenv"
)

// Config is the full daemon configuration.
type Config struct {
	Port      string `env:"HEARTH_PORT" envDefault:"8080"`
	Env       string `env:"HEARTH_ENV" envDefault:"development"`
	LogLevel  string `env:"HEARTH_LOG_LEVEL" envDefault:"info"`
	DataDir   string `env:"HEARTH_DATA_DIR" envDefault:"data"`
	PublicURL string `env:"HEARTH_PUBLIC_URL" envDefault:"http://localhost:8080"`

	AllowedOrigins []string `env:"HEARTH_ALLOWED_ORIGINS" envSeparator:","`
	SessionCookie  string   `env:"HEARTH_SESSION_COOKIE" envDefault:"hearth_player_session"`

	// TrustProxy honours X-Forwarded-For and X-Real-IP. Enable it only behind
	// a proxy that overwrites those headers.
	TrustProxy bool `env:"HEARTH_TRUST_PROXY" envDefault:"false"`

	RedisURL string `env:"HEARTH_REDIS_URL"`

	TwitchClientID     string `env:"HEARTH_TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"HEARTH_TWITCH_CLIENT_SECRET"`
	TwitchAuthURL      string `env:"HEARTH_TWITCH_AUTH_URL"`
	TwitchAPIURL       string `env:"HEARTH_TWITCH_API_URL"`
	SevenTVGQLURL      string `env:"HEARTH_SEVENTV_GQL_URL"`
	SevenTVCDNURL      string `env:"HEARTH_SEVENTV_CDN_URL"`

	// EmoteChannels lists Twitch channels as id:name pairs.
	EmoteChannels    []string `env:"HEARTH_EMOTE_CHANNELS" envSeparator:","`
	SevenTVEmoteSets []string `env:"HEARTH_SEVENTV_EMOTE_SETS" envSeparator:","`

	SeedMods    []string `env:"HEARTH_SEED_MODS" envSeparator:","`
	SeedDevs    []string `env:"HEARTH_SEED_DEVS" envSeparator:","`
	SeedArtists []string `env:"HEARTH_SEED_ARTISTS" envSeparator:","`

	RateLimitMessages int           `env:"HEARTH_RATE_LIMIT_MESSAGES" envDefault:"5"`
	RateLimitWindow   time.Duration `env:"HEARTH_RATE_LIMIT_WINDOW" envDefault:"5s"`
	RateLimitPenalty  time.Duration `env:"HEARTH_RATE_LIMIT_PENALTY" envDefault:"30s"`
	MaxMessageLength  int           `env:"HEARTH_MAX_MESSAGE_LENGTH" envDefault:"500"`
	HistoryLimit      int           `env:"HEARTH_HISTORY_LIMIT" envDefault:"500"`
	Retention         time.Duration `env:"HEARTH_RETENTION" envDefault:"72h"`
	SweepInterval     time.Duration `env:"HEARTH_SWEEP_INTERVAL" envDefault:"1h"`
	IdentityTTL       time.Duration `env:"HEARTH_IDENTITY_TTL" envDefault:"1h"`
	ResumeGrace       time.Duration `env:"HEARTH_RESUME_GRACE" envDefault:"5m"`
	UpstreamTimeout   time.Duration `env:"HEARTH_UPSTREAM_TIMEOUT" envDefault:"10s"`
	EmoteTTL          time.Duration `env:"HEARTH_EMOTE_TTL" envDefault:"24h"`

	ConnectRate  float64 `env:"HEARTH_CONNECT_RATE" envDefault:"2"`
	ConnectBurst int     `env:"HEARTH_CONNECT_BURST" envDefault:"10"`
}

// Load reads an optional .env file, then parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.IsProduction() && (c.TwitchClientID == "" || c.TwitchClientSecret == "") {
		errs = append(errs, errors.New("HEARTH_TWITCH_CLIENT_ID and HEARTH_TWITCH_CLIENT_SECRET are required in production"))
	}
	if c.RateLimitMessages < 1 {
		errs = append(errs, errors.New("HEARTH_RATE_LIMIT_MESSAGES must be at least 1"))
	}
	if c.MaxMessageLength < 1 {
		errs = append(errs, errors.New("HEARTH_MAX_MESSAGE_LENGTH must be at least 1"))
	}
	if c.ConnectRate <= 0 || c.ConnectBurst < 1 {
		errs = append(errs, errors.New("HEARTH_CONNECT_RATE and HEARTH_CONNECT_BURST must be positive"))
	}
	if _, err := c.Channels(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsProduction reports whether HEARTH_ENV selects production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// BoltPath is the bbolt file holding moderation, identity and session state.
func (c Config) BoltPath() string {
	return filepath.Join(c.DataDir, "hearth.db")
}

// MessagesPath is the SQLite message log.
func (c Config) MessagesPath() string {
	return filepath.Join(c.DataDir, "messages.db")
}

// RedirectURL is the OAuth callback registered with Twitch.
func (c Config) RedirectURL() string {
	return strings.TrimRight(c.PublicURL, "/") + "/twitch_auth"
}

// Channels parses EmoteChannels. An empty list selects the defaults.
func (c Config) Channels() ([]emotes.Channel, error) {
	if len(c.EmoteChannels) == 0 {
		return emotes.DefaultChannels, nil
	}
	out := make([]emotes.Channel, 0, len(c.EmoteChannels))
	for _, pair := range c.EmoteChannels {
		id, name, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" || name == "" {
			return nil, fmt.Errorf("HEARTH_EMOTE_CHANNELS: %q is not id:name", pair)
		}
		out = append(out, emotes.Channel{ID: id, Name: name})
	}
	return out, nil
}
