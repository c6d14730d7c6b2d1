package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultTwitchAuthURL = "https://id.twitch.tv"
	defaultTwitchAPIURL  = "https://api.twitch.tv/helix"
)

// TwitchConfig configures the Twitch provider. Empty URLs fall back to the
// public Twitch endpoints; tests point them at httptest servers.
type TwitchConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	APIURL       string
	HTTPClient   *http.Client
}

// Twitch implements Provider against the Twitch OAuth and Helix APIs.
type Twitch struct {
	oauth    *oauth2.Config
	app      *clientcredentials.Config
	apiURL   string
	clientID string
	client   *http.Client
}

// NewTwitch builds a Twitch provider.
func NewTwitch(cfg TwitchConfig) *Twitch {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	authURL := strings.TrimRight(strings.TrimSpace(cfg.AuthURL), "/")
	if authURL == "" {
		authURL = defaultTwitchAuthURL
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = defaultTwitchAPIURL
	}
	endpoint := oauth2.Endpoint{
		AuthURL:   authURL + "/oauth2/authorize",
		TokenURL:  authURL + "/oauth2/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	return &Twitch{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
		},
		app: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     endpoint.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		apiURL:   apiURL,
		clientID: cfg.ClientID,
		client:   cfg.HTTPClient,
	}
}

// ClientID returns the application's client id, sent as Client-Id on Helix calls.
func (t *Twitch) ClientID() string { return t.clientID }

// APIURL returns the Helix base URL.
func (t *Twitch) APIURL() string { return t.apiURL }

// AuthCodeURL returns the consent page URL carrying state.
func (t *Twitch) AuthCodeURL(state string) string {
	return t.oauth.AuthCodeURL(state)
}

// AppTokenSource returns a cached app access token source (client
// credentials grant) for Helix endpoints that need no user.
func (t *Twitch) AppTokenSource(ctx context.Context) oauth2.TokenSource {
	return t.app.TokenSource(t.withClient(ctx))
}

func (t *Twitch) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, t.client)
}

// Exchange trades an authorization code for a user token.
func (t *Twitch) Exchange(ctx context.Context, code string) (Token, error) {
	if strings.TrimSpace(code) == "" {
		return Token{}, errors.New("authorization code is required")
	}
	tok, err := t.oauth.Exchange(t.withClient(ctx), code)
	if err != nil {
		return Token{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	return fromOAuth(tok), nil
}

// Refresh uses the refresh token to obtain a new user token.
func (t *Twitch) Refresh(ctx context.Context, tok Token) (Token, error) {
	if tok.RefreshToken == "" {
		return Token{}, errors.New("refresh token is required")
	}
	// No access token forces the source to refresh.
	src := t.oauth.TokenSource(t.withClient(ctx), &oauth2.Token{RefreshToken: tok.RefreshToken})
	refreshed, err := src.Token()
	if err != nil {
		return Token{}, fmt.Errorf("refresh user token: %w", err)
	}
	out := fromOAuth(refreshed)
	if out.RefreshToken == "" {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

// Profile fetches the user's id, display name and chat color.
func (t *Twitch) Profile(ctx context.Context, tok Token) (Profile, error) {
	var users struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := t.helix(ctx, tok.AccessToken, "/users", nil, &users); err != nil {
		return Profile{}, fmt.Errorf("fetch user: %w", err)
	}
	if len(users.Data) == 0 {
		return Profile{}, errors.New("fetch user: empty response")
	}
	p := Profile{UserID: users.Data[0].ID, DisplayName: users.Data[0].DisplayName}

	var colors struct {
		Data []struct {
			Color string `json:"color"`
		} `json:"data"`
	}
	if err := t.helix(ctx, tok.AccessToken, "/chat/color", url.Values{"user_id": {p.UserID}}, &colors); err != nil {
		return Profile{}, fmt.Errorf("fetch user color: %w", err)
	}
	if len(colors.Data) > 0 {
		p.Color = colors.Data[0].Color
	}
	return p, nil
}

func (t *Twitch) helix(ctx context.Context, accessToken, path string, query url.Values, out any) error {
	u := t.apiURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Client-Id", t.clientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	res, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func fromOAuth(tok *oauth2.Token) Token {
	return Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}
