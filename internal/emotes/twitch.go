package emotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/oauth2"
)

// TwitchSource fetches channel emotes from Helix with an app access token.
type TwitchSource struct {
	APIURL   string
	ClientID string
	Tokens   oauth2.TokenSource
	Client   *http.Client
}

type helixEmotes struct {
	Data []struct {
		ID        string   `json:"id"`
		Name      string   `json:"name"`
		Format    []string `json:"format"`
		Scale     []string `json:"scale"`
		ThemeMode []string `json:"theme_mode"`
	} `json:"data"`
	Template string `json:"template"`
}

// Fetch returns the merged emotes of channels. Later channels win on name
// collisions.
func (s *TwitchSource) Fetch(ctx context.Context, channels []Channel) (map[string]TwitchEmote, error) {
	tok, err := s.Tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("twitch app token: %w", err)
	}
	out := make(map[string]TwitchEmote)
	for _, ch := range channels {
		emotes, err := s.channel(ctx, tok.AccessToken, ch)
		if err != nil {
			return nil, fmt.Errorf("twitch emotes for %s: %w", ch.Name, err)
		}
		for name, e := range emotes {
			out[name] = e
		}
	}
	return out, nil
}

func (s *TwitchSource) channel(ctx context.Context, accessToken string, ch Channel) (map[string]TwitchEmote, error) {
	u := strings.TrimRight(s.APIURL, "/") + "/chat/emotes?" + url.Values{"broadcaster_id": {ch.ID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", s.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload helixEmotes
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make(map[string]TwitchEmote, len(payload.Data))
	for _, d := range payload.Data {
		format := "static"
		if slices.Contains(d.Format, "animated") {
			format = "animated"
		}
		theme := "light"
		if !slices.Contains(d.ThemeMode, "light") {
			theme = "dark"
		}
		base := strings.NewReplacer("{{id}}", d.ID, "{{format}}", format, "{{theme_mode}}", theme).Replace(payload.Template)
		scaled := func(scale string) *string {
			if !slices.Contains(d.Scale, scale) {
				return nil
			}
			u := strings.ReplaceAll(base, "{{scale}}", scale)
			return &u
		}
		out[d.Name] = TwitchEmote{
			Images: TwitchImages{
				URL1x: scaled("1.0"),
				URL2x: scaled("2.0"),
				URL4x: scaled("3.0"),
			},
			Animated: format == "animated",
			Channel:  ch.Name,
		}
	}
	return out, nil
}
