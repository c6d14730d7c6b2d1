package emotes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultSevenTVGQL is the public 7TV GraphQL endpoint.
const DefaultSevenTVGQL = "https://7tv.io/v3/gql"

const emoteSetQuery = `
query EmoteSet($emoteSetId: ObjectID!, $formats: [ImageFormat!]) {
  emoteSet(id: $emoteSetId) {
    emote_count
    flags
    owner {
      display_name
    }
    name
    emotes {
      flags
      name
      data {
        animated
        flags
        host {
          url
          files(formats: $formats) {
            height
            width
          }
        }
        owner {
          username
        }
      }
    }
  }
}`

// zeroWidthFlag marks an emote that overlays the previous one.
const zeroWidthFlag = 1

// SevenTVSource fetches emote sets from the 7TV GraphQL API.
type SevenTVSource struct {
	GQLURL string
	Client *http.Client
}

type gqlRequest struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
}

type emoteSetResponse struct {
	Data struct {
		EmoteSet *struct {
			Name  string `json:"name"`
			Owner struct {
				DisplayName string `json:"display_name"`
			} `json:"owner"`
			Emotes []struct {
				Flags int    `json:"flags"`
				Name  string `json:"name"`
				Data  struct {
					Animated bool `json:"animated"`
					Host     struct {
						URL   string `json:"url"`
						Files []struct {
							Height int `json:"height"`
							Width  int `json:"width"`
						} `json:"files"`
					} `json:"host"`
					Owner struct {
						Username string `json:"username"`
					} `json:"owner"`
				} `json:"data"`
			} `json:"emotes"`
		} `json:"emoteSet"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Fetch merges sets, listed highest priority first: on a name collision the
// earlier set wins.
func (s *SevenTVSource) Fetch(ctx context.Context, sets []string) (map[string]SevenTVEmote, error) {
	out := make(map[string]SevenTVEmote)
	for i := len(sets) - 1; i >= 0; i-- {
		emotes, err := s.set(ctx, sets[i])
		if err != nil {
			return nil, fmt.Errorf("7tv emote set %s: %w", sets[i], err)
		}
		for name, e := range emotes {
			out[name] = e
		}
	}
	return out, nil
}

func (s *SevenTVSource) set(ctx context.Context, id string) (map[string]SevenTVEmote, error) {
	body, err := json.Marshal(gqlRequest{
		OperationName: "EmoteSet",
		Query:         emoteSetQuery,
		Variables: map[string]any{
			"emoteSetId": id,
			"formats":    []string{"AVIF"},
		},
	})
	if err != nil {
		return nil, err
	}
	endpoint := s.GQLURL
	if endpoint == "" {
		endpoint = DefaultSevenTVGQL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

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
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var payload emoteSetResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(payload.Errors) > 0 {
		return nil, errors.New(payload.Errors[0].Message)
	}
	set := payload.Data.EmoteSet
	if set == nil {
		return nil, errors.New("emote set not found")
	}

	setName := set.Owner.DisplayName + " - " + set.Name
	out := make(map[string]SevenTVEmote, len(set.Emotes))
	for _, e := range set.Emotes {
		emote := SevenTVEmote{
			ZeroWidth: e.Flags&zeroWidthFlag == zeroWidthFlag,
			Animated:  e.Data.Animated,
			URL:       e.Data.Host.URL,
			Owner:     e.Data.Owner.Username,
			SetName:   setName,
		}
		if len(e.Data.Host.Files) > 0 {
			emote.Height = e.Data.Host.Files[0].Height
			emote.Width = e.Data.Host.Files[0].Width
		}
		out[e.Name] = emote
	}
	return out, nil
}
