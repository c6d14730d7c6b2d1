package emotes

import (
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
)

// DefaultSevenTVCDN is where 7TV serves emote images.
const DefaultSevenTVCDN = "https://cdn.7tv.app"

// ImageProxy relays 7TV emote images so the front end loads them from our
// origin. Only .avif and .webp files are relayed.
type ImageProxy struct {
	CDNURL string
	Client *http.Client
	// Prefix is stripped from the request path before forwarding.
	Prefix string
}

var proxiedHeaders = []string{"Content-Type", "Content-Length", "Cache-Control", "ETag", "Last-Modified"}

func (p *ImageProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, p.Prefix)
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	switch path.Ext(rel) {
	case ".avif", ".webp":
	default:
		http.Error(w, "Unsupported image format", http.StatusBadRequest)
		return
	}

	cdn := p.CDNURL
	if cdn == "" {
		cdn = DefaultSevenTVCDN
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, strings.TrimRight(cdn, "/")+"/"+rel, nil)
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		slog.Warn("7tv image fetch failed", "path", rel, "error", err)
		http.Error(w, "Upstream unavailable", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	for _, h := range proxiedHeaders {
		if v := res.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		slog.Debug("7tv image copy interrupted", "path", rel, "error", err)
	}
}
