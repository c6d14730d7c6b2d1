package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hearth-chat/hearth/internal/hub"
)

func (a *handlers) twitchEmotes(w http.ResponseWriter, r *http.Request) {
	a.serveEmotes(w, r, "twitch", a.Emotes.TwitchEmotes)
}

func (a *handlers) sevenTVEmotes(w http.ResponseWriter, r *http.Request) {
	a.serveEmotes(w, r, "7tv", a.Emotes.SevenTVEmotes)
}

func (a *handlers) serveEmotes(w http.ResponseWriter, r *http.Request, source string, load func(context.Context) ([]byte, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), a.UpstreamTimeout)
	defer cancel()
	data, err := load(ctx)
	if err != nil {
		slog.Error("failed to load emotes", "source", source, "error", err)
		http.Error(w, "Failed to load emotes", http.StatusBadGateway)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeRawJSON(w, data)
}

func (a *handlers) flushEmotes(w http.ResponseWriter, r *http.Request) {
	if err := a.Emotes.Flush(r.Context()); err != nil {
		slog.Error("failed to flush emote cache", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	slog.Info("emote cache flushed")
	_, _ = w.Write([]byte("OK"))
}

type sessionDebug struct {
	ConnectionCount int `json:"connection_count"`
	SessionCount    int `json:"session_count"`
	hub.Snapshot
}

// sessionDebug dumps the registry. Client IPs only appear for sessions that
// never authenticated.
func (a *handlers) sessionDebug(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Hub.Inspect(r.Context())
	if err != nil {
		http.Error(w, "Hub unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, sessionDebug{
		ConnectionCount: len(snap.Connections),
		SessionCount:    len(snap.Connections) + len(snap.Detached),
		Snapshot:        snap,
	})
}
