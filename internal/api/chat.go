package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/hearth-chat/hearth/internal/hub"
	"github.com/hearth-chat/hearth/internal/metrics"
	"github.com/hearth-chat/hearth/internal/session"
)

// ConnectionHeader carries the connection id on the upgrade response. A client
// reconnecting with ?resume=<id> gets its session back.
const ConnectionHeader = "X-Hearth-Connection"

// chat upgrades the request and hands the connection to the hub.
func (a *handlers) chat(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "expected Upgrade: websocket", http.StatusUpgradeRequired)
		return
	}

	ip := clientIP(r)
	if a.Limiter != nil && !a.Limiter.Allow(ip) {
		metrics.ConnectRejected.Inc()
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	id := uuid.NewString()
	var resumed *session.Session
	if want := r.URL.Query().Get("resume"); want != "" {
		if s, ok := a.Hub.Resume(want, ip); ok {
			id, resumed = want, s
		}
	}
	w.Header().Set(ConnectionHeader, id)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.AllowedOrigins,
		// No origin list configured means development: accept any origin.
		InsecureSkipVerify: len(a.AllowedOrigins) == 0,
	})
	if err != nil {
		slog.Error("websocket accept error", "conn", id, "resumed", resumed != nil, "error", err)
		return
	}

	client := hub.NewClient(a.Hub, conn, id, ip, a.Context)
	if resumed != nil {
		client.Resume(resumed)
		slog.Info("session resumed", "conn", id)
	}
	a.Hub.Register(client)

	go client.ReadPump()
	go client.WritePump()
	go client.HeartbeatLoop()
}

// health returns the goroutine count and active connection count.
func (a *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"goroutines":  runtime.NumGoroutine(),
		"connections": a.Hub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeRawJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
