package hub

import (
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/hearth-chat/hearth/internal/metrics"
	"github.com/hearth-chat/hearth/internal/protocol"
	"github.com/hearth-chat/hearth/internal/session"
)

type detachedSession struct {
	session *session.Session
	since   time.Time
}

// SessionInfo describes one entry of the registry. ClientIP is only filled in
// for unauthenticated sessions.
type SessionInfo struct {
	ConnectionID     string `json:"connection_id"`
	Authenticated    bool   `json:"authenticated"`
	HistoryRequested bool   `json:"history_requested"`
	Name             string `json:"name,omitempty"`
	ClientIP         string `json:"client_ip,omitempty"`
}

// Snapshot is a point-in-time view of the registry.
type Snapshot struct {
	Connections []SessionInfo `json:"connections"`
	Detached    []SessionInfo `json:"detached"`
}

func infoOf(id string, s *session.Session) SessionInfo {
	info := SessionInfo{
		ConnectionID:     id,
		Authenticated:    s.Authenticated,
		HistoryRequested: s.HistoryRequested,
	}
	if s.Authenticated {
		info.Name = s.Name
	} else {
		info.ClientIP = s.ClientIP
	}
	return info
}

// restoreDetached loads the attachments left by a previous process. Blobs that
// no longer decode are dropped.
func (h *Hub) restoreDetached() error {
	blobs, err := h.attachments.LoadAll()
	if err != nil {
		return err
	}
	now := h.now()
	for id, blob := range blobs {
		s, err := session.Restore(blob)
		if err != nil {
			slog.Warn("dropping unreadable session attachment", "conn", id, "error", err)
			if err := h.attachments.Delete(id); err != nil {
				slog.Error("failed to delete session attachment", "conn", id, "error", err)
			}
			continue
		}
		h.detached[id] = detachedSession{session: s, since: now}
	}
	if len(h.detached) > 0 {
		slog.Info("restored detached sessions", "count", len(h.detached))
	}
	return nil
}

// Resume takes the detached session stored under id if it was opened from
// clientIP. It is safe for concurrent use.
func (h *Hub) Resume(id, clientIP string) (*session.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.detached[id]
	if !ok || d.session.ClientIP != clientIP {
		return nil, false
	}
	delete(h.detached, id)
	return d.session, true
}

func (h *Hub) attach(c *Client) {
	if c.session == nil {
		c.session = session.New(c.ip)
	}
	h.mu.Lock()
	if old, ok := h.clients[c.id]; ok && old != c {
		h.mu.Unlock()
		slog.Warn("connection id already registered", "conn", c.id)
		c.close(protocol.CloseInternalState, "duplicate connection id")
		c.detached = true
		close(c.send)
		return
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	h.persist(c)
	metrics.Connections.Set(float64(count))
	slog.Info("client registered", "conn", c.id, "connections", count)
}

// detach removes a client from the registry and drops its attachment. Other
// clients hear user_leave if the session had authenticated.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	if h.clients[c.id] != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	count := len(h.clients)
	h.mu.Unlock()

	// WritePump drains and exits, closing the connection if nobody has.
	c.detached = true
	close(c.send)

	if err := h.attachments.Delete(c.id); err != nil {
		slog.Error("failed to delete session attachment", "conn", c.id, "error", err)
	}
	metrics.Connections.Set(float64(count))
	slog.Info("client unregistered", "conn", c.id, "connections", count)

	if c.session != nil && c.session.Authenticated {
		h.broadcast(protocol.UserLeave(c.session.Name))
	}
}

// closeClient closes the connection with code and removes it from the
// registry immediately.
func (h *Hub) closeClient(c *Client, code websocket.StatusCode, reason string) {
	metrics.ConnectionsClosed.WithLabelValues(strconv.Itoa(int(code))).Inc()
	slog.Info("closing connection", "conn", c.id, "code", int(code), "reason", reason)
	c.close(code, reason)
	h.detach(c)
}

// persist writes the client's session to its attachment. Failures are logged;
// the in-memory session stays authoritative.
func (h *Hub) persist(c *Client) {
	blob, err := c.session.Serialize()
	if err != nil {
		slog.Error("failed to serialize session", "conn", c.id, "error", err)
		return
	}
	if err := h.attachments.Save(c.id, blob); err != nil {
		slog.Error("failed to save session attachment", "conn", c.id, "error", err)
	}
}

// sweepDetached forgets detached sessions nobody resumed within the grace
// period, along with any orphaned attachments.
func (h *Hub) sweepDetached() {
	now := h.now()
	keep := make(map[string]bool)

	h.mu.Lock()
	for id, d := range h.detached {
		if now.Sub(d.since) >= h.opts.ResumeGrace {
			delete(h.detached, id)
			if err := h.attachments.Delete(id); err != nil {
				slog.Error("failed to delete session attachment", "conn", id, "error", err)
			}
			continue
		}
		keep[id] = true
	}
	for id := range h.clients {
		keep[id] = true
	}
	h.mu.Unlock()

	n, err := h.attachments.SweepStale(h.opts.ResumeGrace, keep)
	if err != nil {
		slog.Error("attachment sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("swept stale session attachments", "count", n)
	}
}

func (h *Hub) snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := Snapshot{
		Connections: make([]SessionInfo, 0, len(h.clients)),
		Detached:    make([]SessionInfo, 0, len(h.detached)),
	}
	for id, c := range h.clients {
		snap.Connections = append(snap.Connections, infoOf(id, c.session))
	}
	for id, d := range h.detached {
		snap.Detached = append(snap.Detached, infoOf(id, d.session))
	}
	sort.Slice(snap.Connections, func(i, j int) bool {
		return snap.Connections[i].ConnectionID < snap.Connections[j].ConnectionID
	})
	sort.Slice(snap.Detached, func(i, j int) bool {
		return snap.Detached[i].ConnectionID < snap.Detached[j].ConnectionID
	})
	return snap
}
