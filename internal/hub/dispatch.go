package hub

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/coder/websocket"
	"github.com/hearth-chat/hearth/internal/metrics"
	"github.com/hearth-chat/hearth/internal/protocol"
)

// handleFrame routes one inbound frame. Every handler runs to completion on
// the hub goroutine.
func (h *Hub) handleFrame(ctx context.Context, c *Client, typ websocket.MessageType, data []byte) {
	if typ != websocket.MessageText {
		metrics.FramesReceived.WithLabelValues("binary").Inc()
		h.closeClient(c, protocol.CloseUnsupported, "binary frames are not supported")
		return
	}
	if _, ok := h.sessionOf(c); !ok {
		metrics.FramesReceived.WithLabelValues("orphan").Inc()
		metrics.ConnectionsClosed.WithLabelValues("1011").Inc()
		c.close(protocol.CloseInternalState, "no session for connection")
		return
	}

	in, err := protocol.Decode(data)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("invalid").Inc()
		reason := "malformed frame"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown frame type"
		}
		slog.Debug("rejecting frame", "conn", c.id, "error", err)
		h.closeClient(c, protocol.ClosePolicyViolation, reason)
		return
	}
	metrics.FramesReceived.WithLabelValues(protocol.TypeOf(in)).Inc()

	switch m := in.(type) {
	case protocol.Authenticate:
		h.handleAuthenticate(ctx, c, m)
	case protocol.SendMessage:
		h.handleSendMessage(ctx, c, m)
	case protocol.HistoryRequest:
		h.handleHistory(ctx, c)
	case protocol.DeleteMessage:
		if h.requireMod(c) {
			h.deleteMessage(ctx, c, m.ID)
		}
	case protocol.TimeoutUser:
		if h.requireMod(c) {
			h.timeoutUser(c, m.Name, m.Duration)
		}
	case protocol.BanUser:
		if h.requireMod(c) {
			h.banUser(c, m.Name)
		}
	case protocol.UnbanUser:
		if h.requireMod(c) {
			h.unbanUser(c, m.Name)
		}
	case protocol.AssignRole:
		if h.requireMod(c) {
			h.assignRole(c, m.Name, m.Role)
		}
	case protocol.RemoveRole:
		if h.requireMod(c) {
			h.removeRole(c, m.Name, m.Role)
		}
	case protocol.UserList:
		c.deliver(protocol.UserListFrame(h.userList()))
	case protocol.GetConnectionCount:
		c.deliver(protocol.ConnectionCount(h.ClientCount()))
	case protocol.GetConnectionCounts:
		c.deliver(protocol.ConnectionCountsFrame(h.connectionCounts()))
	}
}

// broadcast queues frame on every live connection.
func (h *Hub) broadcast(frame protocol.Outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.deliver(frame)
	}
}

// userList returns the sorted, distinct names of authenticated sessions.
func (h *Hub) userList() []string {
	h.mu.RLock()
	seen := make(map[string]bool)
	for _, c := range h.clients {
		if c.session.Authenticated && c.session.Name != "" {
			seen[c.session.Name] = true
		}
	}
	h.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) connectionCounts() protocol.ConnectionCounts {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var counts protocol.ConnectionCounts
	users := make(map[string]bool)
	for _, c := range h.clients {
		s := c.session
		if s.HistoryRequested {
			counts.Session++
		}
		if s.Authenticated {
			counts.LoggedIn++
			users[s.Name] = true
		}
	}
	counts.UniqueLoggedIn = len(users)
	return counts
}
