package hub

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hearth-chat/hearth/internal/identity"
	"github.com/hearth-chat/hearth/internal/metrics"
	"github.com/hearth-chat/hearth/internal/protocol"
	"github.com/hearth-chat/hearth/internal/store"
)

// User-visible error texts.
const (
	errAlreadyAuthenticated = "Already authenticated"
	errNotLinked            = "Account not linked"
	errAuthFailed           = "Failed to authenticate"
	errBanned               = "You are banned from chat"
	errTimedOut             = "You are currently timed out"
	errEmptyMessage         = "Message cannot be empty"
	errTooLong              = "Message too long"
	errHistoryRequested     = "History already requested"
	errHistoryFailed        = "Failed to load history"
	errStoreFailed          = "Failed to store message"
	errInternal             = "Internal error"
)

// internalError reports a storage failure to the caller without closing the
// connection.
func (h *Hub) internalError(c *Client, op string, err error) {
	slog.Error("hub operation failed", "op", op, "conn", c.id, "error", err)
	c.deliver(protocol.Error(errInternal))
}

func (h *Hub) handleAuthenticate(ctx context.Context, c *Client, m protocol.Authenticate) {
	s := c.session
	if s.Authenticated {
		c.deliver(protocol.Error(errAlreadyAuthenticated))
		return
	}

	rctx, cancel := context.WithTimeout(ctx, h.opts.UpstreamTimeout)
	p, err := h.identity.Resolve(rctx, m.Session)
	cancel()
	switch {
	case errors.Is(err, identity.ErrNotLinked):
		c.deliver(protocol.Error(errNotLinked))
		return
	case err != nil:
		slog.Warn("identity resolve failed", "conn", c.id, "error", err)
		c.deliver(protocol.Error(errAuthFailed))
		return
	}

	if err := s.Authenticate(p.DisplayName, p.UserID); err != nil {
		slog.Warn("identity incomplete", "conn", c.id, "user_id", p.UserID, "error", err)
		c.deliver(protocol.Error(errAuthFailed))
		return
	}
	h.persist(c)

	until, err := h.timeoutOf(s.Name, s.UserID)
	if err != nil {
		slog.Error("timeout lookup failed", "user_id", s.UserID, "error", err)
	}
	banned, err := h.mod.IsBanned(s.Name, s.UserID)
	if err != nil {
		slog.Error("ban lookup failed", "user_id", s.UserID, "error", err)
	}

	slog.Info("client authenticated", "conn", c.id, "user_id", s.UserID, "name", s.Name)
	c.deliver(protocol.AuthSuccess(s.Name, s.UserID, p.Color, until, banned))
	h.broadcast(protocol.UserJoin(s.Name))
}

// timeoutOf returns the recorded timeout expiry, id entry first and the legacy
// name entry second, or nil when neither exists.
func (h *Hub) timeoutOf(name, userID string) (*int64, error) {
	until, ok, err := h.mod.Timeout(userID)
	if err != nil {
		return nil, err
	}
	if ok {
		return &until, nil
	}
	until, ok, err = h.mod.LegacyTimeout(name)
	if err != nil || !ok {
		return nil, err
	}
	return &until, nil
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, m protocol.SendMessage) {
	s := c.session
	if !s.Authenticated {
		h.closeClient(c, protocol.CloseUnauthenticated, "not authenticated")
		return
	}

	banned, err := h.mod.IsBanned(s.Name, s.UserID)
	if err != nil {
		h.internalError(c, "ban lookup", err)
		return
	}
	if banned {
		c.deliver(protocol.Error(errBanned))
		return
	}

	now := h.now()
	until, err := h.timeoutOf(s.Name, s.UserID)
	if err != nil {
		h.internalError(c, "timeout lookup", err)
		return
	}
	if until != nil && *until > now.UnixMilli() {
		c.deliver(protocol.Error(errTimedOut))
		return
	}

	if strings.TrimSpace(m.Message) == "" {
		c.deliver(protocol.Error(errEmptyMessage))
		return
	}

	saturated := s.RecordMessage(h.opts.RateWindow, now.UnixMilli())
	h.persist(c)
	if saturated {
		isMod, err := h.mod.HasRole(s.UserID, store.RoleMod)
		if err != nil {
			h.internalError(c, "role lookup", err)
			return
		}
		if !isMod {
			h.penalize(c)
			return
		}
	}

	if utf8.RuneCountInString(m.Message) > h.opts.MaxMessageLength {
		c.deliver(protocol.Error(errTooLong))
		return
	}

	if strings.HasPrefix(m.Message, "/") {
		h.runCommand(c, m.Message)
		return
	}

	id, err := h.history.Append(ctx, s.Name, m.Message, now.UnixMilli(), s.UserID)
	if err != nil {
		slog.Error("failed to store message", "conn", c.id, "user_id", s.UserID, "error", err)
		c.deliver(protocol.Error(errStoreFailed))
		return
	}
	metrics.MessagesPersisted.Inc()

	color, err := h.identity.Color(s.UserID, s.Name)
	if err != nil {
		slog.Warn("color lookup failed", "user_id", s.UserID, "error", err)
	}
	roles, err := h.mod.RolesOf(s.UserID)
	if err != nil {
		slog.Warn("role lookup failed", "user_id", s.UserID, "error", err)
	}
	h.broadcast(protocol.NewMessage(protocol.ChatMessage{
		ID:          id,
		Name:        s.Name,
		NameColor:   color,
		Message:     m.Message,
		TimestampMs: now.UnixMilli(),
		Roles:       roles,
		UserID:      s.UserID,
	}))
}

// penalize applies the automatic spam timeout.
func (h *Hub) penalize(c *Client) {
	s := c.session
	until := h.now().Add(h.opts.RatePenalty).UnixMilli()
	if err := h.mod.SetTimeout(s.UserID, until); err != nil {
		h.internalError(c, "set timeout", err)
		return
	}
	metrics.RateLimitTimeouts.Inc()
	slog.Info("rate limit timeout", "user_id", s.UserID, "name", s.Name)
	h.broadcast(protocol.UserTimedOut(s.Name, int64(h.opts.RatePenalty.Seconds())))
}

func (h *Hub) handleHistory(ctx context.Context, c *Client) {
	if !c.session.RequestHistory() {
		c.deliver(protocol.Error(errHistoryRequested))
		return
	}
	h.persist(c)

	msgs, err := h.history.Recent(ctx, h.opts.HistoryLimit)
	if err != nil {
		slog.Error("failed to load history", "conn", c.id, "error", err)
		c.deliver(protocol.Error(errHistoryFailed))
		return
	}

	colors := make(map[[2]string]string)
	roles := make(map[string][]string)
	out := make([]protocol.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		key := [2]string{msg.UserID, msg.Name}
		color, ok := colors[key]
		if !ok {
			color, err = h.identity.Color(msg.UserID, msg.Name)
			if err != nil {
				slog.Warn("color lookup failed", "user_id", msg.UserID, "error", err)
			}
			colors[key] = color
		}
		r, ok := roles[msg.UserID]
		if !ok && msg.UserID != "" {
			r, err = h.mod.RolesOf(msg.UserID)
			if err != nil {
				slog.Warn("role lookup failed", "user_id", msg.UserID, "error", err)
			}
			roles[msg.UserID] = r
		}
		out = append(out, protocol.ChatMessage{
			ID:          msg.ID,
			Name:        msg.Name,
			NameColor:   color,
			Message:     msg.Body,
			TimestampMs: msg.TimestampMs,
			Roles:       r,
			UserID:      msg.UserID,
		})
	}
	c.deliver(protocol.MessageHistory(out))
}
