package hub

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/hearth-chat/hearth/internal/metrics"
	"github.com/hearth-chat/hearth/internal/protocol"
	"github.com/hearth-chat/hearth/internal/store"
)

const (
	errUserNotFound     = "User not found"
	errTimeoutMod       = "You cannot timeout other moderators"
	errBanMod           = "You cannot ban other moderators"
	errInvalidDuration  = "Invalid timeout duration"
	errDeleteFailed     = "Failed to delete message"
	errModerationFailed = "Moderation action failed"
)

// requireMod closes the connection unless its session is an authenticated
// moderator. Moderation attempts by anyone else sever the connection.
func (h *Hub) requireMod(c *Client) bool {
	s := c.session
	if !s.Authenticated {
		h.closeClient(c, protocol.CloseUnauthenticated, "not authenticated")
		return false
	}
	ok, err := h.mod.HasRole(s.UserID, store.RoleMod)
	if err != nil {
		h.internalError(c, "role lookup", err)
		return false
	}
	if !ok {
		slog.Warn("moderation attempt by non-moderator", "conn", c.id, "user_id", s.UserID)
		h.closeClient(c, protocol.CloseUnauthorized, "not a moderator")
		return false
	}
	return true
}

// target resolves a display name to a user id, reporting "User not found" to
// the caller when the name is unknown.
func (h *Hub) target(c *Client, name string) (string, bool) {
	userID, ok, err := h.identity.UserIDByName(name)
	if err != nil {
		h.internalError(c, "name lookup", err)
		return "", false
	}
	if !ok {
		c.deliver(protocol.Error(errUserNotFound))
		return "", false
	}
	return userID, true
}

// immune reports whether userID holds the mod role. A lookup failure counts
// as immune so no action is taken.
func (h *Hub) immune(c *Client, userID string) bool {
	isMod, err := h.mod.HasRole(userID, store.RoleMod)
	if err != nil {
		h.internalError(c, "role lookup", err)
		return true
	}
	return isMod
}

func (h *Hub) deleteMessage(ctx context.Context, c *Client, id int64) {
	if err := h.history.Delete(ctx, id); err != nil {
		slog.Error("failed to delete message", "id", id, "error", err)
		c.deliver(protocol.Error(errDeleteFailed))
		return
	}
	metrics.ModerationActions.WithLabelValues("delete").Inc()
	slog.Info("message deleted", "id", id, "by", c.session.UserID)
	h.broadcast(protocol.MessageDeleted(id))
}

func (h *Hub) timeoutUser(c *Client, name string, seconds int64) {
	now := h.nowMs()
	// The expiry must stay representable in milliseconds.
	if seconds <= 0 || seconds > (math.MaxInt64-now)/1000 {
		c.deliver(protocol.Error(errInvalidDuration))
		return
	}
	userID, ok := h.target(c, name)
	if !ok {
		return
	}
	if h.immune(c, userID) {
		c.deliver(protocol.Error(errTimeoutMod))
		return
	}
	until := now + seconds*1000
	if err := h.mod.SetTimeout(userID, until); err != nil {
		slog.Error("failed to set timeout", "user_id", userID, "error", err)
		c.deliver(protocol.Error(errModerationFailed))
		return
	}
	metrics.ModerationActions.WithLabelValues("timeout").Inc()
	slog.Info("user timed out", "user_id", userID, "seconds", seconds, "by", c.session.UserID)
	h.broadcast(protocol.UserTimedOut(name, seconds))
}

func (h *Hub) banUser(c *Client, name string) {
	userID, ok := h.target(c, name)
	if !ok {
		return
	}
	if h.immune(c, userID) {
		c.deliver(protocol.Error(errBanMod))
		return
	}
	if err := h.mod.Ban(userID); err != nil {
		slog.Error("failed to ban user", "user_id", userID, "error", err)
		c.deliver(protocol.Error(errModerationFailed))
		return
	}
	metrics.ModerationActions.WithLabelValues("ban").Inc()
	slog.Info("user banned", "user_id", userID, "by", c.session.UserID)
	h.broadcast(protocol.UserBanned(name))
}

func (h *Hub) unbanUser(c *Client, name string) {
	userID, ok := h.target(c, name)
	if !ok {
		return
	}
	if err := h.mod.Unban(userID); err != nil {
		slog.Error("failed to unban user", "user_id", userID, "error", err)
		c.deliver(protocol.Error(errModerationFailed))
		return
	}
	if err := h.mod.ClearLegacyBan(name); err != nil {
		slog.Warn("failed to clear legacy ban", "name", name, "error", err)
	}
	metrics.ModerationActions.WithLabelValues("unban").Inc()
	slog.Info("user unbanned", "user_id", userID, "by", c.session.UserID)
	c.deliver(protocol.Notification(fmt.Sprintf("User %s has been unbanned", name)))
}

func (h *Hub) assignRole(c *Client, name, roleName string) {
	role, ok := store.ParseRole(roleName)
	if !ok {
		c.deliver(protocol.Error("Invalid role. Valid roles: " + store.RoleNames()))
		return
	}
	userID, ok := h.target(c, name)
	if !ok {
		return
	}
	if err := h.mod.GrantRole(userID, role); err != nil {
		slog.Error("failed to grant role", "user_id", userID, "role", role, "error", err)
		c.deliver(protocol.Error(errModerationFailed))
		return
	}
	metrics.ModerationActions.WithLabelValues("assign_role").Inc()
	c.deliver(protocol.Notification(fmt.Sprintf("Assigned role %s to %s", role, name)))
	h.announceRoles(name, userID)
}

func (h *Hub) removeRole(c *Client, name, roleName string) {
	role, ok := store.ParseRole(roleName)
	if !ok {
		c.deliver(protocol.Error("Invalid role. Valid roles: " + store.RoleNames()))
		return
	}
	userID, ok := h.target(c, name)
	if !ok {
		return
	}
	if err := h.mod.RevokeRole(userID, role); err != nil {
		slog.Error("failed to revoke role", "user_id", userID, "role", role, "error", err)
		c.deliver(protocol.Error(errModerationFailed))
		return
	}
	metrics.ModerationActions.WithLabelValues("remove_role").Inc()
	c.deliver(protocol.Notification(fmt.Sprintf("Removed role %s from %s", role, name)))
	h.announceRoles(name, userID)
}

func (h *Hub) announceRoles(name, userID string) {
	roles, err := h.mod.RolesOf(userID)
	if err != nil {
		slog.Error("role lookup failed", "user_id", userID, "error", err)
		return
	}
	h.broadcast(protocol.RoleUpdated(name, roles))
}
