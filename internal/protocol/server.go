package protocol

import "encoding/json"

// ChatMessage is a persisted message as shown to clients. Roles are resolved
// when the message is read, not stored with it.
type ChatMessage struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	NameColor   string   `json:"name_color"`
	Message     string   `json:"message"`
	TimestampMs int64    `json:"timestamp_ms"`
	Roles       []string `json:"roles"`
	UserID      string   `json:"user_id"`
}

// ConnectionCounts is the payload of connection_counts.
type ConnectionCounts struct {
	Session        int `json:"session"`
	LoggedIn       int `json:"logged_in"`
	UniqueLoggedIn int `json:"unique_logged_in"`
}

type newMessageFrame struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

type historyFrame struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

type idFrame struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

type timedOutFrame struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Duration int64  `json:"duration"`
}

type nameFrame struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type countFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type countsFrame struct {
	Type string           `json:"type"`
	Data ConnectionCounts `json:"data"`
}

type authSuccessFrame struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	UserID        string `json:"user_id"`
	NameColor     string `json:"name_color"`
	TimedOutUntil *int64 `json:"timed_out_until"`
	Banned        bool   `json:"banned"`
}

type roleUpdatedFrame struct {
	Type  string   `json:"type"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

type userListFrame struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type textFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Outbound is an encoded server frame ready to be written to connections.
type Outbound []byte

func encode(v any) Outbound {
	// Every frame is a struct of strings, numbers, and slices thereof, so
	// marshaling cannot fail.
	data, _ := json.Marshal(v)
	return data
}

func nonNil(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}

// NewMessage announces a persisted chat message. Nil roles encode as [].
func NewMessage(msg ChatMessage) Outbound {
	msg.Roles = nonNil(msg.Roles)
	return encode(newMessageFrame{Type: "new_message", Message: msg})
}

// MessageHistory answers a history_request, oldest message first.
func MessageHistory(msgs []ChatMessage) Outbound {
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	for i := range msgs {
		msgs[i].Roles = nonNil(msgs[i].Roles)
	}
	return encode(historyFrame{Type: "message_history", Messages: msgs})
}

// MessageDeleted tells clients to drop the message with the given id.
func MessageDeleted(id int64) Outbound {
	return encode(idFrame{Type: "message_deleted", ID: id})
}

// UserTimedOut announces a timeout of durationSeconds.
func UserTimedOut(name string, durationSeconds int64) Outbound {
	return encode(timedOutFrame{Type: "user_timed_out", Name: name, Duration: durationSeconds})
}

// UserBanned announces a ban.
func UserBanned(name string) Outbound {
	return encode(nameFrame{Type: "user_banned", Name: name})
}

// UserJoin announces that an authenticated user joined.
func UserJoin(name string) Outbound {
	return encode(nameFrame{Type: "user_join", Name: name})
}

// UserLeave announces that an authenticated user left.
func UserLeave(name string) Outbound {
	return encode(nameFrame{Type: "user_leave", Name: name})
}

// ConnectionCount reports the number of open connections.
func ConnectionCount(count int) Outbound {
	return encode(countFrame{Type: "connection_count", Count: count})
}

// ConnectionCountsFrame reports the per-category connection breakdown.
func ConnectionCountsFrame(data ConnectionCounts) Outbound {
	return encode(countsFrame{Type: "connection_counts", Data: data})
}

// AuthSuccess reports a completed authenticate exchange. timedOutUntil is
// nil when the user has no recorded timeout.
func AuthSuccess(name, userID, color string, timedOutUntil *int64, banned bool) Outbound {
	return encode(authSuccessFrame{
		Type:          "auth_success",
		Name:          name,
		UserID:        userID,
		NameColor:     color,
		TimedOutUntil: timedOutUntil,
		Banned:        banned,
	})
}

// RoleUpdated carries a user's full role list after a change.
func RoleUpdated(name string, roles []string) Outbound {
	return encode(roleUpdatedFrame{Type: "role_updated", Name: name, Roles: nonNil(roles)})
}

// UserListFrame lists the names of authenticated users.
func UserListFrame(users []string) Outbound {
	if users == nil {
		users = []string{}
	}
	return encode(userListFrame{Type: "user_list", Users: users})
}

// Error is a user-visible failure that leaves the connection open.
func Error(message string) Outbound {
	return encode(textFrame{Type: "error", Message: message})
}

// Notification is an informational message for the caller only.
func Notification(message string) Outbound {
	return encode(textFrame{Type: "notification", Message: message})
}
