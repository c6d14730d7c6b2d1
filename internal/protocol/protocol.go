// Package protocol defines the JSON wire frames exchanged over a chat
// connection. Client frames decode into a closed set of types; server frames
// are built with the constructors in server.go.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownType = errors.New("unknown frame type")
)

// Close codes used when the hub severs a connection.
const (
	CloseUnsupported     = websocket.StatusUnsupportedData
	ClosePolicyViolation = websocket.StatusPolicyViolation
	CloseUnauthenticated = websocket.StatusCode(4001)
	CloseUnauthorized    = websocket.StatusCode(4003)
	CloseInternalState   = websocket.StatusInternalError
)

// Keep-alive frames answered outside the dispatcher.
const (
	Ping = "PING"
	Pong = "PONG"
)

// Inbound is a decoded client frame. The set of implementations is closed.
type Inbound interface {
	frameType() string
}

type Authenticate struct{ Session string }
type SendMessage struct{ Message string }
type DeleteMessage struct{ ID int64 }
type TimeoutUser struct {
	Name     string
	Duration int64
}
type BanUser struct{ Name string }
type UnbanUser struct{ Name string }
type AssignRole struct{ Name, Role string }
type RemoveRole struct{ Name, Role string }
type UserList struct{}
type HistoryRequest struct{}
type GetConnectionCount struct{}
type GetConnectionCounts struct{}

func (Authenticate) frameType() string        { return "authenticate" }
func (SendMessage) frameType() string         { return "send_message" }
func (DeleteMessage) frameType() string       { return "delete_message" }
func (TimeoutUser) frameType() string         { return "timeout_user" }
func (BanUser) frameType() string             { return "ban_user" }
func (UnbanUser) frameType() string           { return "unban_user" }
func (AssignRole) frameType() string          { return "assign_role" }
func (RemoveRole) frameType() string          { return "remove_role" }
func (UserList) frameType() string            { return "user_list" }
func (HistoryRequest) frameType() string      { return "history_request" }
func (GetConnectionCount) frameType() string  { return "get_connection_count" }
func (GetConnectionCounts) frameType() string { return "get_connection_counts" }

// TypeOf returns the wire tag of a decoded frame.
func TypeOf(in Inbound) string {
	return in.frameType()
}

// rawFrame carries every field any client frame may hold. Pointers record
// presence so required fields can be enforced per tag.
type rawFrame struct {
	Type     *string `json:"type"`
	Session  *string `json:"session"`
	Message  *string `json:"message"`
	ID       *int64  `json:"id"`
	Name     *string `json:"name"`
	Duration *int64  `json:"duration"`
	Role     *string `json:"role"`
}

// Decode parses one text frame. Errors wrap ErrMalformed or ErrUnknownType;
// either one means the connection must be closed.
func Decode(data []byte) (Inbound, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch t := *raw.Type; t {
	case "authenticate":
		if raw.Session == nil {
			return nil, missing(t, "session")
		}
		return Authenticate{Session: *raw.Session}, nil
	case "send_message":
		if raw.Message == nil {
			return nil, missing(t, "message")
		}
		return SendMessage{Message: *raw.Message}, nil
	case "delete_message":
		if raw.ID == nil {
			return nil, missing(t, "id")
		}
		return DeleteMessage{ID: *raw.ID}, nil
	case "timeout_user":
		if raw.Name == nil {
			return nil, missing(t, "name")
		}
		if raw.Duration == nil {
			return nil, missing(t, "duration")
		}
		return TimeoutUser{Name: *raw.Name, Duration: *raw.Duration}, nil
	case "ban_user":
		if raw.Name == nil {
			return nil, missing(t, "name")
		}
		return BanUser{Name: *raw.Name}, nil
	case "unban_user":
		if raw.Name == nil {
			return nil, missing(t, "name")
		}
		return UnbanUser{Name: *raw.Name}, nil
	case "assign_role", "remove_role":
		if raw.Name == nil {
			return nil, missing(t, "name")
		}
		if raw.Role == nil {
			return nil, missing(t, "role")
		}
		if t == "assign_role" {
			return AssignRole{Name: *raw.Name, Role: *raw.Role}, nil
		}
		return RemoveRole{Name: *raw.Name, Role: *raw.Role}, nil
	case "user_list":
		return UserList{}, nil
	case "history_request":
		return HistoryRequest{}, nil
	case "get_connection_count":
		return GetConnectionCount{}, nil
	case "get_connection_counts":
		return GetConnectionCounts{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

func missing(frameType, field string) error {
	return fmt.Errorf("%w: %s requires %q", ErrMalformed, frameType, field)
}
