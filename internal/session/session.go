// Package session holds the per-connection state of the chat hub and the
// snapshot/restore pair that lets it outlive a hub restart.
package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hearth-chat/hearth/internal/ratelimit"
)

var (
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrEmptyIdentity        = errors.New("display name and user id are required")
)

// Session is the mutable state owned by one live connection.
//
// ClientIP is recorded at accept time. It must never be shown to other
// clients once the session is authenticated.
type Session struct {
	Authenticated    bool    `json:"authenticated"`
	Name             string  `json:"name"`
	UserID           string  `json:"user_id"`
	HistoryRequested bool    `json:"history_requested"`
	ClientIP         string  `json:"client_ip"`
	LastMessages     []int64 `json:"last_messages"`
}

// New returns a fresh, unauthenticated session.
func New(clientIP string) *Session {
	return &Session{ClientIP: clientIP, LastMessages: []int64{}}
}

// Serialize encodes the session for the connection attachment store.
func (s *Session) Serialize() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("serialize session: %w", err)
	}
	return data, nil
}

// Restore decodes a session previously produced by Serialize.
func Restore(blob []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}
	if s.LastMessages == nil {
		s.LastMessages = []int64{}
	}
	if s.Authenticated && (s.Name == "" || s.UserID == "") {
		return nil, fmt.Errorf("restore session: %w", ErrEmptyIdentity)
	}
	return &s, nil
}

// Authenticate performs the one-way false→true transition.
func (s *Session) Authenticate(name, userID string) error {
	if s.Authenticated {
		return ErrAlreadyAuthenticated
	}
	if name == "" || userID == "" {
		return ErrEmptyIdentity
	}
	s.Authenticated = true
	s.Name = name
	s.UserID = userID
	return nil
}

// RequestHistory latches the history flag. It returns false if history was
// already requested on this connection.
func (s *Session) RequestHistory() bool {
	if s.HistoryRequested {
		return false
	}
	s.HistoryRequested = true
	return true
}

// RecordMessage pushes nowMs into the session's spam window and reports
// whether the window is saturated.
func (s *Session) RecordMessage(w ratelimit.Window, nowMs int64) bool {
	var saturated bool
	s.LastMessages, saturated = w.Push(s.LastMessages, nowMs)
	return saturated
}
