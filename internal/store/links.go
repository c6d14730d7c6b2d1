package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hearth-chat/hearth/internal/crypto"
	bolt "go.etcd.io/bbolt"
)

var (
	pendingLinksBucket = []byte("pending_links")

	ErrClaimNotFound = errors.New("link state not found or expired")
	errCodeExhausted = errors.New("could not allocate a unique link state")
)

const maxClaimCodeAttempts = 8

// claimCodeGenerator is swapped out in tests to force collisions.
var claimCodeGenerator = func() (string, error) {
	return crypto.RandomHex(4)
}

type pendingLink struct {
	SessionHash string `json:"sessionHash"`
	CreatedAt   int64  `json:"createdAt"` // Unix seconds
}

// Links tracks OAuth link attempts in flight: the state code handed to the
// identity provider maps back to the player session that started the flow.
type Links struct {
	db  *bolt.DB
	now func() time.Time
}

// NewLinks creates or opens the pending links bucket.
func NewLinks(db *bolt.DB) (*Links, error) {
	if err := ensureBuckets(db, pendingLinksBucket); err != nil {
		return nil, err
	}
	return &Links{db: db, now: time.Now}, nil
}

// RegisterPending records a link attempt for sessionHash and returns an
// 8-character hex state code.
func (l *Links) RegisterPending(sessionHash string) (string, error) {
	data, err := json.Marshal(pendingLink{SessionHash: sessionHash, CreatedAt: l.now().Unix()})
	if err != nil {
		return "", err
	}

	var code string
	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingLinksBucket)
		for attempt := 0; attempt < maxClaimCodeAttempts; attempt++ {
			candidate, err := claimCodeGenerator()
			if err != nil {
				return err
			}
			if b.Get([]byte(candidate)) != nil {
				continue
			}
			code = candidate
			return b.Put([]byte(code), data)
		}
		return errCodeExhausted
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// Claim consumes a state code and returns the session hash that created it.
// A code can be claimed once; unknown codes return ErrClaimNotFound.
func (l *Links) Claim(code string) (string, error) {
	var sessionHash string
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingLinksBucket)
		data := b.Get([]byte(code))
		if data == nil {
			return ErrClaimNotFound
		}
		var entry pendingLink
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		sessionHash = entry.SessionHash
		return b.Delete([]byte(code))
	})
	if err != nil {
		return "", err
	}
	return sessionHash, nil
}

// SweepPending removes link attempts older than ttl.
func (l *Links) SweepPending(ttl time.Duration) error {
	cutoff := l.now().Add(-ttl).Unix()
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingLinksBucket)
		var toDelete [][]byte
		_ = b.ForEach(func(k, v []byte) error {
			var entry pendingLink
			if err := json.Unmarshal(v, &entry); err != nil {
				// Malformed entry, drop it.
				toDelete = append(toDelete, append([]byte{}, k...))
				return nil
			}
			if entry.CreatedAt <= cutoff {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
