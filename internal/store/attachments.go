package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var attachmentsBucket = []byte("attachments")

type attachmentEntry struct {
	Blob      []byte `json:"blob"`
	UpdatedAt int64  `json:"updatedAt"` // Unix seconds
}

// Attachments persists the serialized session of every live connection,
// keyed by connection id, so the registry can be rebuilt after a restart.
type Attachments struct {
	db  *bolt.DB
	now func() time.Time
}

// NewAttachments creates or opens the attachments bucket.
func NewAttachments(db *bolt.DB) (*Attachments, error) {
	if err := ensureBuckets(db, attachmentsBucket); err != nil {
		return nil, err
	}
	return &Attachments{db: db, now: time.Now}, nil
}

// Save stores blob as the attachment of connID, replacing any previous one.
func (a *Attachments) Save(connID string, blob []byte) error {
	data, err := json.Marshal(attachmentEntry{Blob: blob, UpdatedAt: a.now().Unix()})
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attachmentsBucket).Put([]byte(connID), data)
	})
}

// Delete removes the attachment of connID.
func (a *Attachments) Delete(connID string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attachmentsBucket).Delete([]byte(connID))
	})
}

// LoadAll returns every stored attachment keyed by connection id. Entries
// that cannot be decoded are skipped and removed.
func (a *Attachments) LoadAll() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(attachmentsBucket)
		var bad [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var entry attachmentEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				bad = append(bad, append([]byte{}, k...))
				return nil
			}
			out[string(k)] = entry.Blob
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range bad {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// SweepStale removes attachments not updated within ttl, except those whose
// connection id is in keep. It returns the number removed.
func (a *Attachments) SweepStale(ttl time.Duration, keep map[string]bool) (int, error) {
	cutoff := a.now().Add(-ttl).Unix()
	removed := 0
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(attachmentsBucket)
		var toDelete [][]byte
		_ = b.ForEach(func(k, v []byte) error {
			if keep[string(k)] {
				return nil
			}
			var entry attachmentEntry
			if err := json.Unmarshal(v, &entry); err != nil || entry.UpdatedAt <= cutoff {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(toDelete)
		return nil
	})
	return removed, err
}
