// Package store holds the bbolt-backed durable state of the chat hub: the
// moderation model, per-connection attachments, pending account links and
// the retention alarm.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var errNotConfigured = errors.New("storage is not configured")

// OpenDB opens (creating if needed) the bolt database at path.
func OpenDB(path string) (*bolt.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	return db, nil
}

func ensureBuckets(db *bolt.DB, names ...[]byte) error {
	if db == nil {
		return errNotConfigured
	}
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}
