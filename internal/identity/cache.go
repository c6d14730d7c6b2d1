package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hearth-chat/hearth/internal/crypto"
	bolt "go.etcd.io/bbolt"
)

// DefaultTTL is how long a resolved profile is trusted before refetching.
const DefaultTTL = time.Hour

var (
	tokensBucket   = []byte("identity_tokens")   // session hash -> Token
	sessionsBucket = []byte("identity_sessions") // session hash -> user id
	namesBucket    = []byte("identity_names")    // user id -> display name
	colorsBucket   = []byte("identity_colors")   // user id, or legacy display name -> JSON string
	expiryBucket   = []byte("identity_expiry")   // user id -> unix ms
	nameIndex      = []byte("identity_by_name")  // display name -> user id
)

// Cache is the durable identity cache. Sessions are stored hashed.
type Cache struct {
	db       *bolt.DB
	provider Provider
	ttl      time.Duration
	now      func() time.Time
}

// NewCache creates or opens the identity buckets. A non-positive ttl
// selects DefaultTTL.
func NewCache(db *bolt.DB, provider Provider, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{tokensBucket, sessionsBucket, namesBucket, colorsBucket, expiryBucket, nameIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Cache{db: db, provider: provider, ttl: ttl, now: time.Now}, nil
}

// Link stores a provider token for session, replacing any previous one.
func (c *Cache) Link(session string, tok Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	key := []byte(crypto.HashToken(session))
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put(key, data)
	})
}

// Linked reports whether session has a provider token.
func (c *Cache) Linked(session string) (bool, error) {
	_, ok, err := c.token(crypto.HashToken(session))
	return ok, err
}

// Resolve returns the profile behind session. It refreshes an expired
// provider token first; when that fails the token is purged so the next
// attempt starts with a fresh link, and ErrUnavailable is returned.
func (c *Cache) Resolve(ctx context.Context, session string) (Profile, error) {
	hash := crypto.HashToken(session)
	tok, ok, err := c.token(hash)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		return Profile{}, ErrNotLinked
	}

	now := c.now()
	if tok.Expired(now) {
		refreshed, err := c.provider.Refresh(ctx, tok)
		if err != nil {
			slog.Warn("identity token refresh failed", "error", err)
			if delErr := c.deleteToken(hash); delErr != nil {
				slog.Error("failed to purge stale identity token", "error", delErr)
			}
			return Profile{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := c.Link(session, refreshed); err != nil {
			return Profile{}, fmt.Errorf("store refreshed token: %w", err)
		}
		tok = refreshed
	}

	cached, fresh, err := c.cached(hash, now)
	if err != nil {
		return Profile{}, err
	}
	if fresh {
		return cached, nil
	}

	p, err := c.provider.Profile(ctx, tok)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := c.store(hash, p, now); err != nil {
		return Profile{}, fmt.Errorf("store profile: %w", err)
	}
	return p, nil
}

// cached returns the stored profile for a session hash and whether it can be
// served without a refetch. An expired entry has its name, color and reverse
// index entry removed before returning.
func (c *Cache) cached(hash string, now time.Time) (Profile, bool, error) {
	var (
		p     Profile
		fresh bool
	)
	err := c.db.Update(func(tx *bolt.Tx) error {
		userID := bytes.Clone(tx.Bucket(sessionsBucket).Get([]byte(hash)))
		if userID == nil {
			return nil
		}
		p.UserID = string(userID)

		expiry, ok := parseMillis(tx.Bucket(expiryBucket).Get(userID))
		if !ok || expiry < now.UnixMilli() {
			names := tx.Bucket(namesBucket)
			if name := bytes.Clone(names.Get(userID)); name != nil {
				if err := tx.Bucket(nameIndex).Delete(name); err != nil {
					return err
				}
			}
			if err := names.Delete(userID); err != nil {
				return err
			}
			return tx.Bucket(colorsBucket).Delete(userID)
		}

		name := tx.Bucket(namesBucket).Get(userID)
		color, hasColor, err := decodeColor(tx.Bucket(colorsBucket).Get(userID))
		if err != nil {
			return err
		}
		// A partial write leaves one of these missing; refetch.
		if name == nil || !hasColor {
			return nil
		}
		p.DisplayName = string(name)
		p.Color = color
		fresh = true
		return nil
	})
	return p, fresh, err
}

func (c *Cache) store(hash string, p Profile, now time.Time) error {
	color, err := json.Marshal(p.Color)
	if err != nil {
		return err
	}
	id := []byte(p.UserID)
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Put([]byte(hash), id); err != nil {
			return err
		}
		names := tx.Bucket(namesBucket)
		// A rename leaves the old alias pointing at this id; drop it.
		if old := bytes.Clone(names.Get(id)); old != nil && string(old) != p.DisplayName {
			if err := tx.Bucket(nameIndex).Delete(old); err != nil {
				return err
			}
		}
		if err := names.Put(id, []byte(p.DisplayName)); err != nil {
			return err
		}
		if err := tx.Bucket(nameIndex).Put([]byte(p.DisplayName), id); err != nil {
			return err
		}
		if err := tx.Bucket(colorsBucket).Put(id, color); err != nil {
			return err
		}
		expiry := now.Add(c.ttl).UnixMilli()
		return tx.Bucket(expiryBucket).Put(id, []byte(strconv.FormatInt(expiry, 10)))
	})
}

// UserIDByName resolves a display name through the reverse index.
func (c *Cache) UserIDByName(name string) (string, bool, error) {
	var id string
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(nameIndex).Get([]byte(name)); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, id != "", err
}

// Color returns the name color for a message author. The user id key wins;
// messages from before user ids were tracked fall back to the name key. An
// unknown author resolves to "".
func (c *Cache) Color(userID, name string) (string, error) {
	var color string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(colorsBucket)
		for _, key := range []string{userID, name} {
			if key == "" {
				continue
			}
			v, ok, err := decodeColor(b.Get([]byte(key)))
			if err != nil {
				return err
			}
			if ok {
				color = v
				return nil
			}
		}
		return nil
	})
	return color, err
}

// SetLegacyColor records a name-keyed color, for imports of old data.
func (c *Cache) SetLegacyColor(name, color string) error {
	data, err := json.Marshal(color)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(colorsBucket).Put([]byte(name), data)
	})
}

// Lookup returns whatever is cached for userID, regardless of expiry.
func (c *Cache) Lookup(userID string) (Profile, bool, error) {
	var (
		p     Profile
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		name := tx.Bucket(namesBucket).Get([]byte(userID))
		if name == nil {
			return nil
		}
		color, _, err := decodeColor(tx.Bucket(colorsBucket).Get([]byte(userID)))
		if err != nil {
			return err
		}
		p = Profile{UserID: userID, DisplayName: string(name), Color: color}
		found = true
		return nil
	})
	return p, found, err
}

func (c *Cache) token(hash string) (Token, bool, error) {
	var (
		tok   Token
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(tokensBucket).Get([]byte(hash))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &tok); err != nil {
			return fmt.Errorf("decode token: %w", err)
		}
		found = true
		return nil
	})
	return tok, found, err
}

func (c *Cache) deleteToken(hash string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(hash))
	})
}

func decodeColor(data []byte) (string, bool, error) {
	if data == nil {
		return "", false, nil
	}
	var color string
	if err := json.Unmarshal(data, &color); err != nil {
		return "", false, fmt.Errorf("decode color: %w", err)
	}
	return color, true, nil
}

func parseMillis(data []byte) (int64, bool) {
	if data == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
