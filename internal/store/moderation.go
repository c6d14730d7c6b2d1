package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// Role is a moderation capability tag attached to a user id.
type Role string

const (
	RoleMod    Role = "mod"
	RoleVIP    Role = "vip"
	RoleDev    Role = "dev"
	RoleArt    Role = "art"
	RoleStream Role = "stream"
	RoleBot    Role = "bot"
)

// Roles is the fixed role vocabulary, in the order roles are reported.
var Roles = []Role{RoleMod, RoleVIP, RoleDev, RoleArt, RoleStream, RoleBot}

// ParseRole validates a role name against the vocabulary.
func ParseRole(s string) (Role, bool) {
	for _, r := range Roles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// RoleNames lists the vocabulary joined for user-facing messages.
func RoleNames() string {
	names := make([]string, len(Roles))
	for i, r := range Roles {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}

var (
	rolesBucket = []byte("roles")
	bansBucket  = []byte("bans")
	// Legacy records were keyed by display name before user ids were
	// tracked. They are still honoured until a data migration rewrites them.
	legacyBansBucket     = []byte("bans_by_name")
	timeoutsBucket       = []byte("timeouts")
	legacyTimeoutsBucket = []byte("timeouts_by_name")
)

// Moderation is the durable role, ban and timeout model.
//
// It does not enforce moderator immunity; callers check HasRole(target,
// RoleMod) before Ban or SetTimeout.
type Moderation struct {
	db *bolt.DB
}

// NewModeration creates or opens the moderation buckets.
func NewModeration(db *bolt.DB) (*Moderation, error) {
	if err := ensureBuckets(db, rolesBucket, bansBucket, legacyBansBucket, timeoutsBucket, legacyTimeoutsBucket); err != nil {
		return nil, err
	}
	return &Moderation{db: db}, nil
}

func readRole(b *bolt.Bucket, role Role) ([]string, error) {
	data := b.Get([]byte(role))
	if data == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode role %s: %w", role, err)
	}
	return ids, nil
}

func writeRole(b *bolt.Bucket, role Role, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return b.Put([]byte(role), data)
}

// HasRole reports whether userID holds role.
func (m *Moderation) HasRole(userID string, role Role) (bool, error) {
	if userID == "" {
		return false, nil
	}
	var found bool
	err := m.db.View(func(tx *bolt.Tx) error {
		ids, err := readRole(tx.Bucket(rolesBucket), role)
		if err != nil {
			return err
		}
		found = slices.Contains(ids, userID)
		return nil
	})
	return found, err
}

// RolesOf returns the roles held by userID in vocabulary order.
func (m *Moderation) RolesOf(userID string) ([]string, error) {
	roles := []string{}
	if userID == "" {
		return roles, nil
	}
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rolesBucket)
		for _, role := range Roles {
			ids, err := readRole(b, role)
			if err != nil {
				return err
			}
			if slices.Contains(ids, userID) {
				roles = append(roles, string(role))
			}
		}
		return nil
	})
	return roles, err
}

// UsersWithRole returns every user id holding role.
func (m *Moderation) UsersWithRole(role Role) ([]string, error) {
	var ids []string
	err := m.db.View(func(tx *bolt.Tx) error {
		var err error
		ids, err = readRole(tx.Bucket(rolesBucket), role)
		return err
	})
	if ids == nil {
		ids = []string{}
	}
	return ids, err
}

// GrantRole adds userID to role. Granting a held role is a no-op.
func (m *Moderation) GrantRole(userID string, role Role) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rolesBucket)
		ids, err := readRole(b, role)
		if err != nil {
			return err
		}
		if slices.Contains(ids, userID) {
			return nil
		}
		return writeRole(b, role, append(ids, userID))
	})
}

// RevokeRole removes userID from role.
func (m *Moderation) RevokeRole(userID string, role Role) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rolesBucket)
		ids, err := readRole(b, role)
		if err != nil {
			return err
		}
		return writeRole(b, role, slices.DeleteFunc(ids, func(id string) bool { return id == userID }))
	})
}

// SeedRole stores ids under role only if the role has never been written.
// It reports whether the seed was applied.
func (m *Moderation) SeedRole(role Role, ids []string) (bool, error) {
	var seeded bool
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rolesBucket)
		if b.Get([]byte(role)) != nil {
			return nil
		}
		seeded = true
		return writeRole(b, role, slices.Clone(ids))
	})
	return seeded, err
}

// IsBanned checks the id-keyed ban set and the legacy name-keyed one.
func (m *Moderation) IsBanned(name, userID string) (bool, error) {
	var banned bool
	err := m.db.View(func(tx *bolt.Tx) error {
		if userID != "" && tx.Bucket(bansBucket).Get([]byte(userID)) != nil {
			banned = true
			return nil
		}
		if name != "" && tx.Bucket(legacyBansBucket).Get([]byte(name)) != nil {
			banned = true
		}
		return nil
	})
	return banned, err
}

// Ban adds userID to the ban set.
func (m *Moderation) Ban(userID string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bansBucket).Put([]byte(userID), []byte("true"))
	})
}

// Unban removes userID from the ban set.
func (m *Moderation) Unban(userID string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bansBucket).Delete([]byte(userID))
	})
}

// ClearLegacyBan removes a ban recorded under a display name.
func (m *Moderation) ClearLegacyBan(name string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(legacyBansBucket).Delete([]byte(name))
	})
}

// BanLegacyName records a name-keyed ban when importing old data.
func (m *Moderation) BanLegacyName(name string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(legacyBansBucket).Put([]byte(name), []byte("true"))
	})
}

// SetTimeout records that userID is timed out until untilMs (unix millis).
func (m *Moderation) SetTimeout(userID string, untilMs int64) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(timeoutsBucket).Put([]byte(userID), []byte(strconv.FormatInt(untilMs, 10)))
	})
}

// Timeout returns the recorded timeout expiry for userID, if any. An expiry
// in the past still counts as recorded; callers compare against now.
func (m *Moderation) Timeout(userID string) (int64, bool, error) {
	return m.readTimeout(timeoutsBucket, userID)
}

// LegacyTimeout returns a timeout recorded under a display name.
func (m *Moderation) LegacyTimeout(name string) (int64, bool, error) {
	return m.readTimeout(legacyTimeoutsBucket, name)
}

// SetLegacyTimeout records a name-keyed timeout when importing old data.
func (m *Moderation) SetLegacyTimeout(name string, untilMs int64) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(legacyTimeoutsBucket).Put([]byte(name), []byte(strconv.FormatInt(untilMs, 10)))
	})
}

func (m *Moderation) readTimeout(bucket []byte, key string) (int64, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	var (
		until int64
		found bool
	)
	err := m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		v, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("decode timeout for %s: %w", key, err)
		}
		until, found = v, true
		return nil
	})
	return until, found, err
}
