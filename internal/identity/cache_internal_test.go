package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearth-chat/hearth/internal/crypto"
	bolt "go.etcd.io/bbolt"
)

type fakeProvider struct {
	profile      Profile
	profileErr   error
	refreshErr   error
	refreshed    Token
	profileCalls int
	refreshCalls int
}

func (f *fakeProvider) Exchange(_ context.Context, code string) (Token, error) {
	return Token{AccessToken: "access-" + code}, nil
}

func (f *fakeProvider) Refresh(_ context.Context, tok Token) (Token, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return Token{}, f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeProvider) Profile(_ context.Context, _ Token) (Profile, error) {
	f.profileCalls++
	if f.profileErr != nil {
		return Profile{}, f.profileErr
	}
	return f.profile, nil
}

func newTestCache(t *testing.T, p Provider) (*Cache, *time.Time) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "identity.db"), 0600, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c, err := NewCache(db, p, time.Hour)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestResolveUnlinkedSession(t *testing.T) {
	c, _ := newTestCache(t, &fakeProvider{})
	if _, err := c.Resolve(context.Background(), "nobody"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
}

func TestResolveFetchesOnceThenServesCache(t *testing.T) {
	p := &fakeProvider{profile: Profile{UserID: "1", DisplayName: "Ann", Color: "#ff0000"}}
	c, _ := newTestCache(t, p)
	if err := c.Link("sess", Token{AccessToken: "a"}); err != nil {
		t.Fatalf("Link: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := c.Resolve(context.Background(), "sess")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != p.profile {
			t.Fatalf("Resolve = %+v, want %+v", got, p.profile)
		}
	}
	if p.profileCalls != 1 {
		t.Fatalf("profile fetched %d times, want 1", p.profileCalls)
	}

	id, ok, _ := c.UserIDByName("Ann")
	if !ok || id != "1" {
		t.Fatalf("UserIDByName = %q, %v", id, ok)
	}
}

func TestResolveKeepsEmptyColorDistinctFromMissing(t *testing.T) {
	p := &fakeProvider{profile: Profile{UserID: "1", DisplayName: "Ann"}}
	c, _ := newTestCache(t, p)
	_ = c.Link("sess", Token{AccessToken: "a"})

	if _, err := c.Resolve(context.Background(), "sess"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := c.Resolve(context.Background(), "sess"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.profileCalls != 1 {
		t.Fatalf("an empty color must still count as cached; fetched %d times", p.profileCalls)
	}
}

func TestResolveExpiredEntryInvalidatesOldAlias(t *testing.T) {
	p := &fakeProvider{profile: Profile{UserID: "1", DisplayName: "Ann", Color: "#111111"}}
	c, now := newTestCache(t, p)
	_ = c.Link("sess", Token{AccessToken: "a"})
	if _, err := c.Resolve(context.Background(), "sess"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	*now = now.Add(2 * time.Hour)
	p.profile = Profile{UserID: "1", DisplayName: "Annie", Color: "#222222"}
	got, err := c.Resolve(context.Background(), "sess")
	if err != nil {
		t.Fatalf("Resolve after expiry: %v", err)
	}
	if got.DisplayName != "Annie" || p.profileCalls != 2 {
		t.Fatalf("expected refetch, got %+v after %d calls", got, p.profileCalls)
	}
	if _, ok, _ := c.UserIDByName("Ann"); ok {
		t.Fatal("old display name must no longer resolve")
	}
	if id, ok, _ := c.UserIDByName("Annie"); !ok || id != "1" {
		t.Fatalf("new display name = %q, %v", id, ok)
	}
}

func TestResolveExpiredEntryLeavesNoAliasWhenRefetchFails(t *testing.T) {
	p := &fakeProvider{profile: Profile{UserID: "1", DisplayName: "Ann"}}
	c, now := newTestCache(t, p)
	_ = c.Link("sess", Token{AccessToken: "a"})
	_, _ = c.Resolve(context.Background(), "sess")

	*now = now.Add(2 * time.Hour)
	p.profileErr = errors.New("helix down")
	if _, err := c.Resolve(context.Background(), "sess"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, ok, _ := c.UserIDByName("Ann"); ok {
		t.Fatal("expired alias must be invalidated before the refetch")
	}
}

func TestResolveRefreshesExpiredToken(t *testing.T) {
	p := &fakeProvider{
		profile:   Profile{UserID: "1", DisplayName: "Ann"},
		refreshed: Token{AccessToken: "new", RefreshToken: "r2"},
	}
	c, now := newTestCache(t, p)
	_ = c.Link("sess", Token{AccessToken: "old", RefreshToken: "r1", Expiry: now.Add(-time.Minute)})

	if _, err := c.Resolve(context.Background(), "sess"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", p.refreshCalls)
	}
	tok, ok, _ := c.token(crypto.HashToken("sess"))
	if !ok || tok.AccessToken != "new" {
		t.Fatalf("expected refreshed token stored, got %+v", tok)
	}
}

func TestResolvePurgesTokenWhenRefreshFails(t *testing.T) {
	p := &fakeProvider{refreshErr: errors.New("invalid refresh token")}
	c, now := newTestCache(t, p)
	_ = c.Link("sess", Token{AccessToken: "old", RefreshToken: "r1", Expiry: now.Add(-time.Minute)})

	if _, err := c.Resolve(context.Background(), "sess"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if linked, _ := c.Linked("sess"); linked {
		t.Fatal("stale token must be purged after a failed refresh")
	}
	if _, err := c.Resolve(context.Background(), "sess"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked on retry, got %v", err)
	}
}

func TestColorPrefersUserIDOverLegacyName(t *testing.T) {
	p := &fakeProvider{profile: Profile{UserID: "1", DisplayName: "Ann", Color: "#00ff00"}}
	c, _ := newTestCache(t, p)
	_ = c.Link("sess", Token{AccessToken: "a"})
	_, _ = c.Resolve(context.Background(), "sess")
	if err := c.SetLegacyColor("Ann", "#abcdef"); err != nil {
		t.Fatalf("SetLegacyColor: %v", err)
	}
	if err := c.SetLegacyColor("Old", "#123456"); err != nil {
		t.Fatalf("SetLegacyColor: %v", err)
	}

	if got, _ := c.Color("1", "Ann"); got != "#00ff00" {
		t.Fatalf("Color by id = %q", got)
	}
	if got, _ := c.Color("", "Old"); got != "#123456" {
		t.Fatalf("Color by legacy name = %q", got)
	}
	if got, _ := c.Color("99", "Old"); got != "#123456" {
		t.Fatalf("Color falling back to legacy name = %q", got)
	}
	if got, _ := c.Color("", "Nobody"); got != "" {
		t.Fatalf("unknown author color = %q, want empty", got)
	}
}

func TestLookupReturnsCachedProfile(t *testing.T) {
	p := &fakeProvider{profile: Profile{UserID: "7", DisplayName: "Bob", Color: "#777777"}}
	c, _ := newTestCache(t, p)
	_ = c.Link("sess", Token{AccessToken: "a"})
	_, _ = c.Resolve(context.Background(), "sess")

	got, ok, err := c.Lookup("7")
	if err != nil || !ok || got != p.profile {
		t.Fatalf("Lookup = %+v, %v, %v", got, ok, err)
	}
	if _, ok, _ := c.Lookup("8"); ok {
		t.Fatal("unknown id must not be found")
	}
}

func TestSessionsAreStoredHashed(t *testing.T) {
	c, _ := newTestCache(t, &fakeProvider{})
	_ = c.Link("raw-session", Token{AccessToken: "a"})

	err := c.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(tokensBucket).Get([]byte("raw-session")) != nil {
			t.Error("raw session must not be a storage key")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
