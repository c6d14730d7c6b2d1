package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/hearth-chat/hearth/internal/history"
	"github.com/hearth-chat/hearth/internal/identity"
	"github.com/hearth-chat/hearth/internal/protocol"
	"github.com/hearth-chat/hearth/internal/store"
	bolt "go.etcd.io/bbolt"
)

const testIP = "203.0.113.7"

type stubProvider struct {
	profiles map[string]identity.Profile
	// stall makes Profile block until its context ends.
	stall bool
}

func (p *stubProvider) Exchange(context.Context, string) (identity.Token, error) {
	return identity.Token{}, errors.New("not used")
}

func (p *stubProvider) Refresh(context.Context, identity.Token) (identity.Token, error) {
	return identity.Token{}, errors.New("not used")
}

func (p *stubProvider) Profile(ctx context.Context, tok identity.Token) (identity.Profile, error) {
	if p.stall {
		<-ctx.Done()
		return identity.Profile{}, ctx.Err()
	}
	prof, ok := p.profiles[tok.AccessToken]
	if !ok {
		return identity.Profile{}, errors.New("unknown token")
	}
	return prof, nil
}

// countingMessages records how often the hub touches the message log.
type countingMessages struct {
	MessageStore
	appends         int
	recents         int
	deleteBeforeErr error
}

func (m *countingMessages) Append(ctx context.Context, name, body string, ts int64, userID string) (int64, error) {
	m.appends++
	return m.MessageStore.Append(ctx, name, body, ts, userID)
}

func (m *countingMessages) Recent(ctx context.Context, limit int) ([]history.Message, error) {
	m.recents++
	return m.MessageStore.Recent(ctx, limit)
}

func (m *countingMessages) DeleteBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	if m.deleteBeforeErr != nil {
		return 0, m.deleteBeforeErr
	}
	return m.MessageStore.DeleteBefore(ctx, cutoffMs)
}

type fixture struct {
	t        *testing.T
	db       *bolt.DB
	h        *Hub
	mod      *store.Moderation
	msgs     *countingMessages
	ids      *identity.Cache
	provider *stubProvider
	attach   *store.Attachments
	sched    *store.Schedule
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenDB(filepath.Join(dir, "hearth.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	msgStore, err := history.Open(filepath.Join(dir, "messages.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { msgStore.Close() })

	f := &fixture{
		t:        t,
		db:       db,
		msgs:     &countingMessages{MessageStore: msgStore},
		provider: &stubProvider{profiles: make(map[string]identity.Profile)},
		now:      time.UnixMilli(1_700_000_000_000),
	}
	if f.mod, err = store.NewModeration(db); err != nil {
		t.Fatalf("NewModeration: %v", err)
	}
	if f.ids, err = identity.NewCache(db, f.provider, time.Hour); err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if f.attach, err = store.NewAttachments(db); err != nil {
		t.Fatalf("NewAttachments: %v", err)
	}
	if f.sched, err = store.NewSchedule(db); err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	f.h = f.newHub()
	return f
}

func (f *fixture) newHub() *Hub {
	f.t.Helper()
	opts := DefaultOptions()
	opts.Clock = func() time.Time { return f.now }
	h, err := NewHub(Stores{
		Moderation:  f.mod,
		History:     f.msgs,
		Identity:    f.ids,
		Attachments: f.attach,
		Schedule:    f.sched,
	}, opts)
	if err != nil {
		f.t.Fatalf("NewHub: %v", err)
	}
	f.t.Cleanup(func() {
		if h.sweepTimer != nil {
			h.sweepTimer.Stop()
		}
	})
	return h
}

// user links a player session for a new identity and returns the session.
func (f *fixture) user(userID, name string) string {
	f.t.Helper()
	sess := "session-" + userID
	f.provider.profiles["token-"+userID] = identity.Profile{UserID: userID, DisplayName: name}
	if err := f.ids.Link(sess, identity.Token{AccessToken: "token-" + userID}); err != nil {
		f.t.Fatalf("Link: %v", err)
	}
	return sess
}

func (f *fixture) connect(id string) *Client {
	f.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.t.Cleanup(cancel)
	c := &Client{
		hub:    f.h,
		id:     id,
		ip:     testIP,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	f.h.attach(c)
	return c
}

// login connects and authenticates userID, discarding the frames it caused.
func (f *fixture) login(id, userID, name string) *Client {
	f.t.Helper()
	sess := f.user(userID, name)
	c := f.connect(id)
	f.frame(c, `{"type":"authenticate","session":"`+sess+`"}`)
	if !c.session.Authenticated {
		f.t.Fatalf("%s did not authenticate: %v", name, frames(c))
	}
	f.drainAll()
	return c
}

func (f *fixture) makeMod(userID string) {
	f.t.Helper()
	if err := f.mod.GrantRole(userID, store.RoleMod); err != nil {
		f.t.Fatalf("GrantRole: %v", err)
	}
}

func (f *fixture) frame(c *Client, raw string) {
	f.h.handleFrame(context.Background(), c, websocket.MessageText, []byte(raw))
}

func (f *fixture) say(c *Client, body string) {
	data, _ := json.Marshal(map[string]string{"type": "send_message", "message": body})
	f.h.handleFrame(context.Background(), c, websocket.MessageText, data)
}

func (f *fixture) drainAll() {
	for _, c := range f.h.clients {
		frames(c)
	}
}

type frame map[string]any

// frames drains every queued frame for c.
func frames(c *Client) []frame {
	var out []frame
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var fr frame
			if err := json.Unmarshal(data, &fr); err != nil {
				panic(err)
			}
			out = append(out, fr)
		default:
			return out
		}
	}
}

func ofType(frs []frame, typ string) []frame {
	var out []frame
	for _, fr := range frs {
		if fr["type"] == typ {
			out = append(out, fr)
		}
	}
	return out
}

func expectError(t *testing.T, c *Client, want string) {
	t.Helper()
	errs := ofType(frames(c), "error")
	if len(errs) != 1 || errs[0]["message"] != want {
		t.Fatalf("expected error %q, got %v", want, errs)
	}
}

func expectClosed(t *testing.T, f *fixture, c *Client, code websocket.StatusCode) {
	t.Helper()
	if !c.closed.Load() || c.closeCode != code {
		t.Fatalf("expected close %d, closed=%v code=%d", code, c.closed.Load(), c.closeCode)
	}
	if _, ok := f.h.clients[c.id]; ok {
		t.Fatal("closed client must leave the registry")
	}
}

func TestAuthenticatedMessageAppearsInHistory(t *testing.T) {
	f := newFixture(t)
	ann := f.login("c1", "100", "Ann")

	f.say(ann, "hello")
	msgs := ofType(frames(ann), "new_message")
	if len(msgs) != 1 {
		t.Fatalf("expected one new_message, got %v", msgs)
	}

	reader := f.connect("c2")
	f.frame(reader, `{"type":"history_request"}`)
	hist := ofType(frames(reader), "message_history")
	if len(hist) != 1 {
		t.Fatalf("expected message_history, got %v", hist)
	}
	list := hist[0]["messages"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected exactly one message, got %v", list)
	}
	got := list[0].(map[string]any)
	if got["id"] != float64(1) || got["name"] != "Ann" || got["message"] != "hello" ||
		got["timestamp_ms"] != float64(f.now.UnixMilli()) || got["user_id"] != "100" {
		t.Fatalf("unexpected history entry %v", got)
	}
	if roles := got["roles"].([]any); len(roles) != 0 {
		t.Fatalf("roles = %v, want []", roles)
	}
	if got["id"] != msgs[0]["message"].(map[string]any)["id"] {
		t.Fatal("broadcast id must match the stored id")
	}
}

func TestPersistedIDsIncreaseAndMatchHistory(t *testing.T) {
	f := newFixture(t)
	f.makeMod("100")
	ann := f.login("c1", "100", "Ann")

	var broadcast []float64
	for i := 0; i < 8; i++ {
		f.now = f.now.Add(10 * time.Millisecond)
		f.say(ann, "line")
		for _, m := range ofType(frames(ann), "new_message") {
			broadcast = append(broadcast, m["message"].(map[string]any)["id"].(float64))
		}
	}
	for i := 1; i < len(broadcast); i++ {
		if broadcast[i] <= broadcast[i-1] {
			t.Fatalf("ids not strictly increasing: %v", broadcast)
		}
	}

	stored, err := f.msgs.Recent(context.Background(), 500)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(stored) != len(broadcast) {
		t.Fatalf("stored %d messages, broadcast %d", len(stored), len(broadcast))
	}
	for i, m := range stored {
		if float64(m.ID) != broadcast[i] {
			t.Fatalf("history id %d = %d, broadcast %v", i, m.ID, broadcast[i])
		}
	}
}

func TestUnauthenticatedSendClosesWithoutPersisting(t *testing.T) {
	f := newFixture(t)
	c := f.connect("c1")

	f.say(c, "hello")

	expectClosed(t, f, c, protocol.CloseUnauthenticated)
	if f.msgs.appends != 0 {
		t.Fatalf("store appended %d rows", f.msgs.appends)
	}
}

func TestHistoryRequestIsLatched(t *testing.T) {
	f := newFixture(t)
	c := f.connect("c1")

	f.frame(c, `{"type":"history_request"}`)
	if len(ofType(frames(c), "message_history")) != 1 {
		t.Fatal("first request must be answered")
	}
	f.frame(c, `{"type":"history_request"}`)
	expectError(t, c, errHistoryRequested)
	if f.msgs.recents != 1 {
		t.Fatalf("store read %d times, want 1", f.msgs.recents)
	}
	if c.closed.Load() {
		t.Fatal("a repeated history request must not close the connection")
	}
}

func TestRateLimitTimesOutNonModerator(t *testing.T) {
	f := newFixture(t)
	ann := f.login("c1", "100", "Ann")
	watcher := f.connect("c2")

	for i := 0; i < 5; i++ {
		f.now = f.now.Add(500 * time.Millisecond)
		f.say(ann, "spam")
	}

	if f.msgs.appends != 4 {
		t.Fatalf("persisted %d messages, want 4", f.msgs.appends)
	}
	timedOut := ofType(frames(watcher), "user_timed_out")
	if len(timedOut) != 1 || timedOut[0]["name"] != "Ann" || timedOut[0]["duration"] != float64(30) {
		t.Fatalf("expected user_timed_out for 30s, got %v", timedOut)
	}
	until, ok, err := f.mod.Timeout("100")
	if err != nil || !ok || until != f.now.Add(30*time.Second).UnixMilli() {
		t.Fatalf("timeout = %d, %v, %v", until, ok, err)
	}

	frames(ann)
	f.now = f.now.Add(time.Second)
	f.say(ann, "still here?")
	expectError(t, ann, errTimedOut)
}

func TestRateLimitSparesModerators(t *testing.T) {
	f := newFixture(t)
	f.makeMod("100")
	ann := f.login("c1", "100", "Ann")

	for i := 0; i < 5; i++ {
		f.now = f.now.Add(500 * time.Millisecond)
		f.say(ann, "announcement")
	}

	if f.msgs.appends != 5 {
		t.Fatalf("persisted %d messages, want 5", f.msgs.appends)
	}
	if got := ofType(frames(ann), "user_timed_out"); len(got) != 0 {
		t.Fatalf("moderator must not be timed out: %v", got)
	}
}

func TestModeratorsAreImmune(t *testing.T) {
	f := newFixture(t)
	f.makeMod("100")
	f.makeMod("200")
	ann := f.login("c1", "100", "Ann")
	f.login("c2", "200", "Bob")

	f.frame(ann, `{"type":"ban_user","name":"Bob"}`)
	expectError(t, ann, errBanMod)
	f.frame(ann, `{"type":"timeout_user","name":"Bob","duration":60}`)
	expectError(t, ann, errTimeoutMod)

	if banned, _ := f.mod.IsBanned("Bob", "200"); banned {
		t.Fatal("moderator was banned")
	}
	if _, ok, _ := f.mod.Timeout("200"); ok {
		t.Fatal("moderator was timed out")
	}
}

func TestTimeoutRejectsUnrepresentableDurations(t *testing.T) {
	f := newFixture(t)
	f.makeMod("100")
	ann := f.login("c1", "100", "Ann")
	bob := f.login("c2", "200", "Bob")

	for _, raw := range []string{
		`{"type":"timeout_user","name":"Bob","duration":0}`,
		`{"type":"timeout_user","name":"Bob","duration":-5}`,
		`{"type":"timeout_user","name":"Bob","duration":9223372036854775}`,
	} {
		f.frame(ann, raw)
		expectError(t, ann, errInvalidDuration)
	}
	f.say(ann, "/timeout Bob 9223372036854775807")
	expectError(t, ann, errInvalidDuration)

	if got := ofType(frames(bob), "user_timed_out"); len(got) != 0 {
		t.Fatalf("rejected timeouts were broadcast: %v", got)
	}
	if until, ok, _ := f.mod.Timeout("200"); ok {
		t.Fatalf("timeout stored: %d", until)
	}

	// The largest accepted duration is still enforced.
	longest := (math.MaxInt64 - f.now.UnixMilli()) / 1000
	f.frame(ann, fmt.Sprintf(`{"type":"timeout_user","name":"Bob","duration":%d}`, longest))
	if until, ok, _ := f.mod.Timeout("200"); !ok || until <= f.now.UnixMilli() {
		t.Fatalf("timeout = %d, %v", until, ok)
	}
	frames(bob)
	f.now = f.now.Add(time.Hour)
	f.say(bob, "still here")
	expectError(t, bob, errTimedOut)
	if f.msgs.appends != 0 {
		t.Fatalf("timed out user persisted %d message(s)", f.msgs.appends)
	}
}

func TestBanAndUnban(t *testing.T) {
	f := newFixture(t)
	f.makeMod("100")
	ann := f.login("c1", "100", "Ann")
	bob := f.login("c2", "200", "Bob")

	f.frame(ann, `{"type":"ban_user","name":"Bob"}`)
	banned := ofType(frames(bob), "user_banned")
	if len(banned) != 1 || banned[0]["name"] != "Bob" {
		t.Fatalf("expected user_banned broadcast, got %v", banned)
	}
	frames(ann)

	f.say(bob, "let me in")
	expectError(t, bob, errBanned)

	f.frame(ann, `{"type":"unban_user","name":"Bob"}`)
	notes := ofType(frames(ann), "notification")
	if len(notes) != 1 || notes[0]["message"] != "User Bob has been unbanned" {
		t.Fatalf("expected unban notification, got %v", notes)
	}
	if got := frames(bob); len(got) != 0 {
		t.Fatalf("unban is not broadcast, bob saw %v", got)
	}
	if b, _ := f.mod.IsBanned("Bob", "200"); b {
		t.Fatal("Bob still banned")
	}
}

func TestUnbanClearsLegacyNameBan(t *testing.T) {
	f := newFixture(t)
	f.makeMod("100")
	ann := f.login("c1", "100", "Ann")
	f.login("c2", "200", "Bob")
	if err := f.mod.BanLegacyName("Bob"); err != nil {
		t.Fatalf("BanLegacyName: %v", err)
	}

	f.frame(ann, `{"type":"unban_user","name":"Bob"}`)
	if b, _ := f.mod.IsBanned("Bob", "200"); b {
		t.Fatal("legacy name ban survived unban")
	}
}

func TestAssignAndRemoveRole(t *testing.T) {
	f := newFixture(t)
	f.makeMod("100")
	ann := f.login("c1", "100", "Ann")
	f.login("c2", "200", "Bob")

	f.frame(ann, `{"type":"assign_role","name":"Bob","role":"vip"}`)
	got := frames(ann)
	if n := ofType(got, "notification"); len(n) != 1 || n[0]["message"] != "Assigned role vip to Bob" {
		t.Fatalf("unexpected notification %v", n)
	}
	updated := ofType(got, "role_updated")
	if len(updated) != 1 || updated[0]["name"] != "Bob" {
		t.Fatalf("expected role_updated, got %v", updated)
	}
	if roles, _ := f.mod.RolesOf("200"); len(roles) != 1 || roles[0] != "vip" {
		t.Fatalf("roles after assign = %v", roles)
	}

	f.frame(ann, `{"type":"remove_role","name":"Bob","role":"vip"}`)
	if n := ofType(frames(ann), "notification"); len(n) != 1 || n[0]["message"] != "Removed role vip from Bob" {
		t.Fatalf("unexpected notification %v", n)
	}
	if roles, _ := f.mod.RolesOf("200"); len(roles) != 0 {
		t.Fatalf("roles after remove = %v", roles)
	}

	f.frame(ann, `{"type":"assign_role","name":"Bob","role":"emperor"}`)
	expectError(t, ann, "Invalid role. Valid roles: mod, vip, dev, art, stream, bot")
}

func TestModerationByNonModeratorCloses(t *testing.T) {
	f := newFixture(t)
	bob := f.login("c1", "200", "Bob")

	f.frame(bob, `{"type":"delete_message","id":1}`)
	expectClosed(t, f, bob, protocol.CloseUnauthorized)
}

func TestModerationByGuestClosesUnauthenticated(t *testing.T) {
	f := newFixture(t)
	guest := f.connect("c1")

	f.frame(guest, `{"type":"ban_user","name":"Bob"}`)
	expectClosed(t, f, guest, protocol.CloseUnauthenticated)
}

func TestDeleteMessageBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.makeMod("100")
	ann := f.login("c1", "100", "Ann")
	f.say(ann, "oops")
	frames(ann)

	f.frame(ann, `{"type":"delete_message","id":1}`)
	deleted := ofType(frames(ann), "message_deleted")
	if len(deleted) != 1 || deleted[0]["id"] != float64(1) {
		t.Fatalf("expected message_deleted, got %v", deleted)
	}
	left, _ := f.msgs.Recent(context.Background(), 10)
	if len(left) != 0 {
		t.Fatalf("message still stored: %v", left)
	}
}

func TestSlashCommands(t *testing.T) {
	f := newFixture(t)
	f.makeMod("100")
	ann := f.login("c1", "100", "Ann")
	bob := f.login("c2", "200", "Bob")

	tests := []struct {
		body string
		want string
	}{
		{"/dance", errUnknownCommand},
		{"/timeout Bob", "Invalid command format (/timeout <user> <duration>)"},
		{"/timeout Bob soon", errInvalidDuration},
		{"/ban", "Invalid command format (/ban <user>)"},
		{"/ban Nobody", errUserNotFound},
		{"/role Bob", "Invalid command format (/role <user> <role>)"},
		{"/removerole", "Invalid command format (/removerole <user> <role>)"},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			f.now = f.now.Add(2 * time.Second)
			f.say(ann, tt.body)
			expectError(t, ann, tt.want)
		})
	}

	f.now = f.now.Add(2 * time.Second)
	f.say(ann, "/timeout Bob 60")
	timedOut := ofType(frames(bob), "user_timed_out")
	if len(timedOut) != 1 || timedOut[0]["duration"] != float64(60) {
		t.Fatalf("expected 60s timeout broadcast, got %v", timedOut)
	}
	if until, ok, _ := f.mod.Timeout("200"); !ok || until != f.now.Add(time.Minute).UnixMilli() {
		t.Fatalf("timeout = %d, %v", until, ok)
	}
	if f.msgs.appends != 0 {
		t.Fatalf("commands must not be persisted, got %d appends", f.msgs.appends)
	}
}

func TestSlashCommandFromNonModeratorCloses(t *testing.T) {
	f := newFixture(t)
	bob := f.login("c1", "200", "Bob")

	f.say(bob, "/dance")
	expectError(t, bob, errUnknownCommand)

	f.say(bob, "/ban Ann")
	expectClosed(t, f, bob, protocol.CloseUnauthorized)
}

func TestSendPolicyErrors(t *testing.T) {
	f := newFixture(t)
	ann := f.login("c1", "100", "Ann")

	f.say(ann, "   ")
	expectError(t, ann, errEmptyMessage)

	f.now = f.now.Add(2 * time.Second)
	f.say(ann, strings.Repeat("é", 501))
	expectError(t, ann, errTooLong)

	f.now = f.now.Add(2 * time.Second)
	f.say(ann, strings.Repeat("é", 500))
	if len(ofType(frames(ann), "new_message")) != 1 {
		t.Fatal("a 500 code point message must be accepted")
	}
}

func TestAuthenticateErrors(t *testing.T) {
	f := newFixture(t)
	c := f.connect("c1")

	f.frame(c, `{"type":"authenticate","session":"never-linked"}`)
	expectError(t, c, errNotLinked)

	sess := f.user("100", "Ann")
	f.frame(c, `{"type":"authenticate","session":"`+sess+`"}`)
	frames(c)
	f.frame(c, `{"type":"authenticate","session":"`+sess+`"}`)
	expectError(t, c, errAlreadyAuthenticated)

	broken := f.connect("c2")
	if err := f.ids.Link("dangling", identity.Token{AccessToken: "revoked"}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	f.frame(broken, `{"type":"authenticate","session":"dangling"}`)
	expectError(t, broken, errAuthFailed)
}

func TestSlowProviderIsBoundedByUpstreamTimeout(t *testing.T) {
	f := newFixture(t)
	ann := f.login("c1", "100", "Ann")
	sess := f.user("200", "Bob")
	f.provider.stall = true
	f.h.opts.UpstreamTimeout = 20 * time.Millisecond

	bob := f.connect("c2")
	start := time.Now()
	f.frame(bob, `{"type":"authenticate","session":"`+sess+`"}`)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("authenticate held the hub for %v", elapsed)
	}
	expectError(t, bob, errAuthFailed)
	if bob.session.Authenticated {
		t.Fatal("stalled resolve must not authenticate")
	}

	f.say(ann, "still flowing")
	if got := ofType(frames(ann), "new_message"); len(got) != 1 {
		t.Fatalf("expected broadcast after stalled resolve, got %v", got)
	}
}

func TestAuthSuccessReportsModerationState(t *testing.T) {
	f := newFixture(t)
	watcher := f.connect("c0")
	sess := f.user("200", "Bob")
	until := f.now.Add(time.Minute).UnixMilli()
	if err := f.mod.SetTimeout("200", until); err != nil {
		t.Fatalf("SetTimeout: %v", err)
	}
	if err := f.mod.Ban("200"); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	c := f.connect("c1")
	f.frame(c, `{"type":"authenticate","session":"`+sess+`"}`)
	ok := ofType(frames(c), "auth_success")
	if len(ok) != 1 {
		t.Fatalf("expected auth_success, got %v", ok)
	}
	if ok[0]["timed_out_until"] != float64(until) || ok[0]["banned"] != true || ok[0]["user_id"] != "200" {
		t.Fatalf("unexpected auth_success %v", ok[0])
	}
	if joins := ofType(frames(watcher), "user_join"); len(joins) != 1 || joins[0]["name"] != "Bob" {
		t.Fatalf("expected user_join broadcast, got %v", joins)
	}

	fresh := f.connect("c2")
	f.frame(fresh, `{"type":"authenticate","session":"`+f.user("300", "Cid")+`"}`)
	ok = ofType(frames(fresh), "auth_success")
	if len(ok) != 1 || ok[0]["timed_out_until"] != nil {
		t.Fatalf("timed_out_until must be null without a timeout, got %v", ok)
	}
}

func TestProtocolViolationsClose(t *testing.T) {
	tests := []struct {
		name string
		typ  websocket.MessageType
		data string
		code websocket.StatusCode
	}{
		{"binary", websocket.MessageBinary, `{"type":"user_list"}`, protocol.CloseUnsupported},
		{"not json", websocket.MessageText, `hello`, protocol.ClosePolicyViolation},
		{"unknown tag", websocket.MessageText, `{"type":"new_message"}`, protocol.ClosePolicyViolation},
		{"missing field", websocket.MessageText, `{"type":"send_message"}`, protocol.ClosePolicyViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.connect("c1")
			f.h.handleFrame(context.Background(), c, tt.typ, []byte(tt.data))
			expectClosed(t, f, c, tt.code)
		})
	}
}

func TestFrameFromUnknownConnectionClosesInternal(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stray := &Client{hub: f.h, id: "ghost", send: make(chan []byte, 1), ctx: ctx, cancel: cancel}

	f.frame(stray, `{"type":"user_list"}`)
	if !stray.closed.Load() || stray.closeCode != protocol.CloseInternalState {
		t.Fatalf("expected close 1011, got closed=%v code=%d", stray.closed.Load(), stray.closeCode)
	}
}

func TestPresenceOnlyForAuthenticatedSessions(t *testing.T) {
	f := newFixture(t)
	watcher := f.connect("c0")
	guest := f.connect("c1")
	ann := f.login("c2", "100", "Ann")

	f.h.detach(guest)
	if got := frames(watcher); len(got) != 0 {
		t.Fatalf("guest disconnect must be silent, got %v", got)
	}

	f.h.detach(ann)
	leaves := ofType(frames(watcher), "user_leave")
	if len(leaves) != 1 || leaves[0]["name"] != "Ann" {
		t.Fatalf("expected user_leave for Ann, got %v", leaves)
	}
}

func TestReadOnlyQueries(t *testing.T) {
	f := newFixture(t)
	f.login("c1", "200", "Bob")
	f.login("c2", "100", "Ann")
	second := f.login("c3", "100", "Ann")
	guest := f.connect("c4")
	f.frame(guest, `{"type":"history_request"}`)
	f.frame(second, `{"type":"history_request"}`)
	frames(guest)
	frames(second)

	f.frame(guest, `{"type":"user_list"}`)
	list := ofType(frames(guest), "user_list")
	users := list[0]["users"].([]any)
	if len(users) != 2 || users[0] != "Ann" || users[1] != "Bob" {
		t.Fatalf("user_list = %v", users)
	}

	f.frame(guest, `{"type":"get_connection_count"}`)
	if got := ofType(frames(guest), "connection_count"); got[0]["count"] != float64(4) {
		t.Fatalf("connection_count = %v", got)
	}

	f.frame(guest, `{"type":"get_connection_counts"}`)
	data := ofType(frames(guest), "connection_counts")[0]["data"].(map[string]any)
	if data["session"] != float64(2) || data["logged_in"] != float64(3) || data["unique_logged_in"] != float64(2) {
		t.Fatalf("connection_counts = %v", data)
	}
}

func TestSessionMutationsArePersisted(t *testing.T) {
	f := newFixture(t)
	ann := f.login("c1", "100", "Ann")
	f.frame(ann, `{"type":"history_request"}`)

	blobs, err := f.attach.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	var saved map[string]any
	if err := json.Unmarshal(blobs["c1"], &saved); err != nil {
		t.Fatalf("decode attachment: %v", err)
	}
	if saved["authenticated"] != true || saved["name"] != "Ann" || saved["history_requested"] != true {
		t.Fatalf("attachment not current: %v", saved)
	}

	f.h.detach(ann)
	blobs, _ = f.attach.LoadAll()
	if _, ok := blobs["c1"]; ok {
		t.Fatal("a closed connection must drop its attachment")
	}
}

func TestRestartRestoresDetachedSessions(t *testing.T) {
	f := newFixture(t)
	f.login("c1", "100", "Ann")
	f.h.shutdown()

	restarted := f.newHub()
	if _, ok := restarted.Resume("c1", "198.51.100.1"); ok {
		t.Fatal("resume from another address must fail")
	}
	s, ok := restarted.Resume("c1", testIP)
	if !ok || !s.Authenticated || s.Name != "Ann" || s.UserID != "100" {
		t.Fatalf("Resume = %+v, %v", s, ok)
	}
	if _, ok := restarted.Resume("c1", testIP); ok {
		t.Fatal("a detached session can be resumed once")
	}
}

func TestSweepDetachedAfterGrace(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	f.h.shutdown()

	restarted := f.newHub()
	f.now = f.now.Add(restarted.opts.ResumeGrace + time.Second)
	restarted.sweepDetached()

	if _, ok := restarted.Resume("c1", testIP); ok {
		t.Fatal("expired detached session was resumed")
	}
	blobs, _ := f.attach.LoadAll()
	if len(blobs) != 0 {
		t.Fatalf("attachments left behind: %v", blobs)
	}
}

func TestInspectHidesAuthenticatedAddresses(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	f.login("c2", "100", "Ann")

	snap := f.h.snapshot()
	if len(snap.Connections) != 2 {
		t.Fatalf("connections = %v", snap.Connections)
	}
	guest, ann := snap.Connections[0], snap.Connections[1]
	if guest.ClientIP != testIP || guest.Authenticated {
		t.Fatalf("guest = %+v", guest)
	}
	if ann.ClientIP != "" || ann.Name != "Ann" {
		t.Fatalf("authenticated entry leaks its address: %+v", ann)
	}
}

func TestRetentionSweepDeletesOldMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.msgs.Append(ctx, "Ann", "old", f.now.Add(-96*time.Hour).UnixMilli(), "100"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := f.msgs.Append(ctx, "Ann", "recent", f.now.Add(-time.Hour).UnixMilli(), "100"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f.h.fireSweep(ctx)

	left, err := f.msgs.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(left) != 1 || left[0].Body != "recent" {
		t.Fatalf("after sweep: %+v", left)
	}
	at, ok, _ := f.sched.Alarm(RetentionAlarm)
	if !ok || !at.Equal(f.now.Add(time.Hour)) {
		t.Fatalf("alarm = %v, %v", at, ok)
	}
}

func TestRetentionSweepRearmsAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.msgs.deleteBeforeErr = errors.New("disk full")
	f.now = f.now.Add(3 * time.Hour)

	f.h.fireSweep(context.Background())

	at, ok, _ := f.sched.Alarm(RetentionAlarm)
	if !ok || !at.Equal(f.now.Add(time.Hour)) {
		t.Fatalf("sweeper not re-armed: %v, %v", at, ok)
	}
}

func TestNewHubKeepsArmedAlarm(t *testing.T) {
	f := newFixture(t)
	at, ok, _ := f.sched.Alarm(RetentionAlarm)
	if !ok {
		t.Fatal("construction must arm the sweeper")
	}

	f.newHub()
	again, _, _ := f.sched.Alarm(RetentionAlarm)
	if !again.Equal(at) {
		t.Fatalf("re-construction moved the alarm from %v to %v", at, again)
	}
}

func TestBroadcastDropsForFullBuffers(t *testing.T) {
	f := newFixture(t)
	slow := f.connect("c1")
	fast := f.connect("c2")
	for i := 0; i < cap(slow.send); i++ {
		slow.send <- []byte(`{}`)
	}

	f.h.broadcast(protocol.UserJoin("Ann"))
	if got := ofType(frames(fast), "user_join"); len(got) != 1 {
		t.Fatalf("healthy client missed the broadcast: %v", got)
	}
}

func TestRegisterAfterShutdownReleasesWritePump(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	go f.h.Run(ctx)
	cancel()
	<-f.h.done

	late := NewClient(f.h, nil, "late", testIP, context.Background())
	f.h.Register(late)
	if !late.closed.Load() || late.closeCode != websocket.StatusGoingAway {
		t.Fatalf("late client: closed=%v code=%d", late.closed.Load(), late.closeCode)
	}

	exited := make(chan struct{})
	go func() {
		late.WritePump()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("WritePump still running after the hub stopped")
	}
}
