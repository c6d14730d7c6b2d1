// Package hub implements the chat room actor. A single Hub goroutine owns the
// registry of live connections and their sessions, and runs every inbound
// frame, timer and registry change to completion before taking the next, so
// handlers never race each other over sessions or the shared stores.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hearth-chat/hearth/internal/history"
	"github.com/hearth-chat/hearth/internal/identity"
	"github.com/hearth-chat/hearth/internal/metrics"
	"github.com/hearth-chat/hearth/internal/ratelimit"
	"github.com/hearth-chat/hearth/internal/session"
	"github.com/hearth-chat/hearth/internal/store"
)

// Moderation is the durable role, ban and timeout model.
type Moderation interface {
	HasRole(userID string, role store.Role) (bool, error)
	RolesOf(userID string) ([]string, error)
	GrantRole(userID string, role store.Role) error
	RevokeRole(userID string, role store.Role) error
	IsBanned(name, userID string) (bool, error)
	Ban(userID string) error
	Unban(userID string) error
	ClearLegacyBan(name string) error
	SetTimeout(userID string, untilMs int64) error
	Timeout(userID string) (int64, bool, error)
	LegacyTimeout(name string) (int64, bool, error)
}

// MessageStore is the append-only message log.
type MessageStore interface {
	Append(ctx context.Context, name, body string, timestampMs int64, userID string) (int64, error)
	Delete(ctx context.Context, id int64) error
	Recent(ctx context.Context, limit int) ([]history.Message, error)
	DeleteBefore(ctx context.Context, cutoffMs int64) (int64, error)
}

// Identities resolves sessions and display names.
type Identities interface {
	Resolve(ctx context.Context, session string) (identity.Profile, error)
	UserIDByName(name string) (string, bool, error)
	Color(userID, name string) (string, error)
}

// Attachments persists each connection's serialized session.
type Attachments interface {
	Save(connID string, blob []byte) error
	Delete(connID string) error
	LoadAll() (map[string][]byte, error)
	SweepStale(ttl time.Duration, keep map[string]bool) (int, error)
}

// Schedule persists alarm times.
type Schedule interface {
	Alarm(name string) (time.Time, bool, error)
	SetAlarm(name string, at time.Time) error
}

// Stores bundles the hub's collaborators.
type Stores struct {
	Moderation  Moderation
	History     MessageStore
	Identity    Identities
	Attachments Attachments
	Schedule    Schedule
}

// Options are the hub's tunables. Zero fields take the DefaultOptions value.
type Options struct {
	RateWindow       ratelimit.Window
	RatePenalty      time.Duration
	MaxMessageLength int
	HistoryLimit     int
	Retention        time.Duration
	SweepInterval    time.Duration
	ResumeGrace      time.Duration
	UpstreamTimeout  time.Duration

	// Clock replaces time.Now, for tests.
	Clock func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		RateWindow:       ratelimit.DefaultWindow,
		RatePenalty:      30 * time.Second,
		MaxMessageLength: 500,
		HistoryLimit:     500,
		Retention:        72 * time.Hour,
		SweepInterval:    time.Hour,
		ResumeGrace:      5 * time.Minute,
		UpstreamTimeout:  10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RateWindow.Capacity <= 0 || o.RateWindow.Span <= 0 {
		o.RateWindow = d.RateWindow
	}
	if o.RatePenalty <= 0 {
		o.RatePenalty = d.RatePenalty
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = d.MaxMessageLength
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.ResumeGrace <= 0 {
		o.ResumeGrace = d.ResumeGrace
	}
	if o.UpstreamTimeout <= 0 {
		o.UpstreamTimeout = d.UpstreamTimeout
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type inboundFrame struct {
	client *Client
	typ    websocket.MessageType
	data   []byte
}

// Hub is the room actor.
type Hub struct {
	// clients maps connection ids to live clients.
	clients map[string]*Client

	// detached holds sessions restored from attachments whose connection has
	// not come back yet.
	detached map[string]detachedSession

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	inspect    chan chan Snapshot
	done       chan struct{}

	// mu protects external reads of clients and detached.
	mu sync.RWMutex

	mod         Moderation
	history     MessageStore
	identity    Identities
	attachments Attachments
	schedule    Schedule

	opts       Options
	now        func() time.Time
	sweepTimer *time.Timer
}

// NewHub creates a Hub, restores detached sessions from their attachments and
// arms the retention sweeper if it is not armed already.
func NewHub(stores Stores, opts Options) (*Hub, error) {
	if stores.Moderation == nil || stores.History == nil || stores.Identity == nil ||
		stores.Attachments == nil || stores.Schedule == nil {
		return nil, errors.New("hub: all stores are required")
	}
	opts = opts.withDefaults()
	h := &Hub{
		clients:     make(map[string]*Client),
		detached:    make(map[string]detachedSession),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		inbound:     make(chan inboundFrame),
		inspect:     make(chan chan Snapshot),
		done:        make(chan struct{}),
		mod:         stores.Moderation,
		history:     stores.History,
		identity:    stores.Identity,
		attachments: stores.Attachments,
		schedule:    stores.Schedule,
		opts:        opts,
		now:         opts.Clock,
	}
	if err := h.restoreDetached(); err != nil {
		return nil, err
	}
	h.armSweeper()
	return h, nil
}

// Run starts the hub's main event loop. It processes registry changes,
// inbound frames and timers until the context is cancelled. Run should be
// called in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	detachTicker := time.NewTicker(h.opts.ResumeGrace)
	defer detachTicker.Stop()

	for {
		select {
		case client := <-h.register:
			h.attach(client)

		case client := <-h.unregister:
			h.detach(client)

		case f := <-h.inbound:
			h.handleFrame(ctx, f.client, f.typ, f.data)

		case <-h.sweepC():
			h.fireSweep(ctx)

		case <-detachTicker.C:
			h.sweepDetached()

		case reply := <-h.inspect:
			reply <- h.snapshot()

		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

// shutdown closes every connection but keeps their attachments so the
// sessions can be resumed by the next process.
func (h *Hub) shutdown() {
	if h.sweepTimer != nil {
		h.sweepTimer.Stop()
	}
	h.mu.Lock()
	for id, client := range h.clients {
		client.close(websocket.StatusGoingAway, "server shutting down")
		client.detached = true
		close(client.send)
		delete(h.clients, id)
	}
	h.mu.Unlock()
	metrics.Connections.Set(0)
	slog.Info("hub stopped")
}

// ClientCount returns the number of currently connected clients.
// It is safe for concurrent use.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register queues a client for registration with the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		// The hub never saw this client, so the send channel is ours to
		// close; WritePump exits on it.
		client.close(websocket.StatusGoingAway, "server shutting down")
		client.detached = true
		close(client.send)
	}
}

// Unregister queues a client for removal from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Inspect returns a snapshot of the registry, taken on the hub goroutine.
func (h *Hub) Inspect(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case h.inspect <- reply:
	case <-h.done:
		return Snapshot{}, errors.New("hub stopped")
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// submit hands a frame read by a client's ReadPump to the hub goroutine.
func (h *Hub) submit(ctx context.Context, f inboundFrame) bool {
	select {
	case h.inbound <- f:
		return true
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	}
}

func (h *Hub) nowMs() int64 {
	return h.now().UnixMilli()
}

// sessionOf is the registry lookup: a client the hub does not know has no
// session.
func (h *Hub) sessionOf(c *Client) (*session.Session, bool) {
	if c == nil || c.detached || c.session == nil {
		return nil, false
	}
	h.mu.RLock()
	registered := h.clients[c.id] == c
	h.mu.RUnlock()
	return c.session, registered
}
