// Package hub is the server-side authority for collaboration rooms. Each
// room is owned by a single actor goroutine that serializes presence changes
// and soft lock decisions, so room state is never touched from two
// goroutines at once.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"presence-hub/clock"
	"presence-hub/core"
	"presence-hub/metrics"
	"presence-hub/protocol"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("hub is closed")

type (
	Config struct {
		// LeaseDuration is how long an acquired or renewed lock stays live.
		LeaseDuration time.Duration
		// PingInterval is the expected client ping cadence. Members silent for
		// twice this long are evicted.
		PingInterval time.Duration
		// CoalesceInterval bounds how often cursor and selection changes are
		// broadcast to a room.
		CoalesceInterval time.Duration
	}

	// Peer is one open channel to a room member.
	Peer interface {
		ID() string
		// Send queues msg without blocking. It reports false when the peer
		// cannot accept more frames.
		Send(msg protocol.Message) bool
		// Close asynchronously shuts the channel down. It must not call back
		// into the hub before returning.
		Close(reason string)
	}

	Option func(*Hub)

	Hub struct {
		cfg       Config
		clock     clock.Clock
		metrics   *metrics.Metrics
		observers []func(core.LockEvent)
		fence     atomic.Uint64

		mu     sync.Mutex
		rooms  map[string]*room
		counts map[string]int
		closed bool
		quit   chan struct{}
		wg     sync.WaitGroup
	}
)

func DefaultConfig() Config {
	return Config{
		LeaseDuration:    5 * time.Minute,
		PingInterval:     15 * time.Second,
		CoalesceInterval: 50 * time.Millisecond,
	}
}

func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithLockObserver registers fn to receive every lock decision in the order
// the room actor made them. fn runs on the actor goroutine and must not block.
func WithLockObserver(fn func(core.LockEvent)) Option {
	return func(h *Hub) { h.observers = append(h.observers, fn) }
}

func New(cfg Config, opts ...Option) *Hub {
	defaults := DefaultConfig()
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.CoalesceInterval < 0 {
		cfg.CoalesceInterval = 0
	}

	h := &Hub{
		cfg:    cfg,
		clock:  clock.Real{},
		rooms:  make(map[string]*room),
		counts: make(map[string]int),
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Config() Config {
	return h.cfg
}

// Lease is the duration granted by a successful acquire or renew.
func (h *Hub) Lease() time.Duration {
	return h.cfg.LeaseDuration
}

// ActiveRooms returns the member count of every room that has members.
func (h *Hub) ActiveRooms() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := make(map[string]int, len(h.counts))
	for k, v := range h.counts {
		rooms[k] = v
	}
	return rooms
}

// Close stops every room actor. Open peers are left to their transports.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.quit)
	h.mu.Unlock()

	h.wg.Wait()
	logrus.Info("presence hub stopped")
}

// room returns the actor for roomID, starting one if needed.
func (h *Hub) room(roomID string) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if r, ok := h.rooms[roomID]; ok {
		return r, nil
	}

	r := newRoom(h, roomID)
	h.rooms[roomID] = r
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		r.run()
	}()
	h.metrics.RoomStarted()
	logrus.WithField("room_id", roomID).Debug("room actor started")
	return r, nil
}

// do runs fn on the actor of roomID. A room that retires between lookup and
// hand-off is replaced by a fresh actor.
func (h *Hub) do(ctx context.Context, roomID string, fn func(r *room)) error {
	if roomID == "" {
		return core.ErrInvalidRoom
	}
	for {
		r, err := h.room(roomID)
		if err != nil {
			return err
		}
		err = r.do(ctx, func() { fn(r) })
		if errors.Is(err, errRoomRetired) {
			continue
		}
		return err
	}
}

func (h *Hub) retire(r *room) {
	h.mu.Lock()
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
		delete(h.counts, r.id)
	}
	h.mu.Unlock()
	h.metrics.RoomRetired()
	logrus.WithField("room_id", r.id).Debug("room actor retired")
}

func (h *Hub) setCount(roomID string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		delete(h.counts, roomID)
		return
	}
	h.counts[roomID] = n
}

func (h *Hub) emit(event core.LockEvent) {
	for _, fn := range h.observers {
		fn(event)
	}
}
