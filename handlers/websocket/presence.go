package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"presence-hub/core"
	"presence-hub/handlers/origin"
	"presence-hub/hub"
	"presence-hub/metrics"
	"presence-hub/protocol"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type (
	// PresenceHub is the part of the hub a presence channel drives.
	PresenceHub interface {
		Join(ctx context.Context, roomID string, user core.PresenceUser, peer hub.Peer) ([]core.PresenceUser, error)
		UpdateCursor(ctx context.Context, roomID, userID string, cursor core.Cursor) error
		UpdateSelection(ctx context.Context, roomID, userID, selection string) error
		Touch(ctx context.Context, roomID, userID string) error
		Leave(ctx context.Context, roomID, userID, connID string) error
	}

	Options struct {
		PingInterval   time.Duration
		SendBuffer     int
		// Origins admits cross-origin browsers. Same-host requests and
		// requests without an Origin header are always admitted.
		Origins *origin.Policy
	}

	// PresenceHandler serves GET /presence/{roomId} as a WebSocket presence
	// channel.
	PresenceHandler struct {
		hub      PresenceHub
		registry core.RoomRegistry
		metrics  *metrics.Metrics
		opts     Options

		mu    sync.Mutex
		conns map[*connection]struct{}
		wg    sync.WaitGroup
	}
)

func (o Options) admits(r *http.Request) bool {
	from := r.Header.Get("Origin")
	return from == "" || origin.SameHost(from, r.Host) || o.Origins.Allowed(from)
}

func NewPresenceHandler(h PresenceHub, registry core.RoomRegistry, m *metrics.Metrics, opts Options) *PresenceHandler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = hub.DefaultConfig().PingInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &PresenceHandler{
		hub:      h,
		registry: registry,
		metrics:  m,
		opts:     opts,
		conns:    make(map[*connection]struct{}),
	}
}

func (p *PresenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	userID := r.URL.Query().Get("userId")
	if roomID == "" || userID == "" {
		http.Error(w, "room id and userId are required", http.StatusBadRequest)
		return
	}
	log := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})

	if !p.opts.admits(r) {
		log.WithField("origin", r.Header.Get("Origin")).Warn("Rejecting presence channel from foreign origin")
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// The origin was checked above against the shared policy.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.WithError(err).Warn("Failed to accept websocket connection")
		return
	}

	conn := newConnection(context.Background(), ws, p.opts.SendBuffer, 2*p.opts.PingInterval)
	log = log.WithField("conn_id", conn.ID())
	if !p.track(conn) {
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer p.untrack(conn)

	user, err := p.awaitJoin(conn, roomID, userID, r.URL.Query().Get("displayName"))
	if err != nil {
		log.WithError(err).Warn("Rejecting presence channel")
		conn.Close(err.Error())
		conn.wait()
		return
	}

	conn.startWriter()
	if _, err := p.hub.Join(r.Context(), roomID, user, conn); err != nil {
		log.WithError(err).Error("Failed to join room")
		conn.closeWith(websocket.StatusInternalError, "join failed")
		conn.wait()
		return
	}
	p.metrics.ConnectionOpened()
	defer p.metrics.ConnectionClosed()

	if p.registry != nil {
		if err := p.registry.TouchRoom(r.Context(), roomID); err != nil {
			log.WithError(err).Warn("Failed to record room activity")
		}
	}

	err = conn.readPump(func(msg protocol.Message) {
		p.dispatch(conn, roomID, &user, msg)
	})
	log.WithField("reason", err).Debug("Presence channel read loop ended")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.hub.Leave(ctx, roomID, userID, conn.ID()); err != nil && !errors.Is(err, hub.ErrClosed) {
		log.WithError(err).Warn("Failed to leave room")
	}
	conn.closeWith(websocket.StatusNormalClosure, "")
	conn.wait()
}

// awaitJoin reads the first frame, which must be a join for the room and
// user the channel was opened for.
func (p *PresenceHandler) awaitJoin(conn *connection, roomID, userID, displayName string) (core.PresenceUser, error) {
	msg, err := conn.read()
	if err != nil {
		return core.PresenceUser{}, err
	}
	if msg.Type != protocol.TypeJoin {
		return core.PresenceUser{}, errors.New("expected join")
	}

	var join protocol.Join
	if err := msg.Decode(&join); err != nil {
		return core.PresenceUser{}, err
	}
	if join.RoomID != roomID || join.UserID != userID {
		return core.PresenceUser{}, errors.New("join does not match channel")
	}

	user := core.PresenceUser{
		UserID:      userID,
		DisplayName: join.DisplayName,
		AvatarRef:   join.AvatarRef,
	}
	if user.DisplayName == "" {
		user.DisplayName = displayName
	}
	return user, nil
}

// dispatch applies one frame. user is the channel's member record; a
// mid-session join updates it in place.
func (p *PresenceHandler) dispatch(conn *connection, roomID string, user *core.PresenceUser, msg protocol.Message) {
	log := logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": user.UserID,
		"conn_id": conn.ID(),
		"type":    msg.Type,
	})
	ctx, cancel := context.WithTimeout(conn.ctx, 5*time.Second)
	defer cancel()

	var err error
	switch msg.Type {
	case protocol.TypeCursor:
		var cursor protocol.Cursor
		if err = msg.Decode(&cursor); err == nil {
			err = p.hub.UpdateCursor(ctx, roomID, user.UserID, core.Cursor{X: cursor.X, Y: cursor.Y})
		}
	case protocol.TypeSelection:
		var selection protocol.Selection
		if err = msg.Decode(&selection); err == nil {
			err = p.hub.UpdateSelection(ctx, roomID, user.UserID, selection.Ref)
		}
	case protocol.TypePing:
		err = p.hub.Touch(ctx, roomID, user.UserID)
	case protocol.TypeJoin:
		var join protocol.Join
		if err = msg.Decode(&join); err == nil && join.RoomID == roomID && join.UserID == user.UserID {
			next := *user
			if join.DisplayName != "" {
				next.DisplayName = join.DisplayName
			}
			next.AvatarRef = join.AvatarRef
			if _, err = p.hub.Join(ctx, roomID, next, conn); err == nil {
				*user = next
			}
		}
	default:
		log.Warn("Ignoring unknown frame")
		return
	}

	if err != nil {
		log.WithError(err).Debug("Frame not applied")
	}
}

func (p *PresenceHandler) track(conn *connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		return false
	}
	p.conns[conn] = struct{}{}
	p.wg.Add(1)
	return true
}

func (p *PresenceHandler) untrack(conn *connection) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	p.wg.Done()
}

// Shutdown closes every open presence channel and waits for their handlers
// to return. New channels are refused afterwards.
func (p *PresenceHandler) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for conn := range conns {
		conn.closeWith(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
