package client

import (
	"sync"
	"time"

	"presence-hub/clock"
	"presence-hub/core"
	"presence-hub/protocol"

	"github.com/sirupsen/logrus"
)

// View is what a presence indicator renders. It is a copy; subscribers may
// keep it.
type View struct {
	Users           []core.PresenceUser `json:"users"`
	CurrentUser     *core.PresenceUser  `json:"currentUser,omitempty"`
	IsLocked        bool                `json:"isLocked"`
	LockedBy        string              `json:"lockedBy,omitempty"`
	LockExpiresAt   *time.Time          `json:"lockExpiresAt,omitempty"`
	ConnectionState ConnectionState     `json:"connectionState"`
	// Stale is set while the cached presence and lock state may not match
	// the server: while disconnected and, after a reconnect, until the first
	// presence_update arrives.
	Stale     bool `json:"stale"`
	Exhausted bool `json:"exhausted"`
}

// Session holds the client's cached room state. It is fed by the
// controller's hooks and never merges state across a reconnect.
type Session struct {
	userID string
	clock  clock.Clock

	mu          sync.Mutex
	users       []core.PresenceUser
	lockedBy    string
	lockExpires time.Time
	state       ConnectionState
	exhausted   bool
	stale       bool
	subscribers map[int]func(View)
	nextSub     int
}

func NewSession(userID string, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Session{
		userID:      userID,
		clock:       clk,
		state:       StateOffline,
		stale:       true,
		subscribers: make(map[int]func(View)),
	}
}

// Subscribe calls fn with every new view until the returned func is
// called. fn runs on the controller goroutine and must not block.
func (s *Session) Subscribe(fn func(View)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	view := View{
		Users:           append([]core.PresenceUser(nil), s.users...),
		ConnectionState: s.state,
		Stale:           s.stale,
		Exhausted:       s.exhausted,
	}
	for i := range view.Users {
		if view.Users[i].UserID == s.userID {
			current := view.Users[i]
			view.CurrentUser = &current
			break
		}
	}
	if s.lockedBy != "" && s.clock.Now().Before(s.lockExpires) {
		expires := s.lockExpires
		view.IsLocked = true
		view.LockedBy = s.lockedBy
		view.LockExpiresAt = &expires
	}
	return view
}

// HandleState tracks connection changes. Entering online from any closed
// state drops every cached user and lock.
func (s *Session) HandleState(state ConnectionState, exhausted bool) {
	s.mu.Lock()
	prev := s.state
	s.state, s.exhausted = state, exhausted
	switch {
	case state == StateOnline && !prev.Open():
		s.users = nil
		s.lockedBy, s.lockExpires = "", time.Time{}
		s.stale = true
	case !state.Open():
		s.stale = true
	}
	s.notifyLocked()
}

// HandleMessage applies one server frame.
func (s *Session) HandleMessage(msg protocol.Message) {
	s.mu.Lock()
	switch msg.Type {
	case protocol.TypePresenceUpdate:
		var update protocol.PresenceUpdate
		if err := msg.Decode(&update); err != nil {
			s.mu.Unlock()
			logrus.WithError(err).Warn("Ignoring malformed presence update")
			return
		}
		s.users = update.Users
		s.stale = false
	case protocol.TypeLockAcquired:
		var acquired protocol.LockAcquired
		if err := msg.Decode(&acquired); err != nil {
			s.mu.Unlock()
			logrus.WithError(err).Warn("Ignoring malformed lock update")
			return
		}
		s.lockedBy, s.lockExpires = acquired.UserID, acquired.ExpiresAt
	case protocol.TypeLockReleased:
		s.lockedBy, s.lockExpires = "", time.Time{}
	default:
		s.mu.Unlock()
		logrus.WithField("type", msg.Type).Debug("Ignoring unknown frame")
		return
	}
	s.notifyLocked()
}

// notifyLocked releases s.mu and calls subscribers with the new view.
func (s *Session) notifyLocked() {
	view := s.viewLocked()
	subs := make([]func(View), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(view)
	}
}
