package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"presence-hub/clock"
	"presence-hub/core"

	"github.com/sirupsen/logrus"
)

// maxEventsPerRoom bounds the in-memory lock ledger of a single room.
const maxEventsPerRoom = 1000

type (
	Option func(*store)

	store struct {
		clock clock.Clock

		mu     sync.RWMutex
		rooms  map[string]int64
		events map[string][]core.LockEvent
	}
)

// WithClock sets the time source for room activity.
func WithClock(c clock.Clock) Option {
	return func(s *store) {
		if c != nil {
			s.clock = c
		}
	}
}

func NewStore(opts ...Option) core.Store {
	s := &store{
		clock:  clock.Real{},
		rooms:  make(map[string]int64),
		events: make(map[string][]core.LockEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *store) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return core.ErrInvalidRoom
	}

	s.mu.Lock()
	s.rooms[roomID] = s.clock.Now().UnixMilli()
	s.mu.Unlock()

	return nil
}

func (s *store) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for id, last := range s.rooms {
		rooms = append(rooms, core.Room{ID: id, LastActive: last})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})

	return rooms, nil
}

func (s *store) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return core.ErrInvalidRoom
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, roomID)
	delete(s.events, roomID)
	return nil
}

func (s *store) RecordLockEvent(ctx context.Context, event core.LockEvent) error {
	if event.RoomID == "" {
		return fmt.Errorf("record lock event %s: %w", event.ID, core.ErrInvalidRoom)
	}

	s.mu.Lock()
	events := append(s.events[event.RoomID], event)
	if len(events) > maxEventsPerRoom {
		events = events[len(events)-maxEventsPerRoom:]
	}
	s.events[event.RoomID] = events
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room_id":  event.RoomID,
		"event_id": event.ID,
		"kind":     event.Kind,
	}).Debug("Lock event recorded")
	return nil
}

// ListLockEvents returns the newest events of roomID first. A non-positive
// limit returns everything retained.
func (s *store) ListLockEvents(ctx context.Context, roomID string, limit int) ([]core.LockEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[roomID]
	n := len(events)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]core.LockEvent, 0, n)
	for i := len(events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, events[i])
	}
	return out, nil
}

func (s *store) Close() error {
	return nil
}
