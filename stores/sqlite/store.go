package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"presence-hub/clock"
	"presence-hub/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

type (
	Option func(*store)

	store struct {
		db    *sql.DB
		clock clock.Clock
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

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		last_active INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS lock_events (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		holder_id TEXT,
		previous_holder TEXT,
		expires_at INTEGER,
		fencing_token INTEGER,
		at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS lock_events_room_at ON lock_events (room_id, at);`,
}

func NewStore(dataSourceName string, opts ...Option) (core.Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dataSourceName, err)
	}
	// Single connection: writes are serialized and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}

	s := &store{db: db, clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *store) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return core.ErrInvalidRoom
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (room_id, last_active) VALUES (?, ?) ON CONFLICT(room_id) DO UPDATE SET last_active = excluded.last_active",
		roomID, s.clock.Now().UnixMilli())
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to touch room")
		return err
	}
	return nil
}

func (s *store) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT room_id, last_active FROM rooms ORDER BY last_active DESC, room_id ASC")
	if err != nil {
		logrus.WithError(err).Error("Failed to list rooms")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close room rows")
		}
	}()

	rooms := []core.Room{}
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *store) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return core.ErrInvalidRoom
	}
	log := logrus.WithField("room_id", roomID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM lock_events WHERE room_id = ?", roomID); err != nil {
		log.WithError(err).Error("Failed to delete lock events")
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE room_id = ?", roomID); err != nil {
		log.WithError(err).Error("Failed to delete room")
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info("Room deleted")
	return nil
}

func (s *store) RecordLockEvent(ctx context.Context, event core.LockEvent) error {
	if event.RoomID == "" {
		return fmt.Errorf("record lock event %s: %w", event.ID, core.ErrInvalidRoom)
	}
	log := logrus.WithFields(logrus.Fields{
		"room_id":  event.RoomID,
		"event_id": event.ID,
		"kind":     event.Kind,
	})

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lock_events (id, room_id, user_id, kind, holder_id, previous_holder, expires_at, fencing_token, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RoomID, event.UserID, string(event.Kind), event.HolderID, event.PreviousHolder,
		toMillis(event.ExpiresAt), int64(event.FencingToken), toMillis(event.At))
	if err != nil {
		log.WithError(err).Error("Failed to record lock event")
		return err
	}

	log.Debug("Lock event recorded")
	return nil
}

// ListLockEvents returns the newest events of roomID first. A non-positive
// limit returns everything.
func (s *store) ListLockEvents(ctx context.Context, roomID string, limit int) ([]core.LockEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	log := logrus.WithField("room_id", roomID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, user_id, kind, holder_id, previous_holder, expires_at, fencing_token, at
		FROM lock_events WHERE room_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
		roomID, limit)
	if err != nil {
		log.WithError(err).Error("Failed to list lock events")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close lock event rows")
		}
	}()

	events := []core.LockEvent{}
	for rows.Next() {
		var (
			event                    core.LockEvent
			kind                     string
			holderID, previousHolder sql.NullString
			expiresAt, fencing, at   sql.NullInt64
		)
		err := rows.Scan(&event.ID, &event.RoomID, &event.UserID, &kind, &holderID, &previousHolder, &expiresAt, &fencing, &at)
		if err != nil {
			return nil, err
		}
		event.Kind = core.LockEventKind(kind)
		event.HolderID = holderID.String
		event.PreviousHolder = previousHolder.String
		event.ExpiresAt = fromMillis(expiresAt.Int64)
		event.FencingToken = uint64(fencing.Int64)
		event.At = fromMillis(at.Int64)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
