package core

import (
	"context"
	"time"
)

type (
	// Cursor is a pointer position in room-local coordinates.
	Cursor struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	PresenceUser struct {
		UserID      string    `json:"userId"`
		DisplayName string    `json:"displayName"`
		AvatarRef   string    `json:"avatarRef,omitempty"`
		Cursor      *Cursor   `json:"cursor,omitempty"`
		Selection   *string   `json:"selection,omitempty"`
		LastSeenAt  time.Time `json:"lastSeenAt"`
	}

	// SoftLock is the single exclusive-write lease of a room. A lock whose
	// ExpiresAt has passed is treated as absent.
	SoftLock struct {
		RoomID       string    `json:"roomId"`
		HolderID     string    `json:"holderId"`
		AcquiredAt   time.Time `json:"acquiredAt"`
		ExpiresAt    time.Time `json:"expiresAt"`
		FencingToken uint64    `json:"fencingToken"`
	}

	// LockGrant is the outcome of an acquire. Denial is a value, not an error.
	LockGrant struct {
		Granted bool
		Lock    SoftLock
		Lease   time.Duration
	}

	LockEventKind string

	LockEvent struct {
		ID             string        `json:"id"`
		RoomID         string        `json:"roomId"`
		UserID         string        `json:"userId"`
		Kind           LockEventKind `json:"kind"`
		HolderID       string        `json:"holderId,omitempty"`
		PreviousHolder string        `json:"previousHolder,omitempty"`
		ExpiresAt      time.Time     `json:"expiresAt,omitempty"`
		FencingToken   uint64        `json:"fencingToken,omitempty"`
		At             time.Time     `json:"at"`
	}

	Room struct {
		ID         string
		LastActive int64
	}

	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
		DeleteRoom(ctx context.Context, roomID string) error
	}

	LockLedger interface {
		RecordLockEvent(ctx context.Context, event LockEvent) error
		ListLockEvents(ctx context.Context, roomID string, limit int) ([]LockEvent, error)
	}
)

const (
	LockAcquired LockEventKind = "acquired"
	LockRenewed  LockEventKind = "renewed"
	LockReleased LockEventKind = "released"
	LockDenied   LockEventKind = "denied"
	LockLost     LockEventKind = "lost"
)

// Live reports whether the lock still excludes other holders at now.
func (l *SoftLock) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Store is what the server persists: room activity and the lock ledger.
type Store interface {
	RoomRegistry
	LockLedger
	Close() error
}
