// Package protocol defines the JSON frames exchanged over a presence
// channel. Every frame is a Message whose Payload decodes into the struct
// named by its Type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"presence-hub/core"
)

type Type string

const (
	// client -> server
	TypeJoin      Type = "join"
	TypeCursor    Type = "cursor"
	TypeSelection Type = "selection"
	TypePing      Type = "ping"

	// server -> client
	TypePresenceUpdate Type = "presence_update"
	TypeLockAcquired   Type = "lock_acquired"
	TypeLockReleased   Type = "lock_released"
)

type (
	Message struct {
		Type    Type            `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	Join struct {
		RoomID      string `json:"roomId"`
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
		AvatarRef   string `json:"avatarRef,omitempty"`
	}

	Cursor struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	Selection struct {
		Ref string `json:"ref"`
	}

	Ping struct {
		TS int64 `json:"ts"`
	}

	PresenceUpdate struct {
		Users []core.PresenceUser `json:"users"`
	}

	LockAcquired struct {
		UserID       string    `json:"userId"`
		ExpiresAt    time.Time `json:"expiresAt"`
		FencingToken uint64    `json:"fencingToken,omitempty"`
	}

	LockReleased struct{}
)

// New builds a Message carrying payload encoded as JSON.
func New(t Type, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: raw}, nil
}

// MustNew is New for payloads that cannot fail to encode.
func MustNew(t Type, payload any) Message {
	msg, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// FromEvent builds a Message from a loosely typed event argument such as the
// maps socket.io hands to event listeners.
func FromEvent(t Type, arg any) (Message, error) {
	if raw, ok := arg.(json.RawMessage); ok {
		return Message{Type: t, Payload: raw}, nil
	}
	return New(t, arg)
}

// PresenceSnapshot builds the presence_update frame for users.
func PresenceSnapshot(users []core.PresenceUser) Message {
	if users == nil {
		users = []core.PresenceUser{}
	}
	return MustNew(TypePresenceUpdate, PresenceUpdate{Users: users})
}

// LockState builds lock_acquired for a live lock and lock_released otherwise.
func LockState(lock *core.SoftLock, now time.Time) Message {
	if !lock.Live(now) {
		return MustNew(TypeLockReleased, LockReleased{})
	}
	return MustNew(TypeLockAcquired, LockAcquired{
		UserID:       lock.HolderID,
		ExpiresAt:    lock.ExpiresAt,
		FencingToken: lock.FencingToken,
	})
}
