package core

import "errors"

var (
	// ErrLockLost is returned by a renewal when the caller no longer holds a
	// live lock. The lock is never resurrected; the caller must acquire again.
	ErrLockLost = errors.New("lock lost")

	ErrNotMember   = errors.New("user is not a member of the room")
	ErrInvalidRoom = errors.New("room id is required")
	ErrInvalidUser = errors.New("user id is required")
)
