package hub

import (
	"context"
	"fmt"
	"time"

	"presence-hub/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Acquire grants the room's soft lock to userID when no live lock exists,
// or extends it when userID already holds it. A live lock held by someone
// else is reported as a denial with the current holder, without side effects.
func (h *Hub) Acquire(ctx context.Context, roomID, userID string) (core.LockGrant, error) {
	if userID == "" {
		return core.LockGrant{}, core.ErrInvalidUser
	}

	var grant core.LockGrant
	err := h.do(ctx, roomID, func(r *room) {
		now := r.now()
		lease := h.cfg.LeaseDuration
		log := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})

		switch {
		case r.lock.Live(now) && r.lock.HolderID != userID:
			grant = core.LockGrant{Granted: false, Lock: *r.lock}
			h.metrics.LockOp("acquire", "denied")
			h.emit(r.lockEvent(core.LockDenied, userID, "", now))
			log.WithField("holder_id", r.lock.HolderID).Debug("lock acquire denied")
			return

		case r.lock.Live(now):
			r.lock.ExpiresAt = now.Add(lease)
			h.metrics.LockOp("acquire", "extended")
			h.emit(r.lockEvent(core.LockRenewed, userID, "", now))
			log.WithField("expires_at", r.lock.ExpiresAt).Debug("lock re-acquired by holder")

		default:
			previous := ""
			if r.lock != nil {
				previous = r.lock.HolderID
			}
			r.lock = &core.SoftLock{
				RoomID:       roomID,
				HolderID:     userID,
				AcquiredAt:   now,
				ExpiresAt:    now.Add(lease),
				FencingToken: h.fence.Add(1),
			}
			h.metrics.LockOp("acquire", "granted")
			h.emit(r.lockEvent(core.LockAcquired, userID, previous, now))
			log.WithFields(logrus.Fields{
				"expires_at":      r.lock.ExpiresAt,
				"fencing_token":   r.lock.FencingToken,
				"previous_holder": previous,
			}).Info("lock acquired")
		}

		grant = core.LockGrant{Granted: true, Lock: *r.lock, Lease: lease}
		r.broadcastLock()
	})
	return grant, err
}

// Renew extends the caller's live lock. It fails with core.ErrLockLost when
// the lock is absent, expired or held by someone else; a lost lock is never
// resurrected.
func (h *Hub) Renew(ctx context.Context, roomID, userID string) (core.SoftLock, error) {
	if userID == "" {
		return core.SoftLock{}, core.ErrInvalidUser
	}

	var (
		renewed  core.SoftLock
		renewErr error
	)
	err := h.do(ctx, roomID, func(r *room) {
		now := r.now()
		if !r.lock.Live(now) || r.lock.HolderID != userID {
			renewErr = fmt.Errorf("renew lock in room %s: %w", roomID, core.ErrLockLost)
			h.metrics.LockOp("renew", "lost")
			h.emit(r.lockEvent(core.LockLost, userID, "", now))
			logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID}).Info("lock renewal rejected")
			return
		}
		r.lock.ExpiresAt = now.Add(h.cfg.LeaseDuration)
		renewed = *r.lock
		h.metrics.LockOp("renew", "renewed")
		h.emit(r.lockEvent(core.LockRenewed, userID, "", now))
		r.broadcastLock()
	})
	if err != nil {
		return core.SoftLock{}, err
	}
	return renewed, renewErr
}

// Release deletes the lock if userID holds it and reports whether it did.
// Releasing a lock held by someone else, or no lock at all, is a no-op.
func (h *Hub) Release(ctx context.Context, roomID, userID string) (bool, error) {
	var released bool
	err := h.do(ctx, roomID, func(r *room) {
		if r.lock == nil || r.lock.HolderID != userID {
			h.metrics.LockOp("release", "ignored")
			return
		}
		h.emit(r.lockEvent(core.LockReleased, userID, "", r.now()))
		r.lock = nil
		released = true
		h.metrics.LockOp("release", "released")
		logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID}).Info("lock released")
		r.broadcastLock()
	})
	return released, err
}

// LockState returns the live lock of roomID, if any.
func (h *Hub) LockState(ctx context.Context, roomID string) (core.SoftLock, bool, error) {
	var (
		lock core.SoftLock
		held bool
	)
	err := h.do(ctx, roomID, func(r *room) {
		if r.lock.Live(r.now()) {
			lock, held = *r.lock, true
		}
	})
	return lock, held, err
}

func (r *room) lockEvent(kind core.LockEventKind, userID, previous string, at time.Time) core.LockEvent {
	event := core.LockEvent{
		ID:             ulid.Make().String(),
		RoomID:         r.id,
		UserID:         userID,
		Kind:           kind,
		PreviousHolder: previous,
		At:             at,
	}
	if r.lock != nil {
		event.HolderID = r.lock.HolderID
		event.ExpiresAt = r.lock.ExpiresAt
		event.FencingToken = r.lock.FencingToken
	}
	return event
}
