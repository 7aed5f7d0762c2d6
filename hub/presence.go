package hub

import (
	"context"

	"presence-hub/core"
	"presence-hub/protocol"

	"github.com/sirupsen/logrus"
)

// Join admits user to roomID and broadcasts the new snapshot to every peer
// of the room, the joiner included. The joiner additionally receives the
// current lock state. Joining again under the same user id replaces the
// earlier entry and closes its superseded peer.
func (h *Hub) Join(ctx context.Context, roomID string, user core.PresenceUser, peer Peer) ([]core.PresenceUser, error) {
	if user.UserID == "" {
		return nil, core.ErrInvalidUser
	}

	var snapshot []core.PresenceUser
	err := h.do(ctx, roomID, func(r *room) {
		user.LastSeenAt = r.now()
		if prev, ok := r.members[user.UserID]; ok && prev.peer != nil {
			if peer == nil || prev.peer.ID() != peer.ID() {
				prev.peer.Close("superseded by a newer connection")
			}
		}
		r.members[user.UserID] = &member{user: user, peer: peer}

		log := logrus.WithFields(logrus.Fields{
			"room_id": roomID,
			"user_id": user.UserID,
			"members": len(r.members),
		})
		if peer != nil {
			log = log.WithField("conn_id", peer.ID())
		}
		log.Info("user joined room")

		r.broadcastPresence()
		if peer != nil {
			peer.Send(protocol.LockState(r.lock, r.now()))
		}
		snapshot = r.snapshot()
	})
	return snapshot, err
}

// UpdateCursor merge-patches the caller's cursor. Non-members get
// core.ErrNotMember and nothing changes.
func (h *Hub) UpdateCursor(ctx context.Context, roomID, userID string, cursor core.Cursor) error {
	return h.patch(ctx, roomID, userID, func(u *core.PresenceUser) {
		u.Cursor = &cursor
	})
}

// UpdateSelection stores the editor's opaque selection reference verbatim.
// An empty reference clears the selection.
func (h *Hub) UpdateSelection(ctx context.Context, roomID, userID, selection string) error {
	return h.patch(ctx, roomID, userID, func(u *core.PresenceUser) {
		if selection == "" {
			u.Selection = nil
			return
		}
		u.Selection = &selection
	})
}

func (h *Hub) patch(ctx context.Context, roomID, userID string, apply func(*core.PresenceUser)) error {
	var patchErr error
	err := h.do(ctx, roomID, func(r *room) {
		m, ok := r.members[userID]
		if !ok {
			patchErr = core.ErrNotMember
			return
		}
		apply(&m.user)
		m.user.LastSeenAt = r.now()
		r.schedulePresence()
	})
	if err != nil {
		return err
	}
	return patchErr
}

// Touch records a liveness signal from userID.
func (h *Hub) Touch(ctx context.Context, roomID, userID string) error {
	var touchErr error
	err := h.do(ctx, roomID, func(r *room) {
		m, ok := r.members[userID]
		if !ok {
			touchErr = core.ErrNotMember
			return
		}
		m.user.LastSeenAt = r.now()
	})
	if err != nil {
		return err
	}
	return touchErr
}

// Leave removes userID from the room. When connID is set the entry is only
// removed while that connection still owns it, so a late close from a
// superseded connection cannot evict its replacement. Leaving does not
// release a held lock.
func (h *Hub) Leave(ctx context.Context, roomID, userID, connID string) error {
	return h.do(ctx, roomID, func(r *room) {
		m, ok := r.members[userID]
		if !ok {
			return
		}
		if connID != "" && (m.peer == nil || m.peer.ID() != connID) {
			return
		}
		delete(r.members, userID)
		logrus.WithFields(logrus.Fields{
			"room_id": roomID,
			"user_id": userID,
			"members": len(r.members),
		}).Info("user left room")
		r.broadcastPresence()
	})
}

// Snapshot returns the current members of roomID ordered by user id.
func (h *Hub) Snapshot(ctx context.Context, roomID string) ([]core.PresenceUser, error) {
	var snapshot []core.PresenceUser
	err := h.do(ctx, roomID, func(r *room) {
		snapshot = r.snapshot()
	})
	return snapshot, err
}
