package hub

import (
	"context"
	"errors"
	"sort"
	"time"

	"presence-hub/clock"
	"presence-hub/core"
	"presence-hub/protocol"

	"github.com/sirupsen/logrus"
)

var errRoomRetired = errors.New("room retired")

type member struct {
	user core.PresenceUser
	peer Peer
}

// room owns the presence set and soft lock of one collaboration room. All
// fields below cmds are only touched from run.
type room struct {
	id   string
	hub  *Hub
	cmds chan func()
	done chan struct{}

	members       map[string]*member
	lock          *core.SoftLock
	lastBroadcast time.Time
	flushTimer    clock.Timer
	sweepTimer    clock.Timer
	retired       bool
}

func newRoom(h *Hub, id string) *room {
	return &room{
		id:      id,
		hub:     h,
		cmds:    make(chan func()),
		done:    make(chan struct{}),
		members: make(map[string]*member),
	}
}

func (r *room) run() {
	defer close(r.done)
	r.scheduleSweep()

	for {
		select {
		case cmd := <-r.cmds:
			cmd()
			if r.retired {
				return
			}
		case <-r.hub.quit:
			r.stopTimers()
			return
		}
	}
}

// do hands fn to the actor and waits for it to finish.
func (r *room) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case r.cmds <- func() { defer close(finished); fn() }:
	case <-r.done:
		return errRoomRetired
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post runs fn on the actor from a timer callback. It is dropped when the
// room has gone away.
func (r *room) post(fn func()) {
	_ = r.do(context.Background(), fn)
}

func (r *room) now() time.Time {
	return r.hub.clock.Now()
}

func (r *room) snapshot() []core.PresenceUser {
	users := make([]core.PresenceUser, 0, len(r.members))
	for _, m := range r.members {
		users = append(users, m.user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (r *room) broadcast(msg protocol.Message) {
	for userID, m := range r.members {
		if m.peer == nil {
			continue
		}
		if !m.peer.Send(msg) {
			logrus.WithFields(logrus.Fields{
				"room_id": r.id,
				"user_id": userID,
				"conn_id": m.peer.ID(),
			}).Warn("send queue full, closing slow peer")
			m.peer.Close("send queue full")
		}
	}
}

func (r *room) broadcastPresence() {
	r.lastBroadcast = r.now()
	r.broadcast(protocol.PresenceSnapshot(r.snapshot()))
	r.hub.metrics.Broadcast()
	r.hub.setCount(r.id, len(r.members))
}

func (r *room) broadcastLock() {
	r.broadcast(protocol.LockState(r.lock, r.now()))
}

// schedulePresence broadcasts right away unless a broadcast went out within
// the coalescing window, in which case one trailing broadcast is scheduled
// for the end of the window.
func (r *room) schedulePresence() {
	if r.flushTimer != nil {
		return
	}
	window := r.hub.cfg.CoalesceInterval
	since := r.now().Sub(r.lastBroadcast)
	if since >= window {
		r.broadcastPresence()
		return
	}
	r.flushTimer = r.hub.clock.AfterFunc(window-since, func() {
		r.post(func() {
			r.flushTimer = nil
			r.broadcastPresence()
		})
	})
}

func (r *room) scheduleSweep() {
	r.sweepTimer = r.hub.clock.AfterFunc(r.hub.cfg.PingInterval, func() {
		r.post(r.sweep)
	})
}

// sweep evicts members that missed the liveness deadline and retires the
// room once nothing is left in it.
func (r *room) sweep() {
	now := r.now()
	cutoff := now.Add(-2 * r.hub.cfg.PingInterval)

	evicted := 0
	for userID, m := range r.members {
		if !m.user.LastSeenAt.Before(cutoff) {
			continue
		}
		delete(r.members, userID)
		evicted++
		logrus.WithFields(logrus.Fields{
			"room_id":   r.id,
			"user_id":   userID,
			"last_seen": m.user.LastSeenAt,
		}).Info("evicting member after liveness timeout")
		if m.peer != nil {
			m.peer.Close("liveness timeout")
		}
	}
	if evicted > 0 {
		r.hub.metrics.Evicted(evicted)
		r.broadcastPresence()
	}

	if len(r.members) == 0 && !r.lock.Live(now) && r.flushTimer == nil {
		r.retired = true
		r.stopTimers()
		r.hub.retire(r)
		return
	}
	r.scheduleSweep()
}

func (r *room) stopTimers() {
	if r.sweepTimer != nil {
		r.sweepTimer.Stop()
	}
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
}
