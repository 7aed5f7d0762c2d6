package client

import (
	"context"
	"slices"
	"sync"
	"time"

	"presence-hub/clock"

	"github.com/sirupsen/logrus"
)

const (
	renewTimeout  = 10 * time.Second
	minRenewDelay = time.Second
)

type (
	// Revocation reports that a held lock was lost. Err is the failed
	// renewal: core.ErrLockLost when the server refused it, a transport
	// error otherwise. Both mean the caller must stop writing.
	Revocation struct {
		RoomID string
		UserID string
		Err    error
	}

	// LockManager holds soft locks on behalf of the application and renews
	// them before they expire. Renewal runs on timers and does not depend on
	// the presence channel.
	LockManager struct {
		api    LockAPI
		clock  clock.Clock
		margin time.Duration

		mu        sync.Mutex
		holds     map[string]*hold
		onRevoked []func(Revocation)
	}

	hold struct {
		userID    string
		expiresAt time.Time
		timer     clock.Timer
	}
)

func NewLockManager(api LockAPI, clk clock.Clock, renewalMargin time.Duration) *LockManager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &LockManager{
		api:    api,
		clock:  clk,
		margin: renewalMargin,
		holds:  make(map[string]*hold),
	}
}

// OnRevoked registers fn to be called when a held lock is lost.
func (m *LockManager) OnRevoked(fn func(Revocation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRevoked = append(m.onRevoked, fn)
}

// renewAfter is when to renew a lease of the given length: margin before it
// runs out, or halfway through when the margin does not fit.
func (m *LockManager) renewAfter(lease time.Duration) time.Duration {
	delay := lease / 2
	if m.margin > 0 && m.margin < lease {
		delay = lease - m.margin
	}
	return max(delay, minRenewDelay)
}

// AcquireSoftLock asks for the room lock. Contention is reported as false
// with a nil error.
func (m *LockManager) AcquireSoftLock(ctx context.Context, roomID, userID string) (bool, error) {
	grant, err := m.api.Acquire(ctx, roomID, userID)
	if err != nil {
		return false, err
	}
	log := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})
	if !grant.Granted {
		log.WithField("holder_id", grant.HolderID).Debug("Lock held by another user")
		return false, nil
	}

	h := &hold{userID: userID, expiresAt: grant.ExpiresAt}
	m.mu.Lock()
	if prev := m.holds[roomID]; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	m.holds[roomID] = h
	m.scheduleLocked(roomID, h, grant.Lease)
	m.mu.Unlock()

	log.WithField("expires_at", grant.ExpiresAt).Info("Lock acquired")
	return true, nil
}

func (m *LockManager) scheduleLocked(roomID string, h *hold, lease time.Duration) {
	h.timer = m.clock.AfterFunc(m.renewAfter(lease), func() { m.renew(roomID, h) })
}

func (m *LockManager) renew(roomID string, h *hold) {
	m.mu.Lock()
	if m.holds[roomID] != h {
		m.mu.Unlock()
		return
	}
	expiresAt := h.expiresAt
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()
	newExpiry, lease, err := m.api.Renew(ctx, roomID, h.userID, expiresAt)

	m.mu.Lock()
	if m.holds[roomID] != h {
		// Released or replaced while the renewal was in flight.
		m.mu.Unlock()
		return
	}
	log := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": h.userID})
	if err != nil {
		delete(m.holds, roomID)
		callbacks := slices.Clone(m.onRevoked)
		m.mu.Unlock()

		log.WithError(err).Warn("Lock renewal failed, lock revoked")
		rev := Revocation{RoomID: roomID, UserID: h.userID, Err: err}
		for _, fn := range callbacks {
			fn(rev)
		}
		return
	}
	h.expiresAt = newExpiry
	m.scheduleLocked(roomID, h, lease)
	m.mu.Unlock()
	log.WithField("expires_at", newExpiry).Debug("Lock renewed")
}

// ReleaseLock stops renewing and releases the lock on the server. Without
// a local hold it still asks the server, but ignores failures.
func (m *LockManager) ReleaseLock(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	h := m.holds[roomID]
	held := h != nil && h.userID == userID
	if held {
		h.timer.Stop()
		delete(m.holds, roomID)
	}
	m.mu.Unlock()

	err := m.api.Release(ctx, roomID, userID)
	if err != nil && !held {
		logrus.WithError(err).WithField("room_id", roomID).Debug("Release without a held lock failed")
		return nil
	}
	return err
}

// Holds reports whether the manager believes it holds the room lock.
func (m *LockManager) Holds(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.holds[roomID]
	return h != nil && m.clock.Now().Before(h.expiresAt)
}

// Close stops every renewal without releasing; the server lets the leases
// expire.
func (m *LockManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for roomID, h := range m.holds {
		h.timer.Stop()
		delete(m.holds, roomID)
	}
}
