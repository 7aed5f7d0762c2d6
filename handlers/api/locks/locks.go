package locks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"presence-hub/core"
	"presence-hub/hub"
	"presence-hub/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type LockAuthority interface {
	Acquire(ctx context.Context, roomID, userID string) (core.LockGrant, error)
	Renew(ctx context.Context, roomID, userID string) (core.SoftLock, error)
	Release(ctx context.Context, roomID, userID string) (bool, error)
	LockState(ctx context.Context, roomID string) (core.SoftLock, bool, error)
	Lease() time.Duration
}

// Routes mounts the lock endpoints of one room under /presence/{roomId}/lock.
func Routes(authority LockAuthority) func(r chi.Router) {
	return func(r chi.Router) {
		r.Post("/", HandleAcquire(authority))
		r.Put("/", HandleRenew(authority))
		r.Delete("/", HandleRelease(authority))
		r.Get("/", HandleStatus(authority))
	}
}

// HandleAcquire grants the room lock or answers 409 with the current holder.
func HandleAcquire(authority LockAuthority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		req, ok := decodeLockRequest(w, r)
		if !ok {
			return
		}

		grant, err := authority.Acquire(r.Context(), roomID, req.UserID)
		if err != nil {
			renderError(w, r, err)
			return
		}

		if !grant.Granted {
			expiresAt := grant.Lock.ExpiresAt
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, protocol.ErrorResponse{
				Code:      protocol.CodeLocked,
				Error:     "lock is held by another user",
				HolderID:  grant.Lock.HolderID,
				ExpiresAt: &expiresAt,
			})
			return
		}

		render.JSON(w, r, protocol.AcquireResponse{
			ExpiresAt:    grant.Lock.ExpiresAt,
			LeaseMs:      grant.Lease.Milliseconds(),
			FencingToken: grant.Lock.FencingToken,
		})
	}
}

// HandleRenew extends the caller's live lock. A lost lock answers 409
// LOCK_LOST and is not re-granted.
func HandleRenew(authority LockAuthority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		req, ok := decodeLockRequest(w, r)
		if !ok {
			return
		}

		lock, err := authority.Renew(r.Context(), roomID, req.UserID)
		if err != nil {
			renderError(w, r, err)
			return
		}

		render.JSON(w, r, protocol.RenewResponse{
			ExpiresAt: lock.ExpiresAt,
			LeaseMs:   authority.Lease().Milliseconds(),
		})
	}
}

// HandleRelease releases the caller's lock. It succeeds whether or not the
// caller held it.
func HandleRelease(authority LockAuthority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		req, ok := decodeLockRequest(w, r)
		if !ok {
			return
		}

		released, err := authority.Release(r.Context(), roomID, req.UserID)
		if err != nil {
			renderError(w, r, err)
			return
		}

		logrus.WithFields(logrus.Fields{
			"room_id":  roomID,
			"user_id":  req.UserID,
			"released": released,
		}).Debug("Lock release handled")
		render.JSON(w, r, struct{}{})
	}
}

// HandleStatus reports the live lock of a room.
func HandleStatus(authority LockAuthority) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		lock, held, err := authority.LockState(r.Context(), roomID)
		if err != nil {
			renderError(w, r, err)
			return
		}

		resp := protocol.LockStatusResponse{Held: held}
		if held {
			expiresAt := lock.ExpiresAt
			resp.HolderID = lock.HolderID
			resp.ExpiresAt = &expiresAt
			resp.FencingToken = lock.FencingToken
		}
		render.JSON(w, r, resp)
	}
}

func decodeLockRequest(w http.ResponseWriter, r *http.Request) (protocol.LockRequest, bool) {
	var req protocol.LockRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		logrus.WithField("error", err).Warn("Failed to decode lock request")
		badRequest(w, r, "invalid request body")
		return req, false
	}
	if req.UserID == "" {
		badRequest(w, r, core.ErrInvalidUser.Error())
		return req, false
	}
	return req, true
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, protocol.ErrorResponse{Code: protocol.CodeBadRequest, Error: msg})
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, protocol.CodeInternal
	switch {
	case errors.Is(err, core.ErrLockLost):
		status, code = http.StatusConflict, protocol.CodeLockLost
	case errors.Is(err, core.ErrInvalidRoom), errors.Is(err, core.ErrInvalidUser):
		status, code = http.StatusBadRequest, protocol.CodeBadRequest
	case errors.Is(err, hub.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, protocol.CodeUnavailable
	default:
		logrus.WithField("error", err).Error("Lock operation failed")
	}

	render.Status(r, status)
	render.JSON(w, r, protocol.ErrorResponse{Code: code, Error: err.Error()})
}
