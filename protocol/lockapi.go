package protocol

import "time"

// Error codes carried in ErrorResponse.Code by the lock endpoints.
const (
	CodeLocked      = "LOCKED"
	CodeLockLost    = "LOCK_LOST"
	CodeBadRequest  = "BAD_REQUEST"
	CodeUnavailable = "UNAVAILABLE"
	CodeInternal    = "INTERNAL"
)

type (
	// LockRequest is the body of every lock call. ExpiresAt is the expiry
	// the caller believes it holds; it is informational only.
	LockRequest struct {
		UserID    string     `json:"userId"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}

	AcquireResponse struct {
		ExpiresAt    time.Time `json:"expiresAt"`
		LeaseMs      int64     `json:"leaseMs"`
		FencingToken uint64    `json:"fencingToken"`
	}

	RenewResponse struct {
		ExpiresAt time.Time `json:"expiresAt"`
		LeaseMs   int64     `json:"leaseMs"`
	}

	LockStatusResponse struct {
		Held         bool       `json:"held"`
		HolderID     string     `json:"holderId,omitempty"`
		ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
		FencingToken uint64     `json:"fencingToken,omitempty"`
	}

	ErrorResponse struct {
		Code      string     `json:"code"`
		Error     string     `json:"error"`
		HolderID  string     `json:"holderId,omitempty"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}
)
