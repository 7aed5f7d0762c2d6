package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"presence-hub/core"
	"presence-hub/protocol"
)

type (
	// LockGrant is the client's view of an acquire. A denial is not an
	// error: Granted is false and HolderID names the current holder.
	LockGrant struct {
		Granted      bool
		HolderID     string
		ExpiresAt    time.Time
		Lease        time.Duration
		FencingToken uint64
	}

	LockAPI interface {
		Acquire(ctx context.Context, roomID, userID string) (LockGrant, error)
		// Renew fails with an error matching core.ErrLockLost when the
		// caller no longer holds the lock.
		Renew(ctx context.Context, roomID, userID string, expiresAt time.Time) (time.Time, time.Duration, error)
		Release(ctx context.Context, roomID, userID string) error
		Status(ctx context.Context, roomID string) (protocol.LockStatusResponse, error)
	}

	// HTTPLockAPI calls the lock endpoints under /presence/{roomId}/lock.
	HTTPLockAPI struct {
		baseURL    string
		httpClient *http.Client
	}

	// APIError describes an error response from the lock endpoints.
	APIError struct {
		Status   int
		Response protocol.ErrorResponse
		Body     []byte
	}
)

func (e *APIError) Error() string {
	if e.Response.Code != "" {
		return fmt.Sprintf("presence: %s (%s)", e.Response.Code, e.Response.Error)
	}
	return fmt.Sprintf("presence: status %d", e.Status)
}

// Unwrap maps LOCK_LOST onto core.ErrLockLost.
func (e *APIError) Unwrap() error {
	if e.Response.Code == protocol.CodeLockLost {
		return core.ErrLockLost
	}
	return nil
}

func NewHTTPLockAPI(baseURL string, httpClient *http.Client) *HTTPLockAPI {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPLockAPI{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

func (a *HTTPLockAPI) Acquire(ctx context.Context, roomID, userID string) (LockGrant, error) {
	var resp protocol.AcquireResponse
	err := a.do(ctx, http.MethodPost, roomID, protocol.LockRequest{UserID: userID}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict && apiErr.Response.Code == protocol.CodeLocked {
			grant := LockGrant{HolderID: apiErr.Response.HolderID}
			if apiErr.Response.ExpiresAt != nil {
				grant.ExpiresAt = *apiErr.Response.ExpiresAt
			}
			return grant, nil
		}
		return LockGrant{}, err
	}
	return LockGrant{
		Granted:      true,
		HolderID:     userID,
		ExpiresAt:    resp.ExpiresAt,
		Lease:        time.Duration(resp.LeaseMs) * time.Millisecond,
		FencingToken: resp.FencingToken,
	}, nil
}

func (a *HTTPLockAPI) Renew(ctx context.Context, roomID, userID string, expiresAt time.Time) (time.Time, time.Duration, error) {
	req := protocol.LockRequest{UserID: userID}
	if !expiresAt.IsZero() {
		req.ExpiresAt = &expiresAt
	}
	var resp protocol.RenewResponse
	if err := a.do(ctx, http.MethodPut, roomID, req, &resp); err != nil {
		return time.Time{}, 0, err
	}
	return resp.ExpiresAt, time.Duration(resp.LeaseMs) * time.Millisecond, nil
}

func (a *HTTPLockAPI) Release(ctx context.Context, roomID, userID string) error {
	return a.do(ctx, http.MethodDelete, roomID, protocol.LockRequest{UserID: userID}, nil)
}

func (a *HTTPLockAPI) Status(ctx context.Context, roomID string) (protocol.LockStatusResponse, error) {
	var resp protocol.LockStatusResponse
	err := a.do(ctx, http.MethodGet, roomID, nil, &resp)
	return resp, err
}

func (a *HTTPLockAPI) do(ctx context.Context, method, roomID string, payload, out any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}

	target := a.baseURL + "/presence/" + url.PathEscape(roomID) + "/lock"
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	apiErr := &APIError{Status: resp.StatusCode, Body: data}
	if len(data) > 0 {
		// Leave Response empty on a non-JSON body; Body keeps it for diagnostics.
		_ = json.Unmarshal(data, &apiErr.Response)
	}
	return apiErr
}
