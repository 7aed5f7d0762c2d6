package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"presence-hub/clock"
	"presence-hub/core"
	"presence-hub/handlers/api/locks"
	"presence-hub/hub"

	"github.com/go-chi/chi/v5"
)

func newLockServer(t *testing.T) (*HTTPLockAPI, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	h := hub.New(hub.Config{LeaseDuration: 5 * time.Minute}, hub.WithClock(clk))

	r := chi.NewRouter()
	r.Route("/presence/{roomId}/lock", locks.Routes(h))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return NewHTTPLockAPI(srv.URL+"/", srv.Client()), clk
}

func TestHTTPLockAPI_AcquireAndDeny(t *testing.T) {
	api, _ := newLockServer(t)
	ctx := context.Background()

	grant, err := api.Acquire(ctx, "R1", "alice")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !grant.Granted || grant.Lease != 5*time.Minute || grant.FencingToken == 0 {
		t.Errorf("grant = %+v", grant)
	}
	if !grant.ExpiresAt.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("expiresAt = %v", grant.ExpiresAt)
	}

	denied, err := api.Acquire(ctx, "R1", "bob")
	if err != nil {
		t.Fatalf("contended Acquire returned an error: %v", err)
	}
	if denied.Granted || denied.HolderID != "alice" || !denied.ExpiresAt.Equal(grant.ExpiresAt) {
		t.Errorf("denial = %+v", denied)
	}
}

func TestHTTPLockAPI_RenewAndLoss(t *testing.T) {
	api, clk := newLockServer(t)
	ctx := context.Background()

	grant, _ := api.Acquire(ctx, "R1", "alice")
	clk.Advance(3 * time.Minute)

	expires, lease, err := api.Renew(ctx, "R1", "alice", grant.ExpiresAt)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if lease != 5*time.Minute || !expires.Equal(t0.Add(8*time.Minute)) {
		t.Errorf("Renew = %v, %v", expires, lease)
	}

	_, _, err = api.Renew(ctx, "R1", "bob", time.Time{})
	if !errors.Is(err, core.ErrLockLost) {
		t.Fatalf("Renew by non-holder = %v, want ErrLockLost", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Errorf("error = %#v", err)
	}

	clk.Advance(10 * time.Minute)
	if _, _, err := api.Renew(ctx, "R1", "alice", expires); !errors.Is(err, core.ErrLockLost) {
		t.Errorf("Renew after expiry = %v, want ErrLockLost", err)
	}
}

func TestHTTPLockAPI_ReleaseAndStatus(t *testing.T) {
	api, _ := newLockServer(t)
	ctx := context.Background()

	api.Acquire(ctx, "R1", "alice")
	status, err := api.Status(ctx, "R1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Held || status.HolderID != "alice" {
		t.Errorf("status = %+v", status)
	}

	// Release by a non-holder is a silent no-op.
	if err := api.Release(ctx, "R1", "bob"); err != nil {
		t.Errorf("Release by non-holder = %v", err)
	}
	if status, _ := api.Status(ctx, "R1"); !status.Held {
		t.Error("non-holder release dropped the lock")
	}

	if err := api.Release(ctx, "R1", "alice"); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	if err := api.Release(ctx, "R1", "alice"); err != nil {
		t.Errorf("second Release = %v", err)
	}
	if status, _ := api.Status(ctx, "R1"); status.Held {
		t.Errorf("status after release = %+v", status)
	}
}

func TestHTTPLockAPI_BadRequest(t *testing.T) {
	api, _ := newLockServer(t)

	_, err := api.Acquire(context.Background(), "R1", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Response.Code != "BAD_REQUEST" {
		t.Errorf("Acquire without user = %v", err)
	}
}

func TestHTTPLockAPI_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPLockAPI(srv.URL, nil).Acquire(context.Background(), "R1", "alice")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Response.Code != "" || len(apiErr.Body) == 0 {
		t.Errorf("APIError = %+v", apiErr)
	}
	if errors.Is(err, core.ErrLockLost) {
		t.Error("gateway error matched ErrLockLost")
	}
}
