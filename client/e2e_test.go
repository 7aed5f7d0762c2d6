package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"presence-hub/client"
	"presence-hub/handlers/websocket"
	"presence-hub/hub"
	"presence-hub/server"
	"presence-hub/stores/memory"
)

func startServer(t *testing.T) string {
	t.Helper()
	h := hub.New(hub.Config{LeaseDuration: 5 * time.Minute, PingInterval: time.Second, CoalesceInterval: 10 * time.Millisecond})
	store := memory.NewStore()
	presence := websocket.NewPresenceHandler(h, store, nil, websocket.Options{PingInterval: time.Second})
	srv := httptest.NewServer(server.NewRouter(server.Deps{Hub: h, Store: store, Presence: presence}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		presence.Shutdown(ctx)
		srv.Close()
		h.Close()
	})
	return srv.URL
}

func newClient(t *testing.T, baseURL, userID string) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.RoomID = "R1"
	cfg.UserID = userID
	cfg.DisplayName = userID
	cfg.PingInterval = time.Second

	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func eventually(t *testing.T, msg string, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !ok() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEndToEnd_LockHandoff(t *testing.T) {
	baseURL := startServer(t)
	ctx := context.Background()

	a := newClient(t, baseURL, "alice")
	a.Connect()
	eventually(t, "alice online", func() bool {
		v := a.View()
		return v.ConnectionState == client.StateOnline && !v.Stale && v.CurrentUser != nil
	})

	if ok, err := a.AcquireSoftLock(ctx); err != nil || !ok {
		t.Fatalf("alice AcquireSoftLock = %v, %v", ok, err)
	}

	b := newClient(t, baseURL, "bob")
	b.Connect()
	eventually(t, "bob sees alice and her lock", func() bool {
		v := b.View()
		return !v.Stale && len(v.Users) == 2 && v.IsLocked && v.LockedBy == "alice"
	})

	ok, err := b.AcquireSoftLock(ctx)
	if err != nil {
		t.Fatalf("bob AcquireSoftLock failed: %v", err)
	}
	if ok {
		t.Fatal("bob acquired a lock alice holds")
	}
	if status, err := b.LockStatus(ctx); err != nil || status.HolderID != "alice" {
		t.Errorf("LockStatus = %+v, %v", status, err)
	}

	if err := a.ReleaseLock(ctx); err != nil {
		t.Fatalf("alice ReleaseLock failed: %v", err)
	}
	eventually(t, "bob sees the release", func() bool { return !b.View().IsLocked })

	if ok, err := b.AcquireSoftLock(ctx); err != nil || !ok {
		t.Fatalf("bob retry AcquireSoftLock = %v, %v", ok, err)
	}
	eventually(t, "alice sees bob's lock", func() bool { return a.View().LockedBy == "bob" })
	if a.HoldsLock() || !b.HoldsLock() {
		t.Errorf("holds: alice=%v bob=%v", a.HoldsLock(), b.HoldsLock())
	}
}

func TestEndToEnd_PresenceFlow(t *testing.T) {
	baseURL := startServer(t)
	ctx := context.Background()

	a := newClient(t, baseURL, "alice")
	b := newClient(t, baseURL, "bob")
	a.Connect()
	b.Connect()
	eventually(t, "both online", func() bool {
		return len(a.View().Users) == 2 && len(b.View().Users) == 2
	})

	if err := b.UpdateCursor(ctx, 10, 20); err != nil {
		t.Fatalf("UpdateCursor failed: %v", err)
	}
	if err := b.UpdateSelection(ctx, "shape-1"); err != nil {
		t.Fatalf("UpdateSelection failed: %v", err)
	}
	eventually(t, "alice sees bob's cursor and selection", func() bool {
		for _, u := range a.View().Users {
			if u.UserID == "bob" {
				return u.Cursor != nil && u.Cursor.X == 10 && u.Selection != nil && *u.Selection == "shape-1"
			}
		}
		return false
	})

	b.Close()
	eventually(t, "bob leaves", func() bool { return len(a.View().Users) == 1 })
}
