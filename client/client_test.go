package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"presence-hub/clock"
	"presence-hub/protocol"
)

func eventually(t *testing.T, msg string, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !ok() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing room", Config{BaseURL: "http://localhost", UserID: "alice"}},
		{"missing user", Config{BaseURL: "http://localhost", RoomID: "R1"}},
		{"missing base url", Config{RoomID: "R1", UserID: "alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New accepted an incomplete config")
			}
		})
	}
}

func TestClient_ReconnectReplacesPresence(t *testing.T) {
	clk := clock.NewManual(t0)
	d := newFakeDialer(nil)
	cfg := DefaultConfig()
	cfg.RoomID, cfg.UserID = "R1", "alice"

	var retries []time.Duration
	retried := make(chan struct{}, 4)
	c, err := New(cfg,
		WithClock(clk),
		WithDialer(d),
		WithLockAPI(newMockLockAPI(clk, 5*time.Minute)),
		WithRand(func() float64 { return 0 }),
		WithRetryHook(func(attempt int, delay time.Duration) {
			retries = append(retries, delay)
			retried <- struct{}{}
		}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	c.Connect()
	first := awaitChannel(t, d)
	first.inbound <- protocol.PresenceSnapshot(users("alice", "bob", "carol"))
	eventually(t, "three users", func() bool {
		v := c.View()
		return !v.Stale && len(v.Users) == 3
	})

	first.Close()
	eventually(t, "offline view", func() bool {
		v := c.View()
		return v.ConnectionState == StateOffline && v.Stale
	})
	if got := len(c.View().Users); got != 3 {
		t.Errorf("offline view dropped users early: %d", got)
	}

	<-retried
	clk.Advance(retries[0])
	second := awaitChannel(t, d)
	eventually(t, "online again", func() bool {
		return c.View().ConnectionState == StateOnline
	})
	if v := c.View(); !v.Stale || len(v.Users) != 0 {
		t.Errorf("view merged across reconnect: %+v", v)
	}

	second.inbound <- protocol.PresenceSnapshot(users("alice", "bob"))
	eventually(t, "fresh snapshot", func() bool { return !c.View().Stale })
	v := c.View()
	if ids := userIDs(v); len(ids) != 2 || ids[0] != "alice" || ids[1] != "bob" {
		t.Errorf("users after reconnect = %v", ids)
	}
}

func TestClient_SendsPresenceFrames(t *testing.T) {
	clk := clock.NewManual(t0)
	d := newFakeDialer(nil)
	cfg := DefaultConfig()
	cfg.RoomID, cfg.UserID = "R1", "alice"
	c, _ := New(cfg, WithClock(clk), WithDialer(d), WithLockAPI(newMockLockAPI(clk, time.Minute)))
	defer c.Close()

	if err := c.UpdateCursor(context.Background(), 1, 2); !errors.Is(err, ErrNotConnected) {
		t.Errorf("UpdateCursor before connect = %v", err)
	}

	c.Connect()
	ch := awaitChannel(t, d)
	eventually(t, "online", func() bool {
		state, _ := c.State()
		return state == StateOnline
	})

	if err := c.UpdateCursor(context.Background(), 3, 4); err != nil {
		t.Fatalf("UpdateCursor failed: %v", err)
	}
	if err := c.UpdateSelection(context.Background(), "shape-7"); err != nil {
		t.Fatalf("UpdateSelection failed: %v", err)
	}

	sent := ch.sentFrames()
	if len(sent) != 3 || sent[1].Type != protocol.TypeCursor || sent[2].Type != protocol.TypeSelection {
		t.Fatalf("frames = %+v", sent)
	}
	var selection protocol.Selection
	sent[2].Decode(&selection)
	if selection.Ref != "shape-7" {
		t.Errorf("selection = %q", selection.Ref)
	}
}

func TestClient_LockRevocation(t *testing.T) {
	clk := clock.NewManual(t0)
	api := newMockLockAPI(clk, 5*time.Minute)
	api.renewErr = errors.New("offline")
	cfg := DefaultConfig()
	cfg.RoomID, cfg.UserID = "R1", "alice"
	c, _ := New(cfg, WithClock(clk), WithDialer(newFakeDialer(nil)), WithLockAPI(api))
	defer c.Close()

	revoked := make(chan Revocation, 1)
	c.OnLockRevoked(func(r Revocation) { revoked <- r })

	if ok, err := c.AcquireSoftLock(context.Background()); !ok || err != nil {
		t.Fatalf("AcquireSoftLock = %v, %v", ok, err)
	}
	if !c.HoldsLock() {
		t.Error("lock not held after acquire")
	}

	clk.Advance(3 * time.Minute)
	select {
	case r := <-revoked:
		if r.RoomID != "R1" {
			t.Errorf("revocation = %+v", r)
		}
	default:
		t.Fatal("renewal failure did not revoke the lock")
	}
	if c.HoldsLock() {
		t.Error("lock still held after revocation")
	}
}
