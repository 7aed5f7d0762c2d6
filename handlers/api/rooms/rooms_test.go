package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"presence-hub/core"

	"github.com/go-chi/chi/v5"
)

type mockHub struct {
	active map[string]int
	users  []core.PresenceUser
	lock   *core.SoftLock
	err    error
}

func (m *mockHub) ActiveRooms() map[string]int { return m.active }

func (m *mockHub) Snapshot(ctx context.Context, roomID string) ([]core.PresenceUser, error) {
	return m.users, m.err
}

func (m *mockHub) LockState(ctx context.Context, roomID string) (core.SoftLock, bool, error) {
	if m.lock == nil {
		return core.SoftLock{}, false, m.err
	}
	return *m.lock, true, m.err
}

type mockStore struct {
	mu      sync.Mutex
	rooms   []core.Room
	events  []core.LockEvent
	deleted []string
	limit   int
	err     error
}

func (m *mockStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	return m.rooms, m.err
}

func (m *mockStore) TouchRoom(ctx context.Context, roomID string) error { return m.err }

func (m *mockStore) DeleteRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, roomID)
	return m.err
}

func (m *mockStore) RecordLockEvent(ctx context.Context, event core.LockEvent) error { return m.err }

func (m *mockStore) ListLockEvents(ctx context.Context, roomID string, limit int) ([]core.LockEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
	return m.events, m.err
}

func serve(handler http.HandlerFunc, method, pattern, target string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, handler)
	req := httptest.NewRequest(method, target, http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandleListRooms_MergesLiveAndRegistry(t *testing.T) {
	live := &mockHub{active: map[string]int{"busy": 3, "quiet": 1}}
	store := &mockStore{rooms: []core.Room{
		{ID: "quiet", LastActive: 500},
		{ID: "idle-new", LastActive: 900},
		{ID: "idle-old", LastActive: 100},
	}}

	rec := serve(HandleListRooms(live, store), http.MethodGet, "/api/rooms", "/api/rooms")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var rooms []RoomSummary
	if err := json.NewDecoder(rec.Body).Decode(&rooms); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	want := []string{"busy", "quiet", "idle-new", "idle-old"}
	if len(rooms) != len(want) {
		t.Fatalf("Expected %d rooms, got %d", len(want), len(rooms))
	}
	for i, id := range want {
		if rooms[i].ID != id {
			t.Errorf("rooms[%d] = %s, want %s", i, rooms[i].ID, id)
		}
	}
	if rooms[1].Users != 1 || rooms[1].LastActive == nil || *rooms[1].LastActive != 500 {
		t.Errorf("merged room = %+v", rooms[1])
	}
	if rooms[0].LastActive != nil {
		t.Errorf("live-only room has lastActive %d", *rooms[0].LastActive)
	}
}

func TestHandleListRooms_RegistryErrorFallsBackToLive(t *testing.T) {
	live := &mockHub{active: map[string]int{"busy": 2}}
	store := &mockStore{err: errors.New("db down")}

	rec := serve(HandleListRooms(live, store), http.MethodGet, "/api/rooms", "/api/rooms")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var rooms []RoomSummary
	json.NewDecoder(rec.Body).Decode(&rooms)
	if len(rooms) != 1 || rooms[0].ID != "busy" {
		t.Errorf("rooms = %+v", rooms)
	}
}

func TestHandleListRooms_Empty(t *testing.T) {
	rec := serve(HandleListRooms(&mockHub{}, nil), http.MethodGet, "/api/rooms", "/api/rooms")
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestHandlePresence(t *testing.T) {
	expires := time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC)
	live := &mockHub{
		users: []core.PresenceUser{{UserID: "alice"}, {UserID: "bob"}},
		lock:  &core.SoftLock{HolderID: "alice", ExpiresAt: expires, FencingToken: 4},
	}

	rec := serve(HandlePresence(live), http.MethodGet, "/api/rooms/{roomId}/presence", "/api/rooms/R1/presence")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var resp PresenceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.RoomID != "R1" || len(resp.Users) != 2 {
		t.Errorf("response = %+v", resp)
	}
	if !resp.Lock.Held || resp.Lock.HolderID != "alice" || resp.Lock.FencingToken != 4 {
		t.Errorf("lock = %+v", resp.Lock)
	}
}

func TestHandlePresence_HubError(t *testing.T) {
	rec := serve(HandlePresence(&mockHub{err: errors.New("closed")}), http.MethodGet,
		"/api/rooms/{roomId}/presence", "/api/rooms/R1/presence")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
}

func TestHandleListLockEvents(t *testing.T) {
	store := &mockStore{events: []core.LockEvent{{ID: "e2", Kind: core.LockReleased}, {ID: "e1", Kind: core.LockAcquired}}}

	rec := serve(HandleListLockEvents(store), http.MethodGet, "/api/rooms/{roomId}/lock-events", "/api/rooms/R1/lock-events")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if store.limit != defaultEventLimit {
		t.Errorf("limit = %d, want %d", store.limit, defaultEventLimit)
	}

	var events []core.LockEvent
	json.NewDecoder(rec.Body).Decode(&events)
	if len(events) != 2 || events[0].ID != "e2" {
		t.Errorf("events = %+v", events)
	}

	rec = serve(HandleListLockEvents(store), http.MethodGet, "/api/rooms/{roomId}/lock-events", "/api/rooms/R1/lock-events?limit=5")
	if rec.Code != http.StatusOK || store.limit != 5 {
		t.Errorf("limit query: status %d, limit %d", rec.Code, store.limit)
	}
}

func TestHandleListLockEvents_InvalidLimit(t *testing.T) {
	for _, limit := range []string{"abc", "0", "-3"} {
		rec := serve(HandleListLockEvents(&mockStore{}), http.MethodGet,
			"/api/rooms/{roomId}/lock-events", "/api/rooms/R1/lock-events?limit="+limit)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected status 400, got %d", limit, rec.Code)
		}
	}
}

func TestHandleDeleteRoom(t *testing.T) {
	store := &mockStore{}

	rec := serve(HandleDeleteRoom(store), http.MethodDelete, "/api/rooms/{roomId}", "/api/rooms/R1")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", rec.Code)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "R1" {
		t.Errorf("deleted = %v", store.deleted)
	}

	store.err = errors.New("db down")
	rec = serve(HandleDeleteRoom(store), http.MethodDelete, "/api/rooms/{roomId}", "/api/rooms/R1")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}
