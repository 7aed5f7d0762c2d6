package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"presence-hub/clock"
	"presence-hub/core"
)

func TestNewStore(t *testing.T) {
	store := NewStore()
	if store == nil {
		t.Fatal("NewStore() returned nil")
	}
}

func TestTouchRoom_EmptyID(t *testing.T) {
	store := NewStore()

	if err := store.TouchRoom(context.Background(), ""); !errors.Is(err, core.ErrInvalidRoom) {
		t.Errorf("TouchRoom(\"\") error = %v, want ErrInvalidRoom", err)
	}
}

func TestListRooms_OrderedByLastActive(t *testing.T) {
	s := NewStore().(*store)
	ctx := context.Background()

	s.rooms["old"] = 100
	s.rooms["new"] = 300
	s.rooms["b-tie"] = 200
	s.rooms["a-tie"] = 200

	rooms, err := s.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() failed: %v", err)
	}

	want := []string{"new", "a-tie", "b-tie", "old"}
	if len(rooms) != len(want) {
		t.Fatalf("ListRooms() returned %d rooms, want %d", len(rooms), len(want))
	}
	for i, id := range want {
		if rooms[i].ID != id {
			t.Errorf("rooms[%d] = %s, want %s", i, rooms[i].ID, id)
		}
	}
}

func TestTouchRoom_UsesClock(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	store := NewStore(WithClock(clk))
	ctx := context.Background()

	if err := store.TouchRoom(ctx, "room-1"); err != nil {
		t.Fatalf("TouchRoom() failed: %v", err)
	}
	clk.Advance(time.Minute)
	if err := store.TouchRoom(ctx, "room-2"); err != nil {
		t.Fatalf("TouchRoom() failed: %v", err)
	}

	rooms, _ := store.ListRooms(ctx)
	if len(rooms) != 2 || rooms[0].ID != "room-2" {
		t.Fatalf("ListRooms() = %+v", rooms)
	}
	if want := clk.Now().UnixMilli(); rooms[0].LastActive != want {
		t.Errorf("LastActive = %d, want %d", rooms[0].LastActive, want)
	}
	if want := clk.Now().Add(-time.Minute).UnixMilli(); rooms[1].LastActive != want {
		t.Errorf("LastActive = %d, want %d", rooms[1].LastActive, want)
	}
}

func TestDeleteRoom_RemovesRoomAndEvents(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	store.TouchRoom(ctx, "room-1")
	store.RecordLockEvent(ctx, core.LockEvent{ID: "e1", RoomID: "room-1", Kind: core.LockAcquired})

	if err := store.DeleteRoom(ctx, "room-1"); err != nil {
		t.Fatalf("DeleteRoom() failed: %v", err)
	}

	rooms, _ := store.ListRooms(ctx)
	if len(rooms) != 0 {
		t.Errorf("room still listed after delete: %+v", rooms)
	}
	events, _ := store.ListLockEvents(ctx, "room-1", 0)
	if len(events) != 0 {
		t.Errorf("events still listed after delete: %+v", events)
	}
}

func TestLockEvents_NewestFirstWithLimit(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := core.LockEvent{ID: fmt.Sprintf("e%d", i), RoomID: "room-1", Kind: core.LockRenewed}
		if err := store.RecordLockEvent(ctx, event); err != nil {
			t.Fatalf("RecordLockEvent() failed: %v", err)
		}
	}
	store.RecordLockEvent(ctx, core.LockEvent{ID: "other", RoomID: "room-2"})

	events, err := store.ListLockEvents(ctx, "room-1", 3)
	if err != nil {
		t.Fatalf("ListLockEvents() failed: %v", err)
	}
	want := []string{"e4", "e3", "e2"}
	if len(events) != len(want) {
		t.Fatalf("ListLockEvents() returned %d events, want %d", len(events), len(want))
	}
	for i, id := range want {
		if events[i].ID != id {
			t.Errorf("events[%d] = %s, want %s", i, events[i].ID, id)
		}
	}

	all, _ := store.ListLockEvents(ctx, "room-1", 0)
	if len(all) != 5 {
		t.Errorf("unlimited list returned %d events, want 5", len(all))
	}
}

func TestLockEvents_RetentionBound(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i := 0; i < maxEventsPerRoom+10; i++ {
		store.RecordLockEvent(ctx, core.LockEvent{ID: fmt.Sprintf("e%d", i), RoomID: "room-1"})
	}

	events, _ := store.ListLockEvents(ctx, "room-1", 0)
	if len(events) != maxEventsPerRoom {
		t.Fatalf("retained %d events, want %d", len(events), maxEventsPerRoom)
	}
	if events[len(events)-1].ID != "e10" {
		t.Errorf("oldest retained event = %s, want e10", events[len(events)-1].ID)
	}
}

func TestRecordLockEvent_RequiresRoom(t *testing.T) {
	store := NewStore()

	err := store.RecordLockEvent(context.Background(), core.LockEvent{ID: "e1"})
	if !errors.Is(err, core.ErrInvalidRoom) {
		t.Errorf("RecordLockEvent() error = %v, want ErrInvalidRoom", err)
	}
}

func TestConcurrentTouchAndRecord(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	numGoroutines := 10
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			roomID := fmt.Sprintf("room-%d", index%3)
			if err := store.TouchRoom(ctx, roomID); err != nil {
				t.Errorf("TouchRoom() failed: %v", err)
			}
			event := core.LockEvent{ID: fmt.Sprintf("e%d", index), RoomID: roomID}
			if err := store.RecordLockEvent(ctx, event); err != nil {
				t.Errorf("RecordLockEvent() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	rooms, _ := store.ListRooms(ctx)
	if len(rooms) != 3 {
		t.Errorf("ListRooms() returned %d rooms, want 3", len(rooms))
	}
	total := 0
	for _, room := range rooms {
		events, _ := store.ListLockEvents(ctx, room.ID, 0)
		total += len(events)
	}
	if total != numGoroutines {
		t.Errorf("recorded %d events, want %d", total, numGoroutines)
	}
}
