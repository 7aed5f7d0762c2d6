package rooms

import (
	"context"
	"net/http"
	"sort"
	"strconv"

	"presence-hub/core"
	"presence-hub/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

const defaultEventLimit = 50

type (
	// RoomHub is the live side of the rooms API.
	RoomHub interface {
		ActiveRooms() map[string]int
		Snapshot(ctx context.Context, roomID string) ([]core.PresenceUser, error)
		LockState(ctx context.Context, roomID string) (core.SoftLock, bool, error)
	}

	RoomSummary struct {
		ID         string `json:"id"`
		Users      int    `json:"users"`
		LastActive *int64 `json:"lastActive,omitempty"`
	}

	PresenceResponse struct {
		RoomID string                      `json:"roomId"`
		Users  []core.PresenceUser         `json:"users"`
		Lock   protocol.LockStatusResponse `json:"lock"`
	}
)

// HandleListRooms merges rooms with connected members and rooms known to the
// registry, busiest and most recently active first.
func HandleListRooms(live RoomHub, registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomMap := make(map[string]*RoomSummary)
		for id, count := range live.ActiveRooms() {
			roomMap[id] = &RoomSummary{ID: id, Users: count}
		}

		if registry != nil {
			if storedRooms, err := registry.ListRooms(r.Context()); err != nil {
				logrus.WithError(err).Warn("failed to list rooms from registry")
			} else {
				for _, room := range storedRooms {
					entry, exists := roomMap[room.ID]
					if !exists {
						entry = &RoomSummary{ID: room.ID}
						roomMap[room.ID] = entry
					}
					if room.LastActive > 0 {
						lastActive := room.LastActive
						entry.LastActive = &lastActive
					}
				}
			}
		}

		roomList := make([]RoomSummary, 0, len(roomMap))
		for _, entry := range roomMap {
			roomList = append(roomList, *entry)
		}

		sort.Slice(roomList, func(i, j int) bool {
			if roomList[i].Users == roomList[j].Users {
				li, lj := lastActive(roomList[i]), lastActive(roomList[j])
				if li == lj {
					return roomList[i].ID < roomList[j].ID
				}
				return li > lj
			}
			return roomList[i].Users > roomList[j].Users
		})

		render.JSON(w, r, roomList)
	}
}

func lastActive(room RoomSummary) int64 {
	if room.LastActive == nil {
		return 0
	}
	return *room.LastActive
}

// HandlePresence returns the current presence snapshot and lock state of a
// room.
func HandlePresence(live RoomHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		log := logrus.WithField("room_id", roomID)

		users, err := live.Snapshot(r.Context(), roomID)
		if err != nil {
			log.WithField("error", err).Error("Failed to read presence")
			http.Error(w, "Failed to read presence", http.StatusServiceUnavailable)
			return
		}
		lock, held, err := live.LockState(r.Context(), roomID)
		if err != nil {
			log.WithField("error", err).Error("Failed to read lock state")
			http.Error(w, "Failed to read lock state", http.StatusServiceUnavailable)
			return
		}

		resp := PresenceResponse{RoomID: roomID, Users: users, Lock: protocol.LockStatusResponse{Held: held}}
		if resp.Users == nil {
			resp.Users = []core.PresenceUser{}
		}
		if held {
			expiresAt := lock.ExpiresAt
			resp.Lock.HolderID = lock.HolderID
			resp.Lock.ExpiresAt = &expiresAt
			resp.Lock.FencingToken = lock.FencingToken
		}
		render.JSON(w, r, resp)
	}
}

// HandleListLockEvents lists the recorded lock decisions of a room, newest
// first. The optional limit query parameter defaults to 50.
func HandleListLockEvents(ledger core.LockLedger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		limit := defaultEventLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		events, err := ledger.ListLockEvents(r.Context(), roomID, limit)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to list lock events")
			http.Error(w, "Failed to list lock events", http.StatusInternalServerError)
			return
		}
		if events == nil {
			events = []core.LockEvent{}
		}

		render.JSON(w, r, events)
	}
}

// HandleDeleteRoom forgets a room's activity and lock history. Live members
// and locks are unaffected.
func HandleDeleteRoom(registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		if err := registry.DeleteRoom(r.Context(), roomID); err != nil {
			logrus.WithField("error", err).Error("Failed to delete room")
			http.Error(w, "Failed to delete room", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
