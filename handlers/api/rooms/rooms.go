package rooms

import (
	"net/http"
	"sort"

	"cloudvault/collab"
	"cloudvault/collab/presence"
	"cloudvault/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// LiveRooms is the view of the room manager the room API reads.
type LiveRooms interface {
	Rooms() []collab.RoomInfo
	State(fileID string) (presence.State, bool)
}

type roomEntry struct {
	ID         string `json:"id"`
	Users      int    `json:"users"`
	LastActive *int64 `json:"lastActive,omitempty"`
}

// HandleList merges live rooms with the recorded activity of past ones,
// busiest first, then most recently active.
func HandleList(live LiveRooms, registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomMap := make(map[string]*roomEntry)
		for _, info := range live.Rooms() {
			roomMap[info.FileID] = &roomEntry{ID: info.FileID, Users: info.Users}
		}

		if registry != nil {
			if storedRooms, err := registry.ListRooms(r.Context()); err != nil {
				logrus.WithError(err).Warn("failed to list rooms from registry")
			} else {
				for _, room := range storedRooms {
					entry, exists := roomMap[room.ID]
					if !exists {
						entry = &roomEntry{ID: room.ID}
						roomMap[room.ID] = entry
					}
					if room.LastActive > 0 {
						lastActive := room.LastActive
						entry.LastActive = &lastActive
					}
				}
			}
		}

		roomList := make([]roomEntry, 0, len(roomMap))
		for _, entry := range roomMap {
			roomList = append(roomList, *entry)
		}
		sort.Slice(roomList, func(i, j int) bool {
			if roomList[i].Users != roomList[j].Users {
				return roomList[i].Users > roomList[j].Users
			}
			li, lj := lastActive(roomList[i]), lastActive(roomList[j])
			if li != lj {
				return li > lj
			}
			return roomList[i].ID < roomList[j].ID
		})

		render.JSON(w, r, roomList)
	}
}

func lastActive(e roomEntry) int64 {
	if e.LastActive == nil {
		return 0
	}
	return *e.LastActive
}

// HandleGet returns the presence snapshot of a live room.
func HandleGet(live LiveRooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, ok := live.State(chi.URLParam(r, "roomId"))
		if !ok {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Room is not active"})
			return
		}
		render.JSON(w, r, state)
	}
}

// HandleDelete forgets the recorded activity of a room. Live participants are
// not affected.
func HandleDelete(registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if registry == nil {
			render.Status(r, http.StatusNotImplemented)
			render.JSON(w, r, map[string]string{"error": "Room activity is not recorded by this storage"})
			return
		}
		roomID := chi.URLParam(r, "roomId")
		if err := registry.DeleteRoom(r.Context(), roomID); err != nil {
			logrus.WithError(err).WithField("roomId", roomID).Error("Failed to delete room")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to delete room"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
