package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"cloudvault/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// memStore implements ObjectStore and RoomRegistry in process memory.
type memStore struct {
	mu sync.RWMutex
	// live and trash map userID to object path to object.
	live  map[string]map[string]*core.Object
	trash map[string]map[string]*core.Object
	rooms map[string]int64
	now   func() time.Time
}

// NewStore creates a new in-memory store.
func NewStore() *memStore {
	return &memStore{
		live:  make(map[string]map[string]*core.Object),
		trash: make(map[string]map[string]*core.Object),
		rooms: make(map[string]int64),
		now:   time.Now,
	}
}

func (s *memStore) List(ctx context.Context, userID, prefix string) ([]*core.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects := make([]*core.Object, 0)
	for p, obj := range s.live[userID] {
		if strings.HasPrefix(p, prefix) {
			objects = append(objects, metadata(obj))
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })

	logrus.WithField("user_id", userID).Debugf("Listed %d objects", len(objects))
	return objects, nil
}

func (s *memStore) Upload(ctx context.Context, object *core.Object) error {
	if object.UserID == "" {
		return fmt.Errorf("UserID cannot be empty")
	}
	p, err := core.CleanPath(object.Path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userObjects, ok := s.live[object.UserID]
	if !ok {
		userObjects = make(map[string]*core.Object)
		s.live[object.UserID] = userObjects
	}

	now := s.now()
	stored := *object
	stored.Path = p
	stored.Name = path.Base(p)
	stored.Size = int64(len(object.Data))
	stored.Data = append([]byte(nil), object.Data...)
	stored.VersionID = ulid.Make().String()
	stored.TrashedAt = nil
	stored.CreatedAt = now
	if existing, exists := userObjects[p]; exists {
		stored.CreatedAt = existing.CreatedAt
	}
	stored.UpdatedAt = now
	userObjects[p] = &stored

	*object = stored
	object.Data = append([]byte(nil), stored.Data...)

	logrus.WithFields(logrus.Fields{
		"user_id": object.UserID,
		"path":    p,
		"size":    stored.Size,
	}).Info("Object uploaded successfully")
	return nil
}

func (s *memStore) Download(ctx context.Context, userID, objectPath string) (*core.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.live[userID][objectPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
	}
	out := *obj
	out.Data = append([]byte(nil), obj.Data...)
	return &out, nil
}

func (s *memStore) Remove(ctx context.Context, userID, objectPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.live[userID][objectPath]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
	}
	delete(s.live[userID], objectPath)

	trashed := s.now()
	obj.TrashedAt = &trashed
	userTrash, ok := s.trash[userID]
	if !ok {
		userTrash = make(map[string]*core.Object)
		s.trash[userID] = userTrash
	}
	userTrash[objectPath] = obj

	logrus.WithFields(logrus.Fields{"user_id": userID, "path": objectPath}).Info("Object moved to trash")
	return nil
}

func (s *memStore) ListTrash(ctx context.Context, userID string) ([]*core.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects := make([]*core.Object, 0, len(s.trash[userID]))
	for _, obj := range s.trash[userID] {
		objects = append(objects, metadata(obj))
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

// Restore moves a trashed object back, replacing any live object at its path.
func (s *memStore) Restore(ctx context.Context, userID, objectPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.trash[userID][objectPath]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
	}
	delete(s.trash[userID], objectPath)

	obj.TrashedAt = nil
	userObjects, ok := s.live[userID]
	if !ok {
		userObjects = make(map[string]*core.Object)
		s.live[userID] = userObjects
	}
	userObjects[objectPath] = obj

	logrus.WithFields(logrus.Fields{"user_id": userID, "path": objectPath}).Info("Object restored from trash")
	return nil
}

func (s *memStore) Purge(ctx context.Context, userID, objectPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trash[userID][objectPath]; !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
	}
	delete(s.trash[userID], objectPath)

	logrus.WithFields(logrus.Fields{"user_id": userID, "path": objectPath}).Info("Object purged")
	return nil
}

func (s *memStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for id, lastActive := range s.rooms {
		rooms = append(rooms, core.Room{ID: id, LastActive: lastActive})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

func (s *memStore) TouchRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = s.now().UnixMilli()
	return nil
}

func (s *memStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

// metadata copies obj without its data, for list views.
func metadata(obj *core.Object) *core.Object {
	out := *obj
	out.Data = nil
	return &out
}
