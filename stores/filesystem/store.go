package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cloudvault/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// record is the on-disk form of an object: its metadata plus the data blob.
type record struct {
	core.Object
	Data []byte `json:"data"`
}

// fsStore keeps one JSON file per object under basePath/u_<user>/{live,trash}/.
// Object paths are escaped into flat file names, so no user input ever
// becomes a directory component.
type fsStore struct {
	basePath string
	mu       sync.Mutex
}

// NewStore creates a new filesystem-based store.
func NewStore(basePath string) *fsStore {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		logrus.WithError(err).Fatal("failed to create base directory")
	}
	return &fsStore{basePath: basePath}
}

func (s *fsStore) dir(userID, area string) string {
	return filepath.Join(s.basePath, "u_"+url.PathEscape(userID), area)
}

func (s *fsStore) file(userID, area, objectPath string) string {
	return filepath.Join(s.dir(userID, area), url.PathEscape(objectPath)+".json")
}

func (s *fsStore) read(filePath string) (*record, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	return &rec, nil
}

func (s *fsStore) write(filePath string, rec *record) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filePath)
}

func (s *fsStore) list(userID, area, prefix string) ([]*core.Object, error) {
	dirPath := s.dir(userID, area)
	log := logrus.WithField("user_id", userID).WithField("path", dirPath)

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []*core.Object{}, nil
		}
		log.WithError(err).Error("Failed to read user directory")
		return nil, err
	}

	objects := make([]*core.Object, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		objectPath, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil || !strings.HasPrefix(objectPath, prefix) {
			continue
		}
		rec, err := s.read(filepath.Join(dirPath, name))
		if err != nil {
			log.WithError(err).Warnf("Failed to read object file %s, skipping", name)
			continue
		}
		obj := rec.Object
		obj.UserID = userID
		obj.Data = nil
		objects = append(objects, &obj)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })

	log.Debugf("Listed %d objects", len(objects))
	return objects, nil
}

func (s *fsStore) List(ctx context.Context, userID, prefix string) ([]*core.Object, error) {
	return s.list(userID, "live", prefix)
}

func (s *fsStore) ListTrash(ctx context.Context, userID string) ([]*core.Object, error) {
	return s.list(userID, "trash", "")
}

func (s *fsStore) Upload(ctx context.Context, object *core.Object) error {
	if object.UserID == "" {
		return fmt.Errorf("UserID cannot be empty")
	}
	p, err := core.CleanPath(object.Path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.file(object.UserID, "live", p)
	log := logrus.WithFields(logrus.Fields{"user_id": object.UserID, "path": p})

	now := time.Now()
	object.Path = p
	object.Name = path.Base(p)
	object.Size = int64(len(object.Data))
	object.VersionID = ulid.Make().String()
	object.TrashedAt = nil
	object.CreatedAt = now
	if existing, err := s.read(filePath); err == nil {
		object.CreatedAt = existing.CreatedAt
	}
	object.UpdatedAt = now

	rec := &record{Object: *object, Data: object.Data}
	if err := s.write(filePath, rec); err != nil {
		log.WithError(err).Error("Failed to write object file")
		return err
	}

	log.Info("Object uploaded successfully")
	return nil
}

func (s *fsStore) Download(ctx context.Context, userID, objectPath string) (*core.Object, error) {
	rec, err := s.read(s.file(userID, "live", objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
		}
		return nil, err
	}
	obj := rec.Object
	obj.UserID = userID
	obj.Data = rec.Data
	return &obj, nil
}

// move relocates an object file between areas, applying update to its record.
func (s *fsStore) move(userID, objectPath, from, to string, update func(*record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.file(userID, from, objectPath)
	rec, err := s.read(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
		}
		return err
	}
	update(rec)
	if err := s.write(s.file(userID, to, objectPath), rec); err != nil {
		return err
	}
	return os.Remove(src)
}

func (s *fsStore) Remove(ctx context.Context, userID, objectPath string) error {
	err := s.move(userID, objectPath, "live", "trash", func(rec *record) {
		now := time.Now()
		rec.TrashedAt = &now
	})
	if err == nil {
		logrus.WithFields(logrus.Fields{"user_id": userID, "path": objectPath}).Info("Object moved to trash")
	}
	return err
}

func (s *fsStore) Restore(ctx context.Context, userID, objectPath string) error {
	err := s.move(userID, objectPath, "trash", "live", func(rec *record) {
		rec.TrashedAt = nil
	})
	if err == nil {
		logrus.WithFields(logrus.Fields{"user_id": userID, "path": objectPath}).Info("Object restored from trash")
	}
	return err
}

func (s *fsStore) Purge(ctx context.Context, userID, objectPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.file(userID, "trash", objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
		}
		return err
	}
	logrus.WithFields(logrus.Fields{"user_id": userID, "path": objectPath}).Info("Object purged")
	return nil
}
