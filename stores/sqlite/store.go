package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"time"

	"cloudvault/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	areaLive  = "live"
	areaTrash = "trash"
)

type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new SQLite-based store and exits if the database cannot
// be prepared.
func NewStore(dataSourceName string) *sqliteStore {
	store, err := Open(dataSourceName)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open sqlite store")
	}
	return store
}

func Open(dataSourceName string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection serializes writers and keeps in-memory databases shared.
	db.SetMaxOpenConns(1)

	objectsTable := `
	CREATE TABLE IF NOT EXISTS objects (
		user_id TEXT NOT NULL,
		area TEXT NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		content_type TEXT,
		size INTEGER NOT NULL,
		version_id TEXT NOT NULL,
		data BLOB,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		trashed_at INTEGER,
		PRIMARY KEY (user_id, area, path)
	);`
	if _, err = db.Exec(objectsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create objects table: %w", err)
	}

	roomsTable := `CREATE TABLE IF NOT EXISTS rooms (id TEXT PRIMARY KEY, last_active INTEGER NOT NULL);`
	if _, err = db.Exec(roomsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}

	return &sqliteStore{db: db, now: time.Now}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) list(ctx context.Context, userID, area, prefix string) ([]*core.Object, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, name, content_type, size, version_id, created_at, updated_at, trashed_at
		 FROM objects WHERE user_id = ? AND area = ? AND substr(path, 1, length(?)) = ?
		 ORDER BY path`,
		userID, area, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	objects := make([]*core.Object, 0)
	for rows.Next() {
		var (
			obj                  core.Object
			contentType          sql.NullString
			createdAt, updatedAt int64
			trashedAt            sql.NullInt64
		)
		if err := rows.Scan(&obj.Path, &obj.Name, &contentType, &obj.Size, &obj.VersionID, &createdAt, &updatedAt, &trashedAt); err != nil {
			return nil, err
		}
		obj.UserID = userID
		obj.ContentType = contentType.String
		obj.CreatedAt = time.UnixMilli(createdAt)
		obj.UpdatedAt = time.UnixMilli(updatedAt)
		if trashedAt.Valid {
			t := time.UnixMilli(trashedAt.Int64)
			obj.TrashedAt = &t
		}
		objects = append(objects, &obj)
	}
	return objects, rows.Err()
}

func (s *sqliteStore) List(ctx context.Context, userID, prefix string) ([]*core.Object, error) {
	return s.list(ctx, userID, areaLive, prefix)
}

func (s *sqliteStore) ListTrash(ctx context.Context, userID string) ([]*core.Object, error) {
	return s.list(ctx, userID, areaTrash, "")
}

func (s *sqliteStore) Upload(ctx context.Context, object *core.Object) error {
	if object.UserID == "" {
		return fmt.Errorf("UserID cannot be empty")
	}
	p, err := core.CleanPath(object.Path)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"user_id": object.UserID, "path": p})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	created := now.UnixMilli()
	err = tx.QueryRowContext(ctx,
		"SELECT created_at FROM objects WHERE user_id = ? AND area = ? AND path = ?",
		object.UserID, areaLive, p).Scan(&created)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	object.Path = p
	object.Name = path.Base(p)
	object.Size = int64(len(object.Data))
	object.VersionID = ulid.Make().String()
	object.TrashedAt = nil
	object.CreatedAt = time.UnixMilli(created)
	object.UpdatedAt = time.UnixMilli(now.UnixMilli())

	_, err = tx.ExecContext(ctx,
		`INSERT INTO objects (user_id, area, path, name, content_type, size, version_id, data, created_at, updated_at, trashed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT (user_id, area, path) DO UPDATE SET
		   name = excluded.name, content_type = excluded.content_type, size = excluded.size,
		   version_id = excluded.version_id, data = excluded.data, updated_at = excluded.updated_at`,
		object.UserID, areaLive, p, object.Name, object.ContentType, object.Size, object.VersionID,
		object.Data, created, now.UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to upload object")
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info("Object uploaded successfully")
	return nil
}

func (s *sqliteStore) Download(ctx context.Context, userID, objectPath string) (*core.Object, error) {
	var (
		obj                  core.Object
		contentType          sql.NullString
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, content_type, size, version_id, data, created_at, updated_at
		 FROM objects WHERE user_id = ? AND area = ? AND path = ?`,
		userID, areaLive, objectPath).
		Scan(&obj.Name, &contentType, &obj.Size, &obj.VersionID, &obj.Data, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
		}
		return nil, err
	}
	obj.UserID = userID
	obj.Path = objectPath
	obj.ContentType = contentType.String
	obj.CreatedAt = time.UnixMilli(createdAt)
	obj.UpdatedAt = time.UnixMilli(updatedAt)
	return &obj, nil
}

// move switches an object between areas. A row already at the destination is
// replaced.
func (s *sqliteStore) move(ctx context.Context, userID, objectPath, from, to string, trashedAt any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM objects WHERE user_id = ? AND area = ? AND path = ?",
		userID, to, objectPath); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE objects SET area = ?, trashed_at = ? WHERE user_id = ? AND area = ? AND path = ?",
		to, trashedAt, userID, from, objectPath)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
	}
	return tx.Commit()
}

func (s *sqliteStore) Remove(ctx context.Context, userID, objectPath string) error {
	if err := s.move(ctx, userID, objectPath, areaLive, areaTrash, s.now().UnixMilli()); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"user_id": userID, "path": objectPath}).Info("Object moved to trash")
	return nil
}

func (s *sqliteStore) Restore(ctx context.Context, userID, objectPath string) error {
	if err := s.move(ctx, userID, objectPath, areaTrash, areaLive, nil); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"user_id": userID, "path": objectPath}).Info("Object restored from trash")
	return nil
}

func (s *sqliteStore) Purge(ctx context.Context, userID, objectPath string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM objects WHERE user_id = ? AND area = ? AND path = ?",
		userID, areaTrash, objectPath)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
	}
	logrus.WithFields(logrus.Fields{"user_id": userID, "path": objectPath}).Info("Object purged")
	return nil
}

func (s *sqliteStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, last_active FROM rooms ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]core.Room, 0)
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *sqliteStore) TouchRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, last_active) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET last_active = excluded.last_active`,
		roomID, s.now().UnixMilli())
	return err
}

func (s *sqliteStore) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", roomID)
	return err
}
