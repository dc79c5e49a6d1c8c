package stores

import (
	"context"
	"sort"
	"strings"

	"cloudvault/config"
	"cloudvault/core"
	"cloudvault/stores/aws"
	"cloudvault/stores/filesystem"
	"cloudvault/stores/memory"
	"cloudvault/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetStore builds the object store selected by cfg.StorageType.
func GetStore(cfg *config.Config) core.ObjectStore {
	var store core.ObjectStore

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "filesystem":
		storageField["basePath"] = cfg.LocalStoragePath
		store = filesystem.NewStore(cfg.LocalStoragePath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store = sqlite.NewStore(cfg.DataSourceName)
	case "s3":
		if cfg.S3BucketName == "" {
			logrus.Fatal("S3_BUCKET_NAME environment variable must be set for s3 storage type")
		}
		storageField["bucketName"] = cfg.S3BucketName
		store = aws.NewStore(cfg.S3BucketName)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store
}

// Search lists the user's live objects whose name contains query, ignoring case.
func Search(ctx context.Context, store core.ObjectStore, userID, query string) ([]*core.Object, error) {
	objects, err := store.List(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))

	matches := make([]*core.Object, 0)
	for _, obj := range objects {
		if strings.Contains(strings.ToLower(obj.Name), query) {
			matches = append(matches, obj)
		}
	}
	return matches, nil
}

const (
	DefaultRecentLimit = 10
	MaxRecentLimit     = 100
)

// Recent lists the user's most recently updated live objects, newest first.
// A limit outside 1..MaxRecentLimit falls back to the nearest bound, zero or
// less meaning DefaultRecentLimit.
func Recent(ctx context.Context, store core.ObjectStore, userID string, limit int) ([]*core.Object, error) {
	switch {
	case limit <= 0:
		limit = DefaultRecentLimit
	case limit > MaxRecentLimit:
		limit = MaxRecentLimit
	}

	objects, err := store.List(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(objects, func(i, j int) bool {
		if !objects[i].UpdatedAt.Equal(objects[j].UpdatedAt) {
			return objects[i].UpdatedAt.After(objects[j].UpdatedAt)
		}
		return objects[i].Path < objects[j].Path
	})
	if len(objects) > limit {
		objects = objects[:limit]
	}
	return objects, nil
}
