package core

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var ErrNotFound = errors.New("object not found")

type (
	// Object is a stored file owned by a single user, addressed by a slash separated path.
	Object struct {
		UserID      string     `json:"-"`
		Path        string     `json:"path"`
		Name        string     `json:"name"`
		ContentType string     `json:"contentType"`
		Size        int64      `json:"size"`
		VersionID   string     `json:"versionId"`
		Data        []byte     `json:"-"`
		CreatedAt   time.Time  `json:"createdAt"`
		UpdatedAt   time.Time  `json:"updatedAt"`
		TrashedAt   *time.Time `json:"trashedAt,omitempty"`
	}

	// ObjectStore defines the persistence layer for user files.
	// All operations are scoped to a specific user.
	ObjectStore interface {
		// List returns metadata (no Data) for live objects whose path starts with prefix.
		List(ctx context.Context, userID, prefix string) ([]*Object, error)

		// Upload creates or replaces an object. It assigns a new VersionID.
		Upload(ctx context.Context, object *Object) error

		// Download returns a live object including its Data.
		Download(ctx context.Context, userID, path string) (*Object, error)

		// Remove moves a live object to the trash.
		Remove(ctx context.Context, userID, path string) error

		// ListTrash returns metadata for trashed objects.
		ListTrash(ctx context.Context, userID string) ([]*Object, error)

		// Restore moves a trashed object back to its original path.
		Restore(ctx context.Context, userID, path string) error

		// Purge permanently deletes a trashed object.
		Purge(ctx context.Context, userID, path string) error
	}

	// PublicURLStore is implemented by backends able to hand out their own
	// time-limited download links.
	PublicURLStore interface {
		PublicURL(ctx context.Context, userID, path string, ttl time.Duration) (string, error)
	}
)

// CleanPath normalizes a user supplied object path and rejects anything that could
// escape the user's namespace.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("invalid path: must not be empty")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("invalid path: must be relative")
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("invalid path: bad segment %q", segment)
		}
	}
	return path.Clean(p), nil
}
