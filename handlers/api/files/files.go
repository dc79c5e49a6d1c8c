package files

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"cloudvault/core"
	"cloudvault/handlers/auth"
	"cloudvault/middleware"
	"cloudvault/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// ShareIssuer signs and checks share tokens for stores that cannot hand out
// their own public links.
type ShareIssuer interface {
	SignShare(owner, path string, ttl time.Duration) (string, time.Time, error)
	ParseShare(token string) (*auth.ShareClaims, error)
}

type shareResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RegisterRoutes adds the per-user file routes. r must already require a
// session token.
func RegisterRoutes(r chi.Router, store core.ObjectStore, shares ShareIssuer, shareTTL time.Duration) {
	r.Get("/search", HandleSearch(store))
	r.Get("/recent", HandleRecent(store))
	r.Route("/files", func(r chi.Router) {
		r.Get("/", HandleList(store))
		r.Post("/share/*", HandleShare(store, shares, shareTTL))
		r.Put("/*", HandleUpload(store))
		r.Get("/*", HandleDownload(store))
		r.Delete("/*", HandleRemove(store))
	})
	r.Route("/trash", func(r chi.Router) {
		r.Get("/", HandleListTrash(store))
		r.Post("/restore/*", HandleRestore(store))
		r.Delete("/*", HandlePurge(store))
	})
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "User claims not found"})
		return "", false
	}
	return claims.Subject, true
}

func objectPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, err := core.CleanPath(chi.URLParam(r, "*"))
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return "", false
	}
	return p, true
}

func renderStoreError(w http.ResponseWriter, r *http.Request, err error, fields logrus.Fields, msg string) {
	if errors.Is(err, core.ErrNotFound) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "Object not found"})
		return
	}
	logrus.WithFields(fields).WithError(err).Error(msg)
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, map[string]string{"error": msg})
}

func renderObjects(w http.ResponseWriter, r *http.Request, objects []*core.Object) {
	if objects == nil {
		objects = []*core.Object{}
	}
	render.JSON(w, r, objects)
}

func writeObject(w http.ResponseWriter, obj *core.Object) {
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	if obj.VersionID != "" {
		w.Header().Set("X-Version-Id", obj.VersionID)
	}
	w.Write(obj.Data)
}

func HandleList(store core.ObjectStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		objects, err := store.List(r.Context(), uid, r.URL.Query().Get("prefix"))
		if err != nil {
			renderStoreError(w, r, err, logrus.Fields{"userID": uid}, "Failed to list files")
			return
		}
		renderObjects(w, r, objects)
	}
}

func HandleSearch(store core.ObjectStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		objects, err := stores.Search(r.Context(), store, uid, r.URL.Query().Get("q"))
		if err != nil {
			renderStoreError(w, r, err, logrus.Fields{"userID": uid}, "Failed to search files")
			return
		}
		renderObjects(w, r, objects)
	}
}

func HandleRecent(store core.ObjectStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, map[string]string{"error": "limit must be a number"})
				return
			}
			limit = n
		}
		objects, err := stores.Recent(r.Context(), store, uid, limit)
		if err != nil {
			renderStoreError(w, r, err, logrus.Fields{"userID": uid}, "Failed to list recent files")
			return
		}
		renderObjects(w, r, objects)
	}
}

func HandleUpload(store core.ObjectStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		p, ok := objectPath(w, r)
		if !ok {
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			logrus.WithFields(logrus.Fields{"error": err, "path": p}).Error("Failed to read request body")
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Failed to read request body"})
			return
		}
		defer r.Body.Close()

		obj := &core.Object{
			UserID:      uid,
			Path:        p,
			ContentType: r.Header.Get("Content-Type"),
			Data:        body,
		}
		if err := store.Upload(r.Context(), obj); err != nil {
			renderStoreError(w, r, err, logrus.Fields{"userID": uid, "path": p}, "Failed to upload file")
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, obj)
	}
}

func HandleDownload(store core.ObjectStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		p, ok := objectPath(w, r)
		if !ok {
			return
		}
		obj, err := store.Download(r.Context(), uid, p)
		if err != nil {
			renderStoreError(w, r, err, logrus.Fields{"userID": uid, "path": p}, "Failed to download file")
			return
		}
		writeObject(w, obj)
	}
}

// pathAction adapts a store operation that only needs the owner and path.
func pathAction(action func(r *http.Request, userID, path string) error, msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		p, ok := objectPath(w, r)
		if !ok {
			return
		}
		if err := action(r, uid, p); err != nil {
			renderStoreError(w, r, err, logrus.Fields{"userID": uid, "path": p}, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func HandleRemove(store core.ObjectStore) http.HandlerFunc {
	return pathAction(func(r *http.Request, uid, p string) error {
		return store.Remove(r.Context(), uid, p)
	}, "Failed to move file to trash")
}

func HandleListTrash(store core.ObjectStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		objects, err := store.ListTrash(r.Context(), uid)
		if err != nil {
			renderStoreError(w, r, err, logrus.Fields{"userID": uid}, "Failed to list trash")
			return
		}
		renderObjects(w, r, objects)
	}
}

func HandleRestore(store core.ObjectStore) http.HandlerFunc {
	return pathAction(func(r *http.Request, uid, p string) error {
		return store.Restore(r.Context(), uid, p)
	}, "Failed to restore file")
}

func HandlePurge(store core.ObjectStore) http.HandlerFunc {
	return pathAction(func(r *http.Request, uid, p string) error {
		return store.Purge(r.Context(), uid, p)
	}, "Failed to purge file")
}

// HandleShare returns a time-limited public link. Stores with native public
// links are asked first, everything else gets a signed share token.
func HandleShare(store core.ObjectStore, shares ShareIssuer, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		p, ok := objectPath(w, r)
		if !ok {
			return
		}
		fields := logrus.Fields{"userID": uid, "path": p}

		if public, ok := store.(core.PublicURLStore); ok {
			link, err := public.PublicURL(r.Context(), uid, p, ttl)
			if err != nil {
				renderStoreError(w, r, err, fields, "Failed to share file")
				return
			}
			render.JSON(w, r, shareResponse{URL: link, ExpiresAt: time.Now().Add(ttl).UTC()})
			return
		}

		if _, err := store.Download(r.Context(), uid, p); err != nil {
			renderStoreError(w, r, err, fields, "Failed to share file")
			return
		}
		token, expiresAt, err := shares.SignShare(uid, p, ttl)
		if err != nil {
			renderStoreError(w, r, err, fields, "Failed to share file")
			return
		}
		render.JSON(w, r, shareResponse{URL: baseURL(r) + "/api/v2/share/" + token, ExpiresAt: expiresAt.UTC()})
	}
}

// HandleShared serves an object to anyone holding a valid share token.
func HandleShared(store core.ObjectStore, shares ShareIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := shares.ParseShare(chi.URLParam(r, "token"))
		if err != nil {
			logrus.WithError(err).Debug("Rejected share token")
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Share link is invalid or expired"})
			return
		}
		obj, err := store.Download(r.Context(), claims.Subject, claims.Path)
		if err != nil {
			renderStoreError(w, r, err, logrus.Fields{"userID": claims.Subject, "path": claims.Path}, "Failed to download shared file")
			return
		}
		writeObject(w, obj)
	}
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
