// Package blobstore stores study attachments (images, signed reports,
// invoices). Rows only ever hold the returned URL and metadata; bytes live in
// the blob backend. It defines the Store interface, an in-memory
// implementation for tests and development, and an Echo handler that serves
// objects from stores without public URLs.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
)

// MaxFileSize is the maximum allowed attachment size in bytes (50 MB).
const MaxFileSize = 50 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Object describes a stored blob.
type Object struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	URL         string    `json:"url"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Store is the contract for blob backends.
type Store interface {
	Upload(ctx context.Context, key string, content io.Reader, contentType string) (*Object, error)
	Download(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey builds the storage key for an attachment uploaded at a lifecycle
// stage: "<stage>/<requestId>/<unixMillis>_<name>".
func ObjectKey(stage, requestID, name string, at time.Time) string {
	return stage + "/" + requestID + "/" + strconv.FormatInt(at.UnixMilli(), 10) + "_" + sanitizeName(name)
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return "file"
	}
	return strings.ReplaceAll(name, " ", "_")
}

// NameFromKey recovers the original file name from an ObjectKey.
func NameFromKey(key string) string {
	base := path.Base(key)
	if i := strings.IndexByte(base, '_'); i >= 0 {
		return base[i+1:]
	}
	return base
}

// ReadLimited reads content enforcing MaxFileSize.
func ReadLimited(content io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

// JoinURL appends key to base with a single separating slash.
func JoinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	object  Object
	content []byte
}

// Memory is a thread-safe in-memory Store. URLs point at baseURL, which is
// where Handler is mounted.
type Memory struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	baseURL string
	now     func() time.Time
}

// NewMemory returns an empty store whose object URLs start with baseURL.
func NewMemory(baseURL string) *Memory {
	return &Memory{
		blobs:   make(map[string]*storedBlob),
		baseURL: baseURL,
		now:     time.Now,
	}
}

// Upload reads the content, computes a SHA-256 hash, and stores it under key.
// An existing object under the same key is replaced.
func (s *Memory) Upload(ctx context.Context, key string, content io.Reader, contentType string) (*Object, error) {
	if key == "" || strings.HasSuffix(key, "/") {
		return nil, ErrMissingFileName
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := ReadLimited(content)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := sha256.Sum256(data)
	obj := Object{
		Key:         key,
		Name:        NameFromKey(key),
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		URL:         JoinURL(s.baseURL, key),
		UploadedAt:  s.now().UTC(),
	}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{object: obj, content: data}
	s.mu.Unlock()

	out := obj
	return &out, nil
}

// Download returns a reader over the blob content and its metadata.
func (s *Memory) Download(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := blob.object
	return io.NopCloser(bytes.NewReader(blob.content)), &obj, nil
}

// Delete removes a blob by key.
func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// Len reports the number of stored blobs.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// Handler serves stored objects by key.
type Handler struct {
	store Store
}

// NewHandler creates a new Handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the download route on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/blobs/*", h.handleDownload)
}

func (h *Handler) handleDownload(c echo.Context) error {
	key := c.Param("*")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}

	rc, obj, err := h.store.Download(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, obj.Name))
	return c.Stream(http.StatusOK, obj.ContentType, rc)
}
