package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestObjectKey(t *testing.T) {
	at := time.UnixMilli(1757930400123)
	got := ObjectKey("macroscopico", "SOL-1", "corte 1.jpg", at)
	want := "macroscopico/SOL-1/1757930400123_corte_1.jpg"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if NameFromKey(got) != "corte_1.jpg" {
		t.Errorf("unexpected name %s", NameFromKey(got))
	}
}

func TestObjectKey_StripsDirectories(t *testing.T) {
	got := ObjectKey("final", "SOL-1", `..\..\etc/passwd`, time.UnixMilli(1))
	if got != "final/SOL-1/1_passwd" {
		t.Errorf("unexpected key %s", got)
	}
}

func TestMemory_Upload(t *testing.T) {
	store := NewMemory("/api/v1/blobs")
	content := "hello world"

	obj, err := store.Upload(context.Background(), "macroscopico/SOL-1/1_a.txt", strings.NewReader(content), "text/plain")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if obj.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), obj.Size)
	}
	if obj.URL != "/api/v1/blobs/macroscopico/SOL-1/1_a.txt" {
		t.Errorf("unexpected url %s", obj.URL)
	}
	if obj.Name != "a.txt" {
		t.Errorf("unexpected name %s", obj.Name)
	}
	want := fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
	if obj.Hash != want {
		t.Errorf("expected hash %s, got %s", want, obj.Hash)
	}
	if obj.UploadedAt.IsZero() {
		t.Error("expected UploadedAt to be set")
	}
}

func TestMemory_UploadDefaultsContentType(t *testing.T) {
	store := NewMemory("")
	obj, err := store.Upload(context.Background(), "k/1_x", strings.NewReader("x"), "")
	if err != nil {
		t.Fatal(err)
	}
	if obj.ContentType != "application/octet-stream" {
		t.Errorf("unexpected content type %s", obj.ContentType)
	}
}

func TestMemory_Download(t *testing.T) {
	store := NewMemory("")
	_, _ = store.Upload(context.Background(), "k/1_doc.pdf", strings.NewReader("PDF"), "application/pdf")

	rc, obj, err := store.Download(context.Background(), "k/1_doc.pdf")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "PDF" || obj.ContentType != "application/pdf" {
		t.Errorf("unexpected download %q %s", data, obj.ContentType)
	}
}

func TestMemory_NotFound(t *testing.T) {
	store := NewMemory("")
	if _, _, err := store.Download(context.Background(), "missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
	if err := store.Delete(context.Background(), "missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestMemory_Delete(t *testing.T) {
	store := NewMemory("")
	_, _ = store.Upload(context.Background(), "k/1_a", strings.NewReader("a"), "")
	if err := store.Delete(context.Background(), "k/1_a"); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d", store.Len())
	}
}

func TestMemory_FileTooLarge(t *testing.T) {
	store := NewMemory("")
	big := io.LimitReader(zeroReader{}, MaxFileSize+1)
	if _, err := store.Upload(context.Background(), "k/1_big", big, ""); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestMemory_MissingName(t *testing.T) {
	store := NewMemory("")
	if _, err := store.Upload(context.Background(), "", strings.NewReader("a"), ""); !errors.Is(err, ErrMissingFileName) {
		t.Errorf("expected ErrMissingFileName, got %v", err)
	}
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	store := NewMemory("")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k/%d_f", i)
			if _, err := store.Upload(context.Background(), key, bytes.NewReader([]byte("x")), ""); err != nil {
				t.Errorf("upload %d: %v", i, err)
			}
			_, _, _ = store.Download(context.Background(), key)
		}(i)
	}
	wg.Wait()
	if store.Len() != 50 {
		t.Errorf("expected 50 blobs, got %d", store.Len())
	}
}

func TestHandler_Download(t *testing.T) {
	store := NewMemory("/api/v1/blobs")
	_, _ = store.Upload(context.Background(), "final/SOL-1/1_report.pdf", strings.NewReader("PDF"), "application/pdf")

	e := echo.New()
	NewHandler(store).RegisterRoutes(e.Group("/api/v1"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/blobs/final/SOL-1/1_report.pdf", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "PDF" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("unexpected content type %s", ct)
	}
}

func TestHandler_DownloadNotFound(t *testing.T) {
	e := echo.New()
	NewHandler(NewMemory("")).RegisterRoutes(e.Group("/api/v1"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/blobs/missing/1_x", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
