package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/labcase/labcase/internal/platform/blobstore"
)

// fakeS3 is a minimal path-style S3 over an in-process RoundTripper.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    http.Header
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch req.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		md := http.Header{}
		for k, v := range req.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				md[k] = v
			}
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: md}
		return response(http.StatusOK, nil, http.Header{"ETag": {`"etag"`}}), nil
	case http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			return response(http.StatusNotFound,
				[]byte(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`),
				http.Header{"Content-Type": {"application/xml"}}), nil
		}
		return response(http.StatusOK, obj.body, http.Header{
			"Content-Length": {fmt.Sprintf("%d", len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Last-Modified":  {time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC).Format(http.TimeFormat)},
		}), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return response(http.StatusNoContent, nil, http.Header{}), nil
	}
	return response(http.StatusNotImplemented, nil, http.Header{}), nil
}

func response(code int, body []byte, h http.Header) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(bytes.NewReader(body)), Header: h}
}

// decodeChunked unwraps a single-chunk aws-chunked payload.
func decodeChunked(b []byte) ([]byte, bool) {
	s := string(b)
	nl := strings.Index(s, "\r\n")
	if nl < 0 {
		return nil, false
	}
	sizeField := s[:nl]
	if i := strings.IndexByte(sizeField, ';'); i >= 0 {
		sizeField = sizeField[:i]
	}
	var size int
	if _, err := fmt.Sscanf(sizeField, "%x", &size); err != nil {
		return nil, false
	}
	rest := s[nl+2:]
	if len(rest) < size+2 || rest[size:size+2] != "\r\n" {
		return nil, false
	}
	return []byte(rest[:size]), true
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string]fakeObject)}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.HTTPClient = &http.Client{Transport: fake}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	store := newWithClient(client, "lab-bucket", "https://cdn.example.com/lab")
	store.now = func() time.Time { return time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC) }
	return store, fake
}

func TestStore_UploadDownload(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()
	key := blobstore.ObjectKey("macroscopico", "SOL-1", "corte.jpg", time.UnixMilli(1000))

	obj, err := store.Upload(ctx, key, strings.NewReader("jpegdata"), "image/jpeg")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if obj.URL != "https://cdn.example.com/lab/macroscopico/SOL-1/1000_corte.jpg" {
		t.Errorf("unexpected url %s", obj.URL)
	}
	if obj.Size != 8 || obj.Name != "corte.jpg" {
		t.Errorf("unexpected object %+v", obj)
	}
	stored, ok := fake.objects[key]
	if !ok {
		t.Fatalf("object not written under %s", key)
	}
	if stored.metadata.Get("X-Amz-Meta-Nombre") != "corte.jpg" {
		t.Errorf("expected name metadata, got %v", stored.metadata)
	}

	rc, got, err := store.Download(ctx, key)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "jpegdata" || got.ContentType != "image/jpeg" {
		t.Errorf("unexpected download %q %s", data, got.ContentType)
	}
}

func TestStore_DownloadMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, _, err := store.Download(context.Background(), "missing/key")
	if !errors.Is(err, blobstore.ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()
	_, _ = store.Upload(ctx, "final/SOL-1/1_r.pdf", strings.NewReader("pdf"), "application/pdf")
	if err := store.Delete(ctx, "final/SOL-1/1_r.pdf"); err != nil {
		t.Fatal(err)
	}
	if len(fake.objects) != 0 {
		t.Errorf("expected empty bucket, got %d", len(fake.objects))
	}
}

func TestStore_UploadEmptyKey(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Upload(context.Background(), "", strings.NewReader("x"), ""); !errors.Is(err, blobstore.ErrMissingFileName) {
		t.Errorf("expected ErrMissingFileName, got %v", err)
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("expected error for missing bucket")
	}
}

func TestPublicBase(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"explicit", Config{Bucket: "b", PublicBaseURL: "https://files.example.com"}, "https://files.example.com"},
		{"endpoint", Config{Bucket: "b", Endpoint: "http://minio:9000"}, "http://minio:9000/b"},
		{"aws", Config{Bucket: "b"}, "https://b.s3.eu-west-1.amazonaws.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := publicBase(tt.cfg, "eu-west-1"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
