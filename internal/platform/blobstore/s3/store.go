// Package s3 implements blobstore.Store on an S3-compatible backend (AWS S3
// or MinIO). Keys map to object keys in a single bucket.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/labcase/labcase/internal/platform/blobstore"
)

// Config holds construction parameters. Credentials fall back to the default
// AWS chain when AccessKeyID is empty.
type Config struct {
	Region          string
	Bucket          string
	Endpoint        string // optional; custom endpoint such as MinIO
	PathStyle       bool
	PublicBaseURL   string // optional; prefix for object URLs stored in rows
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Store is a blobstore.Store backed by S3.
type Store struct {
	client  *s3.Client
	bucket  string
	baseURL string
	now     func() time.Time
}

var _ blobstore.Store = (*Store)(nil)

// New creates an S3 blob store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newWithClient(client, cfg.Bucket, publicBase(cfg, region)), nil
}

func newWithClient(client *s3.Client, bucket, baseURL string) *Store {
	return &Store{client: client, bucket: bucket, baseURL: baseURL, now: time.Now}
}

// publicBase picks the URL prefix written into attachment references.
func publicBase(cfg Config, region string) string {
	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL
	}
	if cfg.Endpoint != "" {
		if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
			return blobstore.JoinURL(u.String(), cfg.Bucket)
		}
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
}

// Upload buffers the content (bounded by blobstore.MaxFileSize) so the SDK
// can sign the payload, then writes the object.
func (s *Store) Upload(ctx context.Context, key string, content io.Reader, contentType string) (*blobstore.Object, error) {
	if key == "" {
		return nil, blobstore.ErrMissingFileName
	}
	data, err := blobstore.ReadLimited(content)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	name := blobstore.NameFromKey(key)
	uploadedAt := s.now().UTC()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"nombre":      name,
			"fechasubida": uploadedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}
	return &blobstore.Object{
		Key:         key,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", sha256.Sum256(data)),
		URL:         blobstore.JoinURL(s.baseURL, key),
		UploadedAt:  uploadedAt,
	}, nil
}

func (s *Store) Download(ctx context.Context, key string) (io.ReadCloser, *blobstore.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, blobstore.ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("get object %s: %w", key, err)
	}
	obj := &blobstore.Object{
		Key:         key,
		Name:        blobstore.NameFromKey(key),
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		URL:         blobstore.JoinURL(s.baseURL, key),
		UploadedAt:  aws.ToTime(out.LastModified),
	}
	return out.Body, obj, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return blobstore.ErrBlobNotFound
		}
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}
