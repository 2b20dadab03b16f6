package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kingrea/pype/internal/config"
)

// MinIO stores objects in an S3-compatible bucket.
type MinIO struct {
	mc       *minio.Client
	bucket   string
	endpoint string
	secure   bool
}

// NewMinIO connects and ensures the bucket exists.
func NewMinIO(ctx context.Context, cfg config.MinIOConfig) (*MinIO, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	m := &MinIO{mc: mc, bucket: cfg.Bucket, endpoint: cfg.Endpoint, secure: cfg.UseSSL}
	if err := m.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// EnsureBucket creates the bucket when missing.
func (m *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := m.mc.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := m.mc.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// Put implements Bucket.
func (m *MinIO) Put(ctx context.Context, key string, src io.Reader, size int64) error {
	_, err := m.mc.PutObject(ctx, m.bucket, strings.TrimLeft(key, "/"), src, size, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Get implements Bucket.
func (m *MinIO) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.mc.GetObject(ctx, m.bucket, strings.TrimLeft(key, "/"), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return obj, nil
}

// Exists implements Bucket.
func (m *MinIO) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.mc.StatObject(ctx, m.bucket, strings.TrimLeft(key, "/"), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

// URL implements Bucket.
func (m *MinIO) URL(key string) string {
	scheme := "http"
	if m.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, m.endpoint, m.bucket, strings.TrimLeft(key, "/"))
}
