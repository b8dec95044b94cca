package storage

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an S3-compatible archive.
type S3Config struct {
	Endpoint  string // host:port or URL; an https scheme enables TLS
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3Archive mirrors downloaded ad directories to an S3-compatible bucket.
type S3Archive struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Archive connects to the endpoint and checks that the bucket exists.
func NewS3Archive(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Archive, error) {
	endpoint := cfg.Endpoint
	secure := strings.HasPrefix(endpoint, "https://")
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}

	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/"), logger: logger}, nil
}

// Mirror replaces the archived copy of an ad directory with its current files.
func (s *S3Archive) Mirror(ctx context.Context, adDir string) error {
	entries, err := os.ReadDir(adDir)
	if err != nil {
		return fmt.Errorf("read ad directory: %w", err)
	}

	dirPrefix := path.Join(s.prefix, filepath.Base(adDir)) + "/"
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: dirPrefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", dirPrefix, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", obj.Key, err)
		}
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key := dirPrefix + entry.Name()
		contentType := mime.TypeByExtension(filepath.Ext(entry.Name()))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if _, err := s.client.FPutObject(ctx, s.bucket, key, filepath.Join(adDir, entry.Name()), minio.PutObjectOptions{ContentType: contentType}); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}

	s.logger.Info("Ad directory archived", "dir", adDir, "files", len(entries), "bucket", s.bucket)
	return nil
}
