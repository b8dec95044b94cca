package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// Archive mirrors downloaded ad directories to a local backup directory or
// a Cloud Storage bucket. Keys are "<prefix>/<ad dir>/<file>".
type Archive struct {
	backend archiveBackend
	prefix  string
	logger  *slog.Logger
}

// archiveBackend stores archive objects by slash-separated key.
type archiveBackend interface {
	put(ctx context.Context, key, src string) error
	list(ctx context.Context, prefix string) ([]string, error)
	remove(ctx context.Context, key string) error
	String() string
}

// NewArchive creates a new archive. localPath wins over bucket when both are
// set; client is only used for the bucket.
func NewArchive(client *storage.Client, bucket, prefix, localPath string, logger *slog.Logger) *Archive {
	var backend archiveBackend
	if localPath != "" {
		backend = localBackend{root: localPath}
	} else {
		backend = &gcsBackend{bucket: client.Bucket(bucket), name: bucket, logger: logger}
	}
	return &Archive{
		backend: backend,
		prefix:  strings.Trim(prefix, "/"),
		logger:  logger,
	}
}

// ObjectKey returns the archive key of a file inside an ad directory.
func (a *Archive) ObjectKey(adDir, file string) string {
	return path.Join(a.prefix, filepath.Base(adDir), filepath.Base(file))
}

// Mirror replaces the archived copy of an ad directory with its current files.
func (a *Archive) Mirror(ctx context.Context, adDir string) error {
	entries, err := os.ReadDir(adDir)
	if err != nil {
		return fmt.Errorf("read ad directory: %w", err)
	}

	if err := a.Remove(ctx, filepath.Base(adDir)); err != nil {
		return fmt.Errorf("remove previous copy: %w", err)
	}

	var uploaded int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key := a.ObjectKey(adDir, entry.Name())
		if err := a.backend.put(ctx, key, filepath.Join(adDir, entry.Name())); err != nil {
			return fmt.Errorf("archive %s: %w", key, err)
		}
		uploaded++
	}

	a.logger.Info("Ad directory archived", "dir", adDir, "files", uploaded, "archive", a.backend.String())
	return nil
}

// List returns the archived object keys below the archive prefix.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	return a.backend.list(ctx, a.prefix)
}

// Remove deletes every archived file of one ad directory name (e.g. "ad_123").
func (a *Archive) Remove(ctx context.Context, dirName string) error {
	keys, err := a.backend.list(ctx, path.Join(a.prefix, dirName)+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := a.backend.remove(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// localBackend keeps the archive below root, one file per key.
type localBackend struct {
	root string
}

func (l localBackend) String() string { return "file://" + filepath.ToSlash(l.root) }

func (l localBackend) put(_ context.Context, key, src string) error {
	dst := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write to local archive: %w", err)
	}
	return nil
}

func (l localBackend) list(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	dir, _ := path.Split(prefix + "x") // directory part of the prefix
	err := filepath.WalkDir(filepath.Join(l.root, filepath.FromSlash(dir)), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("walk local archive: %w", err)
	}
	return keys, nil
}

func (l localBackend) remove(_ context.Context, key string) error {
	p := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete from local archive: %w", err)
	}
	// Drop the ad directory once it is empty.
	_ = os.Remove(filepath.Dir(p))
	return nil
}

// gcsBackend stores the archive in a Cloud Storage bucket.
type gcsBackend struct {
	bucket *storage.BucketHandle
	name   string
	logger *slog.Logger
}

func (g *gcsBackend) String() string { return "gs://" + g.name }

func (g *gcsBackend) put(ctx context.Context, key, src string) error {
	return retry.Do(
		func() error {
			f, err := os.Open(src)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("open %s: %w", src, err))
			}
			defer func() {
				if closeErr := f.Close(); closeErr != nil {
					g.logger.Warn("Failed to close archived file", "file", src, "error", closeErr)
				}
			}()

			w := g.bucket.Object(key).NewWriter(ctx)
			w.ContentType = contentType(key)
			if _, err := io.Copy(w, f); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close storage writer: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying archive upload after error", "attempt", n, "key", key, "error", err)
		}),
	)
}

func (g *gcsBackend) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
}

func (g *gcsBackend) remove(ctx context.Context, key string) error {
	return retry.Do(
		func() error {
			err := g.bucket.Object(key).Delete(ctx)
			if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete from storage: %w", err)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
	)
}

// contentType guesses the MIME type of an archived ad file from its extension.
func contentType(key string) string {
	switch ext := strings.ToLower(path.Ext(key)); ext {
	case ".yaml", ".yml":
		return "application/yaml"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
