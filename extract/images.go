package extract

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// imageExtensions fixes the extension of common image types. The mime table
// depends on the host.
var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// HTTPStatusError reports an unexpected image download status.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.URL)
}

// downloadImages stores the gallery images as ad_<id>__img<N><ext> in dir and
// returns the file names in gallery order.
func (x *Extractor) downloadImages(ctx context.Context, dir string, id int64, urls []string) ([]string, error) {
	x.logger.Info("Downloading images", "id", id, "count", len(urls))
	names := make([]string, 0, len(urls))
	for i, u := range urls {
		name, err := x.downloadImage(ctx, dir, fmt.Sprintf("ad_%d__img%d", id, i+1), u)
		if err != nil {
			return nil, fmt.Errorf("download image %d: %w", i+1, err)
		}
		names = append(names, name)
	}
	x.logger.Info("Images downloaded", "id", id, "count", len(names))
	return names, nil
}

func (x *Extractor) downloadImage(ctx context.Context, dir, base, imageURL string) (string, error) {
	var name string

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

			startTime := time.Now()
			resp, err := x.client.Do(req)
			if err != nil {
				x.logger.Warn("Image request failed, will retry", "url", imageURL, "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					x.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			switch {
			case resp.StatusCode == http.StatusOK:
			case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
				return &HTTPStatusError{URL: imageURL, Status: resp.StatusCode}
			default:
				return retry.Unrecoverable(&HTTPStatusError{URL: imageURL, Status: resp.StatusCode})
			}

			name = base + extensionFor(resp.Header.Get("Content-Type"))
			f, err := os.Create(filepath.Join(dir, name))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create image file: %w", err))
			}
			n, err := io.Copy(f, resp.Body)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return fmt.Errorf("write image: %w", err)
			}

			x.logger.Debug("Image downloaded",
				"url", imageURL,
				"file", name,
				"bytes", n,
				"duration_ms", time.Since(startTime).Milliseconds())
			return nil
		},
		retry.Attempts(x.cfg.attempts()),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			x.logger.Info("Retrying image download after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("after retries: %w", err)
	}
	return name, nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".jpg"
	}
	if ext, ok := imageExtensions[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".jpg"
}
