package storage

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// imageExtensions are the image types the marketplace accepts.
var imageExtensions = []string{".gif", ".jpg", ".jpeg", ".png"}

// Glob expands pattern relative to root ("**" and "{a,b}" supported).
// Absolute patterns ignore root. Results are absolute, files only, sorted.
func Glob(root, pattern string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(root, pattern)
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("expand pattern %s: %w", pattern, err)
	}
	for i, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", m, err)
		}
		matches[i] = abs
	}
	slices.Sort(matches)
	return matches, nil
}

// ExpandImages resolves image patterns relative to dir. Files keep the order of
// their pattern, sorted within a pattern, and appear only once.
// Unsupported file types and patterns that match nothing at all are errors.
func ExpandImages(dir string, patterns []string) ([]string, error) {
	var images []string
	for _, pattern := range patterns {
		matches, err := Glob(dir, pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(m))) {
				return nil, fmt.Errorf("unsupported image file type %s", m)
			}
			if !slices.Contains(images, m) {
				images = append(images, m)
			}
		}
	}
	if len(patterns) > 0 && len(images) == 0 {
		return nil, fmt.Errorf("no images found for patterns %v in %s", patterns, dir)
	}
	return images, nil
}
