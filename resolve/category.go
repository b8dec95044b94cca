// Package resolve maps portable ad values to marketplace identifiers and back.
package resolve

import "strings"

// CategoryMatch describes how a category path was resolved.
type CategoryMatch int

// Category resolution outcomes.
const (
	CategoryRaw    CategoryMatch = iota // no table entry, value used as given
	CategoryExact                       // exact table entry
	CategoryParent                      // fell back to the parent of a compound path
)

func (m CategoryMatch) String() string {
	switch m {
	case CategoryExact:
		return "exact"
	case CategoryParent:
		return "parent"
	default:
		return "raw"
	}
}

// Categories maps portable category paths to marketplace category ids.
// It is immutable after construction.
type Categories struct {
	ids map[string]string
}

// NewCategories merges category tables; entries of later tables win.
func NewCategories(tables ...map[string]string) *Categories {
	ids := make(map[string]string)
	for _, table := range tables {
		for path, id := range table {
			ids[strings.TrimSpace(path)] = id
		}
	}
	return &Categories{ids: ids}
}

// Len returns the number of known category paths.
func (c *Categories) Len() int {
	return len(c.ids)
}

// Resolve returns the marketplace id for path, how it matched, and the table key used.
// A compound path ("parent>child") without an exact entry falls back to the
// parent's id; callers should warn the ad lands in a generic sub-category.
// Unknown paths are returned unchanged.
func (c *Categories) Resolve(path string) (string, CategoryMatch, string) {
	path = strings.TrimSpace(path)
	if id, ok := c.ids[path]; ok {
		return id, CategoryExact, path
	}
	if i := strings.LastIndex(path, ">"); i >= 0 {
		parent := strings.TrimSpace(path[:i])
		if id, ok := c.ids[parent]; ok {
			return id, CategoryParent, parent
		}
	}
	return path, CategoryRaw, path
}
