package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"adsync/pkg/ad"
	"adsync/resolve"
)

// adFieldsFile holds field defaults and is never an ad itself.
const adFieldsFile = "ad_fields.yaml"

// Entry is one ad file: the document as authored plus the effective ad.
type Entry struct {
	Path     string       // absolute file path
	Rel      string       // path relative to the loader root, for logs
	Original *Document    // as authored; only id and timestamps are written back
	Ad       *ad.Ad       // effective record with defaults merged in
	Category resolve.CategoryMatch
}

// Save writes the original document back to its file.
func (e *Entry) Save() error {
	return e.Original.Save(e.Path)
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Root              string    // directory patterns are relative to
	Patterns          []string  // ad file patterns
	AdDefaults        *Document // the config's ad_defaults section
	AdFields          *Document // built-in field defaults
	DescriptionPrefix string
	DescriptionSuffix string
	Categories        *resolve.Categories
}

// Loader finds ad files and builds their effective records.
type Loader struct {
	cfg    LoaderConfig
	logger *slog.Logger
}

// NewLoader creates a new ad loader.
func NewLoader(cfg LoaderConfig, logger *slog.Logger) *Loader {
	if cfg.Categories == nil {
		cfg.Categories = resolve.NewCategories()
	}
	return &Loader{cfg: cfg, logger: logger}
}

// Discover returns all ad files matching the configured patterns, sorted by path.
func (l *Loader) Discover() ([]string, error) {
	var files []string
	for _, pattern := range l.cfg.Patterns {
		matches, err := Glob(l.cfg.Root, pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if filepath.Base(m) == adFieldsFile || slices.Contains(files, m) {
				continue
			}
			files = append(files, m)
		}
	}
	slices.Sort(files)
	l.logger.Info("Ad files found", "count", len(files), "root", l.cfg.Root)
	return files, nil
}

// Read loads one ad file and merges the defaults into its effective record.
// The effective record is not normalized yet; see Prepare.
func (l *Loader) Read(path string) (*Entry, error) {
	original, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}

	effective := Merge(original, l.cfg.AdDefaults, MergeOptions{Ignore: []string{"description"}, OverrideEmpty: true})
	effective = Merge(effective, l.cfg.AdFields, MergeOptions{})

	var a ad.Ad
	if err := effective.Decode(&a); err != nil {
		return nil, &ad.ValidationError{File: path, Field: "*", Reason: err.Error()}
	}
	a.AttributeOrder = effective.KeysAt("special_attributes")

	return &Entry{
		Path:     path,
		Rel:      l.rel(path),
		Original: original,
		Ad:       &a,
	}, nil
}

// Prepare normalizes the effective record and validates it: description
// prefix/suffix and "@" masking, category resolution, shipping cost rounding,
// and image pattern expansion.
func (l *Loader) Prepare(e *Entry) error {
	a := e.Ad
	fail := func(err error) error {
		var ve *ad.ValidationError
		if errors.As(err, &ve) {
			ve.File = e.Rel
			return err
		}
		return fmt.Errorf("prepare %s: %w", e.Rel, err)
	}

	a.Description = l.cfg.DescriptionPrefix + a.Description + l.cfg.DescriptionSuffix
	a.Description = strings.ReplaceAll(a.Description, "@", "(at)")

	if a.Category != "" {
		id, match, key := l.cfg.Categories.Resolve(a.Category)
		if match == resolve.CategoryParent {
			l.logger.Warn("Category unknown, using parent category instead",
				"file", e.Rel, "category", a.Category, "parent", key, "category_id", id)
		}
		a.Category = id
		e.Category = match
	}

	if a.ShippingCosts != "" {
		costs, err := resolve.NormalizeDecimal(string(a.ShippingCosts))
		if err != nil {
			return fail(&ad.ValidationError{Field: "shipping_costs", Reason: err.Error()})
		}
		a.ShippingCosts = ad.Decimal(costs)
	}

	if len(a.Images) > 0 {
		images, err := ExpandImages(filepath.Dir(e.Path), a.Images)
		if err != nil {
			return fail(&ad.ValidationError{Field: "images", Reason: err.Error()})
		}
		a.Images = images
	}

	if err := a.Validate(); err != nil {
		return fail(err)
	}
	if a.ShippingType == ad.ShippingShipping && len(a.ShippingOptions) > 0 {
		if _, err := resolve.PlanShipping(a.ShippingOptions); err != nil {
			return fail(err)
		}
	}
	return nil
}

// LoadAll reads and prepares every ad file. Files that fail are reported
// in errs and left out of entries.
func (l *Loader) LoadAll() (entries []*Entry, errs []error) {
	files, err := l.Discover()
	if err != nil {
		return nil, []error{err}
	}
	for _, path := range files {
		e, err := l.Read(path)
		if err == nil {
			err = l.Prepare(e)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, errs
}

// SavedIDs returns the ids of all ad files, active or not, without preparing them.
func (l *Loader) SavedIDs() (map[int64]bool, error) {
	files, err := l.Discover()
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]bool)
	for _, path := range files {
		doc, err := LoadDocument(path)
		if err != nil {
			l.logger.Warn("Skipping unreadable ad file", "file", l.rel(path), "error", err)
			continue
		}
		if id, err := strconv.ParseInt(doc.String("id"), 10, 64); err == nil {
			ids[id] = true
		}
	}
	return ids, nil
}

func (l *Loader) rel(path string) string {
	if rel, err := filepath.Rel(l.cfg.Root, path); err == nil {
		return rel
	}
	return path
}

// MarkPublished records a successful publish in the original document:
// id and updated_on always, created_on only when the ad never had one.
// The effective record keeps its previous id until the superseded listing is removed.
func (e *Entry) MarkPublished(id int64, now ad.Timestamp) error {
	if e.Ad.CreatedOn.IsZero() {
		if err := e.Original.Set("created_on", string(now)); err != nil {
			return err
		}
		e.Ad.CreatedOn = now
	}
	if err := e.Original.Set("updated_on", string(now)); err != nil {
		return err
	}
	if err := e.Original.Set("id", id); err != nil {
		return err
	}
	e.Ad.UpdatedOn = now
	return nil
}

// ClearID removes the remote id from the original document.
func (e *Entry) ClearID() {
	e.Original.Delete("id")
	e.Ad.ID = 0
}
