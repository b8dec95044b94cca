// Package extract reconstructs ad files from the marketplace's ad pages.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"adsync/pkg/ad"
	"adsync/resolve"
	"adsync/storage"
	"adsync/web"
)

// DefaultRootURL is the marketplace origin.
const DefaultRootURL = "https://www.kleinanzeigen.de"

// SchemaHeader is written above every downloaded ad file.
const SchemaHeader = "# yaml-language-server: $schema=https://raw.githubusercontent.com/Second-Hand-Friends/kleinanzeigen-bot/refs/heads/main/schemas/ad.schema.json"

const (
	popupTimeout        = 2 * time.Second
	creationDateTimeout = 2 * time.Second
	creationDateXPath   = "/html/body/div[1]/div[2]/div/section[2]/section/section/article/div[3]/div[2]/div[2]/div[1]/span"
)

// AmbiguityError reports a page value that cannot be mapped into an ad file.
type AmbiguityError struct {
	Field string
	Value string
	Err   error
}

func (e *AmbiguityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot map %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("cannot map %s %q", e.Field, e.Value)
}

func (e *AmbiguityError) Unwrap() error {
	return e.Err
}

// IsAmbiguity checks if an error is an extraction ambiguity.
func IsAmbiguity(err error) bool {
	var ae *AmbiguityError
	return errors.As(err, &ae)
}

// Config configures an Extractor.
type Config struct {
	RootURL           string
	Dir               string // download directory, default "downloaded-ads"
	DescriptionPrefix string
	DescriptionSuffix string
	Shipping          resolve.MatchOptions
	ImageAttempts     uint // default 3
}

func (c Config) attempts() uint {
	if c.ImageAttempts == 0 {
		return 3
	}
	return c.ImageAttempts
}

// Extractor reads ad pages through a browser session.
type Extractor struct {
	session web.Session
	catalog CatalogSource
	client  *http.Client
	cfg     Config
	logger  *slog.Logger
}

// New creates a new extractor. Images are downloaded with client.
func New(session web.Session, catalog CatalogSource, client *http.Client, cfg Config, logger *slog.Logger) *Extractor {
	if cfg.RootURL == "" {
		cfg.RootURL = DefaultRootURL
	}
	cfg.RootURL = strings.TrimSuffix(cfg.RootURL, "/")
	if cfg.Dir == "" {
		cfg.Dir = "downloaded-ads"
	}
	return &Extractor{session: session, catalog: catalog, client: client, cfg: cfg, logger: logger}
}

// Download is one extracted ad.
type Download struct {
	ID   int64
	Dir  string // per-ad directory
	Path string // ad file
	Ad   *ad.Ad // portable form
}

// OpenByID navigates to an ad through the search page.
// It reports false when no ad has the id.
func (x *Extractor) OpenByID(ctx context.Context, id int64) (bool, error) {
	return x.OpenURL(ctx, fmt.Sprintf("%s/s-suchanfrage.html?keywords=%d", x.cfg.RootURL, id))
}

// OpenURL navigates to an ad page; relative links are resolved against the
// marketplace origin. It reports false when the marketplace shows its
// "no result" page.
func (x *Extractor) OpenURL(ctx context.Context, pageURL string) (bool, error) {
	if strings.HasPrefix(pageURL, "/") {
		pageURL = x.cfg.RootURL + pageURL
	}
	s := x.session
	if err := s.Open(ctx, pageURL); err != nil {
		return false, fmt.Errorf("open ad page: %w", err)
	}
	if err := s.Sleep(ctx, 0, 0); err != nil {
		return false, err
	}

	current, err := s.CurrentURL(ctx)
	if err != nil {
		return false, err
	}
	if strings.HasSuffix(current, "k0") {
		x.logger.Error("There is no ad under the given ID", "url", pageURL)
		return false, nil
	}

	_, popup, err := web.Probe(s.Find(ctx, web.ID("vap-ovrly-secure"), popupTimeout))
	if err != nil {
		return false, fmt.Errorf("check popup: %w", err)
	}
	if popup {
		x.logger.Warn("A popup appeared, closing it", "url", current)
		if err := web.Skip(s.Click(ctx, web.Class("mfp-close"), 0)); err != nil {
			return false, fmt.Errorf("close popup: %w", err)
		}
		if err := s.Sleep(ctx, 0, 0); err != nil {
			return false, err
		}
	}
	return true, nil
}

// belenConf is the page's analytics configuration.
type belenConf struct {
	UniversalAnalyticsOpts struct {
		Dimensions map[string]any `json:"dimensions"`
	} `json:"universalAnalyticsOpts"`
}

func (b *belenConf) dimension(key string) string {
	v, _ := b.UniversalAnalyticsOpts.Dimensions[key].(string)
	return v
}

// Download extracts the currently open ad page into <dir>/ad_<id>/ad_<id>.yaml.
// An existing directory of the ad is replaced.
func (x *Extractor) Download(ctx context.Context, id int64) (*Download, error) {
	dir := filepath.Join(x.cfg.Dir, fmt.Sprintf("ad_%d", id))
	if _, err := os.Stat(dir); err == nil {
		x.logger.Info("Deleting current folder of ad", "id", id, "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	a, imageURLs, err := x.readPage(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Images, err = x.downloadImages(ctx, dir, id, imageURLs)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, fmt.Sprintf("ad_%d.yaml", id))
	if err := WriteAd(path, a); err != nil {
		return nil, err
	}
	x.logger.Info("Ad downloaded", "id", id, "file", path, "title", a.Title)
	return &Download{ID: id, Dir: dir, Path: path, Ad: a}, nil
}

// readPage builds the portable ad from the open page and returns its image URLs.
func (x *Extractor) readPage(ctx context.Context, id int64) (*ad.Ad, []string, error) {
	s := x.session
	current, err := s.CurrentURL(ctx)
	if err != nil {
		return nil, nil, err
	}
	html, err := s.HTML(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read ad page: %w", err)
	}
	page, err := ParsePage(strings.NewReader(html))
	if err != nil {
		return nil, nil, err
	}
	if page.Title == "" {
		return nil, nil, fmt.Errorf("ad page %s has no title", current)
	}
	x.logger.Info("Extracting information from ad", "id", id, "title", page.Title)

	var conf belenConf
	if err := s.Execute(ctx, "window.BelenConf", &conf); err != nil {
		return nil, nil, fmt.Errorf("read analytics configuration: %w", err)
	}

	a := &ad.Ad{
		ID:          id,
		Active:      true,
		Type:        ad.TypeWanted,
		Title:       page.Title,
		Description: x.stripDescription(page.Description),
	}
	if strings.Contains(current, "s-anzeige") {
		a.Type = ad.TypeOffer
	}

	a.Category, err = page.Category()
	if err != nil {
		return nil, nil, err
	}
	// The sub-category preselects the matching special attribute when republished.
	if sub := conf.dimension("dimension92"); sub != "" {
		a.Category += "/" + sub
	}
	a.SpecialAttributes = SpecialAttributes(conf.dimension("dimension108"))

	if a.Price, a.PriceType, err = ParsePrice(page.PriceText); err != nil {
		return nil, nil, err
	}
	if err := x.readShipping(ctx, a, page.ShippingText); err != nil {
		return nil, nil, err
	}
	if page.HasPayment {
		direct := strings.Contains(page.PaymentText, "Direkt kaufen")
		a.SellDirectly = &direct
	}

	if page.Locality == "" {
		return nil, nil, fmt.Errorf("ad page %s has no locality", current)
	}
	a.Contact.Zipcode, a.Contact.Location = SplitLocality(page.Locality)
	a.Contact.Street = page.Street
	if page.Street == "" {
		x.logger.Info("No street given in the contact", "id", id)
	}
	if page.ContactName == "" {
		return nil, nil, fmt.Errorf("ad page %s has no contact name", current)
	}
	a.Contact.Name = page.ContactName
	if page.Phone != "" {
		a.Contact.Phone = NormalizePhone(page.Phone)
	}

	created := page.CreationDate
	if text, found, err := web.Probe(web.TextOf(ctx, s, web.XPath(creationDateXPath), creationDateTimeout)); err != nil {
		return nil, nil, fmt.Errorf("read creation date: %w", err)
	} else if found && text != "" {
		created = text
	}
	if a.CreatedOn, err = ParseCreationDate(created); err != nil {
		return nil, nil, err
	}

	if !page.HasGallery {
		x.logger.Warn("No image area found, continuing without images", "id", id)
	}
	return a, page.Images, nil
}

func (x *Extractor) stripDescription(text string) string {
	text = strings.TrimSpace(text)
	if prefix := strings.TrimSpace(x.cfg.DescriptionPrefix); prefix != "" {
		text = strings.TrimPrefix(text, prefix)
	}
	if suffix := strings.TrimSpace(x.cfg.DescriptionSuffix); suffix != "" {
		text = strings.TrimSuffix(text, suffix)
	}
	return strings.TrimSpace(text)
}

// readShipping maps the shipping line back to portable shipping fields.
func (x *Extractor) readShipping(ctx context.Context, a *ad.Ad, text string) error {
	typ, costs, hasCosts, err := ParseShippingText(text)
	if err != nil {
		return err
	}
	a.ShippingType = typ
	if !hasCosts {
		return nil
	}
	a.ShippingCosts = ad.Decimal(costs.String())

	catalog, err := x.catalog.ShippingCatalog(ctx)
	if err != nil {
		return err
	}
	options, err := resolve.MatchShipping(catalog, costs, x.cfg.Shipping)
	if err != nil {
		var unknown *resolve.UnknownOptionError
		if errors.As(err, &unknown) {
			return &AmbiguityError{Field: "shipping_options", Value: unknown.ID, Err: err}
		}
		return err
	}
	if len(options) == 0 {
		x.logger.Info("No shipping option matches the costs", "costs", costs.String())
		a.ShippingType = ad.ShippingNotApplicable
		return nil
	}
	a.ShippingOptions = options
	return nil
}

// document is the portable ad file layout.
type document struct {
	Active            bool              `yaml:"active"`
	Type              ad.Type           `yaml:"type"`
	Title             string            `yaml:"title"`
	Description       string            `yaml:"description"`
	Category          string            `yaml:"category"`
	SpecialAttributes map[string]string `yaml:"special_attributes"`
	Price             ad.Decimal        `yaml:"price,omitempty"`
	PriceType         ad.PriceType      `yaml:"price_type"`
	ShippingType      ad.ShippingType   `yaml:"shipping_type"`
	ShippingCosts     ad.Decimal        `yaml:"shipping_costs,omitempty"`
	ShippingOptions   []string          `yaml:"shipping_options,omitempty"`
	SellDirectly      *bool             `yaml:"sell_directly,omitempty"`
	Images            []string          `yaml:"images"`
	Contact           ad.Contact        `yaml:"contact"`
	ID                int64             `yaml:"id"`
	CreatedOn         ad.Timestamp      `yaml:"created_on,omitempty"`
	ContentHash       string            `yaml:"content_hash,omitempty"`
}

// WriteAd writes a in portable form with the schema header.
func WriteAd(path string, a *ad.Ad) error {
	images := a.Images
	if images == nil {
		images = []string{}
	}
	attrs := a.SpecialAttributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	doc, err := storage.FromValue(document{
		Active:            a.Active,
		Type:              a.Type,
		Title:             a.Title,
		Description:       a.Description,
		Category:          a.Category,
		SpecialAttributes: attrs,
		Price:             a.Price,
		PriceType:         a.PriceType,
		ShippingType:      a.ShippingType,
		ShippingCosts:     a.ShippingCosts,
		ShippingOptions:   a.ShippingOptions,
		SellDirectly:      a.SellDirectly,
		Images:            images,
		Contact:           a.Contact,
		ID:                a.ID,
		CreatedOn:         a.CreatedOn,
		ContentHash:       a.ContentHash,
	})
	if err != nil {
		return err
	}
	doc.SetHeader(SchemaHeader)
	return doc.Save(path)
}
