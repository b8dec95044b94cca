package ad

import (
	"encoding/json"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// fingerprintView lists the fields that change the rendered listing.
// Bookkeeping fields (id, active, timestamps, interval, hash) stay out.
type fingerprintView struct {
	Type              Type              `json:"type"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Category          string            `json:"category"`
	SpecialAttributes map[string]string `json:"special_attributes"`
	Price             Decimal           `json:"price"`
	PriceType         PriceType         `json:"price_type"`
	ShippingType      ShippingType      `json:"shipping_type"`
	ShippingCosts     Decimal           `json:"shipping_costs"`
	ShippingOptions   []string          `json:"shipping_options"`
	SellDirectly      *bool             `json:"sell_directly"`
	Images            []string          `json:"images"`
	Contact           Contact           `json:"contact"`
}

// Fingerprint returns a stable hash over the publish-relevant fields of a.
// Images are compared by file name so a moved ad directory keeps its hash.
func Fingerprint(a *Ad) string {
	var images []string
	for _, img := range a.Images {
		images = append(images, filepath.Base(img))
	}
	attrs := a.SpecialAttributes
	if len(attrs) == 0 {
		attrs = nil
	}
	options := a.ShippingOptions
	if len(options) == 0 {
		options = nil
	}
	view := fingerprintView{
		Type:              a.Type,
		Title:             a.Title,
		Description:       a.Description,
		Category:          a.Category,
		SpecialAttributes: attrs,
		Price:             a.Price,
		PriceType:         a.PriceType,
		ShippingType:      a.ShippingType,
		ShippingCosts:     a.ShippingCosts,
		ShippingOptions:   options,
		SellDirectly:      a.SellDirectly,
		Images:            images,
		Contact:           a.Contact,
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(view)
	if err != nil {
		// Only plain strings, slices and maps are encoded; this cannot fail.
		panic("ad: encode fingerprint view: " + err.Error())
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// UpdateFingerprint stores the current fingerprint in ContentHash and returns it.
func (a *Ad) UpdateFingerprint() string {
	a.ContentHash = Fingerprint(a)
	return a.ContentHash
}

// Changed reports whether publish-relevant fields differ from the stored fingerprint.
// An ad without a stored fingerprint counts as changed.
func (a *Ad) Changed() bool {
	return a.ContentHash == "" || a.ContentHash != Fingerprint(a)
}
