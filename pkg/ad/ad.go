// Package ad provides the core data types for classified ad records.
package ad

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Type is the listing direction of an ad.
type Type string

// Ad types.
const (
	TypeOffer  Type = "OFFER"
	TypeWanted Type = "WANTED"
)

// PriceType describes how the price of an ad is presented.
type PriceType string

// Price types.
const (
	PriceFixed         PriceType = "FIXED"
	PriceNegotiable    PriceType = "NEGOTIABLE"
	PriceGiveAway      PriceType = "GIVE_AWAY"
	PriceNotApplicable PriceType = "NOT_APPLICABLE"
)

// ShippingType describes how the item changes hands.
type ShippingType string

// Shipping types.
const (
	ShippingPickup        ShippingType = "PICKUP"
	ShippingShipping      ShippingType = "SHIPPING"
	ShippingNotApplicable ShippingType = "NOT_APPLICABLE"
)

// TimestampLayout is the canonical form of persisted timestamps (UTC, no zone suffix).
const TimestampLayout = "2006-01-02T15:04:05"

// MaxDescriptionLength is the upper bound of a description after prefix and suffix are applied.
const MaxDescriptionLength = 4000

// MinTitleLength is the shortest title the marketplace accepts.
const MinTitleLength = 10

// Decimal is a numeric value kept in the textual form it was written in.
// Any YAML scalar (int, float, string) decodes into it.
type Decimal string

// UnmarshalYAML accepts any scalar node.
func (d *Decimal) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal: expected scalar, got %s", n.ShortTag())
	}
	*d = Decimal(strings.TrimSpace(n.Value))
	return nil
}

// Timestamp is a persisted point in time in TimestampLayout form.
// The empty value means "not set".
type Timestamp string

var timestampLayouts = []string{
	TimestampLayout,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02",
}

// UnmarshalYAML accepts quoted and unquoted timestamps.
func (ts *Timestamp) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("timestamp: expected scalar, got %s", n.ShortTag())
	}
	*ts = Timestamp(strings.TrimSpace(n.Value))
	return nil
}

// NewTimestamp formats t in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC().Format(TimestampLayout))
}

// Time parses the timestamp. Zone-less values are read as UTC.
func (ts Timestamp) Time() (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, string(ts)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", string(ts))
}

// IsZero reports whether the timestamp is unset.
func (ts Timestamp) IsZero() bool {
	return ts == ""
}

// Contact holds the seller details shown on a listing.
type Contact struct {
	Name     string `yaml:"name" json:"name"`
	Street   string `yaml:"street,omitempty" json:"street,omitempty"`
	Zipcode  string `yaml:"zipcode,omitempty" json:"zipcode,omitempty"`
	Location string `yaml:"location,omitempty" json:"location,omitempty"`
	Phone    string `yaml:"phone,omitempty" json:"phone,omitempty"`
}

// Ad is one classified ad. Loaded ads are the effective form (defaults merged in);
// extracted ads are in portable form ready to be written to storage.
type Ad struct {
	ID                    int64             `yaml:"id,omitempty"`
	Active                bool              `yaml:"active"`
	Type                  Type              `yaml:"type"`
	Title                 string            `yaml:"title"`
	Description           string            `yaml:"description"`
	Category              string            `yaml:"category"`
	SpecialAttributes     map[string]string `yaml:"special_attributes,omitempty"`
	Price                 Decimal           `yaml:"price,omitempty"`
	PriceType             PriceType         `yaml:"price_type"`
	ShippingType          ShippingType      `yaml:"shipping_type"`
	ShippingCosts         Decimal           `yaml:"shipping_costs,omitempty"`
	ShippingOptions       []string          `yaml:"shipping_options,omitempty"`
	SellDirectly          *bool             `yaml:"sell_directly,omitempty"`
	Images                []string          `yaml:"images,omitempty"`
	Contact               Contact           `yaml:"contact"`
	RepublicationInterval int               `yaml:"republication_interval"`
	CreatedOn             Timestamp         `yaml:"created_on,omitempty"`
	UpdatedOn             Timestamp         `yaml:"updated_on,omitempty"`
	ContentHash           string            `yaml:"content_hash,omitempty"`

	// AttributeOrder is the key order of special_attributes in the ad file.
	AttributeOrder []string `yaml:"-"`
}

// AttributeKeys returns the special attribute keys in file order, followed
// by any keys the file order does not know in sorted order.
func (a *Ad) AttributeKeys() []string {
	keys := make([]string, 0, len(a.SpecialAttributes))
	for _, k := range a.AttributeOrder {
		if _, ok := a.SpecialAttributes[k]; ok && !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	var rest []string
	for k := range a.SpecialAttributes {
		if !slices.Contains(keys, k) {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	return append(keys, rest...)
}

// Published reports whether the ad has a remote id.
func (a *Ad) Published() bool {
	return a.ID > 0
}

// LastPublished returns updated_on, falling back to created_on.
// ok is false when neither is set.
func (a *Ad) LastPublished() (t time.Time, ok bool, err error) {
	ts := a.UpdatedOn
	if ts.IsZero() {
		ts = a.CreatedOn
	}
	if ts.IsZero() {
		return time.Time{}, false, nil
	}
	t, err = ts.Time()
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// SellsDirectly reports whether the buy-now option is requested.
func (a *Ad) SellsDirectly() bool {
	return a.SellDirectly != nil && *a.SellDirectly
}

// Listing is one entry of the account's remote listing snapshot.
type Listing struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	State string `json:"state"`
}

// ListingStatePaused marks a reserved listing that cannot be edited.
const ListingStatePaused = "paused"

// UnmarshalJSON accepts numeric and quoted ids.
func (l *Listing) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    json.Number `json:"id"`
		Title string      `json:"title"`
		State string      `json:"state"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode listing: %w", err)
	}
	id := int64(-1)
	if raw.ID != "" {
		n, err := raw.ID.Int64()
		if err != nil {
			return fmt.Errorf("decode listing id %q: %w", raw.ID, err)
		}
		id = n
	}
	*l = Listing{ID: id, Title: raw.Title, State: raw.State}
	return nil
}
