package resolve

import (
	"fmt"
	"slices"
	"strings"

	"adsync/pkg/ad"
)

// Package sizes as labelled by the marketplace's shipping dialog.
const (
	SizeSmall  = "Klein"
	SizeMedium = "Mittel"
	SizeLarge  = "Groß"
)

// ShippingPackage is one carrier package the shipping dialog offers.
type ShippingPackage struct {
	Name    string // portable option name used in ad files
	Size    string // package size radio
	Carrier string // carrier option label inside the size
}

// shippingPackages is ordered the way the dialog lists them.
var shippingPackages = []ShippingPackage{
	{Name: "DHL_2", Size: SizeSmall, Carrier: "Paket 2 kg"},
	{Name: "Hermes_Päckchen", Size: SizeSmall, Carrier: "Päckchen"},
	{Name: "Hermes_S", Size: SizeSmall, Carrier: "S-Paket"},
	{Name: "DHL_5", Size: SizeMedium, Carrier: "Paket 5 kg"},
	{Name: "Hermes_M", Size: SizeMedium, Carrier: "M-Paket"},
	{Name: "DHL_10", Size: SizeLarge, Carrier: "Paket 10 kg"},
	{Name: "DHL_31,5", Size: SizeLarge, Carrier: "Paket 31,5 kg"},
	{Name: "Hermes_L", Size: SizeLarge, Carrier: "L-Paket"},
}

// remoteShippingIDs maps catalog option ids to portable option names.
var remoteShippingIDs = map[string]string{
	"DHL_001":    "DHL_2",
	"DHL_002":    "DHL_5",
	"DHL_003":    "DHL_10",
	"DHL_004":    "DHL_31,5",
	"DHL_005":    "DHL_20",
	"HERMES_001": "Hermes_Päckchen",
	"HERMES_002": "Hermes_S",
	"HERMES_003": "Hermes_M",
	"HERMES_004": "Hermes_L",
}

// LookupShipping returns the package for a portable option name.
func LookupShipping(name string) (ShippingPackage, bool) {
	for _, p := range shippingPackages {
		if p.Name == name {
			return p, true
		}
	}
	return ShippingPackage{}, false
}

// ShippingPlan is the dialog interaction needed for a set of shipping options.
type ShippingPlan struct {
	Size     string
	Wanted   []string // carrier labels to select
	Unwanted []string // carrier labels of the same size to deselect
}

// PlanShipping resolves option names into one package size and its carrier labels.
// Unknown names and options spanning more than one size are configuration errors.
func PlanShipping(options []string) (ShippingPlan, error) {
	var plan ShippingPlan
	for _, name := range options {
		p, ok := LookupShipping(name)
		if !ok {
			return ShippingPlan{}, &ad.ValidationError{Field: "shipping_options", Reason: fmt.Sprintf("unknown shipping option %q", name)}
		}
		if plan.Size != "" && plan.Size != p.Size {
			return ShippingPlan{}, &ad.ValidationError{
				Field:  "shipping_options",
				Reason: fmt.Sprintf("options mix package sizes %s and %s", plan.Size, p.Size),
			}
		}
		plan.Size = p.Size
		if !slices.Contains(plan.Wanted, p.Carrier) {
			plan.Wanted = append(plan.Wanted, p.Carrier)
		}
	}
	if plan.Size == "" {
		return ShippingPlan{}, &ad.ValidationError{Field: "shipping_options", Reason: "no shipping options given"}
	}
	for _, p := range shippingPackages {
		if p.Size == plan.Size && !slices.Contains(plan.Wanted, p.Carrier) {
			plan.Unwanted = append(plan.Unwanted, p.Carrier)
		}
	}
	return plan, nil
}

// CatalogOption is one entry of the marketplace's shipping price catalog.
type CatalogOption struct {
	ID              string `json:"id"`
	PriceInEuroCent int64  `json:"priceInEuroCent"`
	PackageSize     string `json:"packageSize"`
}

// UnknownOptionError reports a catalog option id without a portable name.
type UnknownOptionError struct {
	ID string
}

func (e *UnknownOptionError) Error() string {
	return fmt.Sprintf("unmapped shipping option id %q", e.ID)
}

// MatchOptions controls the catalog reverse mapping.
type MatchOptions struct {
	IncludeAllOfSize bool     // return every option sharing the matched package size
	Excluded         []string // portable names never returned
}

// MatchShipping maps a shipping price back to portable option names.
// It returns nil when no catalog entry has the price or the match is excluded.
func MatchShipping(catalog []CatalogOption, price Cents, opts MatchOptions) ([]string, error) {
	idx := slices.IndexFunc(catalog, func(o CatalogOption) bool { return o.PriceInEuroCent == int64(price) })
	if idx < 0 {
		return nil, nil
	}
	match := catalog[idx]

	if !opts.IncludeAllOfSize {
		name, ok := remoteShippingIDs[match.ID]
		if !ok {
			return nil, &UnknownOptionError{ID: match.ID}
		}
		if slices.Contains(opts.Excluded, name) {
			return nil, nil
		}
		return []string{name}, nil
	}

	var names []string
	for _, o := range catalog {
		if !strings.EqualFold(o.PackageSize, match.PackageSize) {
			continue
		}
		name, ok := remoteShippingIDs[o.ID]
		if !ok || slices.Contains(opts.Excluded, name) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
