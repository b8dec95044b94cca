package ad

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidationError reports a configuration problem in one ad.
type ValidationError struct {
	File   string // ad file, empty when unknown
	Field  string // dotted field path
	Reason string
}

func (e *ValidationError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("invalid ad: [%s] %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid ad %s: [%s] %s", e.File, e.Field, e.Reason)
}

// IsValidationError checks if an error is an ad configuration error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the effective ad for required fields and enum values.
// It returns the first violation found.
func (a *Ad) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	switch a.Type {
	case TypeOffer, TypeWanted:
	default:
		return invalid("type", "must be one of OFFER, WANTED (got %q)", a.Type)
	}

	if utf8.RuneCountInString(a.Title) < MinTitleLength {
		return invalid("title", "must be at least %d characters long", MinTitleLength)
	}

	if strings.TrimSpace(a.Description) == "" {
		return invalid("description", "not specified")
	}
	if n := utf8.RuneCountInString(a.Description); n > MaxDescriptionLength {
		return invalid("description", "length including prefix and suffix is %d, exceeds %d characters", n, MaxDescriptionLength)
	}

	switch a.PriceType {
	case PriceFixed:
		if a.Price == "" {
			return invalid("price", "must be specified for FIXED ad")
		}
	case PriceGiveAway:
		if a.Price != "" {
			return invalid("price", "must not be specified for GIVE_AWAY ad")
		}
	case PriceNegotiable, PriceNotApplicable:
	default:
		return invalid("price_type", "must be one of FIXED, NEGOTIABLE, GIVE_AWAY, NOT_APPLICABLE (got %q)", a.PriceType)
	}

	switch a.ShippingType {
	case ShippingPickup, ShippingShipping, ShippingNotApplicable:
	default:
		return invalid("shipping_type", "must be one of PICKUP, SHIPPING, NOT_APPLICABLE (got %q)", a.ShippingType)
	}
	if len(a.ShippingOptions) > 0 && a.ShippingType != ShippingShipping {
		return invalid("shipping_options", "only allowed with shipping_type SHIPPING")
	}

	if strings.TrimSpace(a.Contact.Name) == "" {
		return invalid("contact.name", "not specified")
	}

	if a.RepublicationInterval <= 0 {
		return invalid("republication_interval", "not specified")
	}

	seen := make(map[string]bool, len(a.Images))
	for _, img := range a.Images {
		if seen[img] {
			return invalid("images", "duplicate image %s", img)
		}
		seen[img] = true
	}

	return nil
}
