package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"adsync/resolve"
	"adsync/web"
)

// DefaultCatalogURL lists the shipping options offered to private sellers.
const DefaultCatalogURL = "https://gateway.kleinanzeigen.de/postad/api/v1/shipping-options?posterType=PRIVATE"

// CatalogSource supplies the marketplace's shipping price catalog.
type CatalogSource interface {
	ShippingCatalog(ctx context.Context) ([]resolve.CatalogOption, error)
}

// SessionCatalog fetches the catalog through the logged-in browser session.
type SessionCatalog struct {
	Session web.Session
	URL     string // defaults to DefaultCatalogURL
}

// ShippingCatalog requests and decodes the catalog.
func (c *SessionCatalog) ShippingCatalog(ctx context.Context) ([]resolve.CatalogOption, error) {
	u := c.URL
	if u == "" {
		u = DefaultCatalogURL
	}
	resp, err := c.Session.Request(ctx, web.Request{URL: u})
	if err != nil {
		return nil, fmt.Errorf("fetch shipping catalog: %w", err)
	}
	return DecodeCatalog([]byte(resp.Content))
}

// DecodeCatalog reads the options of a shipping catalog response.
func DecodeCatalog(data []byte) ([]resolve.CatalogOption, error) {
	var body struct {
		Data struct {
			ShippingOptionsResponse struct {
				Options []resolve.CatalogOption `json:"options"`
			} `json:"shippingOptionsResponse"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode shipping catalog: %w", err)
	}
	return body.Data.ShippingOptionsResponse.Options, nil
}
