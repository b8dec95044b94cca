package extract

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"adsync/pkg/ad"
	"adsync/resolve"
)

// Page is the raw content of a rendered ad page.
type Page struct {
	Title        string
	Description  string
	Breadcrumb   []string // hrefs of the 2nd and 3rd breadcrumb links
	PriceText    string   // empty when the page has no price box
	ShippingText string   // empty when the page has no shipping line
	PaymentText  string
	HasPayment   bool
	Images       []string // gallery image URLs in page order
	HasGallery   bool
	Locality     string // "zip location"
	Street       string
	ContactName  string
	Phone        string
	CreationDate string // dd.mm.yyyy
}

// ParsePage reads an ad page snapshot.
func ParsePage(r io.Reader) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse ad page: %w", err)
	}

	text := func(sel string) string {
		return strings.TrimSpace(doc.Find(sel).First().Text())
	}

	p := &Page{
		Title:        text("#viewad-title"),
		Description:  text("#viewad-description-text"),
		PriceText:    text("#viewad-price"),
		ShippingText: text(".boxedarticle--details--shipping"),
		Locality:     text("#viewad-locality"),
		Street:       strings.TrimSuffix(text("#street-address"), ","),
		CreationDate: text("#viewad-extra-info > div:nth-child(1) > span:nth-child(2)"),
	}

	crumbs := doc.Find("#vap-brdcrmb")
	for _, sel := range []string{"a:nth-of-type(2)", "a:nth-of-type(3)"} {
		if href, ok := crumbs.Find(sel).First().Attr("href"); ok {
			p.Breadcrumb = append(p.Breadcrumb, href)
		}
	}

	if payment := doc.Find("#payment-buttons-sidebar"); payment.Length() > 0 {
		p.HasPayment = true
		p.PaymentText = strings.TrimSpace(payment.First().Text())
	}

	if gallery := doc.Find(".galleryimage-large"); gallery.Length() > 0 {
		p.HasGallery = true
		gallery.Find(".galleryimage-element[data-ix] > img").Each(func(_ int, img *goquery.Selection) {
			if src, ok := img.Attr("src"); ok && src != "" {
				p.Images = append(p.Images, src)
			}
		})
	}

	name := doc.Find("#viewad-contact .iconlist-text").First()
	p.ContactName = strings.TrimSpace(name.Find("a").First().Text())
	if p.ContactName == "" {
		p.ContactName = strings.TrimSpace(name.Find("span").First().Text())
	}
	p.Phone = strings.TrimSpace(doc.Find("#viewad-contact-phone a").First().Text())

	return p, nil
}

// Category joins the numeric ids of the breadcrumb links, e.g. "161/172".
func (p *Page) Category() (string, error) {
	if len(p.Breadcrumb) < 2 {
		return "", fmt.Errorf("category breadcrumb incomplete: %d links", len(p.Breadcrumb))
	}
	parts := make([]string, 0, 2)
	for _, href := range p.Breadcrumb[:2] {
		segment := href[strings.LastIndex(href, "/")+1:]
		if len(segment) < 2 {
			return "", fmt.Errorf("category link %q has no id", href)
		}
		parts = append(parts, segment[1:])
	}
	return strings.Join(parts, "/"), nil
}

// ParsePrice derives price and price type from the price box text.
// "1.234 €" is FIXED, "50 € VB" and "VB" are NEGOTIABLE, "Zu verschenken"
// is GIVE_AWAY, anything else NOT_APPLICABLE.
func ParsePrice(text string) (ad.Decimal, ad.PriceType, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ad.PriceNotApplicable, nil
	}

	amount := func() (ad.Decimal, error) {
		c, err := resolve.ParseDecimal(strings.ReplaceAll(fields[0], ".", ""))
		if err != nil {
			return "", &AmbiguityError{Field: "price", Value: text, Err: err}
		}
		if c%100 == 0 {
			return ad.Decimal(strconv.FormatInt(int64(c)/100, 10)), nil
		}
		return ad.Decimal(c.String()), nil
	}

	switch fields[len(fields)-1] {
	case "€":
		price, err := amount()
		return price, ad.PriceFixed, err
	case "VB":
		if len(fields) == 1 {
			return "", ad.PriceNegotiable, nil
		}
		price, err := amount()
		return price, ad.PriceNegotiable, err
	case "verschenken":
		return "", ad.PriceGiveAway, nil
	default:
		return "", ad.PriceNotApplicable, nil
	}
}

// ParseShippingText reads the shipping line, e.g. "+ Versand ab 5,49 €" or
// "Nur Abholung". hasCosts is false when no price is given.
func ParseShippingText(text string) (typ ad.ShippingType, costs resolve.Cents, hasCosts bool, err error) {
	switch {
	case text == "":
		return ad.ShippingNotApplicable, 0, false, nil
	case text == "Nur Abholung":
		return ad.ShippingPickup, 0, false, nil
	case text == "Versand möglich":
		return ad.ShippingShipping, 0, false, nil
	case strings.Contains(text, "€"):
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return "", 0, false, &AmbiguityError{Field: "shipping_costs", Value: text}
		}
		costs, err := resolve.ParseDecimal(fields[len(fields)-2])
		if err != nil {
			return "", 0, false, &AmbiguityError{Field: "shipping_costs", Value: text, Err: err}
		}
		return ad.ShippingShipping, costs, true, nil
	default:
		return ad.ShippingNotApplicable, 0, false, nil
	}
}

// SpecialAttributes decodes the analytics attribute string
// "art_s:lautsprecher|condition_s:like_new|versand_s:t". Shipping is not a
// special attribute of the portable form; schaden_s flags become ja/nein.
func SpecialAttributes(raw string) map[string]string {
	attrs := make(map[string]string)
	for _, item := range strings.Split(raw, "|") {
		key, value, ok := strings.Cut(item, ":")
		if !ok || key == "versand_s" || strings.HasSuffix(key, ".versand_s") {
			continue
		}
		attrs[key] = value
	}
	switch attrs["schaden_s"] {
	case "t":
		attrs["schaden_s"] = "ja"
	case "f":
		attrs["schaden_s"] = "nein"
	}
	return attrs
}

// ParseCreationDate converts "20.06.2025" into the persisted timestamp form.
func ParseCreationDate(s string) (ad.Timestamp, error) {
	t, err := time.Parse("02.01.2006", strings.TrimSpace(s))
	if err != nil {
		return "", &AmbiguityError{Field: "created_on", Value: s, Err: err}
	}
	return ad.NewTimestamp(t), nil
}

// NormalizePhone removes separators and the "+49(0)" prefix.
func NormalizePhone(s string) string {
	s = strings.ReplaceAll(s, "-", "")
	s = strings.Join(strings.Fields(s), "")
	return strings.ReplaceAll(s, "+49(0)", "0")
}

// SplitLocality splits "12345 Bundesland - Stadt" into zipcode and location.
func SplitLocality(s string) (zipcode, location string) {
	zipcode, location, _ = strings.Cut(strings.TrimSpace(s), " ")
	return zipcode, strings.TrimSpace(location)
}

// AdIDFromURL returns the numeric ad id of a listing URL such as
// "/s-anzeige/vintage-bike/2712345678-217-1234", or -1.
func AdIDFromURL(rawURL string) int64 {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")
	segment := path[strings.LastIndex(path, "/")+1:]
	idPart, _, _ := strings.Cut(segment, "-")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return -1
	}
	return id
}
