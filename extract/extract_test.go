package extract

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"adsync/pkg/ad"
	"adsync/resolve"
	"adsync/storage"
	"adsync/web"
	"adsync/web/webtest"
)

const adPage = `<html><body>
<div id="vap-brdcrmb">
  <a href="/s-anzeigen">Kleinanzeigen</a>
  <a href="/s-multimedia-elektronik/c161">Elektronik</a>
  <a href="/s-audio-hifi/c172">Audio &amp; Hifi</a>
</div>
<h1 id="viewad-title">  Vintage Lautsprecher Paar  </h1>
<h2 id="viewad-price">1.234 € VB</h2>
<div class="boxedarticle--details--shipping">+ Versand ab 5,49 €</div>
<div id="payment-buttons-sidebar"><button>Direkt kaufen</button></div>
<div class="galleryimage-large">
  <div class="galleryimage-element" data-ix="0"><img src="IMG/1"></div>
  <div class="galleryimage-element"><img src="IMG/ignored"></div>
  <div class="galleryimage-element" data-ix="1"><img src="IMG/2"></div>
</div>
<p id="viewad-description-text">Hello! Great sound, barely used. Mail: me@example.com</p>
<span id="street-address">Beispiel Allee 42,</span>
<span id="viewad-locality">12345 Berlin - Mitte</span>
<div id="viewad-contact"><span class="iconlist-text"><span>Alex</span></span></div>
<div id="viewad-contact-phone"><a>+49(0)170 - 123 456</a></div>
<div id="viewad-extra-info"><div><i></i><span>20.06.2025</span></div></div>
</body></html>`

const catalogJSON = `{"data":{"shippingOptionsResponse":{"options":[
  {"id":"DHL_002","priceInEuroCent":549,"packageSize":"MEDIUM"},
  {"id":"HERMES_003","priceInEuroCent":595,"packageSize":"MEDIUM"},
  {"id":"DHL_003","priceInEuroCent":1049,"packageSize":"LARGE"},
  {"id":"UPS_009","priceInEuroCent":777,"packageSize":"LARGE"}
]}}}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticCatalog []resolve.CatalogOption

func (c staticCatalog) ShippingCatalog(context.Context) ([]resolve.CatalogOption, error) {
	return c, nil
}

func mustCatalog(t *testing.T) staticCatalog {
	t.Helper()
	opts, err := DecodeCatalog([]byte(catalogJSON))
	if err != nil {
		t.Fatal(err)
	}
	return staticCatalog(opts)
}

// imageServer serves JPEG for /1 and PNG for anything else.
func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/1" {
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func adSession(pageURL, html string) *webtest.Session {
	s := webtest.New()
	s.URL = pageURL
	s.Pages[pageURL] = html
	s.Scripts["window.BelenConf"] = map[string]any{
		"universalAnalyticsOpts": map[string]any{
			"dimensions": map[string]any{
				"dimension92":  "lautsprecher_kopfhoerer",
				"dimension108": "art_s:lautsprecher_kopfhoerer|condition_s:like_new|audio_hifi.versand_s:t|schaden_s:f",
			},
		},
	}
	return s
}

func TestDownload(t *testing.T) {
	srv := imageServer(t)
	pageURL := "https://example.test/s-anzeige/vintage-lautsprecher/2712345678-172-1234"
	s := adSession(pageURL, strings.ReplaceAll(adPage, "IMG", srv.URL))
	dir := t.TempDir()

	x := New(s, mustCatalog(t), srv.Client(), Config{
		RootURL:           "https://example.test",
		Dir:               dir,
		DescriptionPrefix: "Hello! ",
		DescriptionSuffix: " Mail: me@example.com",
	}, testLogger())

	d, err := x.Download(context.Background(), 2712345678)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	a := d.Ad

	if a.Type != ad.TypeOffer {
		t.Errorf("Type = %s, want OFFER", a.Type)
	}
	if a.Title != "Vintage Lautsprecher Paar" {
		t.Errorf("Title = %q", a.Title)
	}
	if a.Description != "Great sound, barely used." {
		t.Errorf("Description = %q", a.Description)
	}
	if a.Category != "161/172/lautsprecher_kopfhoerer" {
		t.Errorf("Category = %q", a.Category)
	}
	wantAttrs := map[string]string{"art_s": "lautsprecher_kopfhoerer", "condition_s": "like_new", "schaden_s": "nein"}
	if len(a.SpecialAttributes) != len(wantAttrs) {
		t.Errorf("SpecialAttributes = %v, want %v", a.SpecialAttributes, wantAttrs)
	}
	for k, v := range wantAttrs {
		if a.SpecialAttributes[k] != v {
			t.Errorf("SpecialAttributes[%s] = %q, want %q", k, a.SpecialAttributes[k], v)
		}
	}
	if a.Price != "1234" || a.PriceType != ad.PriceNegotiable {
		t.Errorf("price = %q %s, want 1234 NEGOTIABLE", a.Price, a.PriceType)
	}
	if a.ShippingType != ad.ShippingShipping || a.ShippingCosts != "5.49" || !slices.Equal(a.ShippingOptions, []string{"DHL_5"}) {
		t.Errorf("shipping = %s %q %v", a.ShippingType, a.ShippingCosts, a.ShippingOptions)
	}
	if !a.SellsDirectly() {
		t.Errorf("SellDirectly not detected")
	}
	wantContact := ad.Contact{Name: "Alex", Street: "Beispiel Allee 42", Zipcode: "12345", Location: "Berlin - Mitte", Phone: "0170123456"}
	if a.Contact != wantContact {
		t.Errorf("Contact = %+v, want %+v", a.Contact, wantContact)
	}
	if a.CreatedOn != "2025-06-20T00:00:00" {
		t.Errorf("CreatedOn = %q", a.CreatedOn)
	}
	if want := []string{"ad_2712345678__img1.jpg", "ad_2712345678__img2.png"}; !slices.Equal(a.Images, want) {
		t.Errorf("Images = %v, want %v", a.Images, want)
	}
	for _, name := range a.Images {
		if _, err := os.Stat(filepath.Join(d.Dir, name)); err != nil {
			t.Errorf("image %s not written: %v", name, err)
		}
	}

	if d.Path != filepath.Join(dir, "ad_2712345678", "ad_2712345678.yaml") {
		t.Errorf("Path = %s", d.Path)
	}
	data, err := os.ReadFile(d.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), SchemaHeader+"\n") {
		t.Errorf("schema header missing:\n%s", data)
	}
	doc, err := storage.ParseDocument(data)
	if err != nil {
		t.Fatal(err)
	}
	if got := doc.String("id"); got != "2712345678" {
		t.Errorf("saved id = %q", got)
	}
	if doc.Get("republication_interval") != nil || doc.Get("updated_on") != nil {
		t.Errorf("downloaded file carries defaultable fields: %v", doc.Keys())
	}
}

func TestDownloadReplacesExistingDirectory(t *testing.T) {
	pageURL := "https://example.test/s-gesuch/lautsprecher/99-172-1"
	html := strings.NewReplacer(
		`<div class="galleryimage-large">`, `<div class="no-gallery">`,
		`<div class="boxedarticle--details--shipping">+ Versand ab 5,49 €</div>`, `<div class="boxedarticle--details--shipping">Nur Abholung</div>`,
	).Replace(adPage)
	s := adSession(pageURL, html)
	dir := t.TempDir()
	stale := filepath.Join(dir, "ad_99", "stale.jpg")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := New(s, staticCatalog(nil), http.DefaultClient, Config{Dir: dir}, testLogger()).Download(context.Background(), 99)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if d.Ad.Type != ad.TypeWanted {
		t.Errorf("Type = %s, want WANTED", d.Ad.Type)
	}
	if d.Ad.ShippingType != ad.ShippingPickup {
		t.Errorf("ShippingType = %s, want PICKUP", d.Ad.ShippingType)
	}
	if len(d.Ad.Images) != 0 {
		t.Errorf("Images = %v, want none", d.Ad.Images)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale file survived: %v", err)
	}
}

func TestDownloadUnmappedShippingOption(t *testing.T) {
	pageURL := "https://example.test/s-anzeige/x/7-1-1"
	html := strings.ReplaceAll(adPage, "5,49 €", "7,77 €")
	html = strings.ReplaceAll(html, `<div class="galleryimage-large">`, `<div>`)
	s := adSession(pageURL, html)

	_, err := New(s, mustCatalog(t), http.DefaultClient, Config{Dir: t.TempDir()}, testLogger()).Download(context.Background(), 7)
	if !IsAmbiguity(err) {
		t.Fatalf("Download() error = %v, want ambiguity", err)
	}
	if !strings.Contains(err.Error(), "UPS_009") {
		t.Errorf("error does not name the option: %v", err)
	}
}

func TestOpenByID(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		s := webtest.New()
		s.Redirects["https://example.test/s-suchanfrage.html?keywords=42"] = "https://example.test/s-suchanfrage/k0"
		ok, err := New(s, nil, nil, Config{RootURL: "https://example.test"}, testLogger()).OpenByID(context.Background(), 42)
		if err != nil || ok {
			t.Errorf("OpenByID() = %v, %v, want false", ok, err)
		}
	})

	t.Run("closes popup", func(t *testing.T) {
		s := webtest.New()
		s.Put(web.ID("vap-ovrly-secure"), nil)
		s.Put(web.Class("mfp-close"), nil)
		ok, err := New(s, nil, nil, Config{RootURL: "https://example.test"}, testLogger()).OpenByID(context.Background(), 42)
		if err != nil || !ok {
			t.Fatalf("OpenByID() = %v, %v", ok, err)
		}
		if !s.Called("click class=mfp-close") {
			t.Errorf("popup not closed: %v", s.Calls)
		}
	})
}

func managementPage(hrefs []string, next string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="my-manageitems-adlist">`)
	for _, h := range hrefs {
		b.WriteString(`<article class="cardbox"><div class="manageitems-item-ad"><h3><a class="text-onSurface" href="` + h + `">x</a></h3></div></article>`)
	}
	b.WriteString(`</div><div class="Pagination">` + next + `</div></body></html>`)
	return b.String()
}

func TestOwnAdURLsFollowsPagination(t *testing.T) {
	root := "https://example.test"
	s := webtest.New()
	s.Put(web.ID("my-manageitems-adlist"), nil)
	s.Put(nextPageButton, nil)
	s.Pages[root+"/m-meine-anzeigen.html"] = managementPage([]string{"/s-anzeige/a/1-1-1", "/s-anzeige/b/2-1-1"}, `<button aria-label="Nächste">›</button>`)
	s.Pages[root+"/m-meine-anzeigen.html?page=2"] = managementPage([]string{"/s-anzeige/c/3-1-1"}, `<button aria-label="Nächste" disabled>›</button>`)
	s.OnClick[nextPageButton.String()] = func(s *webtest.Session) {
		s.URL = root + "/m-meine-anzeigen.html?page=2"
	}

	refs, err := New(s, nil, nil, Config{RootURL: root}, testLogger()).OwnAdURLs(context.Background())
	if err != nil {
		t.Fatalf("OwnAdURLs() error = %v", err)
	}
	want := []string{"/s-anzeige/a/1-1-1", "/s-anzeige/b/2-1-1", "/s-anzeige/c/3-1-1"}
	if !slices.Equal(refs, want) {
		t.Errorf("OwnAdURLs() = %v, want %v", refs, want)
	}
}

func TestParseAdList(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "manage-*.html")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(managementPage([]string{"/s-anzeige/a/1-1-1"}, `<button aria-label="Nächste">›</button>`)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}

	list, err := ParseAdList(f)
	if err != nil {
		t.Fatalf("ParseAdList() error = %v", err)
	}
	if !list.Found || list.Items != 1 || !list.HasNext || !slices.Equal(list.Refs, []string{"/s-anzeige/a/1-1-1"}) {
		t.Errorf("ParseAdList() = %+v", list)
	}
}

func TestOwnAdURLsWithoutList(t *testing.T) {
	refs, err := New(webtest.New(), nil, nil, Config{}, testLogger()).OwnAdURLs(context.Background())
	if err != nil || refs != nil {
		t.Errorf("OwnAdURLs() = %v, %v, want nothing", refs, err)
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in        string
		wantPrice ad.Decimal
		wantType  ad.PriceType
	}{
		{"150 €", "150", ad.PriceFixed},
		{"1.234 €", "1234", ad.PriceFixed},
		{"12,50 €", "12.50", ad.PriceFixed},
		{"50 € VB", "50", ad.PriceNegotiable},
		{"VB", "", ad.PriceNegotiable},
		{"Zu verschenken", "", ad.PriceGiveAway},
		{"Tausch", "", ad.PriceNotApplicable},
		{"", "", ad.PriceNotApplicable},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			price, typ, err := ParsePrice(tt.in)
			if err != nil {
				t.Fatalf("ParsePrice() error = %v", err)
			}
			if price != tt.wantPrice || typ != tt.wantType {
				t.Errorf("ParsePrice(%q) = %q, %s, want %q, %s", tt.in, price, typ, tt.wantPrice, tt.wantType)
			}
		})
	}

	if _, _, err := ParsePrice("abc €"); !IsAmbiguity(err) {
		t.Errorf("ParsePrice(abc €) error = %v, want ambiguity", err)
	}
}

func TestParseShippingText(t *testing.T) {
	tests := []struct {
		in        string
		wantType  ad.ShippingType
		wantCosts resolve.Cents
		wantHas   bool
	}{
		{"Nur Abholung", ad.ShippingPickup, 0, false},
		{"Versand möglich", ad.ShippingShipping, 0, false},
		{"+ Versand ab 5,49 €", ad.ShippingShipping, 549, true},
		{"", ad.ShippingNotApplicable, 0, false},
	}
	for _, tt := range tests {
		typ, costs, has, err := ParseShippingText(tt.in)
		if err != nil {
			t.Errorf("ParseShippingText(%q) error = %v", tt.in, err)
			continue
		}
		if typ != tt.wantType || costs != tt.wantCosts || has != tt.wantHas {
			t.Errorf("ParseShippingText(%q) = %s, %d, %v", tt.in, typ, costs, has)
		}
	}
}

func TestParseCreationDate(t *testing.T) {
	ts, err := ParseCreationDate("01.02.2024")
	if err != nil || ts != "2024-02-01T00:00:00" {
		t.Errorf("ParseCreationDate() = %q, %v", ts, err)
	}
	_, err = ParseCreationDate("gestern")
	var ae *AmbiguityError
	if !errors.As(err, &ae) || ae.Value != "gestern" {
		t.Errorf("ParseCreationDate(gestern) error = %v", err)
	}
}

func TestAdIDFromURL(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"https://www.kleinanzeigen.de/s-anzeige/vintage-bike/2712345678-217-1234", 2712345678},
		{"/s-anzeige/vintage-bike/2712345678-217-1234?utm=x", 2712345678},
		{"/s-anzeige/vintage-bike/2712345678/", 2712345678},
		{"/s-anzeige/vintage-bike/", -1},
		{"", -1},
	}
	for _, tt := range tests {
		if got := AdIDFromURL(tt.in); got != tt.want {
			t.Errorf("AdIDFromURL(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	if got := NormalizePhone("+49(0)170 - 123 456"); got != "0170123456" {
		t.Errorf("NormalizePhone() = %q", got)
	}
}
