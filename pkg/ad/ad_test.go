package ad

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func validAd() *Ad {
	return &Ad{
		Active:                true,
		Type:                  TypeOffer,
		Title:                 "Vintage road bike frame",
		Description:           "Steel frame, 56cm, some scratches.",
		Category:              "210/223",
		PriceType:             PriceFixed,
		Price:                 "150",
		ShippingType:          ShippingPickup,
		Contact:               Contact{Name: "Alex", Zipcode: "10115"},
		RepublicationInterval: 7,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *Ad)
		field   string
		wantErr bool
	}{
		{name: "valid", mutate: func(a *Ad) {}},
		{name: "unknown type", mutate: func(a *Ad) { a.Type = "SWAP" }, field: "type", wantErr: true},
		{name: "short title", mutate: func(a *Ad) { a.Title = "Bike" }, field: "title", wantErr: true},
		{name: "missing description", mutate: func(a *Ad) { a.Description = "  " }, field: "description", wantErr: true},
		{name: "description too long", mutate: func(a *Ad) { a.Description = strings.Repeat("x", 4001) }, field: "description", wantErr: true},
		{name: "fixed without price", mutate: func(a *Ad) { a.Price = "" }, field: "price", wantErr: true},
		{name: "give away with price", mutate: func(a *Ad) { a.PriceType = PriceGiveAway }, field: "price", wantErr: true},
		{name: "give away without price", mutate: func(a *Ad) { a.PriceType = PriceGiveAway; a.Price = "" }},
		{name: "negotiable without price", mutate: func(a *Ad) { a.PriceType = PriceNegotiable; a.Price = "" }},
		{name: "unknown price type", mutate: func(a *Ad) { a.PriceType = "FREE" }, field: "price_type", wantErr: true},
		{name: "unknown shipping type", mutate: func(a *Ad) { a.ShippingType = "COURIER" }, field: "shipping_type", wantErr: true},
		{name: "options without shipping", mutate: func(a *Ad) { a.ShippingOptions = []string{"DHL_2"} }, field: "shipping_options", wantErr: true},
		{name: "missing contact name", mutate: func(a *Ad) { a.Contact.Name = "" }, field: "contact.name", wantErr: true},
		{name: "missing interval", mutate: func(a *Ad) { a.RepublicationInterval = 0 }, field: "republication_interval", wantErr: true},
		{name: "duplicate image", mutate: func(a *Ad) { a.Images = []string{"/a.jpg", "/a.jpg"} }, field: "images", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAd()
			tt.mutate(a)
			err := a.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !IsValidationError(err) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			ve := err.(*ValidationError)
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestFingerprintIgnoresBookkeeping(t *testing.T) {
	a := validAd()
	b := validAd()
	b.ID = 987654321
	b.CreatedOn = "2024-01-01T00:00:00"
	b.UpdatedOn = "2024-02-01T10:00:00"
	b.Active = false
	b.RepublicationInterval = 30
	b.ContentHash = "stale"

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("ads differing only in bookkeeping fields should hash identically")
	}
}

func TestFingerprintDetectsChanges(t *testing.T) {
	base := Fingerprint(validAd())

	changes := map[string]func(a *Ad){
		"title":       func(a *Ad) { a.Title = "Vintage road bike frame!" },
		"description": func(a *Ad) { a.Description += " Pickup only." },
		"price":       func(a *Ad) { a.Price = "140" },
		"category":    func(a *Ad) { a.Category = "210/224" },
		"attributes":  func(a *Ad) { a.SpecialAttributes = map[string]string{"condition_s": "ok"} },
		"images":      func(a *Ad) { a.Images = []string{"/ads/bike/1.jpg"} },
		"contact":     func(a *Ad) { a.Contact.Phone = "0301234" },
	}
	for name, change := range changes {
		t.Run(name, func(t *testing.T) {
			a := validAd()
			change(a)
			if Fingerprint(a) == base {
				t.Errorf("changing %s did not change the fingerprint", name)
			}
		})
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := validAd()
	a.SpecialAttributes = map[string]string{"b": "2", "a": "1", "c": "3"}
	first := Fingerprint(a)
	for range 20 {
		if got := Fingerprint(a); got != first {
			t.Fatalf("fingerprint not stable: %s != %s", got, first)
		}
	}

	// Empty and nil collections are equivalent.
	b := validAd()
	b.SpecialAttributes = map[string]string{}
	b.ShippingOptions = []string{}
	if Fingerprint(b) != Fingerprint(validAd()) {
		t.Error("empty collections should hash like nil collections")
	}
}

func TestAttributeKeys(t *testing.T) {
	a := &Ad{
		SpecialAttributes: map[string]string{"marke_s": "x", "art_s": "y", "zustand_s": "z", "farbe_s": "w"},
		AttributeOrder:    []string{"zustand_s", "gone_s", "marke_s"},
	}
	want := []string{"zustand_s", "marke_s", "art_s", "farbe_s"}
	if got := a.AttributeKeys(); !slices.Equal(got, want) {
		t.Errorf("AttributeKeys() = %v, want %v", got, want)
	}
	if got := (&Ad{}).AttributeKeys(); len(got) != 0 {
		t.Errorf("AttributeKeys() without attributes = %v", got)
	}
}

func TestChanged(t *testing.T) {
	a := validAd()
	if !a.Changed() {
		t.Error("ad without stored hash should count as changed")
	}
	a.UpdateFingerprint()
	if a.Changed() {
		t.Error("ad with fresh hash should not count as changed")
	}
	a.Title = "Another vintage bike"
	if !a.Changed() {
		t.Error("title edit should count as changed")
	}
}

func TestTimestamp(t *testing.T) {
	tests := []struct {
		in   Timestamp
		want time.Time
	}{
		{"2024-03-05T10:20:30", time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC)},
		{"2024-03-05T10:20:30.123456", time.Date(2024, 3, 5, 10, 20, 30, 123456000, time.UTC)},
		{"2024-03-05 10:20:30", time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC)},
		{"2024-03-05T10:20:30+02:00", time.Date(2024, 3, 5, 8, 20, 30, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := tt.in.Time()
		if err != nil {
			t.Errorf("Time(%q) error: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("Time(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := Timestamp("yesterday").Time(); err == nil {
		t.Error("expected error for unparseable timestamp")
	}

	now := time.Date(2025, 1, 2, 3, 4, 5, 999, time.FixedZone("CET", 3600))
	if got := NewTimestamp(now); got != "2025-01-02T02:04:05" {
		t.Errorf("NewTimestamp = %q", got)
	}
}

func TestDecodeYAMLScalars(t *testing.T) {
	src := `
id: 42
active: true
type: OFFER
title: Vintage road bike frame
description: Steel frame
price: 150
price_type: FIXED
shipping_type: SHIPPING
shipping_costs: 5.49
updated_on: 2024-03-05T10:20:30
created_on: "2024-01-01T00:00:00"
contact:
  name: Alex
republication_interval: 7
`
	var a Ad
	if err := yaml.Unmarshal([]byte(src), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.ID != 42 || a.Price != "150" || a.ShippingCosts != "5.49" {
		t.Errorf("unexpected decode: id=%d price=%q costs=%q", a.ID, a.Price, a.ShippingCosts)
	}
	if a.UpdatedOn != "2024-03-05T10:20:30" || a.CreatedOn != "2024-01-01T00:00:00" {
		t.Errorf("unexpected timestamps: %q %q", a.UpdatedOn, a.CreatedOn)
	}
	last, ok, err := a.LastPublished()
	if err != nil || !ok || last.Day() != 5 {
		t.Errorf("LastPublished = %v, %v, %v", last, ok, err)
	}
}

func TestListingUnmarshal(t *testing.T) {
	var ls []Listing
	data := `[{"id":123,"title":"A","state":"active"},{"id":"456","title":"B","state":"paused"},{"title":"C"}]`
	if err := json.Unmarshal([]byte(data), &ls); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ls[0].ID != 123 || ls[1].ID != 456 || ls[2].ID != -1 {
		t.Errorf("unexpected ids: %+v", ls)
	}
	if ls[1].State != ListingStatePaused {
		t.Errorf("state = %q", ls[1].State)
	}
}
