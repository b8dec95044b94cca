package resolve

import (
	"slices"
	"testing"

	"adsync/pkg/ad"
)

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in      string
		want    Cents
		wantErr bool
	}{
		{in: "5,49", want: 549},
		{in: "5.49", want: 549},
		{in: "5", want: 500},
		{in: "5,5", want: 550},
		{in: "1.234,50", want: 123450},
		{in: "1,234.50", want: 123450},
		{in: "4,99 €", want: 499},
		{in: "0,125", want: 12},  // half to even, rounds down
		{in: "0,135", want: 14},  // half to even, rounds up
		{in: "0,1251", want: 13}, // above half
		{in: "2.999", want: 300},
		{in: "-3,20", want: -320},
		{in: ",5", want: 50},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "5,4x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDecimal(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDecimal(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDecimal(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestCentsFormat(t *testing.T) {
	if got := Cents(549).Comma(); got != "5,49" {
		t.Errorf("Comma() = %q", got)
	}
	if got := Cents(500).String(); got != "5.00" {
		t.Errorf("String() = %q", got)
	}
	if got := Cents(-7).String(); got != "-0.07" {
		t.Errorf("String() = %q", got)
	}
	got, err := NormalizeDecimal("4,5")
	if err != nil || got != "4.50" {
		t.Errorf("NormalizeDecimal = %q, %v", got, err)
	}
}

func TestResolveCategory(t *testing.T) {
	cats := NewCategories(
		map[string]string{"Elektronik > Audio & Hifi": "161/172", "161/172": "161/172"},
		map[string]string{"Alt > Kategorie": "1/2"},
		map[string]string{"Alt > Kategorie": "3/4"},
	)

	tests := []struct {
		path      string
		wantID    string
		wantMatch CategoryMatch
	}{
		{path: "Elektronik > Audio & Hifi", wantID: "161/172", wantMatch: CategoryExact},
		{path: "161/172>sonstige", wantID: "161/172", wantMatch: CategoryParent},
		{path: "Elektronik > Audio & Hifi > Kopfhörer", wantID: "161/172", wantMatch: CategoryParent},
		{path: "Alt > Kategorie", wantID: "3/4", wantMatch: CategoryExact},
		{path: "210/223", wantID: "210/223", wantMatch: CategoryRaw},
		{path: "Unbekannt > Etwas", wantID: "Unbekannt > Etwas", wantMatch: CategoryRaw},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id, match, _ := cats.Resolve(tt.path)
			if id != tt.wantID || match != tt.wantMatch {
				t.Errorf("Resolve(%q) = %q (%s), want %q (%s)", tt.path, id, match, tt.wantID, tt.wantMatch)
			}
		})
	}
}

func TestPlanShipping(t *testing.T) {
	plan, err := PlanShipping([]string{"DHL_5", "Hermes_M"})
	if err != nil {
		t.Fatalf("same size options should plan: %v", err)
	}
	if plan.Size != SizeMedium {
		t.Errorf("size = %q", plan.Size)
	}
	if !slices.Equal(plan.Wanted, []string{"Paket 5 kg", "M-Paket"}) || len(plan.Unwanted) != 0 {
		t.Errorf("unexpected plan: %+v", plan)
	}

	plan, err = PlanShipping([]string{"DHL_2"})
	if err != nil {
		t.Fatalf("PlanShipping: %v", err)
	}
	if !slices.Equal(plan.Unwanted, []string{"Päckchen", "S-Paket"}) {
		t.Errorf("unwanted = %v", plan.Unwanted)
	}

	for _, bad := range [][]string{{"DHL_5", "DHL_10"}, {"UPS_1"}, nil} {
		_, err := PlanShipping(bad)
		if err == nil {
			t.Errorf("PlanShipping(%v) should fail", bad)
			continue
		}
		if !ad.IsValidationError(err) {
			t.Errorf("PlanShipping(%v) error %T is not a configuration error", bad, err)
		}
	}
}

func TestMatchShipping(t *testing.T) {
	catalog := []CatalogOption{
		{ID: "DHL_001", PriceInEuroCent: 489, PackageSize: "SMALL"},
		{ID: "HERMES_001", PriceInEuroCent: 419, PackageSize: "SMALL"},
		{ID: "DHL_002", PriceInEuroCent: 549, PackageSize: "MEDIUM"},
		{ID: "HERMES_003", PriceInEuroCent: 619, PackageSize: "MEDIUM"},
		{ID: "GLS_009", PriceInEuroCent: 999, PackageSize: "LARGE"},
	}

	tests := []struct {
		name    string
		price   Cents
		opts    MatchOptions
		want    []string
		wantErr bool
	}{
		{name: "exact", price: 549, want: []string{"DHL_5"}},
		{name: "no match", price: 100, want: nil},
		{name: "excluded", price: 549, opts: MatchOptions{Excluded: []string{"DHL_5"}}, want: nil},
		{name: "all of size", price: 549, opts: MatchOptions{IncludeAllOfSize: true}, want: []string{"DHL_5", "Hermes_M"}},
		{name: "all of size minus excluded", price: 489, opts: MatchOptions{IncludeAllOfSize: true, Excluded: []string{"Hermes_Päckchen"}}, want: []string{"DHL_2"}},
		{name: "unmapped id", price: 999, wantErr: true},
		{name: "unmapped id skipped in size mode", price: 999, opts: MatchOptions{IncludeAllOfSize: true}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchShipping(catalog, tt.price, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("MatchShipping error = %v, wantErr %v", err, tt.wantErr)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("MatchShipping = %v, want %v", got, tt.want)
			}
		})
	}
}
