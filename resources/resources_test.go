package resources

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestCategories(t *testing.T) {
	tables, err := Categories()
	if err != nil {
		t.Fatalf("Categories() error = %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("got %d tables, want 2", len(tables))
	}
	if got := tables[0]["Fahrräder"]; got != "210/217" {
		t.Errorf("Fahrräder = %q, want 210/217", got)
	}
	if got := tables[1]["Elektronik > Notebooks"]; got != "161/278" {
		t.Errorf("deprecated Elektronik > Notebooks = %q, want 161/278", got)
	}
}

func TestEmbeddedDocumentsParse(t *testing.T) {
	for name, data := range map[string][]byte{
		"config_defaults.yaml": ConfigDefaults(),
		"ad_fields.yaml":       AdFields(),
	} {
		var v map[string]any
		if err := yaml.Unmarshal(data, &v); err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if len(v) == 0 {
			t.Errorf("%s is empty", name)
		}
	}
}
