// Package resources embeds the default configuration, the ad field template
// and the category tables.
package resources

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	//go:embed config_defaults.yaml
	configDefaults []byte

	//go:embed ad_fields.yaml
	adFields []byte

	//go:embed categories.yaml
	categories []byte

	//go:embed categories_old.yaml
	categoriesOld []byte
)

// ConfigDefaults returns the default config.yaml.
func ConfigDefaults() []byte { return configDefaults }

// AdFields returns the template listing every ad field.
func AdFields() []byte { return adFields }

// Categories returns the current category table followed by the deprecated one.
// Later tables win when both name the same path.
func Categories() ([]map[string]string, error) {
	current, err := parseCategories("categories.yaml", categories)
	if err != nil {
		return nil, err
	}
	old, err := parseCategories("categories_old.yaml", categoriesOld)
	if err != nil {
		return nil, err
	}
	return []map[string]string{current, old}, nil
}

func parseCategories(name string, data []byte) (map[string]string, error) {
	var file struct {
		Categories map[string]string `yaml:"categories"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return file.Categories, nil
}
