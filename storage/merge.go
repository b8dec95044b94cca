package storage

import (
	"slices"

	"gopkg.in/yaml.v3"
)

// MergeOptions tunes Merge.
type MergeOptions struct {
	// Ignore lists keys (at any depth) that are never copied from the defaults
	// when missing in the target.
	Ignore []string
	// OverrideEmpty treats empty strings in the target as unset.
	OverrideEmpty bool
}

// Merge returns a copy of target with missing keys filled from defaults.
// Nested mappings present on both sides are merged recursively. Neither
// input is modified.
func Merge(target, defaults *Document, opts MergeOptions) *Document {
	out := target.Clone()
	if defaults == nil {
		return out
	}
	mergeNode(out.root, defaults.root, opts)
	return out
}

func mergeNode(target, defaults *yaml.Node, opts MergeOptions) {
	if target.Kind != yaml.MappingNode || defaults.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(defaults.Content); i += 2 {
		key := defaults.Content[i].Value
		def := defaults.Content[i+1]
		cur := mappingValue(target, key)

		switch {
		case cur == nil:
			if slices.Contains(opts.Ignore, key) {
				continue
			}
			target.Content = append(target.Content, cloneNode(defaults.Content[i]), cloneNode(def))
		case cur.Kind == yaml.MappingNode && def.Kind == yaml.MappingNode:
			mergeNode(cur, def, opts)
		case opts.OverrideEmpty && isEmptyString(cur) && !slices.Contains(opts.Ignore, key):
			replaceValue(target, key, cloneNode(def))
		case isNull(cur) && def.Kind == yaml.MappingNode && !slices.Contains(opts.Ignore, key):
			// "contact:" with no value still receives the nested defaults.
			replaceValue(target, key, cloneNode(def))
		}
	}
}

func replaceValue(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			value.HeadComment = mapping.Content[i+1].HeadComment
			value.LineComment = mapping.Content[i+1].LineComment
			mapping.Content[i+1] = value
			return
		}
	}
}
