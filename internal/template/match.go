package template

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/stacklight/faxpipe/internal/types"
)

// normalizeKey lowers the key and strips everything but letters and digits,
// so "Birth Date", "birth_date", and "BirthDate" all compare equal.
func normalizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Apply reconciles extracted key/values against a template's canonical
// fields using case-insensitive and alias-aware matching. When several
// extracted keys hit the same canonical field, the higher-confidence one
// wins. Extracted keys that match nothing land in UnmappedExtractedKeys.
func Apply(tpl *types.Template, kv map[string]string, confs map[string]float64) *types.TemplateMapping {
	// alias index: normalized key -> canonical name
	index := map[string]string{}
	for _, f := range tpl.Fields {
		index[normalizeKey(f.CanonicalName)] = f.CanonicalName
		for _, a := range f.Aliases {
			index[normalizeKey(a)] = f.CanonicalName
		}
	}

	mapping := &types.TemplateMapping{
		MappedValues:     map[string]string{},
		FieldConfidences: map[string]float64{},
		ProcessedAt:      time.Now().UTC(),
	}

	// Iterate keys in sorted order so ties resolve deterministically.
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		canonical, ok := index[normalizeKey(k)]
		if !ok {
			mapping.UnmappedExtractedKeys = append(mapping.UnmappedExtractedKeys, k)
			continue
		}
		conf := confs[k]
		if prev, exists := mapping.FieldConfidences[canonical]; exists && prev >= conf {
			continue
		}
		mapping.MappedValues[canonical] = kv[k]
		mapping.FieldConfidences[canonical] = conf
	}
	if mapping.UnmappedExtractedKeys == nil {
		mapping.UnmappedExtractedKeys = []string{}
	}
	return mapping
}
