package extract

import (
	"regexp"
	"strings"
)

var multiSpace = regexp.MustCompile(`\s+`)

// IsAddressField reports whether a field name semantically denotes an
// address.
func IsAddressField(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "address") || strings.Contains(n, "addr")
}

// NormalizeAddress flattens an address to a single line. Line breaks become
// comma separators, superfluous whitespace collapses, and ordinals like
// "1st" or "2nd" pass through verbatim.
func NormalizeAddress(value string) string {
	lines := strings.Split(value, "\n")
	var parts []string
	for _, l := range lines {
		l = strings.Trim(multiSpace.ReplaceAllString(l, " "), " ,")
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, ", ")
}

// NormalizeAddressFields applies the address rule to every address-like key
// in place.
func NormalizeAddressFields(kv map[string]string) {
	for k, v := range kv {
		if IsAddressField(k) {
			kv[k] = NormalizeAddress(v)
		}
	}
}
