package query

import (
	"net/url"
	"slices"
	"strings"
)

// Key identifies a cached resource: a resource name followed by its
// parameters, e.g. Key{"story", "42"}.
type Key []string

// HasPrefix reports whether k starts with every element of prefix. Matching
// is per element, so Key{"story"} does not match Key{"stories"}.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	return slices.Equal(k[:len(prefix)], prefix)
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
