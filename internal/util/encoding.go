package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText trims surrounding whitespace and returns the NFC form of s,
// so visually identical input from different keyboards compares equal.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
