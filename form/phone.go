package form

import (
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultCountryCode is the calling code assumed for numbers entered without
// one.
const DefaultCountryCode = "591"

const msgInvalidPhone = "phone number is not valid"

// NormalizePhone converts raw into E.164 ("+" followed by digits). Numbers
// without an international prefix ("+" or "00") are read as national numbers
// of the region that owns countryCode.
func NormalizePhone(raw, countryCode string) (string, error) {
	phone, verr := normalizePhone(raw, countryCode)
	if verr != nil {
		return "", verr
	}
	return phone, nil
}

func normalizePhone(raw, countryCode string) (string, *ValidationError) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &ValidationError{Field: "phone", Message: "phone number is required"}
	}
	if rest, ok := strings.CutPrefix(s, "00"); ok {
		s = "+" + rest
	}
	num, err := phonenumbers.Parse(s, regionFor(countryCode))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", &ValidationError{Field: "phone", Message: msgInvalidPhone}
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// regionFor maps a calling code such as "591" or "+1" to the main region
// that uses it. Unknown codes fall back to DefaultCountryCode.
func regionFor(countryCode string) string {
	if n, err := strconv.Atoi(strings.TrimPrefix(countryCode, "+")); err == nil {
		if region := phonenumbers.GetRegionCodeForCountryCode(n); region != "ZZ" {
			return region
		}
	}
	n, _ := strconv.Atoi(DefaultCountryCode)
	return phonenumbers.GetRegionCodeForCountryCode(n)
}
