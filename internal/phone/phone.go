// Package phone formats customer phone numbers for display.
package phone

import (
	"strings"

	"github.com/ttacon/libphonenumber"
)

const DefaultRegion = "BR"

// Format renders raw in national format for DefaultRegion, or returns it
// trimmed when it does not parse as a valid number.
func Format(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	p, err := libphonenumber.Parse(raw, DefaultRegion)
	if err != nil || !libphonenumber.IsValidNumber(p) {
		return raw
	}
	if p.GetCountryCode() != int32(libphonenumber.GetCountryCodeForRegion(DefaultRegion)) {
		return libphonenumber.Format(p, libphonenumber.INTERNATIONAL)
	}
	return libphonenumber.Format(p, libphonenumber.NATIONAL)
}
