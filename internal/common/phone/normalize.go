// Package phone turns raw contact numbers into the digits-only E.164 form the
// WhatsApp Cloud API expects in the "to" field.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const DefaultRegion = "IN"

// Normalize parses raw against the countryHint region and returns the E.164 number
// without the leading "+". A blank hint means DefaultRegion.
//
// When the number cannot be parsed or is not valid for the region, raw is returned
// unchanged; callers keep the recipient and attempt delivery anyway.
func Normalize(raw, countryHint string) string {
	normalized, _ := Parse(raw, countryHint)
	return normalized
}

// Parse is Normalize with an explicit flag telling whether the number validated.
func Parse(raw, countryHint string) (string, bool) {
	region := strings.ToUpper(strings.TrimSpace(countryHint))
	if region == "" {
		region = DefaultRegion
	}

	num, err := phonenumbers.Parse(raw, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return raw, false
	}
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), true
}

// Formatter applies a configured fallback region when a request carries no hint.
type Formatter struct {
	defaultRegion string
}

func NewFormatter(defaultRegion string) *Formatter {
	region := strings.ToUpper(strings.TrimSpace(defaultRegion))
	if region == "" {
		region = DefaultRegion
	}
	return &Formatter{defaultRegion: region}
}

func (f *Formatter) Parse(raw, countryHint string) (string, bool) {
	if strings.TrimSpace(countryHint) == "" {
		countryHint = f.defaultRegion
	}
	return Parse(raw, countryHint)
}

func (f *Formatter) Normalize(raw, countryHint string) string {
	normalized, _ := f.Parse(raw, countryHint)
	return normalized
}
