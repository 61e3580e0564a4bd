package domain

import (
	"strings"

	"github.com/biter777/countries"
)

// NormalizeCountries maps each record's alpha-2 country code to alpha-3.
// Unmapped or malformed codes produce the unknown sentinel "" and are counted
// in misses; they never abort the batch.
func NormalizeCountries(records []Occurrence) (out []Occurrence, misses int) {
	out = make([]Occurrence, len(records))
	for i, rec := range records {
		iso3, ok := ISO3(rec.CountryCode)
		if !ok {
			misses++
		}
		rec.Country = iso3
		out[i] = rec
	}
	return out, misses
}

// userAssigned holds codes GBIF publishes that are outside ISO 3166-1 proper.
var userAssigned = map[string]string{
	"XK": "XKX", // Kosovo
}

// ISO3 returns the ISO 3166-1 alpha-3 code for an alpha-2 code. Names and
// aliases the country table also accepts (such as "UK") are rejected: only an
// exact alpha-2 match maps.
func ISO3(alpha2 string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(alpha2))
	if len(code) != 2 || !isASCIILetters(code) {
		return "", false
	}
	if iso3, ok := userAssigned[code]; ok {
		return iso3, true
	}

	c := countries.ByName(code)
	if c == countries.Unknown || c.Alpha2() != code {
		return "", false
	}
	iso3 := c.Alpha3()
	if len(iso3) != 3 {
		return "", false
	}
	return iso3, true
}

func isASCIILetters(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
