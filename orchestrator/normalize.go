package orchestrator

import (
	"strings"
	"time"
	"unicode"
)

// Specialists downstream expect canonical parameter forms: locations as
// "City,CC", dates as ISO 8601, languages as ISO 639-1. Normalization is
// best effort; unrecognized values pass through untouched.

// iataAirports resolves the common airport codes to their city.
var iataAirports = map[string]string{
	"CDG": "Paris,FR",
	"ORY": "Paris,FR",
	"LHR": "London,GB",
	"JFK": "New York,US",
	"LAX": "Los Angeles,US",
	"SFO": "San Francisco,US",
	"FRA": "Frankfurt,DE",
	"MUC": "Munich,DE",
	"AMS": "Amsterdam,NL",
	"MAD": "Madrid,ES",
	"FCO": "Rome,IT",
	"NRT": "Tokyo,JP",
	"HND": "Tokyo,JP",
	"SYD": "Sydney,AU",
	"YYZ": "Toronto,CA",
	"GRU": "Sao Paulo,BR",
}

// countryCodes maps country names to ISO 3166-1 alpha-2.
var countryCodes = map[string]string{
	"france":         "FR",
	"germany":        "DE",
	"spain":          "ES",
	"italy":          "IT",
	"netherlands":    "NL",
	"united kingdom": "GB",
	"uk":             "GB",
	"england":        "GB",
	"united states":  "US",
	"usa":            "US",
	"japan":          "JP",
	"australia":      "AU",
	"canada":         "CA",
	"brazil":         "BR",
	"switzerland":    "CH",
	"austria":        "AT",
	"belgium":        "BE",
	"portugal":       "PT",
	"india":          "IN",
	"china":          "CN",
}

// languageCodes maps language names to ISO 639-1.
var languageCodes = map[string]string{
	"english":    "en",
	"french":     "fr",
	"german":     "de",
	"spanish":    "es",
	"italian":    "it",
	"dutch":      "nl",
	"portuguese": "pt",
	"japanese":   "ja",
	"chinese":    "zh",
	"hindi":      "hi",
	"arabic":     "ar",
	"russian":    "ru",
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// NormalizeLocation canonicalizes a location to "City,CC". Handles IATA
// codes, "city, country-name" and bare city names.
func NormalizeLocation(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	if len(trimmed) == 3 && strings.ToUpper(trimmed) == trimmed {
		if city, ok := iataAirports[trimmed]; ok {
			return city
		}
	}
	if city, country, found := strings.Cut(trimmed, ","); found {
		city = titleCase(strings.TrimSpace(city))
		country = strings.TrimSpace(country)
		if len(country) == 2 {
			return city + "," + strings.ToUpper(country)
		}
		if code, ok := countryCodes[strings.ToLower(country)]; ok {
			return city + "," + code
		}
		return city + "," + country
	}
	return titleCase(trimmed)
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2006-01-02T15:04:05Z07:00",
}

// NormalizeDate canonicalizes a date to ISO 8601 (YYYY-MM-DD). Relative
// words resolve against the current day.
func NormalizeDate(raw string) string {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "today":
		return time.Now().UTC().Format("2006-01-02")
	case "tomorrow":
		return time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
	case "yesterday":
		return time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return raw
}

// NormalizeLanguage canonicalizes a language to ISO 639-1.
func NormalizeLanguage(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) == 2 {
		return strings.ToLower(trimmed)
	}
	if code, ok := languageCodes[strings.ToLower(trimmed)]; ok {
		return code
	}
	return raw
}

// parameter name families each normalizer applies to
var (
	locationParams = map[string]struct{}{"location": {}, "city": {}, "destination": {}, "origin": {}, "place": {}}
	dateParams     = map[string]struct{}{"date": {}, "day": {}, "departure": {}, "return": {}, "when": {}}
	languageParams = map[string]struct{}{"language": {}, "lang": {}, "locale": {}}
)

// NormalizeParameters canonicalizes the recognized parameter families in
// place and returns the map for chaining.
func NormalizeParameters(params map[string]any) map[string]any {
	for key, value := range params {
		s, ok := value.(string)
		if !ok {
			continue
		}
		lowered := strings.ToLower(key)
		if _, ok := locationParams[lowered]; ok {
			params[key] = NormalizeLocation(s)
			continue
		}
		if _, ok := dateParams[lowered]; ok {
			params[key] = NormalizeDate(s)
			continue
		}
		if _, ok := languageParams[lowered]; ok {
			params[key] = NormalizeLanguage(s)
		}
	}
	return params
}
