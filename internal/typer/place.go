package typer

import (
	"regexp"
	"strings"
)

// usStates maps lowercase state names to USPS codes. DC included.
var usStates = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR",
	"california": "CA", "colorado": "CO", "connecticut": "CT",
	"delaware": "DE", "florida": "FL", "georgia": "GA", "hawaii": "HI",
	"idaho": "ID", "illinois": "IL", "indiana": "IN", "iowa": "IA",
	"kansas": "KS", "kentucky": "KY", "louisiana": "LA", "maine": "ME",
	"maryland": "MD", "massachusetts": "MA", "michigan": "MI",
	"minnesota": "MN", "mississippi": "MS", "missouri": "MO",
	"montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM",
	"new york": "NY", "north carolina": "NC", "north dakota": "ND",
	"ohio": "OH", "oklahoma": "OK", "oregon": "OR", "pennsylvania": "PA",
	"rhode island": "RI", "south carolina": "SC", "south dakota": "SD",
	"tennessee": "TN", "texas": "TX", "utah": "UT", "vermont": "VT",
	"virginia": "VA", "washington": "WA", "west virginia": "WV",
	"wisconsin": "WI", "wyoming": "WY", "district of columbia": "DC",
}

var usStateCodes = func() map[string]struct{} {
	m := make(map[string]struct{}, len(usStates))
	for _, code := range usStates {
		m[code] = struct{}{}
	}
	return m
}()

var zipRe = regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)

func parseState(cleaned string, _ Options, _ Context) outcome {
	o := outcome{}
	if code, ok := usStates[strings.ToLower(cleaned)]; ok {
		o.value = code
		o.base = 0.95
		o.bonus("normalized_state_code")
		return o
	}
	upper := strings.ToUpper(cleaned)
	if _, ok := usStateCodes[upper]; ok {
		o.value = upper
		o.base = 0.95
		o.reason("parsed_state_code")
		o.markCanonical(cleaned)
		return o
	}
	o.fail("invalid_state")
	return o
}

func parseZipCode(cleaned string, _ Options, _ Context) outcome {
	o := outcome{}
	zip := zipRe.FindString(cleaned)
	if zip == "" {
		o.fail("invalid_format")
		return o
	}
	o.value = zip
	o.base = 0.95
	o.reason("parsed_zip")
	o.markCanonical(cleaned)
	return o
}

// parseCity strips a trailing region ("Austin, TX" reads as city Austin)
// and title-cases.
func parseCity(cleaned string, _ Options, _ Context) outcome {
	o := outcome{}
	s := cleaned
	if i := strings.Index(s, ","); i > 0 {
		rest := strings.ToLower(strings.TrimSpace(s[i+1:]))
		if _, ok := usStateCodes[strings.ToUpper(rest)]; ok {
			s = s[:i]
			o.bonus("stripped_region")
		} else if _, ok := usStates[rest]; ok {
			s = s[:i]
			o.bonus("stripped_region")
		}
	}
	normalized := titleCase(s)
	o.value = normalized
	o.base = 0.9
	o.reason("parsed_city")
	if normalized != s {
		o.bonus("normalized_titlecase")
	}
	o.markCanonical(cleaned)
	return o
}

func parseCountry(cleaned string, _ Options, _ Context) outcome {
	o := outcome{}
	if len(cleaned) <= 3 && strings.IndexFunc(cleaned, notLetter) < 0 {
		o.value = strings.ToUpper(cleaned)
		o.base = 0.9
		o.reason("parsed_country_code")
		o.markCanonical(cleaned)
		return o
	}
	normalized := titleCase(cleaned)
	o.value = normalized
	o.base = 0.9
	o.reason("parsed_country")
	if normalized != cleaned {
		o.bonus("normalized_titlecase")
	}
	o.markCanonical(cleaned)
	return o
}

func notLetter(r rune) bool {
	return !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'))
}

// Address is the structured value produced by the address type. Extraction
// is best effort: missing parts stay empty and never fail the parse.
type Address struct {
	Raw        string `json:"raw"`
	Normalized string `json:"normalized"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	Postal     string `json:"postal,omitempty"`
	Country    string `json:"country,omitempty"`
}

var usCountryRe = regexp.MustCompile(`(?i)\b(usa|u\.s\.a\.|united states(?: of america)?)\b`)

func parseAddress(cleaned string, _ Options, _ Context) outcome {
	o := outcome{}
	addr := Address{Raw: cleaned, Normalized: cleaned}
	found := false

	if zip := zipRe.FindString(cleaned); zip != "" {
		addr.Postal = zip
		found = true
		o.reason("postal_detected")
	}
	if usCountryRe.MatchString(cleaned) {
		addr.Country = "US"
		found = true
		o.reason("country_detected")
	}
	if city, region, ok := cityRegionSplit(cleaned); ok {
		addr.City = city
		addr.Region = region
		found = true
		o.reason("city_region_detected")
	}
	o.value = addr
	if found {
		o.base = 0.75
		o.reason("parsed_address")
	} else {
		o.base = 0.3
		o.reason("unstructured_address")
	}
	return o
}

// cityRegionSplit looks for a "City, ST" or "City, State" pair anywhere in
// the address, taking the last comma-separated candidate.
func cityRegionSplit(s string) (city, region string, ok bool) {
	parts := strings.Split(s, ",")
	for i := len(parts) - 1; i > 0; i-- {
		candidate := strings.TrimSpace(parts[i])
		words := strings.Fields(candidate)
		if len(words) == 0 {
			continue
		}
		head := words[0]
		if code, match := usStates[strings.ToLower(strings.Join(words, " "))]; match {
			return titleCase(strings.TrimSpace(lastSegmentName(parts[i-1]))), code, true
		}
		upper := strings.ToUpper(strings.Trim(head, "."))
		if _, match := usStateCodes[upper]; match && len(head) == 2 {
			return titleCase(strings.TrimSpace(lastSegmentName(parts[i-1]))), upper, true
		}
	}
	return "", "", false
}

// lastSegmentName trims leading street segments off a city candidate:
// "123 Main St" fragments keep only trailing word groups without digits.
func lastSegmentName(s string) string {
	words := strings.Fields(s)
	start := 0
	for i, w := range words {
		if strings.IndexFunc(w, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0 {
			start = i + 1
		}
	}
	if start >= len(words) {
		return s
	}
	return strings.Join(words[start:], " ")
}
