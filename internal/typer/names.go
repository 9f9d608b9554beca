package typer

import "strings"

var honorifics = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "miss": {}, "mx": {}, "dr": {},
	"prof": {}, "rev": {}, "hon": {}, "sir": {}, "dame": {},
}

var nameSuffixes = map[string]struct{}{
	"jr": {}, "sr": {}, "ii": {}, "iii": {}, "iv": {}, "v": {},
	"phd": {}, "md": {}, "esq": {}, "dds": {}, "cpa": {}, "mba": {},
}

// splitPersonName strips honorifics and suffixes and returns the remaining
// name tokens plus which strips happened.
func splitPersonName(cleaned string) (tokens []string, strippedHon, strippedSuf bool) {
	raw := strings.Fields(cleaned)
	for _, w := range raw {
		key := strings.ToLower(strings.Trim(w, ".,"))
		if len(tokens) == 0 {
			if _, ok := honorifics[key]; ok {
				strippedHon = true
				continue
			}
		}
		tokens = append(tokens, strings.Trim(w, ","))
	}
	for len(tokens) > 1 {
		last := strings.ToLower(strings.Trim(tokens[len(tokens)-1], ".,"))
		if _, ok := nameSuffixes[last]; !ok {
			break
		}
		tokens = tokens[:len(tokens)-1]
		strippedSuf = true
	}
	return tokens, strippedHon, strippedSuf
}

func nameOutcome(cleaned string, tokens []string, strippedHon, strippedSuf bool) outcome {
	o := outcome{}
	if len(tokens) == 0 {
		o.fail("no_name")
		return o
	}
	for i, t := range tokens {
		tokens[i] = titleCaseName(t)
	}
	normalized := strings.Join(tokens, " ")
	o.value = normalized
	o.base = 0.9
	o.reason("parsed_name")
	if strippedHon {
		o.bonus("stripped_honorific")
	}
	if strippedSuf {
		o.bonus("stripped_suffix")
	}
	if normalized != cleaned && !strippedHon && !strippedSuf {
		o.bonus("normalized_titlecase")
	}
	o.markCanonical(cleaned)
	return o
}

// titleCaseName is titleCase for a single name token. Mixed-case interior
// capitals (McDonald) are preserved; all-caps input is recased, keeping
// capitals after hyphens and apostrophes (O'NEILL becomes O'Neill).
func titleCaseName(w string) string {
	if !isAllUpper(w) && hasInteriorUpper(w) {
		return w
	}
	parts := strings.Split(strings.ToLower(w), "-")
	for i, p := range parts {
		p = upperFirst(p)
		if apo := strings.Index(p, "'"); apo >= 0 && apo+1 < len(p) {
			p = p[:apo+1] + upperFirst(p[apo+1:])
		}
		parts[i] = p
	}
	return strings.Join(parts, "-")
}

func parsePersonName(cleaned string, _ Options, _ Context) outcome {
	tokens, hon, suf := splitPersonName(cleaned)
	return nameOutcome(cleaned, tokens, hon, suf)
}

func parseFirstName(cleaned string, _ Options, _ Context) outcome {
	tokens, hon, suf := splitPersonName(cleaned)
	if len(tokens) > 1 {
		tokens = tokens[:1]
	}
	return nameOutcome(cleaned, tokens, hon, suf)
}

func parseLastName(cleaned string, _ Options, _ Context) outcome {
	tokens, hon, suf := splitPersonName(cleaned)
	if len(tokens) > 1 {
		tokens = tokens[len(tokens)-1:]
	}
	return nameOutcome(cleaned, tokens, hon, suf)
}

// legalSuffixes are trailing company designators stripped during company
// normalization, matched case-insensitively without punctuation.
var legalSuffixes = map[string]struct{}{
	"inc": {}, "llc": {}, "ltd": {}, "corp": {}, "co": {}, "gmbh": {},
	"sa": {}, "plc": {}, "llp": {}, "lp": {}, "ag": {}, "bv": {},
	"pty": {}, "srl": {},
}

func parseCompany(cleaned string, _ Options, _ Context) outcome {
	o := outcome{}
	tokens := strings.Fields(cleaned)
	stripped := false
	for len(tokens) > 1 {
		last := strings.ToLower(strings.Trim(tokens[len(tokens)-1], ".,"))
		if _, ok := legalSuffixes[last]; !ok {
			break
		}
		tokens = tokens[:len(tokens)-1]
		tokens[len(tokens)-1] = strings.TrimRight(tokens[len(tokens)-1], ",")
		stripped = true
	}
	if len(tokens) == 0 {
		o.fail("no_name")
		return o
	}
	normalized := titleCase(strings.Join(tokens, " "))
	o.value = normalized
	o.base = 0.9
	o.reason("parsed_company")
	if stripped {
		o.bonus("stripped_legal_suffix")
	} else if normalized != cleaned {
		o.bonus("normalized_titlecase")
	}
	o.markCanonical(cleaned)
	return o
}
