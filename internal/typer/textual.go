package typer

import (
	"strings"
	"unicode"
)

func parseString(cleaned string, _ Options, _ Context) outcome {
	return outcome{value: cleaned, base: 1.0}
}

var (
	trueTokens  = map[string]struct{}{"true": {}, "yes": {}, "1": {}, "on": {}, "y": {}}
	falseTokens = map[string]struct{}{"false": {}, "no": {}, "0": {}, "off": {}, "n": {}}
)

func parseBoolean(cleaned string, opts Options, _ Context) outcome {
	o := outcome{}
	s := strings.ToLower(cleaned)
	if _, ok := trueTokens[s]; ok || containsFold(opts.TrueValues, s) {
		o.value = true
		o.base = 0.98
		o.reason("parsed_boolean")
		return o
	}
	if _, ok := falseTokens[s]; ok || containsFold(opts.FalseValues, s) {
		o.value = false
		o.base = 0.98
		o.reason("parsed_boolean")
		return o
	}
	o.fail("invalid_boolean")
	return o
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// parseTitledString covers job_title and category: a cleaned string,
// title-cased unless the input already carries its own casing.
func parseTitledString(cleaned string, _ Options, _ Context) outcome {
	o := outcome{}
	normalized := titleCase(cleaned)
	o.value = normalized
	o.base = 0.9
	if normalized != cleaned {
		o.bonus("normalized_titlecase")
	}
	o.markCanonical(cleaned)
	return o
}

// titleCase uppercases the first letter of each word. Short all-caps tokens
// (acronyms) and mixed-case words with interior capitals are left alone.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if isAcronym(w) {
			continue
		}
		if !isAllUpper(w) && hasInteriorUpper(w) {
			continue
		}
		words[i] = upperFirst(strings.ToLower(w))
	}
	return strings.Join(words, " ")
}

func isAcronym(w string) bool {
	letters := 0
	for _, r := range w {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsLower(r) {
				return false
			}
		}
	}
	return letters >= 2 && letters <= 5
}

func isAllUpper(w string) bool {
	letters := 0
	for _, r := range w {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsLower(r) {
				return false
			}
		}
	}
	return letters > 0
}

func hasInteriorUpper(w string) bool {
	for i, r := range w {
		if i > 0 && unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func upperFirst(w string) string {
	for i, r := range w {
		return string(unicode.ToUpper(r)) + w[i+len(string(r)):]
	}
	return w
}
