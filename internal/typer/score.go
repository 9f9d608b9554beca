package typer

import (
	"math"
	"regexp"
	"strconv"
)

// stringForm returns the value's textual form for length and rule checks.
// Structured values (money, address) have no string form.
func stringForm(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// numberForm returns the value as a float64 when it is numeric.
func numberForm(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// applyRules checks the generic validation rules against a parsed value and
// appends error tokens. It returns the violation count for scoring.
func applyRules(t *Typed, r Rules) int {
	violations := 0
	fail := func(tok string) {
		t.Errors = append(t.Errors, tok)
		violations++
	}
	if t.Value == nil {
		if r.Required {
			fail("required")
		}
		return violations
	}
	if s, ok := stringForm(t.Value); ok {
		if r.MinLength > 0 && len(s) < r.MinLength {
			fail("too_short")
		}
		if r.MaxLength > 0 && len(s) > r.MaxLength {
			fail("too_long")
		}
		if r.Regex != "" {
			re, err := regexp.Compile(r.Regex)
			if err != nil || !re.MatchString(s) {
				fail("regex_mismatch")
			}
		}
		if len(r.Allowed) > 0 && !contains(r.Allowed, s) {
			fail("not_allowed")
		}
	}
	if n, ok := numberForm(t.Value); ok {
		if r.Min != nil && n < *r.Min {
			fail("below_min")
		}
		if r.Max != nil && n > *r.Max {
			fail("above_max")
		}
		if len(r.Allowed) > 0 && !contains(r.Allowed, strconv.FormatFloat(n, 'f', -1, 64)) {
			fail("not_allowed")
		}
	}
	return violations
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// score applies the shared confidence policy: +0.05 when any normalization
// applied (capped so canonical inputs never score below normalized ones),
// -0.2 per validation violation, -0.1 when the parsed string kept less than
// half of its input, clamped to [0,1] and rounded to two decimals.
func score(t *Typed, bonuses, violations int, cleaned string) {
	c := t.Confidence
	if bonuses > 0 {
		c += 0.05
	}
	c -= 0.2 * float64(violations)
	if s, ok := stringForm(t.Value); ok && s != "" && len(s)*2 < len(cleaned) {
		c -= 0.1
		t.Reasons = append(t.Reasons, "partial_extraction")
	}
	if t.Value == nil {
		c = 0
	}
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	t.Confidence = math.Round(c*100) / 100
}
