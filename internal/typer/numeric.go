package typer

import (
	"regexp"
	"strconv"
	"strings"
)

func parseInteger(cleaned string, _ Options, _ Context) outcome {
	o := outcome{}
	tok, ok := extractNumericToken(cleaned)
	if !ok {
		o.fail("no_number")
		return o
	}
	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		// Integral floats like "42.0" still count.
		f, ferr := strconv.ParseFloat(tok, 64)
		if ferr != nil || f != float64(int64(f)) {
			o.fail("not_integer")
			return o
		}
		n = int64(f)
	}
	o.value = n
	o.base = 0.95
	o.reason("parsed_integer")
	return o
}

func parseDecimal(cleaned string, _ Options, _ Context) outcome {
	o := outcome{}
	tok, ok := extractNumericToken(cleaned)
	if !ok {
		o.fail("no_number")
		return o
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		o.fail("invalid_number")
		return o
	}
	o.value = f
	o.base = 0.95
	o.reason("parsed_number")
	return o
}

var percentRe = regexp.MustCompile(`[-+]?[0-9][0-9.,]*\s*%`)

// parsePercentage normalizes to a fraction: "42%" and "42" both become 0.42,
// "0.42" passes through.
func parsePercentage(cleaned string, _ Options, _ Context) outcome {
	o := outcome{}
	hasSign := percentRe.MatchString(cleaned)
	tok, ok := extractNumericToken(strings.TrimSuffix(cleaned, "%"))
	if !ok {
		o.fail("no_number")
		return o
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		o.fail("invalid_number")
		return o
	}
	o.base = 0.95
	o.reason("parsed_percentage")
	switch {
	case hasSign:
		f = f / 100
		o.bonus("normalized_fraction")
	case f > 1:
		f = f / 100
		o.base = 0.85
		o.reason("assumed_percent")
	default:
		o.bonus("canonical_form")
	}
	o.value = f
	return o
}

var ratingScaleRe = regexp.MustCompile(`(?i)^\s*([0-9][0-9.]*)\s*(?:/|out of)\s*([0-9][0-9.]*)`)

func parseRating(cleaned string, opts Options, _ Context) outcome {
	o := outcome{}
	scale := opts.ScaleMax
	if scale == 0 {
		scale = 5
	}
	val := ""
	if m := ratingScaleRe.FindStringSubmatch(cleaned); m != nil {
		val = m[1]
		if s, err := strconv.ParseFloat(m[2], 64); err == nil && s > 0 {
			scale = s
			o.reason("scale_detected")
		}
	} else {
		tok, ok := extractNumericToken(cleaned)
		if !ok {
			o.fail("no_number")
			return o
		}
		val = tok
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		o.fail("invalid_number")
		return o
	}
	if f < 0 || f > scale {
		o.fail("out_of_scale")
		return o
	}
	o.value = f
	o.base = 0.95
	o.reason("parsed_rating")
	return o
}
