package typer

import (
	"strings"
	"time"

	"github.com/markusmobius/go-dateparser"
)

// parsedTime runs the natural-language date parser with the context locale
// and timezone applied.
func parsedTime(s string, ctx Context) (time.Time, bool) {
	loc, err := time.LoadLocation(ctx.timezone())
	if err != nil {
		loc = time.UTC
	}
	lang := ctx.locale()
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	cfg := &dateparser.Configuration{
		CurrentTime:     time.Now().In(loc),
		DefaultTimezone: loc,
		Locales:         []string{lang},
	}
	dt, err := dateparser.Parse(cfg, s)
	if err != nil || dt.Time.IsZero() {
		return time.Time{}, false
	}
	return dt.Time, true
}

func yearBounds(opts Options) (int, int) {
	minYear, maxYear := opts.YearMin, opts.YearMax
	if minYear == 0 {
		minYear = 1900
	}
	if maxYear == 0 {
		maxYear = time.Now().Year() + 10
	}
	return minYear, maxYear
}

// checkTemporal applies year bounds and past/future constraints, failing the
// outcome on violation.
func checkTemporal(o *outcome, t time.Time, opts Options) bool {
	minYear, maxYear := yearBounds(opts)
	if t.Year() < minYear || t.Year() > maxYear {
		o.fail("year_out_of_range")
		return false
	}
	now := time.Now()
	if opts.PastOnly && t.After(now) {
		o.fail("future_date")
		return false
	}
	if opts.FutureOnly && t.Before(now) {
		o.fail("past_date")
		return false
	}
	return true
}

func parseDate(cleaned string, opts Options, ctx Context) outcome {
	o := outcome{}
	t, ok := parsedTime(cleaned, ctx)
	if !ok {
		o.fail("invalid_date")
		return o
	}
	o.base = 0.9
	o.reason("parsed_date")
	if !checkTemporal(&o, t, opts) {
		return o
	}
	normalized := t.Format("2006-01-02")
	o.value = normalized
	if normalized != cleaned {
		o.bonus("normalized_iso8601")
	}
	o.markCanonical(cleaned)
	return o
}

func parseClock(cleaned string, opts Options, ctx Context) outcome {
	o := outcome{}
	t, ok := parsedTime(cleaned, ctx)
	if !ok {
		o.fail("invalid_time")
		return o
	}
	o.base = 0.9
	o.reason("parsed_time")
	normalized := t.Format("15:04:05")
	o.value = normalized
	if normalized != cleaned {
		o.bonus("normalized_iso8601")
	}
	o.markCanonical(cleaned)
	return o
}

func parseDatetime(cleaned string, opts Options, ctx Context) outcome {
	o := outcome{}
	t, ok := parsedTime(cleaned, ctx)
	if !ok {
		o.fail("invalid_datetime")
		return o
	}
	o.base = 0.9
	o.reason("parsed_datetime")
	if !checkTemporal(&o, t, opts) {
		return o
	}
	normalized := t.Format(time.RFC3339)
	o.value = normalized
	if normalized != cleaned {
		o.bonus("normalized_iso8601")
	}
	o.markCanonical(cleaned)
	return o
}
