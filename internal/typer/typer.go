// Package typer converts raw scraped strings into typed, confidence-scored
// values. Every value passes the same pipeline: clean, parse, validate,
// normalize, score. Parsers never panic and never return Go errors; failures
// are reported as machine-readable tokens on the Typed result.
package typer

import (
	"html"
	"regexp"
	"sort"
	"strings"
)

// FieldType names one of the supported value types.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeText       FieldType = "text"
	TypeHTML       FieldType = "html"
	TypeBoolean    FieldType = "boolean"
	TypeInteger    FieldType = "integer"
	TypeDecimal    FieldType = "decimal"
	TypeNumber     FieldType = "number"
	TypeMoney      FieldType = "money"
	TypePercentage FieldType = "percentage"
	TypeRating     FieldType = "rating"
	TypeDate       FieldType = "date"
	TypeTime       FieldType = "time"
	TypeDatetime   FieldType = "datetime"
	TypeURL        FieldType = "url"
	TypeImageURL   FieldType = "image_url"
	TypeEmail      FieldType = "email"
	TypePhone      FieldType = "phone"
	TypeMobile     FieldType = "mobile"
	TypeFax        FieldType = "fax"
	TypePersonName FieldType = "person_name"
	TypeFirstName  FieldType = "first_name"
	TypeLastName   FieldType = "last_name"
	TypeCompany    FieldType = "company"
	TypeJobTitle   FieldType = "job_title"
	TypeAddress    FieldType = "address"
	TypeCity       FieldType = "city"
	TypeState      FieldType = "state"
	TypeZipCode    FieldType = "zip_code"
	TypeCountry    FieldType = "country"
	TypeCategory   FieldType = "category"
)

// Typed is the outcome of typing one raw value. Value is nil when parsing
// failed; Reasons and Errors carry enumerated tokens, never prose.
type Typed struct {
	Value      any      `json:"value"`
	Raw        string   `json:"raw"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	Errors     []string `json:"errors"`
}

// Options tunes type-specific parsing. The zero value is usable; pointer
// fields distinguish "unset" from an explicit false.
type Options struct {
	AllowDisposableEmail *bool    `json:"allow_disposable_email,omitempty"`
	DefaultRegion        string   `json:"default_region,omitempty"`
	ForceHTTPS           bool     `json:"force_https,omitempty"`
	StripTrackingParams  *bool    `json:"strip_tracking_params,omitempty"`
	CurrencyHint         string   `json:"currency_hint,omitempty"`
	AllowNegative        bool     `json:"allow_negative,omitempty"`
	YearMin              int      `json:"year_min,omitempty"`
	YearMax              int      `json:"year_max,omitempty"`
	PastOnly             bool     `json:"past_only,omitempty"`
	FutureOnly           bool     `json:"future_only,omitempty"`
	ScaleMax             float64  `json:"scale_max,omitempty"`
	TrueValues           []string `json:"true_values,omitempty"`
	FalseValues          []string `json:"false_values,omitempty"`
}

func (o Options) allowDisposable() bool {
	return o.AllowDisposableEmail == nil || *o.AllowDisposableEmail
}

func (o Options) stripTracking() bool {
	return o.StripTrackingParams == nil || *o.StripTrackingParams
}

// Rules are generic constraints applied after parsing, independent of type.
type Rules struct {
	Required  bool     `json:"required,omitempty"`
	MinLength int      `json:"min_length,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
	Regex     string   `json:"regex,omitempty"`
	Allowed   []string `json:"allowed,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
}

// Context carries job-level hints into parsing: the page URL for resolving
// relative links, and locale/timezone/region for dates and phone numbers.
type Context struct {
	BaseURL  string
	Locale   string
	Timezone string
	Region   string
}

func (c Context) region() string {
	if c.Region != "" {
		return c.Region
	}
	return "US"
}

func (c Context) locale() string {
	if c.Locale != "" {
		return c.Locale
	}
	return "en-US"
}

func (c Context) timezone() string {
	if c.Timezone != "" {
		return c.Timezone
	}
	return "America/New_York"
}

// outcome is the intermediate parser result before generic scoring. base is
// the parser's confidence; bonuses counts normalizations worth +0.05 each.
type outcome struct {
	value   any
	base    float64
	bonuses int
	reasons []string
	errors  []string
}

func (o *outcome) reason(tok string) {
	o.reasons = append(o.reasons, tok)
}

// bonus records a normalization reason that also raises confidence.
func (o *outcome) bonus(tok string) {
	o.reasons = append(o.reasons, tok)
	o.bonuses++
}

// markCanonical grants the normalization bonus to string values that were
// already in canonical form, so retyping a normalized output never scores
// below the pass that produced it.
func (o *outcome) markCanonical(cleaned string) {
	if o.bonuses > 0 {
		return
	}
	if s, ok := o.value.(string); ok && s == cleaned {
		o.bonus("canonical_form")
	}
}

func (o *outcome) fail(tok string) {
	o.value = nil
	o.base = 0
	o.errors = append(o.errors, tok)
}

type parseFunc func(cleaned string, opts Options, ctx Context) outcome

var parsers = map[FieldType]parseFunc{
	TypeString:     parseString,
	TypeText:       parseString,
	TypeHTML:       parseString,
	TypeBoolean:    parseBoolean,
	TypeInteger:    parseInteger,
	TypeDecimal:    parseDecimal,
	TypeNumber:     parseDecimal,
	TypeMoney:      parseMoney,
	TypePercentage: parsePercentage,
	TypeRating:     parseRating,
	TypeDate:       parseDate,
	TypeTime:       parseClock,
	TypeDatetime:   parseDatetime,
	TypeURL:        parseURL,
	TypeImageURL:   parseImageURL,
	TypeEmail:      parseEmail,
	TypePhone:      parsePhone,
	TypeMobile:     parsePhone,
	TypeFax:        parsePhone,
	TypePersonName: parsePersonName,
	TypeFirstName:  parseFirstName,
	TypeLastName:   parseLastName,
	TypeCompany:    parseCompany,
	TypeJobTitle:   parseTitledString,
	TypeAddress:    parseAddress,
	TypeCity:       parseCity,
	TypeState:      parseState,
	TypeZipCode:    parseZipCode,
	TypeCountry:    parseCountry,
	TypeCategory:   parseTitledString,
}

// Known reports whether ft has a registered parser.
func Known(ft FieldType) bool {
	_, ok := parsers[ft]
	return ok
}

// Types returns the supported field types in sorted order.
func Types() []FieldType {
	out := make([]FieldType, 0, len(parsers))
	for ft := range parsers {
		out = append(out, ft)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	spaceRun = regexp.MustCompile(`\s+`)
	tagRun   = regexp.MustCompile(`<[^>]*>`)
)

// clean prepares raw input for parsing. html values are trimmed only; text
// values get tags stripped and entities decoded; everything collapses
// whitespace runs to single spaces.
func clean(ft FieldType, raw string) string {
	s := strings.TrimSpace(raw)
	if ft == TypeHTML {
		return s
	}
	if ft == TypeText {
		s = tagRun.ReplaceAllString(s, " ")
		s = html.UnescapeString(s)
	}
	s = spaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Process types one raw value. It never returns an error: failures surface
// as a nil Value with zero confidence and error tokens.
func Process(ft FieldType, raw string, opts Options, rules Rules, ctx Context) Typed {
	t := Typed{Raw: raw, Reasons: []string{}, Errors: []string{}}
	p, ok := parsers[ft]
	if !ok {
		t.Errors = append(t.Errors, "unknown_type")
		return t
	}
	cleaned := clean(ft, raw)
	if cleaned == "" {
		t.Errors = append(t.Errors, "empty")
		if rules.Required {
			t.Errors = append(t.Errors, "required")
		}
		return t
	}
	out := p(cleaned, opts, ctx)
	t.Value = out.value
	t.Confidence = out.base
	t.Reasons = append(t.Reasons, out.reasons...)
	t.Errors = append(t.Errors, out.errors...)
	violations := applyRules(&t, rules)
	score(&t, out.bonuses, violations, cleaned)
	return t
}
