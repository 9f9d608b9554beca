package typer

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is the structured value produced by the money type. Amount is a
// decimal string to avoid float drift downstream.
type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// currencySymbols maps symbols to ISO codes. Multi-rune symbols are checked
// before the bare dollar sign.
var currencySymbols = []struct {
	sym  string
	code string
}{
	{"R$", "BRL"},
	{"A$", "AUD"},
	{"C$", "CAD"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₹", "INR"},
	{"₽", "RUB"},
}

var currencyCodes = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "INR": {}, "RUB": {},
	"BRL": {}, "AUD": {}, "CAD": {}, "CHF": {}, "CNY": {}, "SEK": {},
	"NOK": {}, "DKK": {}, "PLN": {}, "MXN": {}, "NZD": {}, "SGD": {},
	"HKD": {}, "KRW": {}, "ZAR": {}, "TRY": {},
}

var isoCodeRe = regexp.MustCompile(`\b[A-Z]{3}\b`)

func parseMoney(cleaned string, opts Options, _ Context) outcome {
	o := outcome{}
	s := strings.TrimSpace(cleaned)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if t := strings.TrimSpace(s); strings.HasPrefix(t, "-") {
		negative = true
		s = strings.Replace(s, "-", " ", 1)
	}
	currency := ""
	for _, c := range currencySymbols {
		if strings.Contains(s, c.sym) {
			currency = c.code
			s = strings.ReplaceAll(s, c.sym, " ")
			break
		}
	}
	if currency == "" {
		if code := isoCodeRe.FindString(s); code != "" {
			if _, ok := currencyCodes[code]; ok {
				currency = code
				s = strings.Replace(s, code, " ", 1)
			}
		}
	}
	amountStr, ok := extractNumericToken(s)
	if !ok {
		o.fail("no_amount")
		return o
	}
	if strings.HasPrefix(amountStr, "-") {
		negative = true
		amountStr = amountStr[1:]
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		o.fail("invalid_amount")
		return o
	}
	if negative {
		if !opts.AllowNegative {
			o.fail("negative_not_allowed")
			return o
		}
		amount = amount.Neg()
	}
	o.base = 0.9
	o.reason("parsed_amount")
	switch {
	case currency != "":
		o.reason("currency_detected")
	case opts.CurrencyHint != "":
		currency = strings.ToUpper(opts.CurrencyHint)
		o.reason("currency_from_hint")
	default:
		currency = "USD"
		o.base = 0.7
		o.reason("currency_assumed")
	}
	o.value = Money{Amount: amount.String(), Currency: currency}
	return o
}

var numericTokenRe = regexp.MustCompile(`[-+]?[0-9][0-9.,\s]*`)

// extractNumericToken pulls the first numeric run out of s and resolves
// thousands and decimal separators. "1.234,56" and "1,234.56" both work.
func extractNumericToken(s string) (string, bool) {
	tok := strings.TrimSpace(numericTokenRe.FindString(s))
	if tok == "" {
		return "", false
	}
	tok = strings.ReplaceAll(tok, " ", "")
	tok = strings.TrimRight(tok, ".,")
	lastComma := strings.LastIndex(tok, ",")
	lastDot := strings.LastIndex(tok, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			// European style: dot groups thousands, comma is decimal.
			tok = strings.ReplaceAll(tok, ".", "")
			tok = strings.Replace(tok, ",", ".", 1)
		} else {
			tok = strings.ReplaceAll(tok, ",", "")
		}
	case lastComma >= 0:
		digitsAfter := len(tok) - lastComma - 1
		if digitsAfter == 2 && strings.Count(tok, ",") == 1 {
			tok = strings.Replace(tok, ",", ".", 1)
		} else {
			tok = strings.ReplaceAll(tok, ",", "")
		}
	}
	return tok, true
}
