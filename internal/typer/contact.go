package typer

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// disposableDomains flags throwaway mail providers. Parsed addresses on
// these domains score 0.6, or are rejected when the options say so.
var disposableDomains = map[string]struct{}{
	"mailinator.com":    {},
	"guerrillamail.com": {},
	"10minutemail.com":  {},
	"tempmail.com":      {},
	"temp-mail.org":     {},
	"yopmail.com":       {},
	"trashmail.com":     {},
	"sharklasers.com":   {},
	"getnada.com":       {},
	"dispostable.com":   {},
	"maildrop.cc":       {},
	"throwawaymail.com": {},
}

const maxEmailLen = 254

func parseEmail(cleaned string, opts Options, _ Context) outcome {
	o := outcome{}
	s := strings.TrimPrefix(cleaned, "mailto:")
	addr := s
	if !emailRe.MatchString(addr) || emailRe.FindString(addr) != addr {
		// Fall back to the first address embedded in surrounding text.
		addr = emailRe.FindString(s)
		if addr == "" {
			o.fail("invalid_format")
			return o
		}
	}
	if len(addr) > maxEmailLen {
		o.fail("too_long")
		return o
	}
	at := strings.LastIndex(addr, "@")
	local, domain := addr[:at], strings.ToLower(addr[at+1:])
	normalized := local + "@" + domain
	o.value = normalized
	o.base = 0.98
	o.reason("parsed_email")
	if normalized != addr {
		o.reason("normalized_host")
	}
	if _, bad := disposableDomains[domain]; bad {
		if !opts.allowDisposable() {
			o.fail("disposable_domain")
			return o
		}
		o.base = 0.6
		o.errors = append(o.errors, "disposable_domain")
	}
	return o
}

func parsePhone(cleaned string, opts Options, ctx Context) outcome {
	o := outcome{}
	region := opts.DefaultRegion
	if region == "" {
		region = ctx.region()
	}
	num, err := phonenumbers.Parse(cleaned, region)
	if err != nil {
		o.fail("invalid_format")
		return o
	}
	o.value = phonenumbers.Format(num, phonenumbers.E164)
	switch {
	case phonenumbers.IsValidNumber(num):
		o.base = 0.95
		o.reason("parsed_e164")
	case phonenumbers.IsPossibleNumber(num):
		o.base = 0.7
		o.reason("parsed_e164")
		o.reason("possible_number")
	default:
		o.fail("invalid_number")
	}
	return o
}
