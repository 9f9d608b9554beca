package typer

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams are marketing query parameters stripped during URL
// normalization. utm_* is handled as a prefix.
var trackingParams = map[string]struct{}{
	"fbclid":   {},
	"gclid":    {},
	"msclkid":  {},
	"mc_cid":   {},
	"mc_eid":   {},
	"_ga":      {},
	"_gl":      {},
	"ref":      {},
	"referrer": {},
}

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".svg": {}, ".avif": {}, ".ico": {}, ".bmp": {},
}

func parseURL(cleaned string, opts Options, ctx Context) outcome {
	o := outcome{}
	u, ok := parseAbsoluteURL(&o, cleaned, ctx)
	if !ok {
		return o
	}
	normalizeURL(&o, u, opts)
	o.value = u.String()
	o.base = 0.9
	o.markCanonical(cleaned)
	return o
}

func parseImageURL(cleaned string, opts Options, ctx Context) outcome {
	o := parseURL(cleaned, opts, ctx)
	if o.value == nil {
		return o
	}
	u, err := url.Parse(o.value.(string))
	if err != nil {
		return o
	}
	path := strings.ToLower(u.Path)
	if dot := strings.LastIndex(path, "."); dot >= 0 {
		if _, ok := imageExtensions[path[dot:]]; ok {
			o.bonus("image_extension")
			return o
		}
	}
	for _, hint := range []string{"image", "img", "photo", "thumb", "avatar"} {
		if strings.Contains(path, hint) {
			o.bonus("image_path_hint")
			return o
		}
	}
	return o
}

// parseAbsoluteURL resolves the input to an absolute http(s) URL, using the
// context base for relative links and assuming https for bare hosts.
func parseAbsoluteURL(o *outcome, s string, ctx Context) (*url.URL, bool) {
	if strings.HasPrefix(s, "//") {
		s = "https:" + s
		o.bonus("assumed_https")
	}
	u, err := url.Parse(s)
	if err != nil {
		o.fail("invalid_url")
		return nil, false
	}
	if !u.IsAbs() {
		if ctx.BaseURL != "" {
			base, berr := url.Parse(ctx.BaseURL)
			if berr == nil && base.IsAbs() {
				u = base.ResolveReference(u)
				o.bonus("resolved_relative")
			}
		}
		if !u.IsAbs() && looksLikeHost(s) {
			u, err = url.Parse("https://" + s)
			if err != nil {
				o.fail("invalid_url")
				return nil, false
			}
			o.bonus("assumed_https")
		}
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		o.fail("invalid_url")
		return nil, false
	}
	return u, true
}

func looksLikeHost(s string) bool {
	if strings.ContainsAny(s, " \t") {
		return false
	}
	head := s
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		head = s[:i]
	}
	return strings.Contains(head, ".")
}

func normalizeURL(o *outcome, u *url.URL, opts Options) {
	if host := strings.ToLower(u.Host); host != u.Host {
		u.Host = host
		o.bonus("normalized_host")
	}
	if opts.ForceHTTPS && u.Scheme == "http" {
		u.Scheme = "https"
		o.bonus("forced_https")
	}
	if opts.stripTracking() && u.RawQuery != "" {
		q := u.Query()
		removed := false
		for key := range q {
			lk := strings.ToLower(key)
			if _, tracked := trackingParams[lk]; tracked || strings.HasPrefix(lk, "utm_") {
				q.Del(key)
				removed = true
			}
		}
		if removed {
			u.RawQuery = encodeSorted(q)
			o.bonus("stripped_tracking_params")
		}
	}
}

// encodeSorted renders query values with deterministic key order so
// normalized URLs compare equal.
func encodeSorted(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
