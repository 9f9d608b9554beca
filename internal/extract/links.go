package extract

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"

	"harvester/internal/model"
)

// NormalizeURL resolves raw against base and canonicalizes it for dedup:
// fragment stripped, host lowercased, http(s) only.
func NormalizeURL(raw, base string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	if base != "" {
		b, berr := url.Parse(base)
		if berr == nil {
			u = b.ResolveReference(u)
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	return u.String(), true
}

// ItemLinks evaluates a list selector and returns absolute, deduplicated
// detail URLs in document order, capped at max (0 means no cap). Nodes
// without an href are skipped.
func (d *Document) ItemLinks(selector string, max int) []string {
	var links []string
	seen := map[string]struct{}{}
	d.doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return true
		}
		normalized, valid := NormalizeURL(href, d.base)
		if !valid {
			return true
		}
		if _, dup := seen[normalized]; dup {
			return true
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
		return max <= 0 || len(links) < max
	})
	return links
}

// NextPage returns the pagination target after the current page, or "" when
// the selector matches nothing usable.
func (d *Document) NextPage(selector string) string {
	sel := d.doc.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	href, ok := sel.Attr("href")
	if !ok || href == "" {
		return ""
	}
	normalized, valid := NormalizeURL(href, d.base)
	if !valid {
		return ""
	}
	return normalized
}

// DedupKey builds the default record identity: the canonical JSON of the
// data map. encoding/json sorts map keys, making the key deterministic.
func DedupKey(data map[string]any) string {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(b)
}

// ValidateSelector rejects selectors that cannot compile, so bad field maps
// fail at write time instead of mid-run.
func ValidateSelector(spec model.SelectorSpec) error {
	switch spec.Kind {
	case "", "css":
		if _, err := cascadia.Parse(spec.Selector); err != nil {
			return fmt.Errorf("invalid css selector %q: %w", spec.Selector, err)
		}
	case "xpath":
		if _, err := xpath.Compile(spec.Selector); err != nil {
			return fmt.Errorf("invalid xpath selector %q: %w", spec.Selector, err)
		}
	default:
		return fmt.Errorf("invalid selector kind %q", spec.Kind)
	}
	if spec.Pattern != "" {
		if _, err := regexp.Compile(spec.Pattern); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", spec.Pattern, err)
		}
	}
	return nil
}
