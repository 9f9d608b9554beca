// Package extract evaluates field selectors against fetched pages and turns
// the matches into typed record data. One parsed node tree backs both CSS
// and XPath evaluation.
package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"harvester/internal/model"
	"harvester/internal/typer"
)

// Document is a parsed page ready for selector evaluation.
type Document struct {
	root *html.Node
	doc  *goquery.Document
	base string
}

// Parse builds a Document from raw HTML. baseURL is used to resolve
// relative links during list crawling.
func Parse(rawHTML, baseURL string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}
	return &Document{
		root: root,
		doc:  goquery.NewDocumentFromNode(root),
		base: baseURL,
	}, nil
}

// BaseURL returns the URL the document was fetched from.
func (d *Document) BaseURL() string {
	return d.base
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// Strings evaluates one selector and returns the matched values in document
// order. Text mode concatenates descendant text; attr mode reads the named
// attribute, skipping nodes without it. A pattern keeps capture group 1 (or
// the whole match when the pattern has no groups) and drops non-matching
// values.
func (d *Document) Strings(spec model.SelectorSpec) ([]string, error) {
	var values []string
	switch spec.Kind {
	case "", "css":
		d.doc.Find(spec.Selector).Each(func(_ int, sel *goquery.Selection) {
			if spec.Attr != "" {
				if v, ok := sel.Attr(spec.Attr); ok {
					values = append(values, v)
				}
				return
			}
			values = append(values, normalizeText(sel.Text()))
		})
	case "xpath":
		nodes, err := htmlquery.QueryAll(d.root, spec.Selector)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if spec.Attr != "" {
				if v := htmlquery.SelectAttr(n, spec.Attr); v != "" {
					values = append(values, v)
				}
				continue
			}
			values = append(values, normalizeText(htmlquery.InnerText(n)))
		}
	}
	if spec.Pattern != "" {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, err
		}
		kept := values[:0]
		for _, v := range values {
			m := re.FindStringSubmatch(v)
			if m == nil {
				continue
			}
			if len(m) > 1 {
				kept = append(kept, m[1])
			} else {
				kept = append(kept, m[0])
			}
		}
		values = kept
	}
	if !spec.All && len(values) > 1 {
		values = values[:1]
	}
	return values, nil
}

// evidenceOf converts a typed result into stored evidence.
func evidenceOf(t typer.Typed) model.Evidence {
	return model.Evidence{
		Raw:        t.Raw,
		Confidence: t.Confidence,
		Reasons:    t.Reasons,
		Errors:     t.Errors,
	}
}

// mergeEvidence folds per-item evidence of an all=true field into one entry.
// Confidence is the minimum across items; reasons and errors are deduped
// unions.
func mergeEvidence(items []typer.Typed) model.Evidence {
	ev := model.Evidence{Confidence: 1, Reasons: []string{}, Errors: []string{}}
	raws := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, t := range items {
		raws = append(raws, t.Raw)
		if t.Confidence < ev.Confidence {
			ev.Confidence = t.Confidence
		}
		for _, r := range t.Reasons {
			if _, dup := seen["r:"+r]; !dup {
				seen["r:"+r] = struct{}{}
				ev.Reasons = append(ev.Reasons, r)
			}
		}
		for _, e := range t.Errors {
			if _, dup := seen["e:"+e]; !dup {
				seen["e:"+e] = struct{}{}
				ev.Errors = append(ev.Errors, e)
			}
		}
	}
	ev.Raw = strings.Join(raws, "\n")
	return ev
}

// ExtractRecord evaluates every field map against the document and types the
// matches. It returns the record data, per-field evidence, and how many
// fields had at least one selector match. Fields without matches are present
// with a nil value so data and evidence keys always align.
func ExtractRecord(d *Document, maps []model.FieldMap, ctx typer.Context) (map[string]any, map[string]model.Evidence, int) {
	data := make(map[string]any, len(maps))
	evidence := make(map[string]model.Evidence, len(maps))
	resolved := 0

	if ctx.BaseURL == "" {
		ctx.BaseURL = d.base
	}
	for _, fm := range maps {
		values, err := d.Strings(fm.Selector)
		if err != nil || len(values) == 0 {
			data[fm.FieldName] = nil
			ev := model.Evidence{Reasons: []string{}, Errors: []string{"not_found"}}
			if err != nil {
				ev.Errors = []string{"invalid_selector"}
			}
			evidence[fm.FieldName] = ev
			continue
		}
		resolved++
		if fm.Selector.All {
			typedItems := make([]typer.Typed, 0, len(values))
			list := make([]any, 0, len(values))
			for _, v := range values {
				t := typer.Process(fm.FieldType, v, fm.Options, fm.Rules, ctx)
				typedItems = append(typedItems, t)
				list = append(list, t.Value)
			}
			data[fm.FieldName] = list
			evidence[fm.FieldName] = mergeEvidence(typedItems)
			continue
		}
		t := typer.Process(fm.FieldType, values[0], fm.Options, fm.Rules, ctx)
		data[fm.FieldName] = t.Value
		evidence[fm.FieldName] = evidenceOf(t)
	}
	return data, evidence, resolved
}

// RequiredSatisfied reports whether every field marked required resolved to
// a non-nil value. Records failing this are dropped by the caller.
func RequiredSatisfied(maps []model.FieldMap, data map[string]any) bool {
	for _, fm := range maps {
		if !fm.Rules.Required {
			continue
		}
		v, ok := data[fm.FieldName]
		if !ok || v == nil {
			return false
		}
	}
	return true
}
