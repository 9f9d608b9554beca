package extract

import (
	"testing"

	"harvester/internal/model"
)

const listPage = `<!DOCTYPE html>
<html><body>
  <div class="results">
    <a class="item" href="/items/1">One</a>
    <a class="item" href="/items/2#reviews">Two</a>
    <a class="item" href="/items/1">One again</a>
    <a class="item" href="https://OTHER.example.com/items/3">Three</a>
    <a class="item" href="javascript:void(0)">Noise</a>
    <a class="item">No href</a>
  </div>
  <a class="next" href="/items?page=2">Next</a>
</body></html>`

func TestItemLinks(t *testing.T) {
	doc := mustParse(t, listPage, "https://shop.example.com/items")
	links := doc.ItemLinks("a.item", 0)
	want := []string{
		"https://shop.example.com/items/1",
		"https://shop.example.com/items/2",
		"https://other.example.com/items/3",
	}
	if len(links) != len(want) {
		t.Fatalf("links = %v, want %v", links, want)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Fatalf("links[%d] = %q, want %q", i, links[i], want[i])
		}
	}
}

func TestItemLinksMax(t *testing.T) {
	doc := mustParse(t, listPage, "https://shop.example.com/items")
	links := doc.ItemLinks("a.item", 2)
	if len(links) != 2 {
		t.Fatalf("links = %v, want 2 entries", links)
	}
}

func TestNextPage(t *testing.T) {
	doc := mustParse(t, listPage, "https://shop.example.com/items")
	if got := doc.NextPage("a.next"); got != "https://shop.example.com/items?page=2" {
		t.Fatalf("next = %q", got)
	}
	if got := doc.NextPage("a.missing"); got != "" {
		t.Fatalf("next = %q, want empty", got)
	}
}

func TestNormalizeURL(t *testing.T) {
	got, ok := NormalizeURL("/a/b#frag", "https://Example.com/root")
	if !ok || got != "https://example.com/a/b" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if _, ok := NormalizeURL("mailto:x@example.com", "https://example.com"); ok {
		t.Fatalf("mailto accepted")
	}
	if _, ok := NormalizeURL("ftp://example.com/f", ""); ok {
		t.Fatalf("ftp accepted")
	}
}

func TestDedupKeyDeterministic(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1}
	b := map[string]any{"a": 1, "b": 2}
	if DedupKey(a) != DedupKey(b) {
		t.Fatalf("keys differ for equal maps")
	}
	c := map[string]any{"a": 1, "b": 3}
	if DedupKey(a) == DedupKey(c) {
		t.Fatalf("keys equal for different maps")
	}
}

func TestValidateSelector(t *testing.T) {
	if err := ValidateSelector(model.SelectorSpec{Selector: "div.ok > a"}); err != nil {
		t.Fatalf("valid css rejected: %v", err)
	}
	if err := ValidateSelector(model.SelectorSpec{Selector: "div[", Kind: "css"}); err == nil {
		t.Fatalf("invalid css accepted")
	}
	if err := ValidateSelector(model.SelectorSpec{Selector: "//a[@href]", Kind: "xpath"}); err != nil {
		t.Fatalf("valid xpath rejected: %v", err)
	}
	if err := ValidateSelector(model.SelectorSpec{Selector: "//a[", Kind: "xpath"}); err == nil {
		t.Fatalf("invalid xpath accepted")
	}
	if err := ValidateSelector(model.SelectorSpec{Selector: "a", Pattern: "("}); err == nil {
		t.Fatalf("invalid pattern accepted")
	}
	if err := ValidateSelector(model.SelectorSpec{Selector: "a", Kind: "jquery"}); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}
