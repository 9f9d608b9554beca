package extract

import (
	"testing"

	"harvester/internal/model"
	"harvester/internal/typer"
)

const productPage = `<!DOCTYPE html>
<html>
<head><title>Widget Pro</title></head>
<body>
  <h1 class="name">  Widget   Pro  </h1>
  <span class="price">$1,299.99</span>
  <a class="contact" href="mailto:sales@Example.com">email us</a>
  <div id="sku" data-sku="WP-0042">SKU: WP-0042</div>
  <ul class="tags">
    <li>durable</li>
    <li>lightweight</li>
    <li>waterproof</li>
  </ul>
</body>
</html>`

func mustParse(t *testing.T, raw, base string) *Document {
	t.Helper()
	doc, err := Parse(raw, base)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return doc
}

func TestStringsCSSText(t *testing.T) {
	doc := mustParse(t, productPage, "https://shop.example.com/widget-pro")
	values, err := doc.Strings(model.SelectorSpec{Selector: "h1.name"})
	if err != nil {
		t.Fatalf("Strings failed: %v", err)
	}
	if len(values) != 1 || values[0] != "Widget Pro" {
		t.Fatalf("values = %v, want normalized text", values)
	}
}

func TestStringsCSSAttr(t *testing.T) {
	doc := mustParse(t, productPage, "")
	values, err := doc.Strings(model.SelectorSpec{Selector: "#sku", Attr: "data-sku"})
	if err != nil {
		t.Fatalf("Strings failed: %v", err)
	}
	if len(values) != 1 || values[0] != "WP-0042" {
		t.Fatalf("values = %v", values)
	}
}

func TestStringsXPath(t *testing.T) {
	doc := mustParse(t, productPage, "")
	values, err := doc.Strings(model.SelectorSpec{Selector: "//span[@class='price']", Kind: "xpath"})
	if err != nil {
		t.Fatalf("Strings failed: %v", err)
	}
	if len(values) != 1 || values[0] != "$1,299.99" {
		t.Fatalf("values = %v", values)
	}
}

func TestStringsAll(t *testing.T) {
	doc := mustParse(t, productPage, "")
	values, err := doc.Strings(model.SelectorSpec{Selector: "ul.tags li", All: true})
	if err != nil {
		t.Fatalf("Strings failed: %v", err)
	}
	if len(values) != 3 || values[1] != "lightweight" {
		t.Fatalf("values = %v", values)
	}

	// Without all, only the first match is kept.
	values, _ = doc.Strings(model.SelectorSpec{Selector: "ul.tags li"})
	if len(values) != 1 || values[0] != "durable" {
		t.Fatalf("values = %v", values)
	}
}

func TestStringsPatternCaptureGroup(t *testing.T) {
	doc := mustParse(t, productPage, "")
	values, err := doc.Strings(model.SelectorSpec{Selector: "#sku", Pattern: `SKU:\s*(\S+)`})
	if err != nil {
		t.Fatalf("Strings failed: %v", err)
	}
	if len(values) != 1 || values[0] != "WP-0042" {
		t.Fatalf("values = %v", values)
	}

	// A non-matching pattern drops the value entirely.
	values, _ = doc.Strings(model.SelectorSpec{Selector: "#sku", Pattern: `PRICE:\s*(\S+)`})
	if len(values) != 0 {
		t.Fatalf("values = %v, want none", values)
	}
}

func TestStringsMissingSelector(t *testing.T) {
	doc := mustParse(t, productPage, "")
	values, err := doc.Strings(model.SelectorSpec{Selector: ".does-not-exist"})
	if err != nil {
		t.Fatalf("Strings failed: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("values = %v", values)
	}
}

func TestExtractRecord(t *testing.T) {
	doc := mustParse(t, productPage, "https://shop.example.com/widget-pro")
	maps := []model.FieldMap{
		{FieldName: "name", Selector: model.SelectorSpec{Selector: "h1.name"}, FieldType: typer.TypeString},
		{FieldName: "price", Selector: model.SelectorSpec{Selector: ".price"}, FieldType: typer.TypeMoney},
		{FieldName: "contact", Selector: model.SelectorSpec{Selector: "a.contact", Attr: "href"}, FieldType: typer.TypeEmail},
		{FieldName: "tags", Selector: model.SelectorSpec{Selector: "ul.tags li", All: true}, FieldType: typer.TypeString},
		{FieldName: "rating", Selector: model.SelectorSpec{Selector: ".rating"}, FieldType: typer.TypeRating},
	}
	data, evidence, resolved := ExtractRecord(doc, maps, typer.Context{})

	if resolved != 4 {
		t.Fatalf("resolved = %d, want 4", resolved)
	}
	if len(data) != 5 || len(evidence) != 5 {
		t.Fatalf("data/evidence sizes = %d/%d, want 5/5", len(data), len(evidence))
	}
	if data["name"] != "Widget Pro" {
		t.Fatalf("name = %v", data["name"])
	}
	money, ok := data["price"].(typer.Money)
	if !ok || money.Amount != "1299.99" || money.Currency != "USD" {
		t.Fatalf("price = %#v", data["price"])
	}
	if data["contact"] != "sales@example.com" {
		t.Fatalf("contact = %v", data["contact"])
	}
	tags, ok := data["tags"].([]any)
	if !ok || len(tags) != 3 {
		t.Fatalf("tags = %#v", data["tags"])
	}
	if data["rating"] != nil {
		t.Fatalf("rating = %v, want nil for missing element", data["rating"])
	}
	ev := evidence["rating"]
	if len(ev.Errors) != 1 || ev.Errors[0] != "not_found" {
		t.Fatalf("rating evidence = %+v", ev)
	}
	if evidence["name"].Confidence != 1.0 {
		t.Fatalf("name confidence = %v", evidence["name"].Confidence)
	}
}

func TestRequiredSatisfied(t *testing.T) {
	maps := []model.FieldMap{
		{FieldName: "name", Rules: typer.Rules{Required: true}},
		{FieldName: "price"},
	}
	if !RequiredSatisfied(maps, map[string]any{"name": "x", "price": nil}) {
		t.Fatalf("required field present, want satisfied")
	}
	if RequiredSatisfied(maps, map[string]any{"name": nil, "price": "y"}) {
		t.Fatalf("required field nil, want not satisfied")
	}
}
