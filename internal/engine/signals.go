package engine

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"harvester/internal/model"
)

// jsFrameworkMarkers are body substrings that betray a client-rendered page.
// Additions require coverage in signals_test.go.
var jsFrameworkMarkers = []string{
	"__NEXT_DATA__",
	"data-reactroot",
	"ng-version",
	"data-vue-",
	"svelte-",
}

// hardBlockMarkers are the exact, case-insensitive phrases treated as a
// positive block. Matched against the lowercased body.
var hardBlockMarkers = []string{
	"checking your browser",
	"access denied",
	"verify you are human",
	"cloudflare",
	"captcha",
}

// NeedsJS reports whether the body looks client-rendered.
func NeedsJS(body string) bool {
	for _, m := range jsFrameworkMarkers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

// RobotsNoindex reports whether the page carries a robots-noindex meta tag.
// The content is not authoritative for a scraper, but it correlates with
// pages that only render for browsers.
func RobotsNoindex(body string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return false
	}
	content := doc.Find(`meta[name="robots"]`).AttrOr("content", "")
	return strings.Contains(strings.ToLower(content), "noindex")
}

// BlockMarkers returns the hard-block signals present in the body:
// hard_block when any marker matches, plus captcha when the captcha marker
// specifically matched.
func BlockMarkers(body string) []model.Signal {
	lower := strings.ToLower(body)
	var signals []model.Signal
	for _, m := range hardBlockMarkers {
		if !strings.Contains(lower, m) {
			continue
		}
		if len(signals) == 0 {
			signals = append(signals, model.SignalHardBlock)
		}
		if m == "captcha" {
			signals = append(signals, model.SignalCaptcha)
		}
	}
	return signals
}

// classifyStatus maps an HTTP status to block/response signals shared by the
// HTTP and provider executors.
func classifyStatus(status int) []model.Signal {
	switch {
	case status == 401 || status == 403:
		return []model.Signal{model.SignalBlocked}
	case status == 429:
		return []model.Signal{model.SignalBlocked, model.SignalRateLimited}
	case status >= 500:
		return []model.Signal{model.SignalBadResponse}
	}
	return nil
}
