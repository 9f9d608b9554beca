// Package intervene turns blocked runs into actionable requests for a
// human: what kind of help is needed, how urgent it is, and a readable
// snapshot of the page that triggered it.
package intervene

import (
	"strings"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/google/uuid"

	"harvester/internal/model"
)

// highBlockRate promotes an intervention's priority when the session pool
// reports most recent fetches are being challenged.
const highBlockRate = 0.7

// Classification is the classifier's output.
type Classification struct {
	Type     model.InterventionType
	Priority model.Priority
	Reason   string
}

// Classify maps a failed attempt to the human action most likely to unblock
// it. Retry-class signals (429, timeouts, network) never reach here; the
// planner retries those on its own.
func Classify(tier model.Tier, signals []model.Signal, httpStatus int, hadSession bool, blockRate float64) Classification {
	c := Classification{Type: model.InterventionManualAccess, Priority: model.PriorityNormal}

	switch {
	case model.HasSignal(signals, model.SignalCaptcha):
		c.Type = model.InterventionCaptchaSolve
		c.Reason = "target is serving a captcha challenge"
	case model.HasSignal(signals, model.SignalNoProviderKey):
		c.Type = model.InterventionManualAccess
		c.Reason = "all provider keys are exhausted or deactivated"
	case tier == model.TierProvider && model.HasSignal(signals, model.SignalExtractionEmpty):
		c.Type = model.InterventionSelectorFix
		c.Reason = "selectors matched nothing even on a rendered page"
	case httpStatus == 401:
		c.Type = model.InterventionLoginRefresh
		c.Priority = model.PriorityLow
		c.Reason = "target requires fresh authentication"
	case httpStatus == 403 && hadSession:
		c.Type = model.InterventionLoginRefresh
		c.Priority = model.PriorityLow
		c.Reason = "existing session was rejected, needs a new login"
	case httpStatus == 403:
		c.Type = model.InterventionManualAccess
		c.Reason = "target refuses unauthenticated access"
	case model.HasSignal(signals, model.SignalHardBlock):
		c.Type = model.InterventionManualAccess
		c.Reason = "target hard-blocks automated access"
	default:
		c.Reason = "run cannot proceed without operator input"
	}

	if blockRate > highBlockRate && c.Priority == model.PriorityNormal {
		c.Priority = model.PriorityHigh
	}
	return c
}

// New builds the intervention record for a paused run, embedding a markdown
// snapshot of the blocking page so the operator sees what the run saw.
func New(runID uuid.UUID, cls Classification, pageHTML, pageURL string, snapshotMaxBytes int) *model.Intervention {
	payload := map[string]any{}
	if pageURL != "" {
		payload["url"] = pageURL
	}
	if snap := Snapshot(pageHTML, pageURL, snapshotMaxBytes); snap != "" {
		payload["page_snapshot"] = snap
	}
	return &model.Intervention{
		ID:        uuid.New(),
		RunID:     runID,
		Type:      cls.Type,
		Reason:    cls.Reason,
		Priority:  cls.Priority,
		Status:    model.InterventionPending,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Snapshot renders the page to markdown, truncated to maxBytes. Conversion
// failures fall back to stripped text; an empty page yields "".
func Snapshot(pageHTML, pageURL string, maxBytes int) string {
	if strings.TrimSpace(pageHTML) == "" {
		return ""
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 10
	}
	domain := ""
	if i := strings.Index(pageURL, "://"); i > 0 {
		rest := pageURL[i+3:]
		if j := strings.IndexByte(rest, '/'); j > 0 {
			domain = rest[:j]
		} else {
			domain = rest
		}
	}
	converter := htmlmd.NewConverter(domain, true, nil)
	md, err := converter.ConvertString(pageHTML)
	if err != nil {
		md = pageHTML
	}
	md = strings.TrimSpace(md)
	if len(md) > maxBytes {
		md = md[:maxBytes] + "\n\n[truncated]"
	}
	return md
}
