package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"harvester/internal/metrics"
	"harvester/internal/model"
	"harvester/internal/session"
)

// fixturesJS installs the fixed pre-navigation fixtures: webdriver absent
// and plausible hardware hints. The profile stays constant on purpose;
// randomized fingerprints are harder to debug than they are to detect.
const fixturesJS = `() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
	Object.defineProperty(navigator, 'plugins', {
		get: () => [{ name: 'PDF Viewer' }, { name: 'Chrome PDF Viewer' }, { name: 'Native Client' }],
	});
	Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 4 });
	Object.defineProperty(navigator, 'deviceMemory', { get: () => 8 });
	if (!navigator.connection) {
		Object.defineProperty(navigator, 'connection', {
			get: () => ({ effectiveType: '4g', rtt: 50, downlink: 10 }),
		});
	}
}`

// consentSelectors are known cookie/consent widgets, tried before the
// generic accept-button scan.
var consentSelectors = []string{
	"#onetrust-accept-btn-handler",
	"button#truste-consent-button",
	".qc-cmp2-summary-buttons button[mode=primary]",
	"button[aria-label='Accept all']",
	"#L2AGLb", // google consent
}

// consentTextPattern matches generic agree buttons by their visible text.
var consentTextPattern = []string{"i agree", "accept all", "accept cookies", "agree and continue", "i accept"}

// BrowserConfig tunes the headless executor.
type BrowserConfig struct {
	ControlURL string
	NavTimeout time.Duration
}

// BrowserExecutor drives a headless browser through rod, reusing pooled
// session state when the pool trusts one for the target domain.
type BrowserExecutor struct {
	cfg      BrowserConfig
	sessions *session.Manager
	logger   *slog.Logger
	rnd      *rand.Rand
}

// NewBrowserExecutor builds the executor over the shared session pool.
func NewBrowserExecutor(cfg BrowserConfig, sessions *session.Manager, logger *slog.Logger) *BrowserExecutor {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	return &BrowserExecutor{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *BrowserExecutor) Tier() model.Tier { return model.TierBrowser }

// pace sleeps a human-ish interval, honoring cancellation.
func (e *BrowserExecutor) pace(ctx context.Context) {
	d := 300*time.Millisecond + time.Duration(e.rnd.Int63n(int64(500*time.Millisecond)))
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Fetch navigates the page with a stable profile and pooled session state.
// Cancellation mid-navigation neither captures nor penalizes the session.
func (e *BrowserExecutor) Fetch(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.NavTimeout
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}
	domain := target.Hostname()

	start := time.Now()
	res := &Result{Engine: model.TierBrowser, FinalURL: req.URL}

	var sess *session.Session
	if e.sessions != nil {
		sess = e.sessions.Acquire(domain, req.ProxyID)
		res.SessionReused = sess != nil
		if sess != nil {
			metrics.RecordSessionEvent("reused")
		}
	}

	browser := rod.New().Context(ctx)
	if e.cfg.ControlURL != "" {
		browser = browser.ControlURL(e.cfg.ControlURL)
	}
	if err := browser.Connect(); err != nil {
		res.Elapsed = time.Since(start)
		res.Signals = []model.Signal{model.SignalNavigationFailed}
		e.logger.Warn("browser connect failed", "error", err)
		return res, nil
	}
	defer browser.Close()

	page, err := stealth.Page(browser)
	if err != nil {
		res.Elapsed = time.Since(start)
		res.Signals = []model.Signal{model.SignalNavigationFailed}
		return res, nil
	}
	defer page.Close()

	if err := e.preparePage(page, req, sess); err != nil {
		res.Elapsed = time.Since(start)
		res.Signals = []model.Signal{model.SignalNavigationFailed}
		return res, nil
	}
	if sess != nil {
		if err := restoreCookies(browser, sess); err != nil {
			e.logger.Warn("cookie restore failed", "domain", domain, "error", err)
		}
	}

	navErr := e.navigate(page, req.URL, timeout)
	if navErr != nil {
		res.Elapsed = time.Since(start)
		if errors.Is(navErr, context.Canceled) || ctx.Err() != nil {
			// External cancel: do not punish a healthy session.
			return nil, context.Canceled
		}
		res.Signals = []model.Signal{model.SignalNavigationFailed}
		if errors.Is(navErr, context.DeadlineExceeded) {
			res.Signals = append(res.Signals, model.SignalTimeout)
		}
		if e.sessions != nil && sess != nil {
			e.sessions.MarkFailure(domain, req.ProxyID)
		}
		return res, nil
	}

	e.pace(ctx)
	e.handleConsent(ctx, page)
	e.scrollABit(page)
	e.pace(ctx)

	html, err := page.HTML()
	res.Elapsed = time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		res.Signals = []model.Signal{model.SignalNavigationFailed}
		if e.sessions != nil && sess != nil {
			e.sessions.MarkFailure(domain, req.ProxyID)
		}
		return res, nil
	}
	res.Status = 200
	res.Body = html
	if info, err := page.Info(); err == nil && info.URL != "" {
		res.FinalURL = info.URL
	}

	blockSignals := BlockMarkers(html)
	if e.sessions != nil {
		e.sessions.RecordFetch(model.HasSignal(blockSignals, model.SignalCaptcha))
	}
	if len(blockSignals) > 0 {
		res.Signals = blockSignals
		if e.sessions != nil && sess != nil {
			e.sessions.MarkFailure(domain, req.ProxyID)
		}
		return res, nil
	}

	res.Signals = []model.Signal{model.SignalOK}
	if e.sessions != nil {
		// A reused session keeps its pooled state; success only refreshes
		// its recency. Capture happens when the pool had nothing to offer.
		if sess == nil {
			e.captureSession(browser, page, req, domain)
			res.SessionCaptured = true
			metrics.RecordSessionEvent("captured")
		}
		e.sessions.MarkSuccess(domain, req.ProxyID)
	}
	return res, nil
}

// preparePage applies the stable profile and the pre-navigation fixtures.
func (e *BrowserExecutor) preparePage(page *rod.Page, req Request, sess *session.Session) error {
	if _, err := page.EvalOnNewDocument(fixturesJS); err != nil {
		return err
	}
	if sess != nil && len(sess.State.Storage) > 0 {
		if _, err := page.EvalOnNewDocument(storageRestoreJS(sess.State.Storage)); err != nil {
			return err
		}
	}

	ua := req.Profile.UserAgent
	if sess != nil && sess.State.UserAgent != "" {
		// A captured session keeps the UA it was minted with.
		ua = sess.State.UserAgent
	}
	if ua != "" {
		override := &proto.NetworkSetUserAgentOverride{UserAgent: ua}
		if req.AcceptLanguage != "" {
			override.AcceptLanguage = req.AcceptLanguage
		}
		if err := page.SetUserAgent(override); err != nil {
			return err
		}
	}
	if req.Profile.ViewportWidth > 0 && req.Profile.ViewportHeight > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             req.Profile.ViewportWidth,
			Height:            req.Profile.ViewportHeight,
			DeviceScaleFactor: 1,
		}); err != nil {
			return err
		}
	}
	if req.Profile.Timezone != "" {
		_ = proto.EmulationSetTimezoneOverride{TimezoneID: req.Profile.Timezone}.Call(page)
	}
	if req.Profile.ColorScheme != "" {
		_ = proto.EmulationSetEmulatedMedia{
			Features: []*proto.EmulationMediaFeature{{Name: "prefers-color-scheme", Value: req.Profile.ColorScheme}},
		}.Call(page)
	}
	return nil
}

// navigate loads the URL and waits for near network idle, bounded by the
// nav timeout.
func (e *BrowserExecutor) navigate(page *rod.Page, rawURL string, timeout time.Duration) error {
	p := page.Timeout(timeout)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := p.Navigate(rawURL); err != nil {
		return err
	}
	wait()
	return p.GetContext().Err()
}

// handleConsent performs at most one consent cycle: find a known or generic
// accept control, click a randomized point inside it, and give the page a
// moment to settle.
func (e *BrowserExecutor) handleConsent(ctx context.Context, page *rod.Page) {
	el := e.findConsentElement(page)
	if el == nil {
		return
	}
	e.pace(ctx)
	if err := e.clickInside(page, el); err != nil {
		e.logger.Debug("consent click failed", "error", err)
		return
	}
	e.pace(ctx)
	_ = page.Timeout(3 * time.Second).WaitStable(300 * time.Millisecond)
}

func (e *BrowserExecutor) findConsentElement(page *rod.Page) *rod.Element {
	p := page.Timeout(2 * time.Second)
	for _, sel := range consentSelectors {
		if has, el, err := p.Has(sel); err == nil && has {
			return el
		}
	}
	// Generic scan: any button or submit whose text reads like consent.
	els, err := p.Elements("button, input[type=submit], a[role=button]")
	if err != nil {
		return nil
	}
	for _, el := range els {
		text, err := el.Text()
		if err != nil {
			continue
		}
		lower := strings.ToLower(strings.TrimSpace(text))
		for _, phrase := range consentTextPattern {
			if lower == phrase || strings.Contains(lower, phrase) {
				return el
			}
		}
	}
	return nil
}

// clickInside moves the mouse to a random point inside the element's box
// and clicks, instead of the dead-center programmatic click.
func (e *BrowserExecutor) clickInside(page *rod.Page, el *rod.Element) error {
	shape, err := el.Shape()
	if err != nil {
		return err
	}
	box := shape.Box()
	if box == nil {
		return el.Click(proto.InputMouseButtonLeft, 1)
	}
	x := box.X + box.Width*(0.3+0.4*e.rnd.Float64())
	y := box.Y + box.Height*(0.3+0.4*e.rnd.Float64())
	if err := page.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return err
	}
	return page.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

// scrollABit nudges the page like a reader would.
func (e *BrowserExecutor) scrollABit(page *rod.Page) {
	_ = page.Mouse.Scroll(0, 200+float64(e.rnd.Intn(300)), 3)
}

// captureSession stores post-fetch cookies and storage into the pool as a
// brand-new session for the domain.
func (e *BrowserExecutor) captureSession(browser *rod.Browser, page *rod.Page, req Request, domain string) {
	cookies, err := browser.GetCookies()
	if err != nil {
		e.logger.Warn("cookie capture failed", "domain", domain, "error", err)
		return
	}
	state := session.State{UserAgent: req.Profile.UserAgent}
	for _, c := range cookies {
		state.Cookies = append(state.Cookies, session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
		})
	}
	if storage, err := captureStorage(page); err == nil {
		state.Storage = storage
	}

	e.sessions.Put(session.Session{Domain: domain, ProxyID: req.ProxyID, State: state})
}

// restoreCookies loads a pooled session's cookies into the browser context.
func restoreCookies(browser *rod.Browser, sess *session.Session) error {
	var params []*proto.NetworkCookieParam
	for _, c := range sess.State.Cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	if len(params) == 0 {
		return nil
	}
	return browser.SetCookies(params)
}

// storageRestoreJS builds the pre-navigation script that refills
// localStorage from a captured session.
func storageRestoreJS(storage map[string]string) string {
	var b strings.Builder
	b.WriteString("() => { try {")
	for k, v := range storage {
		fmt.Fprintf(&b, "localStorage.setItem(%q, %q);", k, v)
	}
	b.WriteString("} catch (e) {} }")
	return b.String()
}

// captureStorage reads the page's localStorage into a flat map.
func captureStorage(page *rod.Page) (map[string]string, error) {
	obj, err := page.Eval(`() => {
		const out = {};
		try {
			for (let i = 0; i < localStorage.length; i++) {
				const k = localStorage.key(i);
				out[k] = localStorage.getItem(k);
			}
		} catch (e) {}
		return out;
	}`)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for k, v := range obj.Value.Map() {
		out[k] = v.Str()
	}
	return out, nil
}
