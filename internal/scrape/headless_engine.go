package scrape

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/noetic-labs/knowledge-core/internal/observability"
)

// Action is one step of a scripted interaction the headless engine
// replays after the page settles and before extraction.
type Action struct {
	Type     string        `json:"type"` // click, scroll, wait, fill, hover
	Selector string        `json:"selector,omitempty"`
	Value    string        `json:"value,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// stealthJS runs before any page script and hides the obvious
// automation tells: the webdriver flag, an empty plugin list, a bare
// window.chrome.
const stealthJS = `(() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
	Object.defineProperty(navigator, 'plugins', {
		get: () => [{ name: 'Chrome PDF Viewer' }, { name: 'Native Client' }],
	});
	window.chrome = window.chrome || { runtime: {} };
})();`

// Accessibility roles too noisy to keep in an outline.
var axSkipRoles = map[string]bool{
	"generic":       true,
	"none":          true,
	"StaticText":    true,
	"InlineTextBox": true,
	"LineBreak":     true,
}

const maxAXLines = 400

// HeadlessEngine drives a real Chromium through go-rod. One browser
// process and one incognito context serve the whole process; each
// scrape opens its own page and closes it on exit. The browser starts
// lazily on the first call.
type HeadlessEngine struct {
	mu        sync.Mutex
	browser   *rod.Browser
	incognito *rod.Browser
	control   *launcher.Launcher

	bin      string
	headless bool
	timeout  time.Duration
	logger   *observability.Logger

	requests atomic.Int64
	failures atomic.Int64
}

// NewHeadlessEngine prepares the engine without launching a browser.
// bin may be empty to let the launcher find or download one.
func NewHeadlessEngine(bin string, headless bool, timeout time.Duration, logger *observability.Logger) *HeadlessEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &HeadlessEngine{
		bin:      bin,
		headless: headless,
		timeout:  timeout,
		logger:   logger.WithComponent("scrape.headless"),
	}
}

// Name implements Engine.
func (e *HeadlessEngine) Name() EngineName { return EngineHeadless }

// Scrape implements Engine.
func (e *HeadlessEngine) Scrape(ctx context.Context, rawURL string, opts Options) *Result {
	return e.scrape(ctx, rawURL, nil, opts)
}

// ScrapeWithActions replays a scripted interaction sequence after the
// page settles and before extraction. Failed actions are logged and
// skipped; the page is still extracted.
func (e *HeadlessEngine) ScrapeWithActions(ctx context.Context, rawURL string, actions []Action, opts Options) *Result {
	return e.scrape(ctx, rawURL, actions, opts)
}

func (e *HeadlessEngine) scrape(ctx context.Context, rawURL string, actions []Action, opts Options) *Result {
	e.requests.Add(1)

	browser, err := e.ensureBrowser()
	if err != nil {
		e.failures.Add(1)
		return errorResult(rawURL, EngineHeadless, err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		e.failures.Add(1)
		return errorResult(rawURL, EngineHeadless, fmt.Errorf("open page: %w", err))
	}
	defer page.Close()

	p := page.Context(ctx)
	if err := preparePage(p); err != nil {
		e.failures.Add(1)
		return errorResult(rawURL, EngineHeadless, err)
	}

	nav := p.Timeout(e.timeout)
	waitIdle := nav.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	if err := nav.Navigate(rawURL); err != nil {
		e.failures.Add(1)
		return errorResult(rawURL, EngineHeadless, fmt.Errorf("navigate: %w", err))
	}
	waitIdle()

	if opts.WaitSelector != "" {
		if _, err := p.Timeout(e.timeout).Element(opts.WaitSelector); err != nil {
			e.logger.Warn().Str("url", rawURL).Str("selector", opts.WaitSelector).Msg("wait selector never appeared")
		}
	}
	if opts.Delay > 0 {
		select {
		case <-time.After(opts.Delay):
		case <-ctx.Done():
			e.failures.Add(1)
			return errorResult(rawURL, EngineHeadless, ctx.Err())
		}
	}

	for _, action := range actions {
		if err := e.apply(p, action); err != nil {
			e.logger.Warn().Str("url", rawURL).Str("action", action.Type).Err(err).Msg("interaction failed")
		}
	}

	src, err := p.HTML()
	if err != nil {
		e.failures.Add(1)
		return errorResult(rawURL, EngineHeadless, fmt.Errorf("read dom: %w", err))
	}

	pc := parsePage(src, rawURL)
	res := &Result{
		URL:    rawURL,
		Title:  pc.Title,
		HTML:   src,
		Text:   pc.Text,
		Engine: EngineHeadless,
		// The CDP session does not expose the document status without
		// a network listener; a rendered page counts as 200.
		StatusCode:         200,
		QualityScore:       scoreQuality(pc),
		ExtractionMethod:   pc.Method,
		VisualElementCount: pc.VisualElements,
		HasVisualElements:  pc.VisualElements > 0,
	}
	if opts.ExtractLinks {
		res.Links = pc.Links
	}
	if opts.ExtractImages {
		res.Images = pc.Images
	}
	if opts.Screenshot {
		shot, err := p.Screenshot(true, nil)
		if err != nil {
			e.logger.Warn().Str("url", rawURL).Err(err).Msg("screenshot failed")
		} else {
			res.Screenshot = shot
		}
	}
	if opts.AXTree {
		res.AXTree = e.axOutline(p)
	}

	e.logger.Debug().
		Str("url", rawURL).
		Str("method", pc.Method).
		Int("chars", len(pc.Text)).
		Bool("screenshot", len(res.Screenshot) > 0).
		Msg("page rendered")
	return res
}

// Usage implements Engine.
func (e *HeadlessEngine) Usage(_ context.Context) Usage {
	return Usage{Engine: EngineHeadless, Requests: e.requests.Load(), Failures: e.failures.Load()}
}

// Close shuts the shared browser down. The engine relaunches on the
// next Scrape.
func (e *HeadlessEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	return nil
}

// ensureBrowser launches the browser on first use and replaces it when
// the control connection went stale.
func (e *HeadlessEngine) ensureBrowser() (*rod.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.incognito != nil {
		if _, err := e.browser.Version(); err == nil {
			return e.incognito, nil
		}
		e.logger.Warn().Msg("browser connection stale, relaunching")
		e.teardownLocked()
	}

	control := launcher.New().
		Headless(e.headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("lang", "en-US,en")
	if e.bin != "" {
		control = control.Bin(e.bin)
	}
	controlURL, err := control.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		control.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	incognito, err := browser.Incognito()
	if err != nil {
		_ = browser.Close()
		control.Cleanup()
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	e.control = control
	e.browser = browser
	e.incognito = incognito
	e.logger.Info().Bool("headless", e.headless).Msg("browser launched")
	return e.incognito, nil
}

func (e *HeadlessEngine) teardownLocked() {
	if e.browser != nil {
		_ = e.browser.Close()
	}
	if e.control != nil {
		e.control.Cleanup()
	}
	e.browser, e.incognito, e.control = nil, nil, nil
}

// preparePage installs the stealth script and a fixed viewport, locale
// and user agent before navigation.
func preparePage(page *rod.Page) error {
	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{Source: stealthJS}).Call(page); err != nil {
		return fmt.Errorf("install stealth script: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             1920,
		Height:            1080,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}
	if err := (proto.NetworkSetUserAgentOverride{
		UserAgent:      browserUserAgent,
		AcceptLanguage: "en-US,en;q=0.9",
	}).Call(page); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}
	return nil
}

func (e *HeadlessEngine) apply(page *rod.Page, action Action) error {
	wait := action.Duration
	if wait <= 0 {
		wait = time.Second
	}
	switch action.Type {
	case "click":
		el, err := page.Timeout(e.timeout).Element(action.Selector)
		if err != nil {
			return fmt.Errorf("find %q: %w", action.Selector, err)
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	case "scroll":
		_, err := page.Evaluate(&rod.EvalOptions{JS: `() => window.scrollBy(0, window.innerHeight)`})
		return err
	case "wait":
		time.Sleep(wait)
		return nil
	case "fill":
		el, err := page.Timeout(e.timeout).Element(action.Selector)
		if err != nil {
			return fmt.Errorf("find %q: %w", action.Selector, err)
		}
		return el.Input(action.Value)
	case "hover":
		el, err := page.Timeout(e.timeout).Element(action.Selector)
		if err != nil {
			return fmt.Errorf("find %q: %w", action.Selector, err)
		}
		return el.Hover()
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

// axOutline renders a compact accessibility outline, one "role name"
// line per named node.
func (e *HeadlessEngine) axOutline(page *rod.Page) string {
	_ = proto.AccessibilityEnable{}.Call(page)
	tree, err := proto.AccessibilityGetFullAXTree{}.Call(page)
	if err != nil {
		e.logger.Warn().Err(err).Msg("accessibility snapshot failed")
		return ""
	}

	var lines []string
	for _, node := range tree.Nodes {
		if node.Ignored || node.Role == nil || node.Name == nil {
			continue
		}
		role := node.Role.Value.Str()
		if axSkipRoles[role] {
			continue
		}
		name := strings.TrimSpace(node.Name.Value.Str())
		if name == "" {
			continue
		}
		lines = append(lines, role+" "+name)
		if len(lines) >= maxAXLines {
			break
		}
	}
	return strings.Join(lines, "\n")
}
