package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"interfix/internal/document"
)

// BrowserConfig configures the headless validation environment.
type BrowserConfig struct {
	Headless            bool   `yaml:"headless"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	// SettleMs is how long to hold the pressed state before capturing the
	// active-state frame.
	SettleMs int `yaml:"settle_ms"`
	// DebuggerURL attaches to a running Chrome instead of launching one.
	DebuggerURL string `yaml:"debugger_url"`
	// PixelTolerance is the per-pixel channel-sum difference below which
	// two pixels count as unchanged, filtering antialiasing noise.
	PixelTolerance int  `yaml:"pixel_tolerance"`
	KeepCaptures   bool `yaml:"keep_captures"`
}

// DefaultBrowserConfig returns the standard headless setup.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless:            true,
		ViewportWidth:       1280,
		ViewportHeight:      800,
		NavigationTimeoutMs: 15000,
		SettleMs:            120,
		PixelTolerance:      24,
	}
}

// NavigationTimeout returns the navigation budget as a duration.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// Settle returns the active-state hold delay.
func (c BrowserConfig) Settle() time.Duration {
	if c.SettleMs <= 0 {
		return 120 * time.Millisecond
	}
	return time.Duration(c.SettleMs) * time.Millisecond
}

// Browser validates documents in headless Chrome: it renders a document
// version, presses every interactive element, and measures the visible
// change each press produces.
//
// The Chrome connection is shared and lazily established; every Validate
// call runs in its own incognito context, so concurrent repair runs can
// share one Browser without state leaking between calls.
type Browser struct {
	cfg    BrowserConfig
	logger *zap.Logger
	th     Thresholds

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowser returns a browser validator. A nil logger disables logging.
func NewBrowser(cfg BrowserConfig, th Thresholds, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{cfg: cfg, logger: logger.Named("browser"), th: th}
}

func (b *Browser) ensure(ctx context.Context) (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		if _, err := b.browser.Version(); err == nil {
			return b.browser, nil
		}
		b.logger.Warn("stale chrome connection, reconnecting")
		_ = b.browser.Close()
		b.browser = nil
	}

	controlURL := b.cfg.DebuggerURL
	if controlURL == "" {
		url, err := launcher.New().Headless(b.cfg.Headless).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	b.browser = browser
	return b.browser, nil
}

// Close shuts down the shared Chrome connection.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}

// Validate implements Validator.
func (b *Browser) Validate(ctx context.Context, doc document.Document) (Report, error) {
	interactive, err := doc.Interactive()
	if err != nil {
		return Report{}, fmt.Errorf("discover interactive elements: %w", err)
	}
	if len(interactive) == 0 {
		return Summarize(nil, b.th), nil
	}

	browser, err := b.ensure(ctx)
	if err != nil {
		return Report{}, err
	}

	page, cleanup, err := b.openPage(ctx, browser, doc)
	if err != nil {
		return Report{}, err
	}
	defer cleanup()

	if err := b.installHitProbe(ctx, page); err != nil {
		b.logger.Warn("hit probe unavailable", zap.Error(err))
	}

	measurements := make([]Measurement, 0, len(interactive))
	var captures []Capture
	for _, el := range interactive {
		sel := el.Selector()
		m, shot, err := b.measure(ctx, page, sel)
		if err != nil {
			if ctx.Err() != nil {
				return Report{}, ctx.Err()
			}
			b.logger.Debug("element measurement failed",
				zap.String("selector", sel), zap.Error(err))
			m = Measurement{Selector: sel}
		}
		measurements = append(measurements, m)
		if b.cfg.KeepCaptures && shot != nil {
			captures = append(captures, *shot)
		}
	}

	rep := Summarize(measurements, b.th)
	rep.Captures = captures
	b.logger.Info("validated document",
		zap.Int("version", doc.Version()),
		zap.Int("elements", len(rep.Elements)),
		zap.Float64("global", rep.Global))
	return rep, nil
}

// openPage writes the document version to a scratch file and renders it in
// a fresh incognito context.
func (b *Browser) openPage(ctx context.Context, browser *rod.Browser, doc document.Document) (*rod.Page, func(), error) {
	tmp, err := os.CreateTemp("", "interfix-*.html")
	if err != nil {
		return nil, nil, fmt.Errorf("scratch file: %w", err)
	}
	if _, err := tmp.Write(doc.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, nil, fmt.Errorf("write scratch file: %w", err)
	}
	tmp.Close()

	incognito, err := browser.Incognito()
	if err != nil {
		os.Remove(tmp.Name())
		return nil, nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		os.Remove(tmp.Name())
		return nil, nil, fmt.Errorf("create page: %w", err)
	}
	cleanup := func() {
		_ = page.Close()
		_ = os.Remove(tmp.Name())
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             b.cfg.ViewportWidth,
		Height:            b.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		b.logger.Warn("viewport override failed", zap.Error(err))
	}

	url := "file://" + filepath.ToSlash(tmp.Name())
	if err := page.Context(ctx).Timeout(b.cfg.NavigationTimeout()).Navigate(url); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.Context(ctx).Timeout(b.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wait load: %w", err)
	}
	return page, cleanup, nil
}

// installHitProbe registers a capture-phase listener recording which element
// actually receives each press, for blocker attribution.
func (b *Browser) installHitProbe(ctx context.Context, page *rod.Page) error {
	_, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `
		() => {
			window.__ifxHit = null;
			if (window.__ifxHitHooked) return;
			window.__ifxHitHooked = true;
			document.addEventListener('mousedown', (e) => {
				const t = e.target;
				if (!t || !t.tagName) { window.__ifxHit = ''; return; }
				let s = t.tagName.toLowerCase();
				if (t.id) { s = '#' + t.id; }
				else if (t.classList && t.classList.length > 0) {
					s = s + '.' + Array.from(t.classList).join('.');
				}
				window.__ifxHit = s;
			}, true);
		}
		`,
		ByValue: true,
	})
	return err
}

// measure presses one element and reports the pixel change it produced.
func (b *Browser) measure(ctx context.Context, page *rod.Page, selector string) (Measurement, *Capture, error) {
	m := Measurement{Selector: selector}

	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return m, nil, fmt.Errorf("locate %s: %w", selector, err)
	}

	box, err := elementBox(el)
	if err == nil {
		m.Box = box
	}

	if _, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `() => { window.__ifxHit = null; }`, ByValue: true,
	}); err != nil {
		b.logger.Debug("hit probe reset failed", zap.Error(err))
	}

	// Hover first so the press lands at the element's own point; an
	// overlay above it will then intercept the mousedown exactly as it
	// would a real click.
	if err := el.Hover(); err != nil {
		return m, nil, fmt.Errorf("hover %s: %w", selector, err)
	}

	before, err := page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return m, nil, fmt.Errorf("capture before: %w", err)
	}

	if err := page.Mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return m, nil, fmt.Errorf("press %s: %w", selector, err)
	}
	time.Sleep(b.cfg.Settle())
	after, errShot := page.Context(ctx).Screenshot(false, nil)
	if err := page.Mouse.Up(proto.InputMouseButtonLeft, 1); err != nil {
		b.logger.Debug("release failed", zap.String("selector", selector), zap.Error(err))
	}
	if errShot != nil {
		return m, nil, fmt.Errorf("capture active: %w", errShot)
	}

	m.Hit = b.readHit(ctx, page)

	viewport, local, err := diffPixels(before, after, m.Box, b.cfg.PixelTolerance)
	if err != nil {
		return m, nil, fmt.Errorf("diff captures: %w", err)
	}
	m.ViewportDelta = viewport
	m.LocalDelta = local

	if b.cfg.KeepCaptures {
		return m, &Capture{Selector: selector, Before: before, After: after}, nil
	}
	return m, nil, nil
}

func (b *Browser) readHit(ctx context.Context, page *rod.Page) string {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `() => window.__ifxHit`, ByValue: true,
	})
	if err != nil || res == nil {
		return ""
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return ""
	}
	var hit *string
	if err := json.Unmarshal(raw, &hit); err != nil || hit == nil {
		return ""
	}
	return *hit
}

func elementBox(el *rod.Element) (BoxPx, error) {
	res, err := el.Eval(`() => {
		const r = this.getBoundingClientRect();
		return {x: r.x, y: r.y, w: r.width, h: r.height};
	}`)
	if err != nil {
		return BoxPx{}, err
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return BoxPx{}, err
	}
	var box BoxPx
	if err := json.Unmarshal(raw, &box); err != nil {
		return BoxPx{}, err
	}
	return box, nil
}

// diffPixels decodes two viewport captures and returns the changed fraction
// of the whole viewport and of the given element box.
func diffPixels(beforePNG, afterPNG []byte, box BoxPx, tolerance int) (float64, float64, error) {
	before, err := png.Decode(bytes.NewReader(beforePNG))
	if err != nil {
		return 0, 0, fmt.Errorf("decode before: %w", err)
	}
	after, err := png.Decode(bytes.NewReader(afterPNG))
	if err != nil {
		return 0, 0, fmt.Errorf("decode after: %w", err)
	}

	bounds := before.Bounds()
	if bounds != after.Bounds() {
		return 0, 0, errors.New("capture size mismatch")
	}

	// 8-bit channel tolerance scaled to the 16-bit values RGBA() returns.
	tol := uint32(tolerance) * 257

	total := 0
	changed := 0
	boxTotal := 0
	boxChanged := 0
	boxRect := image.Rect(int(box.X), int(box.Y), int(box.X+box.W), int(box.Y+box.H))

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r1, g1, b1, _ := before.At(x, y).RGBA()
			r2, g2, b2, _ := after.At(x, y).RGBA()
			d := absDiff(r1, r2) + absDiff(g1, g2) + absDiff(b1, b2)
			total++
			isChanged := d > tol
			if isChanged {
				changed++
			}
			if (image.Point{X: x, Y: y}).In(boxRect) {
				boxTotal++
				if isChanged {
					boxChanged++
				}
			}
		}
	}

	viewport := 0.0
	if total > 0 {
		viewport = float64(changed) / float64(total)
	}
	local := 0.0
	if boxTotal > 0 {
		local = float64(boxChanged) / float64(boxTotal)
	}
	return viewport, local, nil
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
