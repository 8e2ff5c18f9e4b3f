package core

import (
	"math/rand"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const stealthUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Evaluated on every new document before site scripts run. Papers over the
// fingerprint surface headless Chrome leaks: webdriver flag, empty plugin
// list, headless WebGL vendor strings, deterministic canvas output.
const stealthInitScript = `
(() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });

	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
	Object.defineProperty(navigator, 'plugins', {
		get: () => [
			{ name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer' },
			{ name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai' },
			{ name: 'Native Client', filename: 'internal-nacl-plugin' }
		]
	});
	Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8 });
	Object.defineProperty(navigator, 'deviceMemory', { get: () => 8 });
	Object.defineProperty(navigator, 'connection', {
		get: () => ({ effectiveType: '4g', rtt: 50, downlink: 10, saveData: false })
	});

	window.chrome = window.chrome || { runtime: {} };

	const origQuery = window.navigator.permissions.query.bind(window.navigator.permissions);
	window.navigator.permissions.query = (parameters) => (
		parameters.name === 'notifications'
			? Promise.resolve({ state: Notification.permission })
			: origQuery(parameters)
	);

	const getParameter = WebGLRenderingContext.prototype.getParameter;
	WebGLRenderingContext.prototype.getParameter = function (parameter) {
		if (parameter === 37445) return 'Intel Inc.';
		if (parameter === 37446) return 'Intel Iris OpenGL Engine';
		return getParameter.call(this, parameter);
	};

	const toBlob = HTMLCanvasElement.prototype.toBlob;
	const toDataURL = HTMLCanvasElement.prototype.toDataURL;
	const noise = () => (Math.random() * 0.0000001);
	HTMLCanvasElement.prototype.toDataURL = function (...args) {
		const ctx = this.getContext('2d');
		if (ctx) {
			const shift = noise();
			ctx.fillStyle = 'rgba(0,0,0,' + shift + ')';
			ctx.fillRect(0, 0, 1, 1);
		}
		return toDataURL.apply(this, args);
	};
	HTMLCanvasElement.prototype.toBlob = function (...args) {
		return toBlob.apply(this, args);
	};
})();
`

// StealthProfile bundles the launch flags and page-level patches that make
// the automated browser pass WAF bot heuristics.
type StealthProfile struct {
	UserAgent string
	Headless  bool
}

func NewStealthProfile(headless bool) *StealthProfile {
	return &StealthProfile{
		UserAgent: stealthUserAgent,
		Headless:  headless,
	}
}

// ConfigureLauncher applies the anti-detection launch flags.
func (p *StealthProfile) ConfigureLauncher(l *launcher.Launcher) *launcher.Launcher {
	return l.
		Headless(p.Headless).
		NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-infobars").
		Set("disable-dev-shm-usage").
		Set("window-size", "1920,1080").
		Set("lang", "en-US").
		Delete("enable-automation")
}

// Apply installs the fingerprint patches and user agent on a fresh page.
// Must run before the first navigation.
func (p *StealthProfile) Apply(page *rod.Page) error {
	err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      p.UserAgent,
		AcceptLanguage: "en-US,en;q=0.9",
		Platform:       "Win32",
	})
	if err != nil {
		return err
	}
	_, err = page.EvalOnNewDocument(stealthInitScript)
	return err
}

// HumanBehavior provides input primitives with human-plausible timing.
// All delays scale with the slow-environment multiplier so constrained
// CI runners do not produce impossibly fast cadence.
type HumanBehavior struct {
	enabled  bool
	minDelay time.Duration
	maxDelay time.Duration
	slowMult float64
}

func NewHumanBehavior(browser *BrowserConfig, timing *TimingConfig) *HumanBehavior {
	mult := timing.SlowEnvMultiplier
	if mult < 1.0 {
		mult = 1.0
	}
	return &HumanBehavior{
		enabled:  browser.HumanBehavior,
		minDelay: time.Duration(timing.TypeDelayMinMs) * time.Millisecond,
		maxDelay: time.Duration(timing.TypeDelayMaxMs) * time.Millisecond,
		slowMult: mult,
	}
}

func (h *HumanBehavior) delay() time.Duration {
	span := h.maxDelay - h.minDelay
	d := h.minDelay
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	return time.Duration(float64(d) * h.slowMult)
}

// Type fills the element one rune at a time with jittered inter-key delays.
func (h *HumanBehavior) Type(page *rod.Page, el *rod.Element, text string) error {
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	if !h.enabled {
		return el.Input(text)
	}
	if err := el.SelectAllText(); err == nil {
		page.InsertText("")
	}
	for _, r := range text {
		if err := page.InsertText(string(r)); err != nil {
			return err
		}
		time.Sleep(h.delay())
	}
	return nil
}

// Drift wanders the pointer through a few random viewport points.
func (h *HumanBehavior) Drift(page *rod.Page) {
	if !h.enabled {
		return
	}
	for i := 0; i < 3; i++ {
		x := float64(200 + rand.Intn(1200))
		y := float64(150 + rand.Intn(700))
		if err := page.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
			return
		}
		time.Sleep(h.delay())
	}
}

// Scroll nudges the page down a little, the way a person skims content.
func (h *HumanBehavior) Scroll(page *rod.Page) {
	if !h.enabled {
		return
	}
	page.Mouse.Scroll(0, float64(100+rand.Intn(300)), 3)
	time.Sleep(h.delay())
}

// Pause simulates reading time between page load and the first interaction.
func (h *HumanBehavior) Pause() {
	if !h.enabled {
		return
	}
	base := 400 + rand.Intn(800)
	time.Sleep(time.Duration(float64(base)*h.slowMult) * time.Millisecond)
}
