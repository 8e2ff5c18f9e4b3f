package core

import (
	"fmt"
	"net/url"
	"time"

	"github.com/signrover/signrover/log"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// BrowserFactory creates isolated browser contexts. Each authentication
// attempt gets its own browser process so cookie state never leaks between
// accounts.
type BrowserFactory struct {
	browserCfg *BrowserConfig
	timing     *TimingConfig
	stealth    *StealthProfile
	human      *HumanBehavior
}

func NewBrowserFactory(cfg *Config) *BrowserFactory {
	return &BrowserFactory{
		browserCfg: cfg.GetBrowserConfig(),
		timing:     cfg.GetTiming(),
		stealth:    NewStealthProfile(cfg.GetBrowserConfig().Headless),
		human:      NewHumanBehavior(cfg.GetBrowserConfig(), cfg.GetTiming()),
	}
}

func (f *BrowserFactory) Human() *HumanBehavior {
	return f.human
}

// NewContext launches a fresh browser, optionally egressing through the
// given proxy node, with the stealth profile applied.
func (f *BrowserFactory) NewContext(proxy *ProxyNode) (*BrowserContext, error) {
	l := f.stealth.ConfigureLauncher(launcher.New())
	if proxy != nil {
		l = l.Proxy(fmt.Sprintf("%s://%s:%d", proxyScheme(proxy), proxy.Address, proxy.Port))
	}

	ctl, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browser launch: %w", err)
	}

	browser := rod.New().ControlURL(ctl)
	if err = browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("browser connect: %w", err)
	}

	if proxy != nil && proxy.Username != "" {
		go browser.HandleAuth(proxy.Username, proxy.Password)()
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("browser page: %w", err)
	}
	if err = f.stealth.Apply(page); err != nil {
		browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("stealth apply: %w", err)
	}

	return &BrowserContext{
		browser:    browser,
		launch:     l,
		page:       page,
		human:      f.human,
		navTimeout: time.Duration(f.timing.NavTimeoutSeconds) * time.Second,
	}, nil
}

func proxyScheme(n *ProxyNode) string {
	if n.Type == "https" {
		return "http"
	}
	return n.Type
}

// BrowserContext is one live browser with a single working page.
type BrowserContext struct {
	browser *rod.Browser
	launch  *launcher.Launcher
	page    *rod.Page
	human   *HumanBehavior

	navTimeout time.Duration
	currentUrl string
}

func (b *BrowserContext) Page() *rod.Page {
	return b.page
}

func (b *BrowserContext) Human() *HumanBehavior {
	return b.human
}

func (b *BrowserContext) Navigate(u string) error {
	p := b.page.Timeout(b.navTimeout)
	if err := p.Navigate(u); err != nil {
		return fmt.Errorf("navigate %s: %w", u, err)
	}
	if err := p.WaitLoad(); err != nil {
		log.Debug("browser: wait load on %s: %v", u, err)
	}
	b.currentUrl = u
	return nil
}

func (b *BrowserContext) Reload() error {
	if b.page == nil {
		return fmt.Errorf("no page to reload")
	}
	if err := b.page.Timeout(b.navTimeout).Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	b.page.Timeout(b.navTimeout).WaitLoad()
	return nil
}

// Renavigate repeats the last navigation from scratch.
func (b *BrowserContext) Renavigate() error {
	if b.currentUrl == "" {
		return fmt.Errorf("no navigation to repeat")
	}
	return b.Navigate(b.currentUrl)
}

// HTML returns the current document content. Satisfies PageProber.
func (b *BrowserContext) HTML() (string, error) {
	return b.page.Timeout(10 * time.Second).HTML()
}

// Eval runs a script on the page and returns its JSON value. Promises are
// awaited.
func (b *BrowserContext) Eval(js string) (gson.JSON, error) {
	res, err := b.page.Timeout(30*time.Second).Evaluate(rod.Eval(js).ByPromise())
	if err != nil {
		return gson.New(nil), err
	}
	return res.Value, nil
}

// Cookies collects the cookies visible to the given URLs as a name/value map.
func (b *BrowserContext) Cookies(urls ...string) (CookieMap, error) {
	cookies, err := b.page.Cookies(urls)
	if err != nil {
		return nil, err
	}
	m := make(CookieMap, len(cookies))
	for _, c := range cookies {
		m[c.Name] = c.Value
	}
	return m, nil
}

// SetCookies installs the cookie map for the domain of the given URL before
// navigation.
func (b *BrowserContext) SetCookies(siteUrl string, cookies CookieMap) error {
	u, err := url.Parse(siteUrl)
	if err != nil {
		return err
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for name, value := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:   name,
			Value:  value,
			Domain: u.Hostname(),
			Path:   "/",
		})
	}
	return b.page.SetCookies(params)
}

// Close tears down the page, browser process and launcher temp dir. Safe to
// call multiple times.
func (b *BrowserContext) Close() {
	if b.browser == nil {
		return
	}
	if err := b.browser.Close(); err != nil {
		log.Debug("browser: close: %v", err)
	}
	b.launch.Cleanup()
	b.browser = nil
}
