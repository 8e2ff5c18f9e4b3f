package core

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/signrover/signrover/log"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/go-resty/resty/v2"
)

// Cookie names Cloudflare hands out once a client passes the edge check.
var clearanceCookieNames = []string{"cf_clearance", "__cf_bm", "cf_chl_2"}

// WafStrategy is one way of obtaining WAF clearance cookies for a site.
// Acquire returns whatever cookies it could collect; partial results are
// useful and merged by the chain.
type WafStrategy struct {
	Name      string
	Available func() bool
	Acquire   func(siteUrl string, proxy *ProxyNode) (CookieMap, error)
}

// WafCookieChain runs its strategies in order, merging their cookies. A
// later strategy only contributes keys the earlier ones did not produce.
// The chain stops early once the merged set reaches the configured minimum.
// It never fails; the worst outcome is an empty map.
type WafCookieChain struct {
	strategies []*WafStrategy
	minCookies int
}

func NewWafCookieChain(cfg *Config, factory *BrowserFactory) *WafCookieChain {
	waf := cfg.GetWafConfig()
	timing := cfg.GetTiming()
	c := &WafCookieChain{
		minCookies: waf.MinCookies,
	}

	c.strategies = append(c.strategies, &WafStrategy{
		Name:      "browser",
		Available: func() bool { return waf.BrowserEnabled },
		Acquire: func(siteUrl string, proxy *ProxyNode) (CookieMap, error) {
			return acquireViaBrowser(factory, timing, siteUrl, proxy)
		},
	})
	c.strategies = append(c.strategies, &WafStrategy{
		Name:      "tls-impersonation",
		Available: func() bool { return waf.TlsEnabled },
		Acquire: func(siteUrl string, proxy *ProxyNode) (CookieMap, error) {
			return acquireViaTlsClient(waf.TlsProfile, siteUrl, proxy)
		},
	})
	c.strategies = append(c.strategies, &WafStrategy{
		Name:      "scripted-http",
		Available: func() bool { return waf.ScriptedEnabled },
		Acquire: func(siteUrl string, proxy *ProxyNode) (CookieMap, error) {
			return acquireViaScriptedHttp(siteUrl, proxy)
		},
	})
	return c
}

// HasClearance reports whether the map contains any known clearance cookie.
func HasClearance(cookies CookieMap) bool {
	for _, name := range clearanceCookieNames {
		if _, ok := cookies[name]; ok {
			return true
		}
	}
	return false
}

// Acquire walks the strategy chain for the given site. Strategy errors are
// absorbed and logged; they never propagate to the caller.
func (c *WafCookieChain) Acquire(siteUrl string, proxy *ProxyNode) CookieMap {
	merged := make(CookieMap)
	for _, s := range c.strategies {
		if !s.Available() {
			log.Debug("waf: strategy '%s' disabled, skipping", s.Name)
			continue
		}
		cookies, err := s.Acquire(siteUrl, proxy)
		if err != nil {
			log.Warning("waf: strategy '%s' failed: %v", s.Name, err)
			continue
		}
		added := merged.Merge(cookies)
		log.Debug("waf: strategy '%s' yielded %d cookies (%d new, %d total)", s.Name, len(cookies), added, len(merged))
		if len(merged) >= c.minCookies && HasClearance(merged) {
			log.Info("waf: clearance reached after strategy '%s' (%d cookies)", s.Name, len(merged))
			if v, ok := merged["cf_clearance"]; ok {
				log.Debug("waf: cf_clearance=%s", log.Redact(v))
			}
			break
		}
	}
	if len(merged) == 0 {
		log.Warning("waf: no strategy produced cookies for %s", siteUrl)
	}
	return merged
}

// acquireViaBrowser drives a real browser through the interstitial. A timed
// out challenge still returns whatever cookies accumulated; partial cookie
// sets let later strategies or the caller's own escalation fill the gap.
func acquireViaBrowser(factory *BrowserFactory, timing *TimingConfig, siteUrl string, proxy *ProxyNode) (CookieMap, error) {
	bctx, err := factory.NewContext(proxy)
	if err != nil {
		return nil, err
	}
	defer bctx.Close()

	if err = bctx.Navigate(siteUrl); err != nil {
		return nil, err
	}

	watcher := NewChallengeWatcher(timing)
	state, _ := watcher.Wait(bctx, nil)
	log.Debug("waf: browser challenge state: %s", state)

	return bctx.Cookies(siteUrl)
}

func tlsProfileByName(name string) profiles.ClientProfile {
	switch name {
	case "chrome_131":
		return profiles.Chrome_131
	default:
		return profiles.DefaultClientProfile
	}
}

// acquireViaTlsClient fetches the page with a browser-grade TLS fingerprint
// and harvests whatever cookies the edge sets on the response.
func acquireViaTlsClient(profileName string, siteUrl string, proxy *ProxyNode) (CookieMap, error) {
	jar := tls_client.NewCookieJar()
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(30),
		tls_client.WithClientProfile(tlsProfileByName(profileName)),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithCookieJar(jar),
	}
	if proxy != nil {
		options = append(options, tls_client.WithProxyUrl(proxy.URL()))
	}
	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, err
	}

	req, err := fhttp.NewRequest(fhttp.MethodGet, siteUrl, nil)
	if err != nil {
		return nil, err
	}
	req.Header = fhttp.Header{
		"accept":             {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
		"accept-language":    {"en-US,en;q=0.9"},
		"sec-ch-ua":          {`"Chromium";v="126", "Google Chrome";v="126", "Not.A/Brand";v="8"`},
		"sec-ch-ua-mobile":   {"?0"},
		"sec-ch-ua-platform": {`"Windows"`},
		"sec-fetch-dest":     {"document"},
		"sec-fetch-mode":     {"navigate"},
		"sec-fetch-site":     {"none"},
		"user-agent":         {stealthUserAgent},
		fhttp.HeaderOrderKey: {"accept", "accept-language", "sec-ch-ua", "sec-ch-ua-mobile", "sec-ch-ua-platform", "sec-fetch-dest", "sec-fetch-mode", "sec-fetch-site", "user-agent"},
	}

	rsp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	io.Copy(io.Discard, rsp.Body)

	u, err := url.Parse(siteUrl)
	if err != nil {
		return nil, err
	}
	m := make(CookieMap)
	for _, c := range client.GetCookies(u) {
		m[c.Name] = c.Value
	}
	return m, nil
}

// acquireViaScriptedHttp is the cheapest fallback: a plain HTTP exchange
// with desktop browser headers. Runs on its own goroutine with a hard
// deadline so a hung transport cannot stall the chain.
func acquireViaScriptedHttp(siteUrl string, proxy *ProxyNode) (CookieMap, error) {
	type outcome struct {
		cookies CookieMap
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		client := resty.New().
			SetTimeout(20 * time.Second).
			SetHeader("User-Agent", stealthUserAgent).
			SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
			SetHeader("Accept-Language", "en-US,en;q=0.9").
			SetHeader("Upgrade-Insecure-Requests", "1")
		if proxy != nil {
			client.SetProxy(proxy.URL())
		}
		defer client.GetClient().CloseIdleConnections()

		rsp, err := client.R().Get(siteUrl)
		if err != nil {
			done <- outcome{nil, err}
			return
		}
		m := make(CookieMap)
		for _, c := range rsp.Cookies() {
			m[c.Name] = c.Value
		}
		done <- outcome{m, nil}
	}()

	select {
	case o := <-done:
		return o.cookies, o.err
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("scripted strategy deadline exceeded")
	}
}
