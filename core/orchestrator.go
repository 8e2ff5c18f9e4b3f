package core

import (
	"sync"
	"time"

	"github.com/signrover/signrover/log"
)

// Orchestrator runs the full authentication pipeline for one account at a
// time: cache lookup, proxy resolution, the configured method ladder under
// the retry engine, and cache write-back.
type Orchestrator struct {
	cfg      *Config
	cache    *SessionCache
	resolver *ProxyResolver
	factory  *BrowserFactory
	waf      *WafCookieChain
	retry    *RetryEngine

	// Injection points for tests. Production wiring fills these with the
	// real browser factory and authenticator registry.
	newContext       func(proxy *ProxyNode) (AuthBrowser, error)
	newAuthenticator func(method string) (Authenticator, error)

	mtx     sync.Mutex
	flights map[string]*sync.Mutex
}

func NewOrchestrator(cfg *Config, cache *SessionCache) *Orchestrator {
	factory := NewBrowserFactory(cfg)
	o := &Orchestrator{
		cfg:      cfg,
		cache:    cache,
		resolver: NewProxyResolver(cfg.GetProxyConfig()),
		factory:  factory,
		retry:    NewRetryEngine(cfg.GetTiming().RetryAttempts),
		flights:  make(map[string]*sync.Mutex),
	}
	o.waf = NewWafCookieChain(cfg, factory)
	o.newContext = func(proxy *ProxyNode) (AuthBrowser, error) {
		return factory.NewContext(proxy)
	}
	o.newAuthenticator = NewAuthenticator
	return o
}

// flight returns the per-account mutex so concurrent workers never run two
// flows for the same account.
func (o *Orchestrator) flight(key string) *sync.Mutex {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	m, ok := o.flights[key]
	if !ok {
		m = &sync.Mutex{}
		o.flights[key] = m
	}
	return m
}

// Authenticate produces a session for the account, from cache when possible.
// The summary is always returned, success or not.
func (o *Orchestrator) Authenticate(account *AccountConfig) (*Session, *Summary) {
	lock := o.flight(account.Key())
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	summary := &Summary{AccountName: account.Key()}

	if cached := o.cache.Get(account.Key()); cached != nil {
		log.Info("orchestrator [%s]: cached session hit (method %s)", account.Key(), cached.Method)
		summary.Success = true
		summary.Method = "cache"
		summary.TimingMs = time.Since(start).Milliseconds()
		return cached, summary
	}

	provider := o.cfg.GetProvider(account.Provider)
	if provider == nil {
		summary.FailureKind = FailureStrategyUnavailable
		summary.TimingMs = time.Since(start).Milliseconds()
		return nil, summary
	}

	proxy, err := o.resolver.Resolve()
	if err != nil {
		log.Warning("orchestrator [%s]: proxy resolution failed, going direct: %v", account.Key(), err)
		proxy = nil
	}

	lastKind := FailureExhausted
	for _, cred := range account.Methods {
		auth, err := o.newAuthenticator(cred.Method)
		if err != nil {
			log.Error("orchestrator [%s]: %v", account.Key(), err)
			lastKind = FailureStrategyUnavailable
			continue
		}
		log.Info("orchestrator [%s]: trying method '%s'", account.Key(), cred.Method)

		res := o.runMethod(provider, account, &cred, proxy, auth)
		if res.Success {
			if err := o.cache.Put(account.Key(), res.Session); err != nil {
				log.Warning("orchestrator [%s]: cache write failed: %v", account.Key(), err)
			}
			summary.Success = true
			summary.Method = cred.Method
			summary.TimingMs = time.Since(start).Milliseconds()
			return res.Session, summary
		}
		lastKind = res.FailureKind
		log.Warning("orchestrator [%s]: method '%s' failed (%s)", account.Key(), cred.Method, lastKind)
	}

	summary.FailureKind = lastKind
	summary.TimingMs = time.Since(start).Milliseconds()
	log.Error("orchestrator [%s]: all methods exhausted", account.Key())
	return nil, summary
}

// runMethod executes one method under the retry engine. The browser context
// lives for the whole method so the recovery ladder has a page to reload or
// re-navigate; it is released on every exit path.
func (o *Orchestrator) runMethod(provider *ProviderConfig, account *AccountConfig, cred *MethodCredential, proxy *ProxyNode, auth Authenticator) *AuthAttemptResult {
	bctx, err := o.newContext(proxy)
	if err != nil {
		log.Error("orchestrator [%s]: browser context: %v", account.Key(), err)
		return AttemptFailed(FailureNetwork, map[string]string{"reason": err.Error()})
	}
	defer bctx.Close()

	hooks := RecoveryHooks{
		Reload:     bctx.Reload,
		Renavigate: bctx.Renavigate,
	}

	done := make(chan *AuthAttemptResult, 1)
	go func() {
		done <- o.retry.Run(account.Key()+"/"+auth.Name(), func(try int) *AuthAttemptResult {
			actx := NewAuthContext(provider, account, cred)
			actx.Proxy = proxy
			actx.Browser = bctx
			actx.Waf = o.waf
			actx.Watcher = NewChallengeWatcher(o.cfg.GetTiming())
			actx.Timing = o.cfg.GetTiming()
			actx.MinWafCookies = o.cfg.GetWafConfig().MinCookies
			return auth.Authenticate(actx)
		}, hooks)
	}()

	// Hard bound for the whole method. On expiry the deferred context close
	// tears the browser down, which unblocks whatever the flow is stuck on.
	deadline := time.Duration(o.cfg.GetTiming().AttemptTimeoutSeconds) * time.Second
	select {
	case res := <-done:
		return res
	case <-time.After(deadline):
		log.Error("orchestrator [%s]: method '%s' exceeded the %s attempt budget", account.Key(), auth.Name(), deadline)
		return AttemptFailed(FailureNetwork, map[string]string{"reason": "attempt deadline exceeded"})
	}
}

// Proxy exposes the resolved egress node so collaborators (the check-in
// caller) ride the same exit as the login flows. Nil means direct.
func (o *Orchestrator) Proxy() *ProxyNode {
	p, err := o.resolver.Resolve()
	if err != nil {
		return nil
	}
	return p
}

// Invalidate drops the cached session for an account, typically after the
// site stopped honoring its cookies.
func (o *Orchestrator) Invalidate(accountKey string) {
	if err := o.cache.Invalidate(accountKey); err != nil {
		log.Warning("orchestrator [%s]: cache invalidate failed: %v", accountKey, err)
	}
}
