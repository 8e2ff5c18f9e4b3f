package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/signrover/signrover/log"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
	"github.com/ysmood/gson"
)

// Header value new-api sites expect from a client that has no user id yet.
const anonymousApiUser = "-1"

// Markers that tell the challenge watcher the login page actually rendered.
var loginPageMarkers = []string{"password", "login", "sign in", "登录"}

// Markers a new-api login form shows when it rejected the credentials.
var loginRejectionMarkers = []string{"incorrect", "invalid", "错误", "失败", "不正确"}

// AuthBrowser is the browser surface the login flows drive. *BrowserContext
// is the production implementation; tests substitute fakes.
type AuthBrowser interface {
	PageProber
	Navigate(u string) error
	Reload() error
	Renavigate() error
	Eval(js string) (gson.JSON, error)
	Cookies(urls ...string) (CookieMap, error)
	SetCookies(siteUrl string, cookies CookieMap) error
	Page() *rod.Page
	Human() *HumanBehavior
	Close()
}

// Authenticator is one login method. Implementations share the AuthContext
// plumbing and produce a classified result per attempt.
type Authenticator interface {
	Name() string
	Authenticate(actx *AuthContext) *AuthAttemptResult
}

// NewAuthenticator maps a configured method name to its implementation.
func NewAuthenticator(method string) (Authenticator, error) {
	switch method {
	case "cookies":
		return &CookieAuthenticator{}, nil
	case "password":
		return &PasswordAuthenticator{}, nil
	case "github":
		return &GithubAuthenticator{}, nil
	case "linuxdo":
		return &LinuxDoAuthenticator{}, nil
	}
	return nil, fmt.Errorf("unknown auth method: %s", method)
}

// AuthContext carries everything one authentication attempt needs. A fresh
// context (and a fresh browser) is built per attempt; the escalation flags
// reset with it.
type AuthContext struct {
	Provider *ProviderConfig
	Account  *AccountConfig
	Cred     *MethodCredential
	Proxy    *ProxyNode
	Browser  AuthBrowser
	Waf      *WafCookieChain
	Watcher  *ChallengeWatcher
	Timing   *TimingConfig

	MinWafCookies int
	AttemptId     string

	midFlowEscalated    bool
	lastResortEscalated bool

	now   func() time.Time
	sleep func(time.Duration)
}

func NewAuthContext(provider *ProviderConfig, account *AccountConfig, cred *MethodCredential) *AuthContext {
	return &AuthContext{
		Provider:  provider,
		Account:   account,
		Cred:      cred,
		AttemptId: uuid.NewString(),
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

func (actx *AuthContext) diagnostics(extra map[string]string) map[string]string {
	d := map[string]string{
		"attempt_id": actx.AttemptId,
		"account":    actx.Account.Key(),
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

func containsAny(s string, needles []string) bool {
	lower := strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// findElement tries selectors in order with a short per-selector timeout and
// returns the first match.
func findElement(page *rod.Page, selectors []string) (*rod.Element, error) {
	for _, selector := range selectors {
		elem, err := page.Timeout(2 * time.Second).Element(selector)
		if err == nil && elem != nil {
			log.Debug("auth: found element with selector: %s", selector)
			return elem, nil
		}
	}
	return nil, fmt.Errorf("no element found for selectors: %s", strings.Join(selectors, ", "))
}

// cookiesSparse reports whether the browser's current cookie set looks too
// thin to survive the edge check.
func (actx *AuthContext) cookiesSparse() bool {
	cookies, err := actx.Browser.Cookies(actx.Provider.BaseUrl)
	if err != nil {
		return true
	}
	return len(cookies) < actx.MinWafCookies || !HasClearance(cookies)
}

// ensureWafCookies escalates into the acquisition chain when the cookie set
// is sparse. Runs at most once mid-flow and once as a last resort per
// attempt; repeated calls at the same stage are no-ops.
func (actx *AuthContext) ensureWafCookies(lastResort bool) {
	if lastResort {
		if actx.lastResortEscalated {
			return
		}
		actx.lastResortEscalated = true
	} else {
		if actx.midFlowEscalated {
			return
		}
		actx.midFlowEscalated = true
	}
	if !actx.cookiesSparse() {
		return
	}

	stage := "mid-flow"
	if lastResort {
		stage = "last-resort"
	}
	log.Info("auth [%s]: sparse WAF cookies, escalating acquisition chain (%s)", actx.Account.Key(), stage)
	acquired := actx.Waf.Acquire(actx.Provider.BaseUrl, actx.Proxy)
	if len(acquired) == 0 {
		return
	}
	if err := actx.Browser.SetCookies(actx.Provider.BaseUrl, acquired); err != nil {
		log.Warning("auth [%s]: installing acquired cookies failed: %v", actx.Account.Key(), err)
		return
	}
	if err := actx.Browser.Reload(); err != nil {
		log.Debug("auth [%s]: reload after cookie install failed: %v", actx.Account.Key(), err)
	}
}

// navigateLogin opens the provider's login page and rides out any WAF
// interstitial in front of it. A timed out challenge is not fatal; the flow
// continues optimistically and fails later on its own terms.
func (actx *AuthContext) navigateLogin() error {
	if err := actx.Browser.Navigate(actx.Provider.LoginUrl); err != nil {
		return err
	}
	state, ok := actx.Watcher.Wait(actx.Browser, loginPageMarkers)
	if !ok {
		log.Warning("auth [%s]: login page challenge state %s, continuing anyway", actx.Account.Key(), state)
		actx.ensureWafCookies(false)
	}
	return nil
}

// userFromLocalStorage pulls the site's cached user object, the fastest way
// to learn the numeric user id after a login.
func (actx *AuthContext) userFromLocalStorage() (string, string) {
	js := `() => {
		try {
			const raw = localStorage.getItem('user');
			if (!raw) return null;
			const u = JSON.parse(raw);
			return { id: String(u.id ?? ''), username: String(u.username ?? u.display_name ?? '') };
		} catch (e) {
			return null;
		}
	}`
	val, err := actx.Browser.Eval(js)
	if err != nil || val.Nil() {
		return "", ""
	}
	return val.Get("id").Str(), val.Get("username").Str()
}

// userFromProfileApi asks the provider's self endpoint from inside the page,
// carrying the api-user header new-api instances require. Falls back to the
// anonymous sentinel when no id is known yet.
func (actx *AuthContext) userFromProfileApi(apiUser string) (string, string) {
	if apiUser == "" {
		apiUser = anonymousApiUser
	}
	js := fmt.Sprintf(`() => fetch(%q, {
		headers: { %q: %q },
		credentials: 'include'
	}).then(r => r.ok ? r.json() : null).catch(() => null)`,
		actx.Provider.UserInfoUrl, actx.Provider.ApiUserKey, apiUser)

	val, err := actx.Browser.Eval(js)
	if err != nil || val.Nil() {
		return "", ""
	}
	data := val.Get("data")
	if data.Nil() {
		return "", ""
	}
	return data.Get("id").Str(), data.Get("username").Str()
}

// oauthParams is what a delegated-login flow needs before it can redirect to
// the identity provider.
type oauthParams struct {
	ClientId string
	State    string
}

// fetchOauthParams reads the delegated-login client id from the provider's
// status endpoint and a one-shot state token from the auth-state endpoint.
// Both requests run inside the page so they ride the browser's WAF cookies,
// carrying the anonymous api-user sentinel since no user id exists yet. On
// failure the mid-flow escalation runs once and the fetch is retried.
func (actx *AuthContext) fetchOauthParams(enabledKey, clientIdKey string) (*oauthParams, error) {
	params, err := actx.fetchOauthParamsOnce(enabledKey, clientIdKey)
	if err == nil {
		return params, nil
	}
	log.Warning("auth [%s]: oauth parameter fetch failed (%v), escalating", actx.Account.Key(), err)
	actx.ensureWafCookies(false)
	return actx.fetchOauthParamsOnce(enabledKey, clientIdKey)
}

func (actx *AuthContext) fetchOauthParamsOnce(enabledKey, clientIdKey string) (*oauthParams, error) {
	status, err := actx.fetchApiData(actx.Provider.StatusUrl())
	if err != nil {
		return nil, fmt.Errorf("status endpoint: %w", err)
	}
	if !status.Get(enabledKey).Bool() {
		return nil, fmt.Errorf("provider reports %s disabled", enabledKey)
	}
	clientId := status.Get(clientIdKey).Str()
	if clientId == "" {
		return nil, fmt.Errorf("provider returned no %s", clientIdKey)
	}

	state, err := actx.fetchApiData(actx.Provider.AuthStateUrl())
	if err != nil {
		return nil, fmt.Errorf("auth state endpoint: %w", err)
	}
	authState := state.Str()
	if authState == "" {
		return nil, fmt.Errorf("provider returned empty auth state")
	}

	log.Debug("auth [%s]: oauth params resolved (client_id %s, state %s)", actx.Account.Key(), clientId, log.Redact(authState))
	return &oauthParams{ClientId: clientId, State: authState}, nil
}

// fetchApiData performs an in-page GET against a provider API endpoint with
// the anonymous sentinel header and returns the response's data field.
func (actx *AuthContext) fetchApiData(u string) (gson.JSON, error) {
	js := fmt.Sprintf(`() => fetch(%q, {
		headers: { 'Accept': 'application/json', %q: %q },
		credentials: 'include'
	}).then(r => r.ok ? r.json() : null).catch(() => null)`,
		u, actx.Provider.ApiUserKey, anonymousApiUser)

	val, err := actx.Browser.Eval(js)
	if err != nil {
		return gson.New(nil), err
	}
	if val.Nil() || !val.Get("success").Bool() {
		return gson.New(nil), fmt.Errorf("request to %s not successful", u)
	}
	return val.Get("data"), nil
}

// resolveUser tries localStorage first, then the profile API.
func (actx *AuthContext) resolveUser() (string, string) {
	id, name := actx.userFromLocalStorage()
	if id != "" {
		return id, name
	}
	return actx.userFromProfileApi(actx.Cred.ApiUser)
}

// waitForSessionCookie polls until a session cookie shows up or the budget
// runs out. Success of a login flow is visible only through cookies.
func (actx *AuthContext) waitForSessionCookie(timeout time.Duration) (CookieMap, bool) {
	deadline := actx.now().Add(timeout)
	for {
		cookies, err := actx.Browser.Cookies(actx.Provider.BaseUrl)
		if err == nil {
			for name := range cookies {
				if strings.Contains(strings.ToLower(name), "session") {
					return cookies, true
				}
			}
		}
		if actx.now().After(deadline) {
			if err == nil {
				return cookies, false
			}
			return nil, false
		}
		actx.sleep(2 * time.Second)
	}
}

// finishLogin is the shared tail of every browser-driven flow: wait for the
// session cookie, escalate once if the cookie set is sparse, resolve the
// user identity and assemble the session. A missing session cookie is only a
// rejection when the page shows an explicit error banner; a silent stall is
// a timeout and stays retryable.
func (actx *AuthContext) finishLogin(method string, timeout time.Duration) *AuthAttemptResult {
	cookies, ok := actx.waitForSessionCookie(timeout)
	if !ok {
		actx.ensureWafCookies(true)
		cookies, ok = actx.waitForSessionCookie(10 * time.Second)
		if !ok {
			if html, err := actx.Browser.HTML(); err == nil && containsAny(html, loginRejectionMarkers) {
				log.Error("auth [%s]: login form rejected the credentials", actx.Account.Key())
				return AttemptFailed(FailureCredentialRejected, actx.diagnostics(map[string]string{
					"reason": "login form rejected the credentials",
				}))
			}
			return AttemptFailed(FailureChallengeTimeout, actx.diagnostics(map[string]string{
				"reason": "no session cookie after login",
			}))
		}
	}

	s := NewSession(method)
	s.Cookies = cookies
	s.UserId, s.Username = actx.resolveUser()
	if s.UserId == "" {
		log.Warning("auth [%s]: session established but user id unresolved", actx.Account.Key())
	}
	log.Success("auth [%s]: %s login succeeded (user id %s)", actx.Account.Key(), method, s.UserId)
	return AttemptSucceeded(s)
}
