package core

import (
	"time"

	"github.com/signrover/signrover/log"
)

// CookieAuthenticator replays a preconfigured cookie set. The cheapest
// method: no form filling, no IdP round trips, just install, load and
// verify the site still honors the cookies.
type CookieAuthenticator struct{}

func (a *CookieAuthenticator) Name() string {
	return "cookies"
}

func (a *CookieAuthenticator) Authenticate(actx *AuthContext) *AuthAttemptResult {
	if err := actx.Browser.SetCookies(actx.Provider.BaseUrl, CookieMap(actx.Cred.Cookies)); err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": "cookie install failed: " + err.Error(),
		}))
	}

	if err := actx.Browser.Navigate(actx.Provider.BaseUrl); err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": err.Error(),
		}))
	}
	state, ok := actx.Watcher.Wait(actx.Browser, nil)
	if !ok && state == CHALLENGE_TIMED_OUT {
		actx.ensureWafCookies(false)
	}

	// The replayed cookies are only good if the site resolves them to a user.
	userId, username := actx.resolveUser()
	if userId == "" {
		actx.ensureWafCookies(true)
		userId, username = actx.resolveUser()
	}
	if userId == "" {
		log.Warning("auth [%s]: replayed cookies no longer map to a user", actx.Account.Key())
		return AttemptFailed(FailureCredentialRejected, actx.diagnostics(map[string]string{
			"reason": "stale cookies",
		}))
	}

	cookies, err := actx.Browser.Cookies(actx.Provider.BaseUrl)
	if err != nil || len(cookies) == 0 {
		cookies = CookieMap(actx.Cred.Cookies).Clone()
	}

	s := NewSession(a.Name())
	s.Cookies = cookies
	s.UserId = userId
	s.Username = username
	s.CreatedAt = time.Now()
	log.Success("auth [%s]: cookie replay verified (user id %s)", actx.Account.Key(), userId)
	return AttemptSucceeded(s)
}
