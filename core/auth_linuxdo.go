package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/signrover/signrover/log"

	"github.com/go-rod/rod/lib/proto"
)

// Markers for the linux.do Discourse login form, used by the challenge
// watcher while the IdP sits behind its own WAF.
var linuxdoLoginMarkers = []string{"login-account-name", "login-account-password", "登录"}

// LinuxDoAuthenticator drives the linux.do OAuth flow: fetch the client id
// and state token from the provider's API, open the connect.linux.do
// authorize URL and log in there. The IdP runs its own WAF, so the challenge
// wait applies on both sides of the redirect.
type LinuxDoAuthenticator struct{}

func (a *LinuxDoAuthenticator) Name() string {
	return "linuxdo"
}

func (a *LinuxDoAuthenticator) Authenticate(actx *AuthContext) *AuthAttemptResult {
	if err := actx.navigateLogin(); err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": err.Error(),
		}))
	}

	page := actx.Browser.Page()
	human := actx.Browser.Human()
	human.Pause()

	params, err := actx.fetchOauthParams("linuxdo_oauth", "linuxdo_client_id")
	if err != nil {
		return AttemptFailed(FailureStrategyUnavailable, actx.diagnostics(map[string]string{
			"reason": "linuxdo oauth parameters: " + err.Error(),
		}))
	}
	authorizeUrl := fmt.Sprintf(
		"https://connect.linux.do/oauth2/authorize?response_type=code&client_id=%s&state=%s",
		url.QueryEscape(params.ClientId), url.QueryEscape(params.State))
	if err = actx.Browser.Navigate(authorizeUrl); err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": "linux.do authorize navigation failed: " + err.Error(),
		}))
	}

	// The IdP may serve its own interstitial before the login form.
	state, ok := actx.Watcher.Wait(actx.Browser, linuxdoLoginMarkers)
	if !ok {
		log.Warning("auth [%s]: linux.do challenge state %s, continuing anyway", actx.Account.Key(), state)
	}

	// An existing IdP session jumps straight to the authorize screen.
	if nameField, err := findElement(page, []string{
		"#login-account-name",
		"input[name='login']",
		"input[id*='account-name']",
	}); err == nil {
		if err = human.Type(page, nameField, actx.Cred.Username); err != nil {
			return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
				"reason": "typing linux.do username failed: " + err.Error(),
			}))
		}
		passField, err := findElement(page, []string{
			"#login-account-password",
			"input[name='password']",
			"input[type='password']",
		})
		if err != nil {
			return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
				"reason": "linux.do password field not found",
			}))
		}
		if err = human.Type(page, passField, actx.Cred.Password); err != nil {
			return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
				"reason": "typing linux.do password failed: " + err.Error(),
			}))
		}
		human.Pause()
		loginBtn, err := findElement(page, []string{
			"#login-button",
			"button[type='submit']",
		})
		if err != nil {
			return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
				"reason": "linux.do login button not found",
			}))
		}
		loginBtn.Click(proto.InputMouseButtonLeft, 1)
		page.Timeout(20 * time.Second).WaitLoad()

		if html, err := actx.Browser.HTML(); err == nil && containsAny(html, []string{"incorrect username", "密码错误", "不正确"}) {
			return AttemptFailed(FailureCredentialRejected, actx.diagnostics(map[string]string{
				"reason": "linux.do rejected credentials",
			}))
		}
	}

	// First-time consent shows an allow button on connect.linux.do.
	if info, err := page.Info(); err == nil && strings.Contains(info.URL, "connect.linux.do") {
		if allow, err := findElement(page, []string{
			"a[href*='/oauth2/authorize']",
			"button[type='submit']",
			"a.btn-primary",
		}); err == nil {
			log.Debug("auth [%s]: approving linux.do authorization", actx.Account.Key())
			allow.Click(proto.InputMouseButtonLeft, 1)
			page.Timeout(20 * time.Second).WaitLoad()
		}
	}

	return actx.finishLogin(a.Name(), 45*time.Second)
}
