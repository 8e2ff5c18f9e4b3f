package core

import (
	"time"

	"github.com/signrover/signrover/log"

	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// PasswordAuthenticator fills the site's own email/password form with
// human-cadence input.
type PasswordAuthenticator struct{}

func (a *PasswordAuthenticator) Name() string {
	return "password"
}

func (a *PasswordAuthenticator) Authenticate(actx *AuthContext) *AuthAttemptResult {
	if err := actx.navigateLogin(); err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": err.Error(),
		}))
	}

	human := actx.Browser.Human()
	human.Pause()
	human.Drift(actx.Browser.Page())

	page := actx.Browser.Page()
	usernameField, err := findElement(page, []string{
		"input[name='username']",
		"input[type='email']",
		"input[name='email']",
		"input[id*='user']",
		"input[placeholder*='用户名']",
	})
	if err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": "username field not found",
		}))
	}
	if err = human.Type(page, usernameField, actx.Cred.Username); err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": "typing username failed: " + err.Error(),
		}))
	}

	passwordField, err := findElement(page, []string{
		"input[name='password']",
		"input[type='password']",
		"input[id*='pass']",
	})
	if err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": "password field not found",
		}))
	}
	if err = human.Type(page, passwordField, actx.Cred.Password); err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": "typing password failed: " + err.Error(),
		}))
	}

	human.Pause()
	submitBtn, err := findElement(page, []string{
		"button[type='submit']",
		"input[type='submit']",
		"button.login-button",
	})
	if err != nil {
		log.Debug("auth [%s]: no submit button, pressing Enter", actx.Account.Key())
		page.Keyboard.Press(input.Enter)
	} else {
		if err = submitBtn.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
				"reason": "submit click failed: " + err.Error(),
			}))
		}
	}

	return actx.finishLogin(a.Name(), 30*time.Second)
}
