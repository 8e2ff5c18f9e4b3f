package core

import (
	"fmt"
	"net/url"
	"time"

	"github.com/signrover/signrover/log"

	"github.com/go-rod/rod/lib/proto"
	"github.com/pquerna/otp/totp"
)

// GithubAuthenticator rides the site's GitHub OAuth flow: fetch the client
// id and state token from the provider's API, open the authorize URL, log in
// at github.com, clear two-factor if prompted, approve the authorization and
// wait for the redirect back.
type GithubAuthenticator struct{}

func (a *GithubAuthenticator) Name() string {
	return "github"
}

// twoFactorCode picks the best available second factor: a fresh TOTP from
// the shared secret, then a preconfigured one-shot code, then the first
// recovery code.
func (a *GithubAuthenticator) twoFactorCode(cred *MethodCredential) (string, bool) {
	if cred.TotpSecret != "" {
		code, err := totp.GenerateCode(cred.TotpSecret, time.Now())
		if err == nil {
			return code, false
		}
		log.Warning("auth: totp generation failed: %v", err)
	}
	if cred.OtpCode != "" {
		return cred.OtpCode, false
	}
	if len(cred.RecoveryCodes) > 0 {
		return cred.RecoveryCodes[0], true
	}
	return "", false
}

func (a *GithubAuthenticator) Authenticate(actx *AuthContext) *AuthAttemptResult {
	if err := actx.navigateLogin(); err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": err.Error(),
		}))
	}

	page := actx.Browser.Page()
	human := actx.Browser.Human()
	human.Pause()

	params, err := actx.fetchOauthParams("github_oauth", "github_client_id")
	if err != nil {
		return AttemptFailed(FailureStrategyUnavailable, actx.diagnostics(map[string]string{
			"reason": "github oauth parameters: " + err.Error(),
		}))
	}
	authorizeUrl := fmt.Sprintf(
		"https://github.com/login/oauth/authorize?response_type=code&client_id=%s&state=%s&scope=user:email",
		url.QueryEscape(params.ClientId), url.QueryEscape(params.State))
	if err = actx.Browser.Navigate(authorizeUrl); err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": "github authorize navigation failed: " + err.Error(),
		}))
	}

	// github.com sign-in, unless an existing IdP session skips straight to
	// the authorize (or back to the site).
	if loginField, err := findElement(page, []string{"#login_field", "input[name='login']"}); err == nil {
		if err = human.Type(page, loginField, actx.Cred.Username); err != nil {
			return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
				"reason": "typing github login failed: " + err.Error(),
			}))
		}
		passField, err := findElement(page, []string{"#password", "input[name='password']"})
		if err != nil {
			return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
				"reason": "github password field not found",
			}))
		}
		if err = human.Type(page, passField, actx.Cred.Password); err != nil {
			return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
				"reason": "typing github password failed: " + err.Error(),
			}))
		}
		signIn, err := findElement(page, []string{"input[name='commit']", "button[type='submit']"})
		if err != nil {
			return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
				"reason": "github sign-in button not found",
			}))
		}
		signIn.Click(proto.InputMouseButtonLeft, 1)
		page.Timeout(20 * time.Second).WaitLoad()

		if html, err := actx.Browser.HTML(); err == nil && containsAny(html, []string{"incorrect username or password"}) {
			return AttemptFailed(FailureCredentialRejected, actx.diagnostics(map[string]string{
				"reason": "github rejected credentials",
			}))
		}
	}

	if res := a.handleTwoFactor(actx); res != nil {
		return res
	}

	// A previously authorized app redirects straight back; otherwise GitHub
	// shows the authorize screen once.
	if authorize, err := findElement(page, []string{
		"button[name='authorize'][value='1']",
		"button#js-oauth-authorize-btn",
	}); err == nil {
		log.Debug("auth [%s]: approving oauth authorization", actx.Account.Key())
		authorize.Click(proto.InputMouseButtonLeft, 1)
		page.Timeout(20 * time.Second).WaitLoad()
	}

	return actx.finishLogin(a.Name(), 45*time.Second)
}

// handleTwoFactor clears GitHub's 2FA prompt when present. Returns a failure
// result, or nil when the flow may continue.
func (a *GithubAuthenticator) handleTwoFactor(actx *AuthContext) *AuthAttemptResult {
	page := actx.Browser.Page()
	otpField, err := findElement(page, []string{
		"#app_totp",
		"input[name='app_otp']",
		"#otp",
	})
	if err != nil {
		return nil
	}

	code, isRecovery := a.twoFactorCode(actx.Cred)
	if code == "" {
		return AttemptFailed(FailureCredentialRejected, actx.diagnostics(map[string]string{
			"reason": "github requires 2fa but no code source configured",
		}))
	}
	if isRecovery {
		log.Warning("auth [%s]: burning a github recovery code for 2fa", actx.Account.Key())
		// The recovery input lives on its own page.
		if link, err := findElement(page, []string{"a[href*='two_factor_recovery']"}); err == nil {
			link.Click(proto.InputMouseButtonLeft, 1)
			page.Timeout(10 * time.Second).WaitLoad()
			if recField, err := findElement(page, []string{"#recovery_code", "input[name='recovery_code']"}); err == nil {
				otpField = recField
			}
		}
	}

	if err = actx.Browser.Human().Type(page, otpField, code); err != nil {
		return AttemptFailed(FailureNetwork, actx.diagnostics(map[string]string{
			"reason": "typing 2fa code failed: " + err.Error(),
		}))
	}
	// GitHub auto-submits TOTP fields; the recovery form needs the button.
	if submit, err := findElement(page, []string{"button[type='submit']"}); err == nil {
		submit.Click(proto.InputMouseButtonLeft, 1)
	}
	page.Timeout(20 * time.Second).WaitLoad()

	if html, err := actx.Browser.HTML(); err == nil && containsAny(html, []string{"two-factor authentication failed", "incorrect verification code"}) {
		return AttemptFailed(FailureCredentialRejected, actx.diagnostics(map[string]string{
			"reason": "github rejected 2fa code",
		}))
	}
	return nil
}
