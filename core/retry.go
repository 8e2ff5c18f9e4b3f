package core

import (
	"github.com/signrover/signrover/log"
)

// RecoveryHooks are the escalating recovery actions the retry engine runs
// between failed attempts. Either hook may be nil when the flow has no page
// to recover (cookie replay for example).
type RecoveryHooks struct {
	Reload     func() error
	Renavigate func() error
}

// RetryEngine drives a single authentication method through up to N attempts
// with an escalating recovery ladder: nothing before the first attempt, a page
// reload before the second, a full re-navigation before the third and any
// later ones. When every attempt fails the result is classified exhausted,
// with the final attempt's own diagnostics and kind kept as detail.
type RetryEngine struct {
	attempts int
}

func NewRetryEngine(attempts int) *RetryEngine {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryEngine{attempts: attempts}
}

func (r *RetryEngine) Run(label string, attempt func(try int) *AuthAttemptResult, hooks RecoveryHooks) *AuthAttemptResult {
	var last *AuthAttemptResult
	for try := 1; try <= r.attempts; try++ {
		if try == 2 && hooks.Reload != nil {
			log.Debug("retry [%s]: reloading page before attempt %d", label, try)
			if err := hooks.Reload(); err != nil {
				log.Warning("retry [%s]: page reload failed: %v", label, err)
			}
		} else if try >= 3 && hooks.Renavigate != nil {
			log.Debug("retry [%s]: re-navigating before attempt %d", label, try)
			if err := hooks.Renavigate(); err != nil {
				log.Warning("retry [%s]: re-navigation failed: %v", label, err)
			}
		}

		res := attempt(try)
		if res == nil {
			res = AttemptFailed(FailureNetwork, nil)
		}
		if res.Success {
			if try > 1 {
				log.Info("retry [%s]: succeeded on attempt %d/%d", label, try, r.attempts)
			}
			return res
		}
		last = res
		if res.FailureKind == FailureCredentialRejected {
			log.Debug("retry [%s]: credentials rejected, not retrying", label)
			return res
		}
		if try < r.attempts {
			log.Warning("retry [%s]: attempt %d/%d failed (%s)", label, try, r.attempts, res.FailureKind)
		}
	}
	if last == nil {
		return AttemptFailed(FailureExhausted, nil)
	}
	log.Error("retry [%s]: all %d attempts failed (last: %s)", label, r.attempts, last.FailureKind)
	if last.Diagnostics == nil {
		last.Diagnostics = make(map[string]string)
	}
	last.Diagnostics["last_failure"] = string(last.FailureKind)
	last.FailureKind = FailureExhausted
	return last
}
