package core

import (
	"strings"
	"time"

	"github.com/signrover/signrover/log"
)

type ChallengeState int

const (
	CHALLENGE_NOT_PRESENT ChallengeState = iota
	CHALLENGE_IN_PROGRESS
	CHALLENGE_CLEARED
	CHALLENGE_TIMED_OUT
)

func (s ChallengeState) String() string {
	switch s {
	case CHALLENGE_NOT_PRESENT:
		return "not_present"
	case CHALLENGE_IN_PROGRESS:
		return "in_progress"
	case CHALLENGE_CLEARED:
		return "cleared"
	case CHALLENGE_TIMED_OUT:
		return "timed_out"
	}
	return "unknown"
}

// Interstitial markers Cloudflare serves while the browser check runs.
var challengeMarkers = []string{
	"just a moment",
	"checking your browser",
	"verifying you are human",
	"cf-challenge",
	"challenge-platform",
	"cf_chl_opt",
	"turnstile",
	"ddos protection by",
}

// PageProber is the slice of a browser page the watcher needs. Kept narrow so
// tests can drive the state machine with canned content.
type PageProber interface {
	HTML() (string, error)
}

// ChallengeWatcher polls page content until a WAF interstitial clears or the
// wait budget runs out. It never decides what a timeout means; the caller owns
// that policy.
type ChallengeWatcher struct {
	pollInterval time.Duration
	maxWait      time.Duration

	sleep func(time.Duration)
}

func NewChallengeWatcher(t *TimingConfig) *ChallengeWatcher {
	mult := t.SlowEnvMultiplier
	if mult < 1.0 {
		mult = 1.0
	}
	return &ChallengeWatcher{
		pollInterval: time.Duration(t.ChallengePollSeconds) * time.Second,
		maxWait:      time.Duration(float64(t.ChallengeMaxWaitSeconds)*mult) * time.Second,
		sleep:        time.Sleep,
	}
}

// hasChallenge reports whether the content looks like a WAF interstitial.
func hasChallenge(html string) bool {
	lower := strings.ToLower(html)
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// hasAnyMarker reports whether any of the expected next-step markers appears.
func hasAnyMarker(html string, markers []string) bool {
	if len(markers) == 0 {
		return true
	}
	lower := strings.ToLower(html)
	for _, m := range markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Wait samples the page immediately, then once per poll interval. Cleared
// means the interstitial markers are gone AND at least one next-step marker
// is present; a page that merely lost its challenge text but shows none of
// the expected content is still in progress. Returns the terminal state and
// whether the page is usable.
func (w *ChallengeWatcher) Wait(page PageProber, nextMarkers []string) (ChallengeState, bool) {
	html, err := page.HTML()
	switch {
	case err != nil:
		log.Debug("challenge: initial content read failed: %v", err)
	case !hasChallenge(html):
		if hasAnyMarker(html, nextMarkers) {
			return CHALLENGE_NOT_PRESENT, true
		}
		log.Debug("challenge: no interstitial but next-step content missing, polling")
	default:
		log.Info("challenge: WAF interstitial detected, waiting up to %s", w.maxWait)
	}

	waited := time.Duration(0)
	for waited < w.maxWait {
		w.sleep(w.pollInterval)
		waited += w.pollInterval

		html, err = page.HTML()
		if err != nil {
			log.Debug("challenge: content read failed after %s: %v", waited, err)
			continue
		}
		if !hasChallenge(html) && hasAnyMarker(html, nextMarkers) {
			log.Success("challenge: cleared after %s", waited)
			return CHALLENGE_CLEARED, true
		}
	}

	log.Warning("challenge: still present after %s", w.maxWait)
	return CHALLENGE_TIMED_OUT, false
}
