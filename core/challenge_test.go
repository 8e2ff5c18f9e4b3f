package core

import (
	"errors"
	"testing"
	"time"
)

const challengePage = `<html><head><title>Just a moment...</title></head>
<body><div id="challenge-platform">Checking your browser before accessing</div></body></html>`

const loginPage = `<html><body><form action="/login"><input name="username"><input type="password"></form></body></html>`

const blankPage = `<html><body></body></html>`

type fakeProber struct {
	pages []string
	errs  []error
	calls int
}

func (f *fakeProber) HTML() (string, error) {
	i := f.calls
	f.calls++
	if i >= len(f.pages) {
		i = len(f.pages) - 1
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.pages[i], err
}

func newTestWatcher(poll, maxWait time.Duration) (*ChallengeWatcher, *int) {
	sleeps := 0
	w := &ChallengeWatcher{
		pollInterval: poll,
		maxWait:      maxWait,
		sleep:        func(time.Duration) { sleeps++ },
	}
	return w, &sleeps
}

func TestChallengeNotPresent(t *testing.T) {
	w, sleeps := newTestWatcher(5*time.Second, 60*time.Second)
	p := &fakeProber{pages: []string{loginPage}}

	state, ok := w.Wait(p, []string{"password"})
	if state != CHALLENGE_NOT_PRESENT || !ok {
		t.Errorf("state=%s ok=%v, want not_present true", state, ok)
	}
	if *sleeps != 0 {
		t.Errorf("slept %d times on a clean page, want 0", *sleeps)
	}
}

func TestChallengeClearsAfterThreePolls(t *testing.T) {
	w, sleeps := newTestWatcher(5*time.Second, 60*time.Second)
	p := &fakeProber{pages: []string{
		challengePage, // initial sample
		challengePage, // poll 1
		challengePage, // poll 2
		loginPage,     // poll 3
	}}

	state, ok := w.Wait(p, []string{"password"})
	if state != CHALLENGE_CLEARED || !ok {
		t.Fatalf("state=%s ok=%v, want cleared true", state, ok)
	}
	if *sleeps != 3 {
		t.Errorf("slept %d times, want exactly 3", *sleeps)
	}
}

func TestChallengeTimesOut(t *testing.T) {
	w, sleeps := newTestWatcher(5*time.Second, 15*time.Second)
	p := &fakeProber{pages: []string{challengePage}}

	state, ok := w.Wait(p, []string{"password"})
	if state != CHALLENGE_TIMED_OUT || ok {
		t.Errorf("state=%s ok=%v, want timed_out false", state, ok)
	}
	if *sleeps != 3 {
		t.Errorf("slept %d times within a 15s budget at 5s polls, want 3", *sleeps)
	}
}

func TestChallengeGoneButNextStepMissing(t *testing.T) {
	// The interstitial disappears but the expected content never shows up.
	w, _ := newTestWatcher(5*time.Second, 15*time.Second)
	p := &fakeProber{pages: []string{challengePage, blankPage}}

	state, ok := w.Wait(p, []string{"password"})
	if state != CHALLENGE_TIMED_OUT || ok {
		t.Errorf("state=%s ok=%v, want timed_out false", state, ok)
	}
}

func TestChallengeReadErrorsDoNotAbortPolling(t *testing.T) {
	w, _ := newTestWatcher(5*time.Second, 60*time.Second)
	p := &fakeProber{
		pages: []string{challengePage, challengePage, loginPage},
		errs:  []error{nil, errors.New("page crashed")},
	}

	state, ok := w.Wait(p, []string{"password"})
	if state != CHALLENGE_CLEARED || !ok {
		t.Errorf("state=%s ok=%v, want cleared true", state, ok)
	}
}

func TestChallengeInitialReadErrorFallsIntoPolling(t *testing.T) {
	// A failed first sample is treated like any in-loop read error: keep
	// polling instead of giving up immediately.
	w, sleeps := newTestWatcher(5*time.Second, 60*time.Second)
	p := &fakeProber{
		pages: []string{challengePage, loginPage},
		errs:  []error{errors.New("page crashed")},
	}

	state, ok := w.Wait(p, []string{"password"})
	if state != CHALLENGE_CLEARED || !ok {
		t.Errorf("state=%s ok=%v, want cleared true", state, ok)
	}
	if *sleeps != 1 {
		t.Errorf("slept %d times, want 1", *sleeps)
	}
}

func TestChallengeMarkerDetection(t *testing.T) {
	tests := []struct {
		name string
		html string
		want bool
	}{
		{"cloudflare title", "<title>Just a Moment...</title>", true},
		{"turnstile widget", `<div class="cf-turnstile"></div>`, true},
		{"checking browser", "Checking your browser before accessing example.com", true},
		{"plain login page", loginPage, false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasChallenge(tt.html); got != tt.want {
				t.Errorf("hasChallenge = %v, want %v", got, tt.want)
			}
		})
	}
}
