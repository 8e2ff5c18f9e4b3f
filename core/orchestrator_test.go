package core

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedAuth struct {
	name    string
	results []*AuthAttemptResult
	calls   int
}

func (f *scriptedAuth) Name() string { return f.name }

func (f *scriptedAuth) Authenticate(actx *AuthContext) *AuthAttemptResult {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i]
}

func testOrchestrator(t *testing.T, auths map[string]*scriptedAuth) (*Orchestrator, *int) {
	t.Helper()
	cfg, err := NewConfig(t.TempDir(), "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cache := newTestCache(t, time.Hour)

	contexts := 0
	o := &Orchestrator{
		cfg:      cfg,
		cache:    cache,
		resolver: NewProxyResolver(cfg.GetProxyConfig()),
		retry:    NewRetryEngine(cfg.GetTiming().RetryAttempts),
		flights:  make(map[string]*sync.Mutex),
	}
	o.newContext = func(*ProxyNode) (AuthBrowser, error) {
		contexts++
		return &BrowserContext{}, nil
	}
	o.newAuthenticator = func(method string) (Authenticator, error) {
		a, ok := auths[method]
		if !ok {
			return nil, errors.New("unknown auth method: " + method)
		}
		return a, nil
	}
	return o, &contexts
}

func passwordAccount() *AccountConfig {
	return &AccountConfig{
		Name:     "alice",
		Provider: "anyrouter",
		Methods: []MethodCredential{
			{Method: "password", Username: "alice@example.com", Password: "hunter2"},
		},
	}
}

func TestOrchestratorCacheShortCircuit(t *testing.T) {
	o, contexts := testOrchestrator(t, nil)
	acc := passwordAccount()
	o.cache.Put(acc.Key(), testSession())

	s, summary := o.Authenticate(acc)
	if s == nil || !summary.Success {
		t.Fatalf("expected cached success, got session=%v summary=%+v", s, summary)
	}
	if summary.Method != "cache" {
		t.Errorf("method = %q, want cache", summary.Method)
	}
	if *contexts != 0 {
		t.Errorf("created %d browser contexts on a cache hit, want 0", *contexts)
	}
}

func TestOrchestratorMethodLadder(t *testing.T) {
	auths := map[string]*scriptedAuth{
		"cookies":  {name: "cookies", results: []*AuthAttemptResult{AttemptFailed(FailureCredentialRejected, nil)}},
		"password": {name: "password", results: []*AuthAttemptResult{AttemptSucceeded(testSession())}},
	}
	o, _ := testOrchestrator(t, auths)
	acc := passwordAccount()
	acc.Methods = []MethodCredential{
		{Method: "cookies", Cookies: map[string]string{"session": "stale"}},
		{Method: "password", Username: "alice@example.com", Password: "hunter2"},
	}

	s, summary := o.Authenticate(acc)
	if s == nil || !summary.Success {
		t.Fatalf("expected success via fallback method, got %+v", summary)
	}
	if summary.Method != "password" {
		t.Errorf("method = %q, want password", summary.Method)
	}
	if auths["cookies"].calls != 1 {
		t.Errorf("cookies attempts = %d, want 1 (rejected credentials do not retry)", auths["cookies"].calls)
	}
}

func TestOrchestratorSuccessWritesCache(t *testing.T) {
	auths := map[string]*scriptedAuth{
		"password": {name: "password", results: []*AuthAttemptResult{AttemptSucceeded(testSession())}},
	}
	o, contexts := testOrchestrator(t, auths)
	acc := passwordAccount()

	if _, summary := o.Authenticate(acc); !summary.Success {
		t.Fatalf("first run failed: %+v", summary)
	}
	before := *contexts

	_, summary := o.Authenticate(acc)
	if !summary.Success || summary.Method != "cache" {
		t.Errorf("second run should hit cache, got %+v", summary)
	}
	if *contexts != before {
		t.Errorf("second run created browser contexts")
	}
}

func TestOrchestratorAllMethodsFail(t *testing.T) {
	auths := map[string]*scriptedAuth{
		"password": {name: "password", results: []*AuthAttemptResult{AttemptFailed(FailureChallengeTimeout, nil)}},
	}
	o, _ := testOrchestrator(t, auths)

	s, summary := o.Authenticate(passwordAccount())
	if s != nil || summary.Success {
		t.Fatalf("expected failure, got %+v", summary)
	}
	if summary.FailureKind != FailureExhausted {
		t.Errorf("failure kind = %s, want %s", summary.FailureKind, FailureExhausted)
	}
	if auths["password"].calls != 3 {
		t.Errorf("attempts = %d, want 3", auths["password"].calls)
	}
}

func TestOrchestratorRetriesWithinMethod(t *testing.T) {
	auths := map[string]*scriptedAuth{
		"password": {name: "password", results: []*AuthAttemptResult{
			AttemptFailed(FailureNetwork, nil),
			AttemptSucceeded(testSession()),
		}},
	}
	o, contexts := testOrchestrator(t, auths)

	_, summary := o.Authenticate(passwordAccount())
	if !summary.Success {
		t.Fatalf("expected success on retry, got %+v", summary)
	}
	if auths["password"].calls != 2 {
		t.Errorf("attempts = %d, want 2", auths["password"].calls)
	}
	if *contexts != 1 {
		t.Errorf("contexts = %d, want 1 (retries share the browser)", *contexts)
	}
}

func TestOrchestratorUnknownProvider(t *testing.T) {
	o, contexts := testOrchestrator(t, nil)
	acc := passwordAccount()
	acc.Provider = "nonexistent"

	s, summary := o.Authenticate(acc)
	if s != nil || summary.Success {
		t.Fatal("expected failure for unknown provider")
	}
	if summary.FailureKind != FailureStrategyUnavailable {
		t.Errorf("failure kind = %s, want %s", summary.FailureKind, FailureStrategyUnavailable)
	}
	if *contexts != 0 {
		t.Errorf("created %d contexts without a provider, want 0", *contexts)
	}
}
