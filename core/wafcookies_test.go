package core

import (
	"errors"
	"testing"
)

func fixedStrategy(name string, cookies CookieMap, err error, calls *int) *WafStrategy {
	return &WafStrategy{
		Name:      name,
		Available: func() bool { return true },
		Acquire: func(string, *ProxyNode) (CookieMap, error) {
			if calls != nil {
				*calls++
			}
			return cookies, err
		},
	}
}

func TestWafChainStopsAtClearance(t *testing.T) {
	secondCalls := 0
	chain := &WafCookieChain{
		minCookies: 2,
		strategies: []*WafStrategy{
			fixedStrategy("first", CookieMap{"cf_clearance": "a", "__cf_bm": "b"}, nil, nil),
			fixedStrategy("second", CookieMap{"extra": "c"}, nil, &secondCalls),
		},
	}

	got := chain.Acquire("https://anyrouter.top", nil)
	if len(got) != 2 {
		t.Errorf("got %d cookies, want 2", len(got))
	}
	if secondCalls != 0 {
		t.Errorf("second strategy ran %d times after clearance reached, want 0", secondCalls)
	}
}

func TestWafChainEscalatesBelowThreshold(t *testing.T) {
	chain := &WafCookieChain{
		minCookies: 2,
		strategies: []*WafStrategy{
			fixedStrategy("first", CookieMap{"__cf_bm": "sparse"}, nil, nil),
			fixedStrategy("second", CookieMap{"cf_clearance": "full", "__cf_bm": "other"}, nil, nil),
		},
	}

	got := chain.Acquire("https://anyrouter.top", nil)
	if len(got) != 2 {
		t.Fatalf("got %d cookies, want 2", len(got))
	}
	// The earlier strategy's value wins for keys both produced.
	if got["__cf_bm"] != "sparse" {
		t.Errorf("__cf_bm = %q, want earlier strategy's value", got["__cf_bm"])
	}
	if got["cf_clearance"] != "full" {
		t.Errorf("cf_clearance = %q, want second strategy's new key", got["cf_clearance"])
	}
}

func TestWafChainAbsorbsErrors(t *testing.T) {
	chain := &WafCookieChain{
		minCookies: 1,
		strategies: []*WafStrategy{
			fixedStrategy("broken", nil, errors.New("tls handshake failed"), nil),
			fixedStrategy("working", CookieMap{"cf_clearance": "x"}, nil, nil),
		},
	}

	got := chain.Acquire("https://anyrouter.top", nil)
	if got["cf_clearance"] != "x" {
		t.Errorf("expected fallback strategy's cookies, got %v", got)
	}
}

func TestWafChainSkipsUnavailable(t *testing.T) {
	calls := 0
	disabled := fixedStrategy("disabled", CookieMap{"cf_clearance": "no"}, nil, &calls)
	disabled.Available = func() bool { return false }
	chain := &WafCookieChain{
		minCookies: 1,
		strategies: []*WafStrategy{
			disabled,
			fixedStrategy("enabled", CookieMap{"cf_clearance": "yes"}, nil, nil),
		},
	}

	got := chain.Acquire("https://anyrouter.top", nil)
	if calls != 0 {
		t.Errorf("disabled strategy ran %d times, want 0", calls)
	}
	if got["cf_clearance"] != "yes" {
		t.Errorf("cf_clearance = %q, want enabled strategy's value", got["cf_clearance"])
	}
}

func TestWafChainNeverFails(t *testing.T) {
	chain := &WafCookieChain{
		minCookies: 2,
		strategies: []*WafStrategy{
			fixedStrategy("a", nil, errors.New("down"), nil),
			fixedStrategy("b", nil, errors.New("also down"), nil),
		},
	}

	got := chain.Acquire("https://anyrouter.top", nil)
	if got == nil {
		t.Fatal("chain must return a map, not nil")
	}
	if len(got) != 0 {
		t.Errorf("got %d cookies from failing strategies, want 0", len(got))
	}
}

func TestHasClearance(t *testing.T) {
	tests := []struct {
		name    string
		cookies CookieMap
		want    bool
	}{
		{"cf_clearance present", CookieMap{"cf_clearance": "x"}, true},
		{"bot management only", CookieMap{"__cf_bm": "x"}, true},
		{"unrelated cookies", CookieMap{"session": "x", "csrf": "y"}, false},
		{"empty", CookieMap{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasClearance(tt.cookies); got != tt.want {
				t.Errorf("HasClearance = %v, want %v", got, tt.want)
			}
		})
	}
}
