package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(t.TempDir(), "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	if cfg.GetWafConfig().MinCookies != 2 {
		t.Errorf("waf min cookies = %d, want 2", cfg.GetWafConfig().MinCookies)
	}
	if cfg.GetTiming().ChallengePollSeconds != 5 || cfg.GetTiming().ChallengeMaxWaitSeconds != 60 {
		t.Errorf("unexpected timing defaults: %+v", cfg.GetTiming())
	}
	if cfg.GetTiming().RetryAttempts != 3 {
		t.Errorf("retry attempts = %d, want 3", cfg.GetTiming().RetryAttempts)
	}
	if cfg.GetProxyConfig().Mode != "auto" {
		t.Errorf("proxy mode = %q, want auto", cfg.GetProxyConfig().Mode)
	}
	if cfg.GetWorkers() != 1 {
		t.Errorf("workers = %d, want 1", cfg.GetWorkers())
	}

	p := cfg.GetProvider("AnyRouter")
	if p == nil || p.CheckinUrl != "https://anyrouter.top/api/user/checkin" {
		t.Errorf("builtin anyrouter provider: %+v", p)
	}
	if cfg.GetProvider("agentrouter") == nil {
		t.Error("builtin agentrouter provider missing")
	}
}

func TestConfigFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"general": {"workers": 4},
		"waf": {"min_cookies": 3, "tls_enabled": true},
		"timing": {"retry_attempts": 5},
		"providers": {
			"myrouter": {"base_url": "https://my.example.net", "login_url": "https://my.example.net/login"}
		},
		"accounts": [
			{"name": "alice", "provider": "myrouter", "methods": [
				{"method": "password", "username": "a@example.net", "password": "pw"}
			]}
		]
	}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewConfig(dir, path)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.GetWorkers() != 4 {
		t.Errorf("workers = %d, want 4", cfg.GetWorkers())
	}
	if !cfg.GetWafConfig().TlsEnabled || cfg.GetWafConfig().MinCookies != 3 {
		t.Errorf("waf config not applied: %+v", cfg.GetWafConfig())
	}
	if cfg.GetTiming().RetryAttempts != 5 {
		t.Errorf("retry attempts = %d, want 5", cfg.GetTiming().RetryAttempts)
	}

	p := cfg.GetProvider("myrouter")
	if p == nil {
		t.Fatal("custom provider missing")
	}
	if p.Name != "myrouter" || p.ApiUserKey != "new-api-user" {
		t.Errorf("custom provider defaults not backfilled: %+v", p)
	}

	if n := cfg.ValidateAccounts(); n != 1 {
		t.Errorf("kept %d accounts, want 1", n)
	}
}

func TestLoadAccountsJSON(t *testing.T) {
	cfg, err := NewConfig(t.TempDir(), "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	data := `[
		{"cookies": {"session": "abc"}, "api_user": "7"},
		{"name": "bob", "github": {"username": "bob", "password": "pw", "totp_secret": "JBSWY3DPEHPK3PXP"}},
		{"name": "useless"}
	]`
	if err := cfg.LoadAccountsJSON("anyrouter", data); err != nil {
		t.Fatalf("load: %v", err)
	}

	accounts := cfg.GetAccounts()
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2 (methodless entry skipped)", len(accounts))
	}

	a := accounts[0]
	if a.Provider != "anyrouter" || a.Name == "" {
		t.Errorf("first account: %+v", a)
	}
	if len(a.Methods) != 1 || a.Methods[0].Method != "cookies" || a.Methods[0].ApiUser != "7" {
		t.Errorf("first account methods: %+v", a.Methods)
	}

	b := accounts[1]
	if b.Name != "bob" || len(b.Methods) != 1 || b.Methods[0].Method != "github" {
		t.Errorf("second account: %+v", b)
	}
	if b.Methods[0].TotpSecret != "JBSWY3DPEHPK3PXP" {
		t.Errorf("totp secret not carried: %+v", b.Methods[0])
	}

	if n := cfg.ValidateAccounts(); n != 2 {
		t.Errorf("kept %d accounts, want 2", n)
	}
}

func TestLoadAccountsJSONEmpty(t *testing.T) {
	cfg, err := NewConfig(t.TempDir(), "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if err := cfg.LoadAccountsJSON("anyrouter", "  "); err != nil {
		t.Errorf("blank input should be a no-op, got %v", err)
	}
	if err := cfg.LoadAccountsJSON("anyrouter", "{broken"); err == nil {
		t.Error("expected error for malformed json")
	}
}

func TestValidateAccountsDropsIncomplete(t *testing.T) {
	cfg, err := NewConfig(t.TempDir(), "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.SetAccounts([]*AccountConfig{
		{Name: "ok", Provider: "anyrouter", Methods: []MethodCredential{{Method: "password", Username: "u", Password: "p"}}},
		{Name: "no-pass", Provider: "anyrouter", Methods: []MethodCredential{{Method: "password", Username: "u"}}},
		{Name: "bad-provider", Provider: "nowhere", Methods: []MethodCredential{{Method: "password", Username: "u", Password: "p"}}},
		{Name: "bad-method", Provider: "anyrouter", Methods: []MethodCredential{{Method: "telepathy"}}},
	})

	if n := cfg.ValidateAccounts(); n != 1 {
		t.Errorf("kept %d accounts, want 1", n)
	}
	if cfg.GetAccounts()[0].Name != "ok" {
		t.Errorf("wrong account survived: %s", cfg.GetAccounts()[0].Name)
	}
}

func TestProviderApiUrls(t *testing.T) {
	p := &ProviderConfig{BaseUrl: "https://anyrouter.top/"}
	if got := p.StatusUrl(); got != "https://anyrouter.top/api/user/status" {
		t.Errorf("StatusUrl = %q", got)
	}
	if got := p.AuthStateUrl(); got != "https://anyrouter.top/api/user/auth_state" {
		t.Errorf("AuthStateUrl = %q", got)
	}
}
