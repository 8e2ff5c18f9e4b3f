package core

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/signrover/signrover/log"

	"github.com/spf13/viper"
)

var AUTH_METHODS = []string{"cookies", "password", "github", "linuxdo"}

var PROXY_MODES = []string{"auto", "manual", "random"}

// ProviderConfig describes one check-in target site.
type ProviderConfig struct {
	Name        string `mapstructure:"name" json:"name" yaml:"name"`
	BaseUrl     string `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	LoginUrl    string `mapstructure:"login_url" json:"login_url" yaml:"login_url"`
	CheckinUrl  string `mapstructure:"checkin_url" json:"checkin_url" yaml:"checkin_url"`
	UserInfoUrl string `mapstructure:"user_info_url" json:"user_info_url" yaml:"user_info_url"`
	ApiUserKey  string `mapstructure:"api_user_key" json:"api_user_key" yaml:"api_user_key"`
}

func (p *ProviderConfig) Domain() string {
	u, err := url.Parse(p.BaseUrl)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// StatusUrl is the public status endpoint new-api instances expose. The
// delegated login flows read their client ids and feature flags from it.
func (p *ProviderConfig) StatusUrl() string {
	return strings.TrimRight(p.BaseUrl, "/") + "/api/user/status"
}

// AuthStateUrl issues the one-shot state token the OAuth redirect must echo.
func (p *ProviderConfig) AuthStateUrl() string {
	return strings.TrimRight(p.BaseUrl, "/") + "/api/user/auth_state"
}

// MethodCredential holds the secrets for one login method of one account.
type MethodCredential struct {
	Method        string            `mapstructure:"method" json:"method" yaml:"method"`
	Username      string            `mapstructure:"username" json:"username" yaml:"username"`
	Password      string            `mapstructure:"password" json:"password" yaml:"password"`
	Cookies       map[string]string `mapstructure:"cookies" json:"cookies,omitempty" yaml:"cookies,omitempty"`
	ApiUser       string            `mapstructure:"api_user" json:"api_user,omitempty" yaml:"api_user,omitempty"`
	TotpSecret    string            `mapstructure:"totp_secret" json:"totp_secret,omitempty" yaml:"totp_secret,omitempty"`
	OtpCode       string            `mapstructure:"otp_code" json:"otp_code,omitempty" yaml:"otp_code,omitempty"`
	RecoveryCodes []string          `mapstructure:"recovery_codes" json:"recovery_codes,omitempty" yaml:"recovery_codes,omitempty"`
}

// AccountConfig identifies one account and the ordered login methods to try.
// Loaded once at startup and never mutated by the core.
type AccountConfig struct {
	Name     string             `mapstructure:"name" json:"name" yaml:"name"`
	Provider string             `mapstructure:"provider" json:"provider" yaml:"provider"`
	Methods  []MethodCredential `mapstructure:"methods" json:"methods" yaml:"methods"`
}

func (a *AccountConfig) Key() string {
	return a.Provider + "/" + a.Name
}

type StaticProxyConfig struct {
	Type     string `mapstructure:"type" json:"type" yaml:"type"`
	Address  string `mapstructure:"address" json:"address" yaml:"address"`
	Port     int    `mapstructure:"port" json:"port" yaml:"port"`
	Username string `mapstructure:"username" json:"username" yaml:"username"`
	Password string `mapstructure:"password" json:"password" yaml:"password"`
}

type ProxyConfig struct {
	Enabled         bool               `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	SubscriptionUrl string             `mapstructure:"subscription_url" json:"subscription_url" yaml:"subscription_url"`
	Mode            string             `mapstructure:"mode" json:"mode" yaml:"mode"`
	NamePattern     string             `mapstructure:"name_pattern" json:"name_pattern" yaml:"name_pattern"`
	Static          *StaticProxyConfig `mapstructure:"static" json:"static,omitempty" yaml:"static,omitempty"`
	CacheSeconds    int                `mapstructure:"cache_seconds" json:"cache_seconds" yaml:"cache_seconds"`
	ProbeUrl        string             `mapstructure:"probe_url" json:"probe_url" yaml:"probe_url"`
	ProbeTimeoutMs  int                `mapstructure:"probe_timeout_ms" json:"probe_timeout_ms" yaml:"probe_timeout_ms"`
	ProbeFanout     int                `mapstructure:"probe_fanout" json:"probe_fanout" yaml:"probe_fanout"`
}

type WafConfig struct {
	BrowserEnabled  bool   `mapstructure:"browser_enabled" json:"browser_enabled" yaml:"browser_enabled"`
	TlsEnabled      bool   `mapstructure:"tls_enabled" json:"tls_enabled" yaml:"tls_enabled"`
	ScriptedEnabled bool   `mapstructure:"scripted_enabled" json:"scripted_enabled" yaml:"scripted_enabled"`
	TlsProfile      string `mapstructure:"tls_profile" json:"tls_profile" yaml:"tls_profile"`
	MinCookies      int    `mapstructure:"min_cookies" json:"min_cookies" yaml:"min_cookies"`
}

type TimingConfig struct {
	ChallengePollSeconds    int     `mapstructure:"challenge_poll_seconds" json:"challenge_poll_seconds" yaml:"challenge_poll_seconds"`
	ChallengeMaxWaitSeconds int     `mapstructure:"challenge_max_wait_seconds" json:"challenge_max_wait_seconds" yaml:"challenge_max_wait_seconds"`
	SlowEnvMultiplier       float64 `mapstructure:"slow_env_multiplier" json:"slow_env_multiplier" yaml:"slow_env_multiplier"`
	NavTimeoutSeconds       int     `mapstructure:"nav_timeout_seconds" json:"nav_timeout_seconds" yaml:"nav_timeout_seconds"`
	AttemptTimeoutSeconds   int     `mapstructure:"attempt_timeout_seconds" json:"attempt_timeout_seconds" yaml:"attempt_timeout_seconds"`
	RetryAttempts           int     `mapstructure:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`
	TypeDelayMinMs          int     `mapstructure:"type_delay_min_ms" json:"type_delay_min_ms" yaml:"type_delay_min_ms"`
	TypeDelayMaxMs          int     `mapstructure:"type_delay_max_ms" json:"type_delay_max_ms" yaml:"type_delay_max_ms"`
}

type BrowserConfig struct {
	Headless      bool `mapstructure:"headless" json:"headless" yaml:"headless"`
	HumanBehavior bool `mapstructure:"human_behavior" json:"human_behavior" yaml:"human_behavior"`
}

type CacheConfig struct {
	Path     string `mapstructure:"path" json:"path" yaml:"path"`
	TtlHours int    `mapstructure:"ttl_hours" json:"ttl_hours" yaml:"ttl_hours"`
}

type NotifyConfig struct {
	WebhookUrl string `mapstructure:"webhook_url" json:"webhook_url" yaml:"webhook_url"`
	SmtpHost   string `mapstructure:"smtp_host" json:"smtp_host" yaml:"smtp_host"`
	SmtpPort   int    `mapstructure:"smtp_port" json:"smtp_port" yaml:"smtp_port"`
	SmtpUser   string `mapstructure:"smtp_user" json:"smtp_user" yaml:"smtp_user"`
	SmtpPass   string `mapstructure:"smtp_pass" json:"smtp_pass" yaml:"smtp_pass"`
	EmailTo    string `mapstructure:"email_to" json:"email_to" yaml:"email_to"`
}

type GeneralConfig struct {
	Workers int `mapstructure:"workers" json:"workers" yaml:"workers"`
}

// Config is the one immutable configuration object. It is constructed once in
// main and injected into every component; nothing below this layer reads the
// process environment.
type Config struct {
	general   *GeneralConfig
	proxy     *ProxyConfig
	waf       *WafConfig
	timing    *TimingConfig
	browser   *BrowserConfig
	cache     *CacheConfig
	notify    *NotifyConfig
	providers map[string]*ProviderConfig
	accounts  []*AccountConfig

	cfg *viper.Viper
}

const (
	CFG_GENERAL   = "general"
	CFG_PROXY     = "proxy"
	CFG_WAF       = "waf"
	CFG_TIMING    = "timing"
	CFG_BROWSER   = "browser"
	CFG_CACHE     = "cache"
	CFG_NOTIFY    = "notify"
	CFG_PROVIDERS = "providers"
	CFG_ACCOUNTS  = "accounts"
)

func builtinProviders() map[string]*ProviderConfig {
	return map[string]*ProviderConfig{
		"anyrouter": {
			Name:        "AnyRouter",
			BaseUrl:     "https://anyrouter.top",
			LoginUrl:    "https://anyrouter.top/login",
			CheckinUrl:  "https://anyrouter.top/api/user/checkin",
			UserInfoUrl: "https://anyrouter.top/api/user/self",
			ApiUserKey:  "new-api-user",
		},
		"agentrouter": {
			Name:        "AgentRouter",
			BaseUrl:     "https://agentrouter.org",
			LoginUrl:    "https://agentrouter.org/login",
			CheckinUrl:  "https://agentrouter.org/api/user/sign_in",
			UserInfoUrl: "https://agentrouter.org/api/user/self",
			ApiUserKey:  "new-api-user",
		},
	}
}

func NewConfig(cfg_dir string, path string) (*Config, error) {
	c := &Config{
		general: &GeneralConfig{Workers: 1},
		proxy: &ProxyConfig{
			Mode:           "auto",
			CacheSeconds:   3600,
			ProbeUrl:       "http://www.gstatic.com/generate_204",
			ProbeTimeoutMs: 5000,
			ProbeFanout:    5,
		},
		waf: &WafConfig{
			BrowserEnabled:  true,
			ScriptedEnabled: true,
			TlsProfile:      "chrome",
			MinCookies:      2,
		},
		timing: &TimingConfig{
			ChallengePollSeconds:    5,
			ChallengeMaxWaitSeconds: 60,
			SlowEnvMultiplier:       1.0,
			NavTimeoutSeconds:       30,
			AttemptTimeoutSeconds:   300,
			RetryAttempts:           3,
			TypeDelayMinMs:          50,
			TypeDelayMaxMs:          150,
		},
		browser:   &BrowserConfig{Headless: true, HumanBehavior: true},
		cache:     &CacheConfig{TtlHours: 24},
		notify:    &NotifyConfig{SmtpPort: 587},
		providers: builtinProviders(),
	}

	c.cfg = viper.New()
	c.cfg.SetConfigType("json")

	if path == "" {
		path = filepath.Join(cfg_dir, "config.json")
	}
	err := os.MkdirAll(filepath.Dir(path), os.FileMode(0700))
	if err != nil {
		return nil, err
	}
	c.cfg.SetConfigFile(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = c.cfg.WriteConfigAs(path); err != nil {
			return nil, err
		}
	}
	if err = c.cfg.ReadInConfig(); err != nil {
		return nil, err
	}

	c.cfg.UnmarshalKey(CFG_GENERAL, &c.general)
	if c.general.Workers < 1 {
		c.general.Workers = 1
	}
	c.cfg.UnmarshalKey(CFG_PROXY, &c.proxy)
	c.cfg.UnmarshalKey(CFG_WAF, &c.waf)
	c.cfg.UnmarshalKey(CFG_TIMING, &c.timing)
	c.cfg.UnmarshalKey(CFG_BROWSER, &c.browser)
	c.cfg.UnmarshalKey(CFG_CACHE, &c.cache)
	c.cfg.UnmarshalKey(CFG_NOTIFY, &c.notify)

	var customProviders map[string]*ProviderConfig
	c.cfg.UnmarshalKey(CFG_PROVIDERS, &customProviders)
	for name, p := range customProviders {
		if p.Name == "" {
			p.Name = name
		}
		if p.ApiUserKey == "" {
			p.ApiUserKey = "new-api-user"
		}
		c.providers[strings.ToLower(name)] = p
	}

	c.cfg.UnmarshalKey(CFG_ACCOUNTS, &c.accounts)

	if c.cache.Path == "" {
		c.cache.Path = filepath.Join(cfg_dir, "sessions.db")
	}
	if !stringExists(c.proxy.Mode, PROXY_MODES) {
		log.Warning("config: unknown proxy mode '%s', falling back to 'auto'", c.proxy.Mode)
		c.proxy.Mode = "auto"
	}

	return c, nil
}

// LoadAccountsJSON merges account definitions supplied as a JSON array string
// (the shape used by CI secrets) into the configuration. The config layer is
// the only place allowed to consume such ambient input.
func (c *Config) LoadAccountsJSON(provider string, data string) error {
	if strings.TrimSpace(data) == "" {
		return nil
	}
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return fmt.Errorf("accounts json: %w", err)
	}
	for i, entry := range raw {
		acc := &AccountConfig{Provider: provider}
		if v, ok := entry["name"]; ok {
			json.Unmarshal(v, &acc.Name)
		}
		if acc.Name == "" {
			acc.Name = fmt.Sprintf("account-%d", len(c.accounts)+i+1)
		}
		if v, ok := entry["provider"]; ok {
			json.Unmarshal(v, &acc.Provider)
		}
		if v, ok := entry["cookies"]; ok {
			var cookies map[string]string
			if json.Unmarshal(v, &cookies) == nil && len(cookies) > 0 {
				cred := MethodCredential{Method: "cookies", Cookies: cookies}
				if av, ok := entry["api_user"]; ok {
					json.Unmarshal(av, &cred.ApiUser)
				}
				acc.Methods = append(acc.Methods, cred)
			}
		}
		for _, method := range AUTH_METHODS {
			v, ok := entry[method]
			if !ok || method == "cookies" {
				continue
			}
			var cred MethodCredential
			if json.Unmarshal(v, &cred) == nil {
				cred.Method = method
				acc.Methods = append(acc.Methods, cred)
			}
		}
		if len(acc.Methods) == 0 {
			log.Warning("config: account '%s' has no usable auth method, skipping", acc.Name)
			continue
		}
		c.accounts = append(c.accounts, acc)
	}
	return nil
}

// ValidateAccounts drops accounts whose credentials are incomplete and
// returns the number kept.
func (c *Config) ValidateAccounts() int {
	kept := make([]*AccountConfig, 0, len(c.accounts))
	for _, acc := range c.accounts {
		if c.GetProvider(acc.Provider) == nil {
			log.Error("config: account '%s' references unknown provider '%s'", acc.Name, acc.Provider)
			continue
		}
		ok := true
		for _, m := range acc.Methods {
			switch m.Method {
			case "cookies":
				if len(m.Cookies) == 0 {
					log.Error("config: account '%s': cookies method needs a cookie map", acc.Name)
					ok = false
				}
			case "password", "github", "linuxdo":
				if m.Username == "" || m.Password == "" {
					log.Error("config: account '%s': %s method needs username and password", acc.Name, m.Method)
					ok = false
				}
			default:
				log.Error("config: account '%s': unknown auth method '%s'", acc.Name, m.Method)
				ok = false
			}
		}
		if ok {
			kept = append(kept, acc)
		}
	}
	c.accounts = kept
	return len(kept)
}

func (c *Config) GetAccounts() []*AccountConfig {
	return c.accounts
}

func (c *Config) GetProvider(name string) *ProviderConfig {
	return c.providers[strings.ToLower(name)]
}

func (c *Config) GetWorkers() int {
	return c.general.Workers
}

func (c *Config) GetProxyConfig() *ProxyConfig {
	return c.proxy
}

func (c *Config) GetWafConfig() *WafConfig {
	return c.waf
}

func (c *Config) GetTiming() *TimingConfig {
	return c.timing
}

func (c *Config) GetBrowserConfig() *BrowserConfig {
	return c.browser
}

func (c *Config) GetCacheConfig() *CacheConfig {
	return c.cache
}

func (c *Config) GetNotifyConfig() *NotifyConfig {
	return c.notify
}

// SetAccounts replaces the configured accounts. Used by tests and by the
// env-driven loaders in main.
func (c *Config) SetAccounts(accounts []*AccountConfig) {
	c.accounts = accounts
}

func stringExists(s string, sa []string) bool {
	for _, k := range sa {
		if s == k {
			return true
		}
	}
	return false
}
