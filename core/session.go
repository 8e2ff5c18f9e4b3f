package core

import (
	"time"
)

// CookieMap holds cookie name -> value pairs for a single domain.
type CookieMap map[string]string

// Merge copies entries from other into m, keeping existing values for keys
// that are already present. Returns the number of newly added keys.
func (m CookieMap) Merge(other CookieMap) int {
	added := 0
	for k, v := range other {
		if _, ok := m[k]; !ok {
			m[k] = v
			added++
		}
	}
	return added
}

// Clone returns an independent copy of the cookie map.
func (m CookieMap) Clone() CookieMap {
	c := make(CookieMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Session is the output artifact of a successful authentication: the cookies
// that represent the logged-in state plus an optional resolved user identity.
type Session struct {
	Cookies   CookieMap
	UserId    string
	Username  string
	Method    string
	CreatedAt time.Time
}

func NewSession(method string) *Session {
	return &Session{
		Cookies:   make(CookieMap),
		Method:    method,
		CreatedAt: time.Now(),
	}
}

// IsValid reports whether the session can be handed to a caller. A session
// needs a non-empty cookie map and, for methods that resolve one, a user id.
func (s *Session) IsValid(requireUserId bool) bool {
	if s == nil || len(s.Cookies) == 0 {
		return false
	}
	if requireUserId && s.UserId == "" {
		return false
	}
	return true
}

// Clone returns a deep copy. Sessions are never shared mutably - every
// handoff between cache, orchestrator and caller goes through a copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	return &Session{
		Cookies:   s.Cookies.Clone(),
		UserId:    s.UserId,
		Username:  s.Username,
		Method:    s.Method,
		CreatedAt: s.CreatedAt,
	}
}

// FailureKind classifies why an authentication attempt failed.
type FailureKind string

const (
	FailureNone                FailureKind = ""
	FailureChallengeTimeout    FailureKind = "challenge_timeout"
	FailureCredentialRejected  FailureKind = "credential_rejected"
	FailureNetwork             FailureKind = "network_failure"
	FailureStrategyUnavailable FailureKind = "strategy_unavailable"
	FailureExhausted           FailureKind = "exhausted"
)

// AuthError carries a failure classification alongside the underlying error.
type AuthError struct {
	Kind FailureKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func NewAuthError(kind FailureKind, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}

// KindOf extracts the failure classification from an error chain.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if ae, ok := err.(*AuthError); ok {
		return ae.Kind
	}
	return FailureNetwork
}

// AuthAttemptResult is what a method authenticator produces per invocation.
type AuthAttemptResult struct {
	Success     bool
	Session     *Session
	FailureKind FailureKind
	Diagnostics map[string]string
}

func AttemptFailed(kind FailureKind, diag map[string]string) *AuthAttemptResult {
	return &AuthAttemptResult{Success: false, FailureKind: kind, Diagnostics: diag}
}

func AttemptSucceeded(s *Session) *AuthAttemptResult {
	return &AuthAttemptResult{Success: true, Session: s}
}

// Summary is the per-account record handed to the notification collaborator.
// The core never formats human-readable messages out of it.
type Summary struct {
	AccountName string      `json:"account_name"`
	Method      string      `json:"method"`
	Success     bool        `json:"success"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	TimingMs    int64       `json:"timing_ms"`
	Quota       string      `json:"quota,omitempty"`
}
