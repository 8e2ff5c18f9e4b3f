package core

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
)

func sampleSummaries() []*Summary {
	return []*Summary{
		{AccountName: "anyrouter/alice", Method: "password", Success: true, TimingMs: 4200, Quota: "$2.00 left, $0.50 used"},
		{AccountName: "anyrouter/bob", Success: false, FailureKind: FailureChallengeTimeout, TimingMs: 61000},
	}
}

func TestNotifierWebhook(t *testing.T) {
	var payload struct {
		Source    string     `json:"source"`
		Summaries []*Summary `json:"summaries"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	n := NewNotifier(&NotifyConfig{WebhookUrl: srv.URL})
	n.Send(sampleSummaries())

	if payload.Source != "signrover" {
		t.Errorf("source = %q", payload.Source)
	}
	if len(payload.Summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(payload.Summaries))
	}
	if payload.Summaries[1].FailureKind != FailureChallengeTimeout {
		t.Errorf("failure kind = %s", payload.Summaries[1].FailureKind)
	}
}

func TestNotifierEmail(t *testing.T) {
	var gotTo []string
	var gotMsg string
	n := NewNotifier(&NotifyConfig{
		SmtpHost: "smtp.example.net",
		SmtpPort: 587,
		SmtpUser: "bot@example.net",
		SmtpPass: "secret",
		EmailTo:  "ops@example.net",
	})
	n.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	n.Send(sampleSummaries())

	if len(gotTo) != 1 || gotTo[0] != "ops@example.net" {
		t.Errorf("to = %v", gotTo)
	}
	if !strings.Contains(gotMsg, "1/2 succeeded") {
		t.Errorf("subject missing tally:\n%s", gotMsg)
	}
	if !strings.Contains(gotMsg, "[OK]   anyrouter/alice via password") {
		t.Errorf("missing success line:\n%s", gotMsg)
	}
	if !strings.Contains(gotMsg, "[FAIL] anyrouter/bob (challenge_timeout") {
		t.Errorf("missing failure line:\n%s", gotMsg)
	}
}

func TestNotifierNoChannelsConfigured(t *testing.T) {
	n := NewNotifier(&NotifyConfig{})
	n.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("sendMail must not run without smtp config")
		return nil
	}
	n.Send(sampleSummaries())
}

func TestNotifierEmptySummaries(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := NewNotifier(&NotifyConfig{WebhookUrl: srv.URL})
	n.Send(nil)
	if called {
		t.Error("webhook fired with no summaries")
	}
}
