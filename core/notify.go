package core

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/signrover/signrover/log"

	"github.com/go-resty/resty/v2"
)

// Notifier delivers the end-of-run summaries. It is a pure sink: the core
// hands it the final per-account records and nothing else.
type Notifier struct {
	cfg  *NotifyConfig
	http *resty.Client

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewNotifier(cfg *NotifyConfig) *Notifier {
	return &Notifier{
		cfg:      cfg,
		http:     resty.New().SetTimeout(15 * time.Second),
		sendMail: smtp.SendMail,
	}
}

// Send pushes the summaries through every configured channel. Delivery
// failures are logged, never returned; a broken webhook must not fail a
// successful check-in run.
func (n *Notifier) Send(summaries []*Summary) {
	if len(summaries) == 0 {
		return
	}
	if n.cfg.WebhookUrl != "" {
		if err := n.sendWebhook(summaries); err != nil {
			log.Warning("notify: webhook delivery failed: %v", err)
		}
	}
	if n.cfg.SmtpHost != "" && n.cfg.EmailTo != "" {
		if err := n.sendEmail(summaries); err != nil {
			log.Warning("notify: email delivery failed: %v", err)
		}
	}
}

func (n *Notifier) sendWebhook(summaries []*Summary) error {
	rsp, err := n.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"source":    "signrover",
			"sent_at":   time.Now().UTC().Format(time.RFC3339),
			"summaries": summaries,
		}).
		Post(n.cfg.WebhookUrl)
	if err != nil {
		return err
	}
	if rsp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d", rsp.StatusCode())
	}
	log.Debug("notify: webhook delivered %d summaries", len(summaries))
	return nil
}

func (n *Notifier) sendEmail(summaries []*Summary) error {
	succeeded := 0
	var b strings.Builder
	for _, s := range summaries {
		if s.Success {
			succeeded++
			fmt.Fprintf(&b, "[OK]   %s via %s (%dms)", s.AccountName, s.Method, s.TimingMs)
			if s.Quota != "" {
				fmt.Fprintf(&b, " balance: %s", s.Quota)
			}
		} else {
			fmt.Fprintf(&b, "[FAIL] %s (%s, %dms)", s.AccountName, s.FailureKind, s.TimingMs)
		}
		b.WriteString("\r\n")
	}

	subject := fmt.Sprintf("check-in report: %d/%d succeeded", succeeded, len(summaries))
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		n.cfg.SmtpUser, n.cfg.EmailTo, subject, b.String())

	addr := fmt.Sprintf("%s:%d", n.cfg.SmtpHost, n.cfg.SmtpPort)
	var auth smtp.Auth
	if n.cfg.SmtpUser != "" {
		auth = smtp.PlainAuth("", n.cfg.SmtpUser, n.cfg.SmtpPass, n.cfg.SmtpHost)
	}
	if err := n.sendMail(addr, auth, n.cfg.SmtpUser, []string{n.cfg.EmailTo}, []byte(msg)); err != nil {
		return err
	}
	log.Debug("notify: email report sent to %s", n.cfg.EmailTo)
	return nil
}
