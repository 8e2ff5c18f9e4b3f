package core

import (
	"sync"

	"github.com/signrover/signrover/log"
)

// Runner executes one full pass: every configured account gets a session
// (cached or fresh) and a check-in, with a bounded worker pool.
type Runner struct {
	cfg  *Config
	orch *Orchestrator

	checkin func(provider *ProviderConfig, proxy *ProxyNode, s *Session) (*CheckinResult, error)
}

func NewRunner(cfg *Config, cache *SessionCache) *Runner {
	r := &Runner{
		cfg:  cfg,
		orch: NewOrchestrator(cfg, cache),
	}
	r.checkin = func(provider *ProviderConfig, proxy *ProxyNode, s *Session) (*CheckinResult, error) {
		return NewCheckinClient(provider, proxy).Do(s)
	}
	return r
}

// RunAll fans the accounts out over the configured worker count and returns
// the per-account summaries in configuration order.
func (r *Runner) RunAll() []*Summary {
	accounts := r.cfg.GetAccounts()
	summaries := make([]*Summary, len(accounts))

	workers := r.cfg.GetWorkers()
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, acc := range accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, acc *AccountConfig) {
			defer wg.Done()
			defer func() { <-sem }()
			summaries[i] = r.RunAccount(acc)
		}(i, acc)
	}
	wg.Wait()

	succeeded := 0
	for _, s := range summaries {
		if s.Success {
			succeeded++
		}
	}
	log.Important("run complete: %d/%d accounts checked in", succeeded, len(summaries))
	return summaries
}

// RunAccount authenticates one account and performs its check-in. A session
// the site no longer honors is invalidated and re-established once.
func (r *Runner) RunAccount(acc *AccountConfig) *Summary {
	session, summary := r.orch.Authenticate(acc)
	if !summary.Success {
		return summary
	}

	provider := r.cfg.GetProvider(acc.Provider)
	proxy := r.orch.Proxy()

	res, err := r.checkin(provider, proxy, session)
	if err != nil && KindOf(err) == FailureCredentialRejected {
		log.Warning("runner [%s]: session no longer honored, re-authenticating", acc.Key())
		r.orch.Invalidate(acc.Key())
		session, summary = r.orch.Authenticate(acc)
		if !summary.Success {
			return summary
		}
		res, err = r.checkin(provider, proxy, session)
	}
	if err != nil {
		log.Error("runner [%s]: check-in failed: %v", acc.Key(), err)
		summary.Success = false
		summary.FailureKind = KindOf(err)
		return summary
	}

	if res.AlreadyDone {
		log.Info("runner [%s]: already checked in (%s)", acc.Key(), res.Message)
	} else {
		log.Success("runner [%s]: checked in (%s)", acc.Key(), res.Message)
	}
	summary.Quota = res.Quota
	return summary
}
