package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/signrover/signrover/log"

	"github.com/go-resty/resty/v2"
)

// new-api stores quota as credits; this many credits equal one dollar.
const quotaPerDollar = 500000.0

type CheckinResult struct {
	Success     bool
	AlreadyDone bool
	Message     string
	Quota       string
}

type checkinResponse struct {
	Ret     int             `json:"ret"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type userInfoResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Id        json.Number `json:"id"`
		Username  string      `json:"username"`
		Quota     float64     `json:"quota"`
		UsedQuota float64     `json:"used_quota"`
	} `json:"data"`
}

// CheckinClient performs the daily check-in call with an established
// session. It talks plain HTTP; by this point the session cookies already
// carry the WAF clearance.
type CheckinClient struct {
	provider *ProviderConfig
	http     *resty.Client
}

func NewCheckinClient(provider *ProviderConfig, proxy *ProxyNode) *CheckinClient {
	client := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", stealthUserAgent).
		SetHeader("Accept", "application/json").
		SetHeader("Referer", provider.BaseUrl)
	if proxy != nil {
		client.SetProxy(proxy.URL())
	}
	return &CheckinClient{
		provider: provider,
		http:     client,
	}
}

func (c *CheckinClient) request(s *Session) *resty.Request {
	req := c.http.R()
	for name, value := range s.Cookies {
		req.SetCookie(&http.Cookie{Name: name, Value: value})
	}
	apiUser := s.UserId
	if apiUser == "" {
		apiUser = anonymousApiUser
	}
	req.SetHeader(c.provider.ApiUserKey, apiUser)
	return req
}

// Do performs the check-in. A 401/403 means the session is no longer
// honored; the caller should invalidate its cached session. A 404 falls
// back to a keep-alive against the user-info endpoint, which some providers
// use instead of an explicit check-in route.
func (c *CheckinClient) Do(s *Session) (*CheckinResult, error) {
	rsp, err := c.request(s).Post(c.provider.CheckinUrl)
	if err != nil {
		return nil, NewAuthError(FailureNetwork, err)
	}

	switch rsp.StatusCode() {
	case 401, 403:
		return nil, NewAuthError(FailureCredentialRejected, fmt.Errorf("check-in returned status %d", rsp.StatusCode()))
	case 404:
		log.Debug("checkin [%s]: no check-in endpoint, falling back to keep-alive", c.provider.Name)
		return c.keepAlive(s)
	}
	if rsp.StatusCode() != 200 {
		return nil, NewAuthError(FailureNetwork, fmt.Errorf("check-in returned status %d", rsp.StatusCode()))
	}

	var body checkinResponse
	if err := json.Unmarshal(rsp.Body(), &body); err != nil {
		return nil, NewAuthError(FailureNetwork, fmt.Errorf("check-in response: %w", err))
	}

	res := &CheckinResult{Message: body.Message}
	if body.Ret == 1 || body.Success {
		res.Success = true
	} else if containsAny(body.Message, []string{"already", "已经", "已签到"}) {
		res.Success = true
		res.AlreadyDone = true
	}
	if !res.Success {
		return res, NewAuthError(FailureNetwork, fmt.Errorf("check-in rejected: %s", body.Message))
	}

	if quota, err := c.Quota(s); err == nil {
		res.Quota = quota
	}
	return res, nil
}

// keepAlive exercises the session against the user-info endpoint so the
// provider counts the account as active.
func (c *CheckinClient) keepAlive(s *Session) (*CheckinResult, error) {
	rsp, err := c.request(s).Get(c.provider.UserInfoUrl)
	if err != nil {
		return nil, NewAuthError(FailureNetwork, err)
	}
	switch rsp.StatusCode() {
	case 401, 403:
		return nil, NewAuthError(FailureCredentialRejected, fmt.Errorf("keep-alive returned status %d", rsp.StatusCode()))
	}
	if rsp.StatusCode() != 200 {
		return nil, NewAuthError(FailureNetwork, fmt.Errorf("keep-alive returned status %d", rsp.StatusCode()))
	}

	res := &CheckinResult{Success: true, AlreadyDone: true, Message: "keep-alive"}
	var info userInfoResponse
	if err := json.Unmarshal(rsp.Body(), &info); err == nil && info.Success {
		res.Quota = formatQuota(info.Data.Quota, info.Data.UsedQuota)
	}
	return res, nil
}

// Quota fetches the account balance for the run summary.
func (c *CheckinClient) Quota(s *Session) (string, error) {
	rsp, err := c.request(s).Get(c.provider.UserInfoUrl)
	if err != nil {
		return "", err
	}
	if rsp.StatusCode() != 200 {
		return "", fmt.Errorf("user info returned status %d", rsp.StatusCode())
	}
	var info userInfoResponse
	if err := json.Unmarshal(rsp.Body(), &info); err != nil {
		return "", err
	}
	if !info.Success {
		return "", fmt.Errorf("user info request not successful")
	}
	return formatQuota(info.Data.Quota, info.Data.UsedQuota), nil
}

func formatQuota(quota, used float64) string {
	return fmt.Sprintf("$%.2f left, $%.2f used", quota/quotaPerDollar, used/quotaPerDollar)
}
