package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/signrover/signrover/log"

	"github.com/tidwall/buntdb"
)

const SessionTable = "sessions"

type cacheEntry struct {
	AccountKey string            `json:"account_key"`
	Cookies    map[string]string `json:"cookies"`
	UserId     string            `json:"user_id,omitempty"`
	Username   string            `json:"username,omitempty"`
	Method     string            `json:"method,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	TtlSeconds int64             `json:"ttl_seconds"`
}

func (e *cacheEntry) expired(now time.Time) bool {
	return e.CreatedAt+e.TtlSeconds <= now.UTC().Unix()
}

// SessionCache persists authenticated sessions between runs so repeated
// check-ins can skip the login flow entirely.
type SessionCache struct {
	path string
	ttl  time.Duration
	db   *buntdb.DB

	now func() time.Time
}

func NewSessionCache(path string, ttl time.Duration) (*SessionCache, error) {
	var err error
	c := &SessionCache{
		path: path,
		ttl:  ttl,
		now:  time.Now,
	}

	c.db, err = buntdb.Open(path)
	if err != nil {
		return nil, err
	}

	c.db.CreateIndex("sessions_key", SessionTable+":*", buntdb.IndexJSON("account_key"))

	c.db.Shrink()
	return c, nil
}

func (c *SessionCache) Close() error {
	return c.db.Close()
}

func (c *SessionCache) genIndex(account_key string) string {
	return SessionTable + ":" + strings.ReplaceAll(account_key, ":", "_")
}

// Get returns the cached session for the account, or nil on a miss. Expired
// and malformed entries count as misses; malformed ones are removed.
func (c *SessionCache) Get(account_key string) *Session {
	var raw string
	err := c.db.View(func(tx *buntdb.Tx) error {
		var err error
		raw, err = tx.Get(c.genIndex(account_key))
		return err
	})
	if err != nil {
		return nil
	}

	e := &cacheEntry{}
	if err := json.Unmarshal([]byte(raw), e); err != nil || e.AccountKey != account_key {
		log.Debug("cache: dropping malformed entry for '%s'", account_key)
		c.Invalidate(account_key)
		return nil
	}
	if e.expired(c.now()) {
		log.Debug("cache: entry for '%s' expired", account_key)
		return nil
	}

	s := &Session{
		Cookies:   CookieMap(e.Cookies).Clone(),
		UserId:    e.UserId,
		Username:  e.Username,
		Method:    e.Method,
		CreatedAt: time.Unix(e.CreatedAt, 0).UTC(),
	}
	if !s.IsValid(false) {
		return nil
	}
	return s
}

// Put stores the session, overwriting any previous entry for the account.
// Sessions with no cookies are never persisted.
func (c *SessionCache) Put(account_key string, s *Session) error {
	if !s.IsValid(false) {
		return fmt.Errorf("refusing to cache session without cookies for '%s'", account_key)
	}
	e := &cacheEntry{
		AccountKey: account_key,
		Cookies:    s.Cookies.Clone(),
		UserId:     s.UserId,
		Username:   s.Username,
		Method:     s.Method,
		CreatedAt:  c.now().UTC().Unix(),
		TtlSeconds: int64(c.ttl.Seconds()),
	}
	jf, err := json.Marshal(e)
	if err != nil {
		return err
	}

	err = c.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(c.genIndex(account_key), string(jf), nil)
		if err != nil {
			return err
		}
		return c.pruneExpired(tx)
	})
	return err
}

func (c *SessionCache) Invalidate(account_key string) error {
	return c.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(c.genIndex(account_key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// pruneExpired sweeps dead entries inside an open write transaction. Runs on
// every Put so the file does not accumulate sessions for retired accounts.
func (c *SessionCache) pruneExpired(tx *buntdb.Tx) error {
	now := c.now()
	var stale []string
	tx.Ascend("sessions_key", func(key, val string) bool {
		e := &cacheEntry{}
		if err := json.Unmarshal([]byte(val), e); err != nil || e.expired(now) {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
			return err
		}
	}
	return nil
}
