package dnsoverride

import (
	"sync"
	"time"
)

type cacheEntry struct {
	ip        string
	expiresAt time.Time
}

type userKey struct {
	userID uint
	domain string
}

// resolutionCache keeps positive answers only. A miss is always evaluated
// against the current rules.
type resolutionCache struct {
	mu     sync.Mutex
	global map[string]cacheEntry
	users  map[userKey]cacheEntry
}

func newResolutionCache() *resolutionCache {
	return &resolutionCache{
		global: make(map[string]cacheEntry),
		users:  make(map[userKey]cacheEntry),
	}
}

func (c *resolutionCache) getGlobal(d string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.global[d]
	if !ok {
		return "", false
	}
	if !now.Before(e.expiresAt) {
		delete(c.global, d)
		return "", false
	}
	return e.ip, true
}

func (c *resolutionCache) putGlobal(d, ip string, expiresAt time.Time) {
	c.mu.Lock()
	c.global[d] = cacheEntry{ip: ip, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *resolutionCache) getUser(k userKey, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.users[k]
	if !ok {
		return "", false
	}
	if !now.Before(e.expiresAt) {
		delete(c.users, k)
		return "", false
	}
	return e.ip, true
}

func (c *resolutionCache) putUser(k userKey, ip string, expiresAt time.Time) {
	c.mu.Lock()
	c.users[k] = cacheEntry{ip: ip, expiresAt: expiresAt}
	c.mu.Unlock()
}

// expire drops entries past their deadline and reports how many were removed
// from each map.
func (c *resolutionCache) expire(now time.Time) (global, user int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for d, e := range c.global {
		if !now.Before(e.expiresAt) {
			delete(c.global, d)
			global++
		}
	}
	for k, e := range c.users {
		if !now.Before(e.expiresAt) {
			delete(c.users, k)
			user++
		}
	}
	return global, user
}

func (c *resolutionCache) clear() {
	c.mu.Lock()
	c.global = make(map[string]cacheEntry)
	c.users = make(map[userKey]cacheEntry)
	c.mu.Unlock()
}

func (c *resolutionCache) sizes() (global, user int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.global), len(c.users)
}
