package service

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
)

type trustEntry struct {
	context uint64
	score   trust.Score
}

// TrustCache keeps the last trust score per session. An entry only answers
// lookups from the same IP address and device fingerprint it was computed
// for; any change misses and drops the entry. Bounded LRU with optional TTL.
type TrustCache struct {
	lru *expirable.LRU[string, trustEntry]
}

// NewTrustCache creates a cache holding up to maxSize sessions. ttl <= 0 disables expiry.
func NewTrustCache(maxSize int, ttl time.Duration) *TrustCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &TrustCache{lru: expirable.NewLRU[string, trustEntry](maxSize, nil, ttl)}
}

// contextKey hashes the request properties a cached score depends on.
func contextKey(ip, fingerprint string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(ip)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(fingerprint)
	return h.Sum64()
}

// Get returns the cached score for the session if the IP and fingerprint match.
func (c *TrustCache) Get(sessionID, ip, fingerprint string) (trust.Score, bool) {
	e, ok := c.lru.Get(sessionID)
	if !ok {
		return trust.Score{}, false
	}
	if e.context != contextKey(ip, fingerprint) {
		c.lru.Remove(sessionID)
		return trust.Score{}, false
	}
	return e.score, true
}

// Put stores the score computed for the session's current IP and fingerprint.
func (c *TrustCache) Put(sessionID, ip, fingerprint string, score trust.Score) {
	c.lru.Add(sessionID, trustEntry{context: contextKey(ip, fingerprint), score: score})
}

// Invalidate drops the session's entry.
func (c *TrustCache) Invalidate(sessionID string) {
	c.lru.Remove(sessionID)
}

// Len returns the number of cached sessions.
func (c *TrustCache) Len() int {
	return c.lru.Len()
}
