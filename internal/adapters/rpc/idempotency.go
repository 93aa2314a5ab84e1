package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const (
	rpcIdempotencyHeader     = "X-Biosign-Idempotency-Key"
	rpcIdempotencyTTL        = 10 * time.Minute
	rpcIdempotencyMaxEntries = 1024
)

// Replaying one of these with the same idempotency key returns the first
// response instead of creating a second key or showing a second prompt.
var idempotentMethods = map[string]struct{}{
	"keys.create":         {},
	"keys.delete":         {},
	"prompt.authenticate": {},
	"prompt.sign":         {},
	"prompt.sign_silent":  {},
}

func isIdempotentMethod(method string) bool {
	_, ok := idempotentMethods[method]
	return ok
}

// sessionID is set when the caller stopped waiting before the prompt
// resolved. A replay resumes that session instead of starting another.
type rpcIdempotencyEntry struct {
	requestHash string
	response    rpcResponse
	sessionID   string
	createdAt   time.Time
}

type rpcIdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]rpcIdempotencyEntry
}

func newRPCIdempotencyCache() *rpcIdempotencyCache {
	return &rpcIdempotencyCache{
		entries: make(map[string]rpcIdempotencyEntry),
	}
}

// get returns the cached entry, whether one was found, and whether the
// key was reused for a different request.
func (c *rpcIdempotencyCache) get(cacheKey, requestHash string, now time.Time) (rpcIdempotencyEntry, bool, bool) {
	if c == nil {
		return rpcIdempotencyEntry{}, false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	entry, ok := c.entries[cacheKey]
	if !ok {
		return rpcIdempotencyEntry{}, false, false
	}
	if entry.requestHash != requestHash {
		return rpcIdempotencyEntry{}, false, true
	}
	return entry, true, false
}

func (c *rpcIdempotencyCache) set(cacheKey, requestHash string, resp rpcResponse, sessionID string, now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	c.entries[cacheKey] = rpcIdempotencyEntry{
		requestHash: requestHash,
		response:    resp,
		sessionID:   sessionID,
		createdAt:   now,
	}
	if len(c.entries) <= rpcIdempotencyMaxEntries {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.createdAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *rpcIdempotencyCache) pruneLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.Sub(entry.createdAt) > rpcIdempotencyTTL {
			delete(c.entries, key)
		}
	}
}

func rpcIdempotencyKey(raw string, authToken string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}
	return authToken + "|" + key
}

func rpcRequestHash(req rpcRequest) string {
	payload := struct {
		Method     string          `json:"method"`
		Params     json.RawMessage `json:"params"`
		APIVersion *int            `json:"api_version,omitempty"`
	}{
		Method:     req.Method,
		Params:     req.Params,
		APIVersion: req.APIVersion,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(req.Method + "|" + string(req.Params))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
