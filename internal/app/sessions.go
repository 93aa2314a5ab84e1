package app

import (
	"slices"
	"strings"
	"sync"
	"time"

	"biosign/go-backend/internal/signing"
)

type trackedSession struct {
	pending *signing.Pending
	created time.Time
}

// sessionRegistry keeps recent sessions so callers that started a prompt
// asynchronously can collect its result. Resolved sessions are dropped
// after sessionRetention, or earlier once maxTrackedSessions is reached.
type sessionRegistry struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]trackedSession
}

func newSessionRegistry(now func() time.Time) *sessionRegistry {
	return &sessionRegistry{now: now, entries: make(map[string]trackedSession)}
}

func (r *sessionRegistry) add(p *signing.Pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	r.entries[p.ID()] = trackedSession{pending: p, created: r.now()}
}

func (r *sessionRegistry) get(id string) (*signing.Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[strings.TrimSpace(id)]
	if !ok {
		return nil, false
	}
	return entry.pending, true
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *sessionRegistry) pruneLocked() {
	now := r.now()
	var resolved []string
	for id, entry := range r.entries {
		if _, done := entry.pending.Result(); !done {
			continue
		}
		if now.Sub(entry.created) > sessionRetention {
			delete(r.entries, id)
			continue
		}
		resolved = append(resolved, id)
	}
	if len(r.entries) < maxTrackedSessions {
		return
	}
	slices.SortFunc(resolved, func(a, b string) int {
		return r.entries[a].created.Compare(r.entries[b].created)
	})
	for _, id := range resolved {
		if len(r.entries) < maxTrackedSessions {
			return
		}
		delete(r.entries, id)
	}
}
