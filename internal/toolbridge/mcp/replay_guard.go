package mcp

import (
	"sync"
	"time"
)

const (
	replayPruneAt = 4096
	replayHardCap = 65536
)

// replayGuard rejects a signature seen again for the same caller within ttl.
type replayGuard struct {
	mu        sync.Mutex
	seen      map[string]int64
	ttl       time.Duration
	lastPrune int64
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &replayGuard{seen: map[string]int64{}, ttl: ttl}
}

func (g *replayGuard) allow(sessionKey, signature string, now time.Time) bool {
	if g == nil || signature == "" {
		return true
	}
	key := sessionKey + "|" + signature
	nowMS := now.UnixMilli()
	expiresAt := nowMS + g.ttl.Milliseconds()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shouldPruneLocked(nowMS) {
		g.pruneLocked(nowMS)
	}
	if exp, ok := g.seen[key]; ok && exp > nowMS {
		return false
	}
	g.seen[key] = expiresAt
	if len(g.seen) > replayHardCap {
		g.seen = map[string]int64{key: expiresAt}
		g.lastPrune = nowMS
	}
	return true
}

func (g *replayGuard) shouldPruneLocked(nowMS int64) bool {
	if len(g.seen) == 0 {
		return false
	}
	return len(g.seen) > replayPruneAt || nowMS-g.lastPrune > g.ttl.Milliseconds()/2
}

func (g *replayGuard) pruneLocked(nowMS int64) {
	for k, exp := range g.seen {
		if exp <= nowMS {
			delete(g.seen, k)
		}
	}
	g.lastPrune = nowMS
}
