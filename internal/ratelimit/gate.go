// Package ratelimit implements the Rate Gate: a process-local cooldown
// table keyed by (org, project, repo, pr) that rejects review requests
// inside a configured cooldown window.
package ratelimit

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Key identifies one PR for cooldown purposes. Components are normalized
// to lowercase before lookup so callers don't have to agree on case.
type Key struct {
	Org     string
	Project string
	Repo    string
	PRID    int
}

func (k Key) normalized() string {
	return fmt.Sprintf("%s/%s/%s/%d",
		strings.ToLower(k.Org), strings.ToLower(k.Project), strings.ToLower(k.Repo), k.PRID)
}

// CheckResult is the outcome of a Check call.
type CheckResult struct {
	Allowed         bool
	SecondsRemaining int
	LastReviewedAt   time.Time
}

// evictionSamplingRate is the expected number of Check calls between
// opportunistic eviction sweeps (spec.md 4.1: "every ~100 calls").
const evictionSamplingRate = 100

// staleAfter is the age at which a cooldown entry is considered stale and
// eligible for eviction, independent of the caller's interval.
const staleAfter = 24 * time.Hour

// Gate is a concurrency-safe cooldown map. The zero value is not usable;
// construct with New.
type Gate struct {
	mu    sync.Mutex
	last  map[string]time.Time
	now   func() time.Time
	rand  func() float64
}

// New creates an empty Gate.
func New() *Gate {
	return &Gate{
		last: make(map[string]time.Time),
		now:  time.Now,
		rand: rand.Float64,
	}
}

// Check evaluates whether a review for k is allowed right now given
// intervalMinutes. intervalMinutes <= 0 always allows (rate limiting
// disabled). Check never mutates the map except for its probabilistic
// eviction sweep, and never blocks on a suspension point: it is pure CPU
// work guarded by a single mutex (spec.md 5, "non-suspending").
func (g *Gate) Check(k Key, intervalMinutes float64) CheckResult {
	if intervalMinutes <= 0 {
		return CheckResult{Allowed: true}
	}

	nk := k.normalized()
	now := g.now()
	interval := time.Duration(intervalMinutes * float64(time.Minute))

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rand() < 1.0/evictionSamplingRate {
		g.evictLocked(now)
	}

	last, ok := g.last[nk]
	if !ok {
		return CheckResult{Allowed: true}
	}

	elapsed := now.Sub(last)
	if elapsed < interval {
		remaining := interval - elapsed
		secs := int(remaining / time.Second)
		if remaining%time.Second != 0 {
			secs++ // ceil
		}
		return CheckResult{Allowed: false, SecondsRemaining: secs, LastReviewedAt: last}
	}

	return CheckResult{Allowed: true, LastReviewedAt: last}
}

// Record stamps k with the current time, starting (or restarting) its
// cooldown window.
func (g *Gate) Record(k Key) {
	nk := k.normalized()
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[nk] = now
}

// evictLocked drops entries older than staleAfter. Must be called with
// g.mu held. A Record racing an eviction simply re-inserts the key
// (spec.md 4.1: "a record after eviction re-inserts").
func (g *Gate) evictLocked(now time.Time) {
	for k, t := range g.last {
		if now.Sub(t) > staleAfter {
			delete(g.last, k)
		}
	}
}

// Len reports the number of tracked keys. Exposed for tests and metrics.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}
