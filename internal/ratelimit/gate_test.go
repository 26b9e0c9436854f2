package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() Key {
	return Key{Org: "ORG", Project: "Proj", Repo: "Repo", PRID: 42}
}

func TestCheck_ZeroIntervalAlwaysAllowed(t *testing.T) {
	g := New()
	g.Record(testKey())
	res := g.Check(testKey(), 0)
	assert.True(t, res.Allowed)
}

func TestCheck_CooldownBlocksWithinWindow(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	g.Record(testKey())

	g.now = func() time.Time { return base.Add(90 * time.Second) }
	res := g.Check(testKey(), 5) // 5 minute cooldown
	require.False(t, res.Allowed)
	assert.Equal(t, 210, res.SecondsRemaining) // 300 - 90
}

func TestCheck_AllowsAfterWindowElapses(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	g.Record(testKey())

	g.now = func() time.Time { return base.Add(6 * time.Minute) }
	res := g.Check(testKey(), 5)
	assert.True(t, res.Allowed)
}

func TestCheck_KeyNormalization(t *testing.T) {
	g := New()
	g.Record(Key{Org: "ORG", Project: "PROJ", Repo: "REPO", PRID: 1})
	res := g.Check(Key{Org: "org", Project: "proj", Repo: "repo", PRID: 1}, 60)
	assert.False(t, res.Allowed)
}

func TestCheck_UnknownKeyAllowed(t *testing.T) {
	g := New()
	res := g.Check(testKey(), 60)
	assert.True(t, res.Allowed)
}

func TestEviction_DropsStaleEntries(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	g.Record(testKey())
	require.Equal(t, 1, g.Len())

	g.now = func() time.Time { return base.Add(48 * time.Hour) }
	g.rand = func() float64 { return 0 } // force eviction sweep
	g.Check(Key{Org: "other"}, 5)

	assert.Equal(t, 0, g.Len())
}

func TestEviction_RecordAfterEvictionReinserts(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	g.Record(testKey())

	g.now = func() time.Time { return base.Add(48 * time.Hour) }
	g.rand = func() float64 { return 0 }
	g.evictLocked(g.now())
	require.Equal(t, 0, g.Len())

	g.Record(testKey())
	assert.Equal(t, 1, g.Len())
}

func TestConcurrentCheckAndRecord(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			g.Check(Key{Org: "a", PRID: n % 5}, 1)
		}(i)
		go func(n int) {
			defer wg.Done()
			g.Record(Key{Org: "a", PRID: n % 5})
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, g.Len(), 5)
}
