package tokens

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, toks ...string) *Pool {
	t.Helper()
	p := &Pool{path: filepath.Join(t.TempDir(), "tokens.json")}
	for _, tok := range toks {
		p.records = append(p.records, &Record{Token: tok, Name: "t-" + tok, Active: true})
	}
	require.NoError(t, p.persist())
	return p
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	p, err := Load(path)
	require.NoError(t, err)
	require.Len(t, p.records, 1)
	assert.Equal(t, defaultToken.Token, p.records[0].Token)
	assert.True(t, p.records[0].Active)

	// the file was written and can be loaded back
	p2, err := Load(path)
	require.NoError(t, err)
	require.Len(t, p2.records, 1)
	assert.Equal(t, defaultToken.Name, p2.records[0].Name)
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestAcquireRoundRobinOrder(t *testing.T) {
	p := newTestPool(t, "a", "b", "c")
	var got []string
	for i := 0; i < 6; i++ {
		r, ok := p.Acquire(StrategyRoundRobin)
		require.True(t, ok)
		got = append(got, r.Token)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestAcquireSkipsInactive(t *testing.T) {
	p := newTestPool(t, "a", "b", "c")
	p.records[1].Active = false
	var got []string
	for i := 0; i < 4; i++ {
		r, ok := p.Acquire(StrategyRoundRobin)
		require.True(t, ok)
		got = append(got, r.Token)
	}
	assert.Equal(t, []string{"a", "c", "a", "c"}, got)
}

func TestAcquireEmptyPool(t *testing.T) {
	p := &Pool{path: filepath.Join(t.TempDir(), "tokens.json")}
	_, ok := p.Acquire(StrategyRoundRobin)
	assert.False(t, ok)
	_, ok = p.Acquire(StrategyBest)
	assert.False(t, ok)
}

func TestAcquireAllInactive(t *testing.T) {
	p := newTestPool(t, "a", "b")
	p.records[0].Active = false
	p.records[1].Active = false
	_, ok := p.Acquire(StrategyRoundRobin)
	assert.False(t, ok)
	_, ok = p.Acquire(StrategyBest)
	assert.False(t, ok)
}

func TestAcquireStampsLastUsed(t *testing.T) {
	p := newTestPool(t, "a")
	require.Nil(t, p.records[0].LastUsed)
	r, ok := p.Acquire(StrategyRoundRobin)
	require.True(t, ok)
	require.NotNil(t, r.LastUsed)
	require.NotNil(t, p.records[0].LastUsed)
}

func TestAcquireBestPrefersFreshToken(t *testing.T) {
	// "used" has a perfect rate plus the capped idle bonus (100 + 5),
	// "fresh" has never been used (100 + 10) and must win.
	p := newTestPool(t, "used", "fresh")
	ago := time.Now().Add(-2 * time.Hour)
	p.records[0].LastUsed = &ago
	p.records[0].Successes = 50

	r, ok := p.Acquire(StrategyBest)
	require.True(t, ok)
	assert.Equal(t, "fresh", r.Token)
}

func TestBestScoreValues(t *testing.T) {
	// a: perfect rate, used 5 minutes ago -> 100 + 5*0.1 = 100.5
	// b: never used -> 100 + 10 = 110
	p := newTestPool(t, "a", "b")
	now := time.Now()
	ago := now.Add(-5 * time.Minute)
	p.records[0].LastUsed = &ago
	p.records[0].Successes = 100

	assert.InDelta(t, 100.5, p.records[0].score(now), 0.01)
	assert.InDelta(t, 110.0, p.records[1].score(now), 0.01)

	r, ok := p.Acquire(StrategyBest)
	require.True(t, ok)
	assert.Equal(t, "b", r.Token)
}

func TestAcquireBestPrefersHigherSuccessRate(t *testing.T) {
	p := newTestPool(t, "flaky", "solid")
	ago := time.Now().Add(-1 * time.Hour)
	p.records[0].LastUsed = &ago
	p.records[0].Successes = 1
	p.records[0].Errors = 1 // 50% + 5 bonus
	p.records[1].LastUsed = &ago
	p.records[1].Successes = 20 // 100% + 5 bonus

	r, ok := p.Acquire(StrategyBest)
	require.True(t, ok)
	assert.Equal(t, "solid", r.Token)
}

func TestSuccessRate(t *testing.T) {
	r := &Record{}
	assert.Equal(t, 100.0, r.SuccessRate())
	r.Successes = 3
	r.Errors = 1
	assert.Equal(t, 75.0, r.SuccessRate())
}

func TestReportCounters(t *testing.T) {
	p := newTestPool(t, "a")
	require.NoError(t, p.ReportSuccess("a"))
	require.NoError(t, p.ReportSuccess("a"))
	require.NoError(t, p.ReportError("a", "boom"))
	assert.Equal(t, uint64(2), p.records[0].Successes)
	assert.Equal(t, uint64(1), p.records[0].Errors)
	assert.Equal(t, "boom", p.records[0].LastError)

	assert.ErrorIs(t, p.ReportSuccess("nope"), ErrNotFound)
	assert.ErrorIs(t, p.ReportError("nope", "x"), ErrNotFound)
}

func TestDeactivationRule(t *testing.T) {
	p := newTestPool(t, "a", "b")

	// 10 errors is not enough - the rule needs more than 10
	for i := 0; i < 10; i++ {
		require.NoError(t, p.ReportError("a", "err"))
	}
	assert.True(t, p.records[0].Active)

	// the 11th error with a 0% success rate trips it
	require.NoError(t, p.ReportError("a", "final"))
	assert.False(t, p.records[0].Active)

	// a healthy success rate keeps a noisy token alive
	for i := 0; i < 30; i++ {
		require.NoError(t, p.ReportSuccess("b"))
	}
	for i := 0; i < 15; i++ {
		require.NoError(t, p.ReportError("b", "err"))
	}
	assert.True(t, p.records[1].Active)
}

func TestDeactivationPersists(t *testing.T) {
	p := newTestPool(t, "a", "b")
	for i := 0; i < 11; i++ {
		require.NoError(t, p.ReportError("a", "err"))
	}
	require.False(t, p.records[0].Active)

	p2, err := Load(p.path)
	require.NoError(t, err)
	require.Len(t, p2.records, 2)
	assert.False(t, p2.records[0].Active)
	assert.True(t, p2.records[1].Active)
}

func TestAddRemove(t *testing.T) {
	p := newTestPool(t, "a")
	require.NoError(t, p.Add("b", "second"))
	assert.ErrorIs(t, p.Add("b", "again"), ErrDuplicate)
	require.NoError(t, p.Remove("a"))
	assert.ErrorIs(t, p.Remove("a"), ErrNotFound)

	// the token can come back after removal
	require.NoError(t, p.Add("a", "resurrected"))

	p2, err := Load(p.path)
	require.NoError(t, err)
	require.Len(t, p2.records, 2)
	assert.Equal(t, "b", p2.records[0].Token)
	assert.Equal(t, "a", p2.records[1].Token)
}

func TestPersistenceExcludesCounters(t *testing.T) {
	p := newTestPool(t, "a")
	require.NoError(t, p.ReportSuccess("a"))
	require.NoError(t, p.ReportError("a", "transient"))
	require.NoError(t, p.Add("b", "flush")) // forces a persist

	data, err := os.ReadFile(p.path)
	require.NoError(t, err)
	var raw map[string][]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw["tokens"], 2)
	for _, entry := range raw["tokens"] {
		assert.NotContains(t, entry, "success_count")
		assert.NotContains(t, entry, "error_count")
		assert.NotContains(t, entry, "last_error")
	}

	p2, err := Load(p.path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p2.records[0].Successes)
	assert.Equal(t, uint64(0), p2.records[0].Errors)
}

func TestStats(t *testing.T) {
	p := newTestPool(t, "a", "b")
	p.records[1].Active = false
	require.NoError(t, p.ReportSuccess("a"))
	require.NoError(t, p.ReportSuccess("a"))
	require.NoError(t, p.ReportSuccess("a"))
	require.NoError(t, p.ReportError("b", "down"))

	s := p.Stats()
	assert.Equal(t, 2, s.TotalTokens)
	assert.Equal(t, 1, s.ActiveTokens)
	assert.Equal(t, uint64(4), s.TotalRequests)
	assert.Equal(t, uint64(3), s.TotalSuccess)
	assert.Equal(t, uint64(1), s.TotalErrors)
	assert.Equal(t, 75.0, s.OverallSuccessRate)
	require.Len(t, s.Tokens, 2)
	assert.Equal(t, 100.0, s.Tokens[0].SuccessRate)
	assert.Equal(t, 0.0, s.Tokens[1].SuccessRate)
}

func TestStatsEmptyPool(t *testing.T) {
	p := &Pool{path: filepath.Join(t.TempDir(), "tokens.json")}
	s := p.Stats()
	assert.Equal(t, 0, s.TotalTokens)
	assert.Equal(t, 100.0, s.OverallSuccessRate)
}
