package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/chainsub-platform/internal/logger"
)

func newTestGateway(config Config) (*Gateway, *time.Time) {
	g := New(config, logger.New("gateway-test"))
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestPerCallerRateLimit(t *testing.T) {
	g, now := newTestGateway(Config{GlobalPerMinute: 1000, CallerPerMinute: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Admit("alice"))
	}
	assert.ErrorIs(t, g.Admit("alice"), ErrRateLimited)

	// Another caller has their own window.
	require.NoError(t, g.Admit("bob"))

	// The window resets after a minute.
	*now = now.Add(time.Minute)
	require.NoError(t, g.Admit("alice"))
}

func TestGlobalRateLimit(t *testing.T) {
	g, _ := newTestGateway(Config{GlobalPerMinute: 2, CallerPerMinute: 100})

	require.NoError(t, g.Admit("a"))
	require.NoError(t, g.Admit("b"))
	assert.ErrorIs(t, g.Admit("c"), ErrRateLimited)
}

func TestBackoffDoubling(t *testing.T) {
	g, now := newTestGateway(Config{
		GlobalPerMinute:   1000,
		CallerPerMinute:   1000,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        8 * time.Second,
	})

	expect := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
	}
	for i, want := range expect {
		g.RecordFailure("mallory")
		record := g.backoffs["mallory"]
		assert.Equal(t, want, record.blockedUntil.Sub(*now), "failure %d", i+1)
	}

	// Blocked callers are rejected with the remaining wait.
	err := g.Admit("mallory")
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, 8*time.Second, blocked.RetryAfter)

	// Success resets the ladder.
	*now = now.Add(10 * time.Second)
	require.NoError(t, g.Admit("mallory"))
	g.RecordSuccess("mallory")
	g.RecordFailure("mallory")
	assert.Equal(t, time.Second, g.backoffs["mallory"].blockedUntil.Sub(*now))
}

func TestReputationRestriction(t *testing.T) {
	g, _ := newTestGateway(Config{
		GlobalPerMinute:   1000,
		CallerPerMinute:   1000,
		ReputationReward:  1,
		ReputationPenalty: 5,
		InitialScore:      10,
	})

	require.NoError(t, g.Admit("eve"))

	// Three failures burn through the starting score of 10.
	g.RecordFailure("eve")
	g.RecordFailure("eve")
	rep, ok := g.GetReputation("eve")
	require.True(t, ok)
	assert.False(t, rep.Restricted)

	g.RecordFailure("eve")
	rep, _ = g.GetReputation("eve")
	assert.True(t, rep.Restricted)
	assert.Equal(t, -5, rep.Score)

	// Restricted even after the backoff lapses.
	g.ClearBlock("eve")
	assert.ErrorIs(t, g.Admit("eve"), ErrRestricted)

	// Only an admin score repair lifts the restriction.
	rep = g.AdjustReputation("eve", 10)
	assert.False(t, rep.Restricted)
	require.NoError(t, g.Admit("eve"))
}

func TestAdminAndReadOnlyLists(t *testing.T) {
	g, _ := newTestGateway(Config{})

	assert.False(t, g.IsAdmin("ops"))
	g.AddAdmin("ops")
	assert.True(t, g.IsAdmin("ops"))
	g.RemoveAdmin("ops")
	assert.False(t, g.IsAdmin("ops"))

	g.AddReadOnly("dashboard")
	assert.True(t, g.IsReadOnly("dashboard"))
	g.RemoveReadOnly("dashboard")
	assert.False(t, g.IsReadOnly("dashboard"))
}

func TestCleanupPurgesExpiredRecords(t *testing.T) {
	g, now := newTestGateway(Config{GlobalPerMinute: 1000, CallerPerMinute: 10})

	require.NoError(t, g.Admit("alice"))
	g.RecordSuccess("alice")
	g.RecordFailure("bob")

	// Restricted callers survive cleanup; everything stale goes.
	require.NoError(t, g.Admit("carol"))
	rep := g.AdjustReputation("carol", -200)
	require.True(t, rep.Restricted)

	*now = now.Add(2 * time.Hour)
	removed := g.Cleanup(time.Hour)
	assert.Greater(t, removed, 0)

	_, aliceKept := g.GetReputation("alice")
	assert.False(t, aliceKept)
	_, carolKept := g.GetReputation("carol")
	assert.True(t, carolKept)

	stats := g.Stats()
	assert.Equal(t, 0, stats.ActiveBlocks)
	assert.Equal(t, 1, stats.RestrictedCallers)
}

func TestStats(t *testing.T) {
	g, _ := newTestGateway(Config{GlobalPerMinute: 1000, CallerPerMinute: 1000})

	require.NoError(t, g.Admit("a"))
	g.RecordSuccess("a")
	g.RecordFailure("b")
	g.AdjustReputation("b", -200)
	g.AddAdmin("ops")

	stats := g.Stats()
	assert.Equal(t, 2, stats.TotalCallers)
	assert.Equal(t, 1, stats.RestrictedCallers)
	assert.Equal(t, 1, stats.ActiveBlocks)
	assert.Equal(t, 1, stats.GlobalWindowCount)
	assert.Equal(t, 1, stats.Admins)
}
