package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveUpsertsProfile(t *testing.T) {
	db := openTestDB(t)
	first := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.Senders.Observe("alice@corp.example.com", "Alice", first))
	require.NoError(t, db.Senders.Observe("alice@corp.example.com", "", first.Add(time.Hour)))

	p, err := db.Senders.Get("alice@corp.example.com")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 2, p.EmailCount)
	assert.Equal(t, "Alice", p.DisplayName, "an empty display name does not clobber a known one")
	assert.Equal(t, "corp.example.com", p.Domain)
	assert.Equal(t, first.Add(time.Hour), p.LastSeen.UTC())
	assert.False(t, p.AutoRuleCandidate)
}

func TestGetUnknownSender(t *testing.T) {
	db := openTestDB(t)

	p, err := db.Senders.Get("nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMarkCandidate(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	require.NoError(t, db.Senders.Observe("digest@news.example.com", "News", now))

	require.NoError(t, db.Senders.MarkCandidate("digest@news.example.com", "Areas/Newsletters", true))

	candidates, err := db.Senders.Candidates()
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "digest@news.example.com", candidates[0].Email)
	assert.Equal(t, "Areas/Newsletters", candidates[0].DefaultFolder)

	require.NoError(t, db.Senders.MarkCandidate("digest@news.example.com", "", false))
	candidates, err = db.Senders.Candidates()
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestFrequentOrdersByVolume(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Senders.Observe("busy@corp.example.com", "", now))
	}
	require.NoError(t, db.Senders.Observe("quiet@corp.example.com", "", now))

	frequent, err := db.Senders.Frequent(2)
	require.NoError(t, err)
	require.Len(t, frequent, 1)
	assert.Equal(t, "busy@corp.example.com", frequent[0].Email)
	assert.Equal(t, 3, frequent[0].EmailCount)
}
