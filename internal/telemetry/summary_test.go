package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

	entries := []Entry{
		{Kind: EntryMessage, Episode: 0, At: at(0), Payload: map[string]any{"userId": "u1"}},
		{Kind: EntryMessage, Episode: 1, At: at(10), Payload: map[string]any{"command": "start"}},
		{Kind: EntryStep, Episode: 1, At: at(20), Payload: map[string]any{"reward": 0.5, "done": false}},
		{Kind: EntryMessage, Episode: 1, At: at(30), Payload: map[string]any{"action": "left"}},
		{Kind: EntryStep, Episode: 1, At: at(40), Payload: map[string]any{"reward": 0.5, "done": true}},
		{Kind: EntryMessage, Episode: 2, At: at(50), Payload: map[string]any{"error": "unable to parse message", "frameId": uint64(2)}},
		{Kind: EntryStep, Episode: 2, At: at(80), Payload: map[string]any{"reward": int64(-1), "done": true}},
	}

	s := Summarize(entries)
	assert.Equal(t, 2, s.Episodes)
	assert.Equal(t, 3, s.Steps)
	assert.Equal(t, 4, s.Messages)
	assert.Equal(t, 1, s.ParseErrors)
	assert.Equal(t, map[string]int{"start": 1}, s.Commands)
	assert.Equal(t, map[string]int{"left": 1}, s.Actions)
	assert.Equal(t, []float64{1.0, -1.0}, s.EpisodeRewards)
	assert.InDelta(t, 0.0, s.TotalReward, 1e-9)

	assert.Equal(t, 80*time.Millisecond, s.Duration)
	assert.InDelta(t, 37.5, s.StepsPerSec, 1e-9)
	assert.Equal(t, 20*time.Millisecond, s.MinInterval)
	assert.Equal(t, 40*time.Millisecond, s.MaxInterval)
	assert.Equal(t, 30*time.Millisecond, s.AverageInterval)
	assert.Equal(t, 10*time.Millisecond, s.Jitter)
	assert.Equal(t, 40*time.Millisecond, s.IntervalPercentiles[50])
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Steps)
	assert.Zero(t, s.Duration)
	assert.Empty(t, s.EpisodeRewards)
	assert.Empty(t, s.IntervalPercentiles)
}

func TestEntriesFlattensBatches(t *testing.T) {
	batches := []*Batch{
		{Episodes: [][]Entry{{{Kind: EntryStep, Episode: 1}}}},
		{Episodes: [][]Entry{{{Kind: EntryStep, Episode: 2}}, {{Kind: EntryMessage, Episode: 3}}}},
	}
	entries := Entries(batches)
	require.Len(t, entries, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{entries[0].Episode, entries[1].Episode, entries[2].Episode})
}
