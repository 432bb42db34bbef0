package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmcp/engram/pkg/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), map[string]string{"signals": "signal_snapshots.ndjson"}, "recordedAt", log.WithComponent("history-test"))
}

func TestAppendAndTail(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append("writes", Record{"event_id": fmt.Sprintf("e%d", i)}))
	}

	records, err := store.Tail("writes", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "e2", records[0]["event_id"])
	assert.Equal(t, "e4", records[2]["event_id"])
	// Every line got the timestamp field stamped.
	for _, rec := range records {
		assert.Contains(t, rec, "recordedAt")
	}
}

func TestAppendKeepsCallerTimestamp(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("writes", Record{"event_id": "e1", "recordedAt": "2026-01-01T00:00:00Z"}))

	records, err := store.Tail("writes", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "2026-01-01T00:00:00Z", records[0]["recordedAt"])
}

func TestConfiguredStreamFilename(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("signals", Record{"kind": "crossover"}))

	records, err := store.Tail("signals", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "crossover", records[0]["kind"])
}

func TestTailMissingStream(t *testing.T) {
	store := newTestStore(t)
	records, err := store.Tail("never-written", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecentEvictsOldest(t *testing.T) {
	recent := NewRecent(3)
	for i := 0; i < 5; i++ {
		recent.Add(WriteItem{EventID: fmt.Sprintf("e%d", i), Project: "alpha", CreatedAt: time.Now()})
	}
	assert.Equal(t, 3, recent.Len())

	items := recent.Items("", 10)
	require.Len(t, items, 3)
	assert.Equal(t, "e4", items[0].EventID)
	assert.Equal(t, "e2", items[2].EventID)
}

func TestRecentProjectFilter(t *testing.T) {
	recent := NewRecent(10)
	recent.Add(WriteItem{EventID: "a1", Project: "alpha"})
	recent.Add(WriteItem{EventID: "b1", Project: "beta"})
	recent.Add(WriteItem{EventID: "a2", Project: "alpha"})

	items := recent.Items("alpha", 10)
	require.Len(t, items, 2)
	assert.Equal(t, "a2", items[0].EventID)
	assert.Equal(t, "a1", items[1].EventID)
}

func TestRecentRebuildFromStore(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append("writes", Record{
			"event_id": fmt.Sprintf("e%d", i),
			"project":  "alpha",
			"file":     "notes.json",
			"summary":  "rebuilt",
		}))
	}

	recent := NewRecent(3)
	recent.RebuildFromStore(store, "writes")
	items := recent.Items("", 10)
	require.Len(t, items, 3)
	assert.Equal(t, "e3", items[0].EventID)
	assert.Equal(t, "rebuilt", items[0].Summary)
}
