package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmcp/engram/pkg/log"
	"github.com/memmcp/engram/pkg/types"
)

func hotEvent(project, file, content string) *types.MemoryEvent {
	hash := types.ContentHash(content)
	return &types.MemoryEvent{
		EventID:     types.EventID(project, file, hash),
		Project:     project,
		File:        file,
		Content:     content,
		Summary:     content,
		ContentHash: hash,
		TopicPath:   "signals",
	}
}

func TestMatches(t *testing.T) {
	buffer := NewBuffer([]string{"__latest.json"}, 30*time.Second)

	assert.True(t, buffer.Matches("signals/btc__latest.json"))
	assert.False(t, buffer.Matches("signals/btc.json"))
	assert.False(t, buffer.Matches("signals/_rollups/btc__latest__rollup.json"))

	disabled := NewBuffer([]string{"__latest.json"}, 0)
	assert.False(t, disabled.Matches("signals/btc__latest.json"))

	noSuffixes := NewBuffer(nil, 30*time.Second)
	assert.False(t, noSuffixes.Matches("signals/btc__latest.json"))
}

func TestPath(t *testing.T) {
	assert.Equal(t, "signals/_rollups/btc__latest__rollup.json", Path("signals/btc__latest.json"))
	assert.Equal(t, "_rollups/top__rollup.json", Path("top.json"))
	assert.Equal(t, "a/b/_rollups/c__rollup.json", Path("a/b/c.yaml"))
}

func TestAddAccumulates(t *testing.T) {
	buffer := NewBuffer([]string{"__latest.json"}, 30*time.Second)

	buffer.Add(hotEvent("alpha", "signals/btc__latest.json", "price 100"))
	buffer.Add(hotEvent("alpha", "signals/btc__latest.json", "price 101!"))
	buffer.Add(hotEvent("alpha", "signals/eth__latest.json", "price 7"))

	assert.Equal(t, 2, buffer.Pending())

	entries := buffer.drain(true)
	require.Len(t, entries, 2)
	byFile := map[string]Entry{}
	for _, e := range entries {
		byFile[e.File] = e
	}
	btc := byFile["signals/btc__latest.json"]
	assert.Equal(t, 2, btc.Events)
	assert.Equal(t, int64(len("price 100")+len("price 101!")), btc.Bytes)
	assert.Equal(t, "price 101!", btc.LastSummary)
	assert.Equal(t, types.ContentHash("price 101!"), btc.LastHash)

	assert.Zero(t, buffer.Pending())
}

func TestDrainRespectsInterval(t *testing.T) {
	buffer := NewBuffer([]string{"__latest.json"}, 30*time.Second)
	base := time.Now()
	buffer.now = func() time.Time { return base }

	buffer.Add(hotEvent("alpha", "signals/btc__latest.json", "price 100"))

	// Inside the interval: nothing is due without force.
	assert.Empty(t, buffer.drain(false))

	buffer.now = func() time.Time { return base.Add(31 * time.Second) }
	entries := buffer.drain(false)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Events)
}

func TestFlushEmitsSynthesizedWrite(t *testing.T) {
	buffer := NewBuffer([]string{"__latest.json"}, 30*time.Second)
	buffer.Add(hotEvent("alpha", "signals/btc__latest.json", "price 100"))
	buffer.Add(hotEvent("alpha", "signals/btc__latest.json", "price 101"))

	var mu sync.Mutex
	var gotProject, gotFile, gotContent string
	emit := func(ctx context.Context, project, file, content, topicPath string) error {
		mu.Lock()
		defer mu.Unlock()
		gotProject, gotFile, gotContent = project, file, content
		return nil
	}

	flusher := NewFlusher(buffer, emit, 30*time.Second, log.WithComponent("rollup-test"))
	result := flusher.Flush(context.Background(), true)

	assert.Equal(t, 1, result.Flushed)
	assert.Zero(t, result.Errors)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, 2, result.Entries[0].Events)

	assert.Equal(t, "alpha", gotProject)
	assert.Equal(t, "signals/_rollups/btc__latest__rollup.json", gotFile)

	var doc Document
	require.NoError(t, json.Unmarshal([]byte(gotContent), &doc))
	assert.Equal(t, Kind, doc.Kind)
	assert.Equal(t, "signals/btc__latest.json", doc.SourceFile)
	assert.Equal(t, 2, doc.Events)
	assert.Equal(t, types.ContentHash("price 101"), doc.LastHash)
}

func TestFlushRestoresEntryOnEmitFailure(t *testing.T) {
	buffer := NewBuffer([]string{"__latest.json"}, 30*time.Second)
	buffer.Add(hotEvent("alpha", "signals/btc__latest.json", "price 100"))

	emit := func(ctx context.Context, project, file, content, topicPath string) error {
		return errors.New("canonical store unreachable")
	}
	flusher := NewFlusher(buffer, emit, 30*time.Second, log.WithComponent("rollup-test"))

	result := flusher.Flush(context.Background(), true)
	assert.Zero(t, result.Flushed)
	assert.Equal(t, 1, result.Errors)
	require.Len(t, result.Entries, 1)
	assert.Contains(t, result.Entries[0].Error, "unreachable")

	// Entry is back in the buffer for the next cycle.
	assert.Equal(t, 1, buffer.Pending())
	entries := buffer.drain(true)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Events)
}

func TestStopForcesFinalFlush(t *testing.T) {
	buffer := NewBuffer([]string{"__latest.json"}, time.Hour)
	buffer.Add(hotEvent("alpha", "signals/btc__latest.json", "price 100"))

	var mu sync.Mutex
	flushed := 0
	emit := func(ctx context.Context, project, file, content, topicPath string) error {
		mu.Lock()
		defer mu.Unlock()
		flushed++
		return nil
	}

	flusher := NewFlusher(buffer, emit, time.Hour, log.WithComponent("rollup-test"))
	flusher.Start()
	flusher.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, flushed)
	assert.Zero(t, buffer.Pending())
}
