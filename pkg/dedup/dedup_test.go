package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowSuppression(t *testing.T) {
	w := NewWindow(120*time.Second, 16)

	base := time.Unix(1_700_000_000, 0)
	clock := base
	w.now = func() time.Time { return clock }

	// First sighting passes and is recorded.
	clock = base.Add(100 * time.Second)
	assert.False(t, w.Duplicate("proj", "notes.json", "h1"))

	// Same write 50s later is still inside the 120s window.
	clock = base.Add(150 * time.Second)
	assert.True(t, w.Duplicate("proj", "notes.json", "h1"))

	// Well past the window the write passes again.
	clock = base.Add(400 * time.Second)
	assert.False(t, w.Duplicate("proj", "notes.json", "h1"))
}

func TestWindowDistinguishesCoordinates(t *testing.T) {
	w := NewWindow(time.Minute, 16)

	assert.False(t, w.Duplicate("proj", "a.json", "h1"))
	assert.False(t, w.Duplicate("proj", "a.json", "h2"))
	assert.False(t, w.Duplicate("proj", "b.json", "h1"))
	assert.False(t, w.Duplicate("other", "a.json", "h1"))
	assert.True(t, w.Duplicate("proj", "a.json", "h1"))
}

func TestWindowDisabled(t *testing.T) {
	w := NewWindow(0, 16)
	assert.False(t, w.Duplicate("proj", "a.json", "h1"))
	assert.False(t, w.Duplicate("proj", "a.json", "h1"))
}

func TestWindowBounded(t *testing.T) {
	w := NewWindow(time.Hour, 8)
	for i := 0; i < 100; i++ {
		w.Duplicate("proj", "f.json", fmt.Sprintf("hash-%d", i))
	}
	assert.LessOrEqual(t, w.Len(), 8)
}

func TestLatestHashes(t *testing.T) {
	l := NewLatestHashes(16)

	assert.False(t, l.Unchanged("proj", "f.json", "h1"))
	assert.True(t, l.Update("proj", "f.json", "h1"))
	assert.True(t, l.Unchanged("proj", "f.json", "h1"))
	assert.False(t, l.Unchanged("proj", "f.json", "h2"))

	assert.False(t, l.Update("proj", "f.json", "h1"))
	assert.True(t, l.Update("proj", "f.json", "h2"))
	assert.True(t, l.Unchanged("proj", "f.json", "h2"))
}
