package dedup

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

func key(project, file, hash string) string {
	return project + "\x00" + file + "\x00" + hash
}

func fileKey(project, file string) string {
	return project + "\x00" + file
}

// Window suppresses identical writes inside a sliding time window. An entry
// is recorded when a write passes; a later identical write inside the window
// is reported as a duplicate without refreshing the entry, so the window is
// anchored at the last accepted write.
type Window struct {
	mu    sync.Mutex
	ttl   time.Duration
	cache *lru.Cache[string, time.Time]
	now   func() time.Time
}

// NewWindow builds a Window with the given ttl and a bounded entry count.
func NewWindow(ttl time.Duration, size int) *Window {
	if size <= 0 {
		size = 4096
	}
	cache, _ := lru.New[string, time.Time](size)
	return &Window{ttl: ttl, cache: cache, now: time.Now}
}

// Duplicate reports whether an identical write was accepted inside the
// window. When it was not, the write is recorded and false is returned.
func (w *Window) Duplicate(project, file, hash string) bool {
	if w.ttl <= 0 {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	k := key(project, file, hash)
	now := w.now()
	if seen, ok := w.cache.Get(k); ok && now.Sub(seen) < w.ttl {
		return true
	}
	w.cache.Add(k, now)
	return false
}

// Len returns the number of tracked entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cache.Len()
}

// LatestHashes tracks the most recent content hash per project file, so the
// hot path can tell a caller the file content it just sent is already the
// stored latest.
type LatestHashes struct {
	cache *lru.Cache[string, string]
}

// NewLatestHashes builds a bounded latest-hash tracker.
func NewLatestHashes(size int) *LatestHashes {
	if size <= 0 {
		size = 4096
	}
	cache, _ := lru.New[string, string](size)
	return &LatestHashes{cache: cache}
}

// Unchanged reports whether hash equals the stored latest for the file.
func (l *LatestHashes) Unchanged(project, file, hash string) bool {
	stored, ok := l.cache.Get(fileKey(project, file))
	return ok && stored == hash
}

// Update stores hash as the latest for the file and reports whether the
// value actually changed.
func (l *LatestHashes) Update(project, file, hash string) bool {
	k := fileKey(project, file)
	stored, ok := l.cache.Get(k)
	if ok && stored == hash {
		return false
	}
	l.cache.Add(k, hash)
	return true
}
