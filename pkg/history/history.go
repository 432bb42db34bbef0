package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is one NDJSON line.
type Record map[string]any

// Store appends records to per-stream NDJSON files: one JSON object per
// line, stamped with a configurable timestamp field. Streams not named
// in the configuration map to "<stream>.ndjson" under the directory.
type Store struct {
	mu      sync.Mutex
	dir     string
	streams map[string]string
	tsField string
	logger  zerolog.Logger
}

// NewStore builds a Store rooted at dir.
func NewStore(dir string, streams map[string]string, tsField string, logger zerolog.Logger) *Store {
	if tsField == "" {
		tsField = "recordedAt"
	}
	return &Store{dir: dir, streams: streams, tsField: tsField, logger: logger}
}

func (s *Store) streamPath(stream string) string {
	name, ok := s.streams[stream]
	if !ok || name == "" {
		name = stream + ".ndjson"
	}
	return filepath.Join(s.dir, name)
}

// Configured reports whether a stream was named in the configuration.
// The write path consults it to mirror snapshot writes into their
// per-kind stream.
func (s *Store) Configured(stream string) bool {
	_, ok := s.streams[stream]
	return ok
}

// Append writes one record to the stream, adding the timestamp field
// when the caller did not set it.
func (s *Store) Append(stream string, rec Record) error {
	if rec == nil {
		rec = Record{}
	}
	if _, ok := rec[s.tsField]; !ok {
		rec[s.tsField] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.streamPath(stream)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history stream %s: %w", stream, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append history stream %s: %w", stream, err)
	}
	return nil
}

// Tail returns up to limit most-recent records from a stream, oldest
// first. A missing stream file is an empty tail, not an error.
func (s *Store) Tail(stream string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	path := s.streamPath(stream)
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history stream %s: %w", stream, err)
	}
	defer f.Close()

	// Keep only the last N raw lines so a long-lived stream does not
	// load whole into memory.
	ring := make([]string, 0, limit)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history stream %s: %w", stream, err)
	}

	records := make([]Record, 0, len(ring))
	for _, line := range ring {
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			s.logger.Warn().Err(err).Str("stream", stream).Msg("Skipping corrupt history line")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// WriteItem is one entry in the recent-writes view.
type WriteItem struct {
	EventID        string    `json:"event_id"`
	Project        string    `json:"project"`
	File           string    `json:"file"`
	Summary        string    `json:"summary"`
	TopicPath      string    `json:"topic_path,omitempty"`
	Deduped        bool      `json:"deduped,omitempty"`
	RollupBuffered bool      `json:"rollup_buffered,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Recent is the bounded in-memory deque behind /memory/recent.
type Recent struct {
	mu    sync.Mutex
	limit int
	items []WriteItem
}

// NewRecent builds a deque holding at most limit items.
func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = 100
	}
	return &Recent{limit: limit}
}

// Add appends an item, evicting the oldest once full.
func (r *Recent) Add(item WriteItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == r.limit {
		copy(r.items, r.items[1:])
		r.items = r.items[:r.limit-1]
	}
	r.items = append(r.items, item)
}

// Items returns newest-first entries, optionally filtered by project.
func (r *Recent) Items(project string, limit int) []WriteItem {
	if limit <= 0 || limit > r.limit {
		limit = r.limit
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WriteItem, 0, limit)
	for i := len(r.items) - 1; i >= 0 && len(out) < limit; i-- {
		if project != "" && r.items[i].Project != project {
			continue
		}
		out = append(out, r.items[i])
	}
	return out
}

// Len reports the current deque size.
func (r *Recent) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Rebuild replaces the deque contents from a persisted tail, oldest
// first. Used at startup to restore the view across restarts.
func (r *Recent) Rebuild(items []WriteItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(items) > r.limit {
		items = items[len(items)-r.limit:]
	}
	r.items = append(r.items[:0], items...)
}

// RebuildFromStore restores the deque from the writes stream tail.
func (r *Recent) RebuildFromStore(store *Store, stream string) {
	records, err := store.Tail(stream, r.limit)
	if err != nil || len(records) == 0 {
		return
	}
	items := make([]WriteItem, 0, len(records))
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		var item WriteItem
		if err := json.Unmarshal(raw, &item); err != nil || item.EventID == "" {
			continue
		}
		items = append(items, item)
	}
	r.Rebuild(items)
}
