package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/log"
	"github.com/memmcp/engram/pkg/outbox"
	"github.com/memmcp/engram/pkg/sinks"
)

func testRetentionConfig() *config.Config {
	return &config.Config{
		GC: config.GCConfig{
			IntervalSecs:            0,
			SucceededRetentionHours: 24,
			FailedRetentionHours:    168,
			StalePendingHours:       72,
			StaleTargets:            []string{"archival"},
			VacuumMinDeleted:        500,
			VacuumMinIntervalHours:  24,
			TimeoutSecs:             5,
		},
		Retention: config.RetentionConfig{
			SweepIntervalHours:      0,
			SweepTimeoutSecs:        5,
			RawRetentionDays:        30,
			VectorRetentionDays:     45,
			LowValueSuffixes:        []string{"__latest.json"},
			LowValueTopicPrefixes:   []string{"signals/", "live/"},
			LowValueMinSummaryChars: 48,
		},
	}
}

func newTestManager(t *testing.T, cfg *config.Config, registry *sinks.Registry) *Manager {
	t.Helper()
	sup, err := outbox.NewSupervisor(context.Background(), outbox.SupervisorConfig{
		Preferred:  "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "outbox.db"),
		Backend: outbox.Options{
			MaxAttempts: 3,
			BackoffBase: time.Second,
			BackoffCap:  time.Minute,
		},
	}, log.WithComponent("retention-test"))
	require.NoError(t, err)
	t.Cleanup(func() { sup.Close() })
	return NewManager(cfg, sup, registry, NewClassifier(cfg.Retention), log.WithComponent("retention-test"))
}

func TestClassifier(t *testing.T) {
	c := NewClassifier(testRetentionConfig().Retention)

	tests := []struct {
		name    string
		file    string
		topic   string
		summary string
		want    bool
	}{
		{"latest snapshot suffix", "agents/health__latest.json", "agents", strings.Repeat("x", 200), true},
		{"plain markdown", "notes/deploy.md", "notes", strings.Repeat("x", 200), false},
		{"signals topic", "metrics.md", "signals/agent", strings.Repeat("x", 200), true},
		{"signals topic exact", "metrics.md", "signals", strings.Repeat("x", 200), true},
		{"signalling topic is not signals", "metrics.md", "signalling", strings.Repeat("x", 200), false},
		{"rollup digest", "logs/_rollups/app__rollup.json", "logs", strings.Repeat("x", 200), true},
		{"rollup at root", "_rollups/app__rollup.json", "root", strings.Repeat("x", 200), true},
		{"short summary on churn ext", "events/tick.ndjson", "events", "ping", true},
		{"short summary on markdown", "notes/todo.md", "notes", "ping", false},
		{"long summary on churn ext", "events/report.json", "events", strings.Repeat("x", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.LowValue(tt.file, tt.topic, tt.summary))
		})
	}
}

func TestRunGCRecordsState(t *testing.T) {
	mgr := newTestManager(t, testRetentionConfig(), &sinks.Registry{})

	res, err := mgr.RunGC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", res.Backend)

	st := mgr.State()
	require.NotNil(t, st.LastGC)
	require.NotNil(t, st.LastGCAt)
	assert.Empty(t, st.LastGCError)
	assert.Equal(t, float64(30), st.Thresholds.RawRetentionDays)
	assert.Equal(t, []string{"archival"}, st.Thresholds.StaleTargets)
}

func TestSweepSkipsUnconfiguredSinks(t *testing.T) {
	mgr := newTestManager(t, testRetentionConfig(), &sinks.Registry{})

	res := mgr.RunSweep(context.Background())
	assert.False(t, res.Raw.Enabled)
	assert.False(t, res.Vector.Enabled)
	assert.False(t, res.Analytic.Enabled)
	assert.Zero(t, res.Deleted())

	st := mgr.State()
	require.NotNil(t, st.LastSweep)
	require.NotNil(t, st.LastSweepAt)
}

func analyticRow(eventID, file, topic, summary string, updatedAt time.Time) []any {
	return []any{eventID, "alpha", file, summary, topic, updatedAt.UTC().Format(time.RFC3339Nano)}
}

func TestSweepAnalyticPrunesAgedLowValue(t *testing.T) {
	now := time.Now().UTC()
	old := now.Add(-60 * 24 * time.Hour)
	longSummary := strings.Repeat("x", 200)

	var deleted [][]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SQL    string `json:"sql"`
			Params []any  `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch {
		case strings.HasPrefix(req.SQL, "SELECT"):
			json.NewEncoder(w).Encode(map[string]any{"rows": [][]any{
				analyticRow("ev-old-low", "agents/health__latest.json", "agents", longSummary, old),
				analyticRow("ev-old-high", "notes/deploy.md", "notes", longSummary, old),
				analyticRow("ev-fresh-low", "agents/disk__latest.json", "agents", longSummary, now),
			}})
		case strings.HasPrefix(req.SQL, "DELETE"):
			deleted = append(deleted, req.Params)
			json.NewEncoder(w).Encode(map[string]any{"rows_affected": len(req.Params)})
		default:
			t.Fatalf("unexpected statement: %s", req.SQL)
		}
	}))
	defer server.Close()

	registry := &sinks.Registry{
		Analytic: sinks.NewAnalyticStore(server.URL, "memory", "memory_events", 0, log.WithComponent("retention-test")),
	}
	mgr := newTestManager(t, testRetentionConfig(), registry)

	res := mgr.RunSweep(context.Background())
	assert.True(t, res.Analytic.Enabled)
	assert.Empty(t, res.Analytic.Error)
	assert.Equal(t, 3, res.Analytic.Scanned)
	assert.Equal(t, 1, res.Analytic.Deleted, "only the aged low-value row goes away")
	require.Len(t, deleted, 1)
	assert.Equal(t, []any{"ev-old-low"}, deleted[0])
}

func TestSweepVectorScrollsAndDeletes(t *testing.T) {
	now := time.Now().UTC()
	oldSecs := float64(now.Add(-90*24*time.Hour).UnixNano()) / float64(time.Second)
	longSummary := strings.Repeat("x", 200)

	point := func(id, file, topic string, updated float64) map[string]any {
		return map[string]any{
			"id": id,
			"payload": map[string]any{
				"project": "alpha", "file": file, "summary": longSummary,
				"topic_path": topic, "updated_at": updated,
			},
		}
	}

	var deletedIDs []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/points/scroll"):
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
				"points": []any{
					point("p-old-low", "live/feed.md", "live/updates", oldSecs),
					point("p-old-high", "notes/deploy.md", "notes", oldSecs),
					point("p-fresh-low", "live/feed2.md", "live/updates",
						float64(now.UnixNano())/float64(time.Second)),
				},
				"next_page_offset": nil,
			}})
		case strings.HasSuffix(r.URL.Path, "/points/delete"):
			var req struct {
				Points []string `json:"points"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			deletedIDs = append(deletedIDs, req.Points...)
			fmt.Fprint(w, `{"status":"ok"}`)
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	registry := &sinks.Registry{
		Vector: sinks.NewVectorStore(server.URL, "", "memory_events", 0, nil, log.WithComponent("retention-test")),
	}
	mgr := newTestManager(t, testRetentionConfig(), registry)

	res := mgr.RunSweep(context.Background())
	assert.True(t, res.Vector.Enabled)
	assert.Empty(t, res.Vector.Error)
	assert.Equal(t, 1, res.Vector.Deleted)
	assert.Equal(t, []string{"p-old-low"}, deletedIDs)
}

func TestSweepIsolatesSinkFailures(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()

	now := time.Now().UTC()
	old := now.Add(-60 * 24 * time.Hour)
	analytic := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SQL string `json:"sql"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if strings.HasPrefix(req.SQL, "SELECT") {
			json.NewEncoder(w).Encode(map[string]any{"rows": [][]any{
				analyticRow("ev-old-low", "x__latest.json", "agents", "short", old),
			}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"rows_affected": 1})
	}))
	defer analytic.Close()

	registry := &sinks.Registry{
		Vector:   sinks.NewVectorStore(broken.URL, "", "memory_events", 0, nil, log.WithComponent("retention-test")),
		Analytic: sinks.NewAnalyticStore(analytic.URL, "memory", "memory_events", 0, log.WithComponent("retention-test")),
	}
	mgr := newTestManager(t, testRetentionConfig(), registry)

	res := mgr.RunSweep(context.Background())
	assert.NotEmpty(t, res.Vector.Error, "vector pruner fails")
	assert.Equal(t, 1, res.Analytic.Deleted, "analytic pruner still runs")
}

func TestManagerStartStop(t *testing.T) {
	cfg := testRetentionConfig()
	cfg.GC.IntervalSecs = 0.02
	mgr := newTestManager(t, cfg, &sinks.Registry{})

	mgr.Start()
	require.Eventually(t, func() bool {
		return mgr.State().LastGCAt != nil
	}, 2*time.Second, 10*time.Millisecond)
	mgr.Stop()
}
