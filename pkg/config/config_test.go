package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8075", cfg.Server.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Outbox.Backend)
	assert.Equal(t, 8, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Outbox.BackoffBaseSecs)
	assert.Equal(t, 300.0, cfg.Outbox.BackoffCapSecs)
	assert.Equal(t, 120.0, cfg.Ingest.DedupWindowSecs)
	assert.Equal(t, 24.0, cfg.GC.SucceededRetentionHours)
	assert.Equal(t, 168.0, cfg.GC.FailedRetentionHours)
	assert.Equal(t, []string{"archival"}, cfg.GC.StaleTargets)
	assert.Equal(t, 500, cfg.GC.VacuumMinDeleted)
	assert.Equal(t, 0.8, cfg.Fanout.BackpressureWatermark)
	assert.Equal(t, []string{"vector", "raw", "analytic"}, cfg.Retrieval.FastSources)
	assert.Equal(t, []string{"archival", "canonical-lexical"}, cfg.Retrieval.SlowSources)
	assert.Equal(t, 1.0, cfg.Retrieval.Weights["vector"])
	assert.Equal(t, 0.6, cfg.Retrieval.Weights["canonical-lexical"])
	assert.Equal(t, 0.08, cfg.Retrieval.FeedbackBoost)
	assert.Equal(t, 0.12, cfg.Retrieval.FeedbackPenalty)
	assert.Equal(t, 600.0, cfg.Tasks.LeaseSecs)
	assert.Equal(t, []string{"openclaw"}, cfg.Messaging.StrictChannels)
	assert.False(t, cfg.Production())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FANOUT_WORKERS", "6")
	t.Setenv("FANOUT_OUTBOX_STALE_TARGETS", "archival, observability")
	t.Setenv("FANOUT_RATE_LIMITS", "archival=0.5,sql=4")
	t.Setenv("MEMORY_WRITE_DEDUP_WINDOW_SECS", "60")
	t.Setenv("MEMORY_WRITE_HOT_FILES", "telemetry/queue__latest.json")
	t.Setenv("ORCH_PUBLIC_PATHS", "/messaging/, /docs")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Fanout.Workers)
	assert.Equal(t, []string{"archival", "observability"}, cfg.GC.StaleTargets)
	assert.Equal(t, 0.5, cfg.Fanout.RateLimits["archival"])
	assert.Equal(t, 4.0, cfg.Fanout.RateLimits["sql"])
	assert.Equal(t, 60.0, cfg.Ingest.DedupWindowSecs)
	assert.Equal(t, []string{"telemetry/queue__latest.json"}, cfg.Ingest.HotFiles)
	assert.Equal(t, []string{"/messaging/", "/docs"}, cfg.Server.PublicPaths)
}

func TestLoadYAMLOverlay(t *testing.T) {
	t.Setenv("ORCH_LISTEN_ADDR", ":9000")

	path := filepath.Join(t.TempDir(), "engram.yaml")
	body := []byte("server:\n  listen_addr: \":8080\"\noutbox:\n  max_attempts: 3\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	// YAML wins over the environment; untouched fields keep env/defaults.
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 3, cfg.Outbox.MaxAttempts)
	assert.Equal(t, "sqlite", cfg.Outbox.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*testing.T)
		wantErr string
	}{
		{
			name: "mongo backend without uri",
			mutate: func(t *testing.T) {
				t.Setenv("FANOUT_OUTBOX_BACKEND", "mongo")
			},
			wantErr: "FANOUT_OUTBOX_MONGO_URI",
		},
		{
			name: "unknown backend",
			mutate: func(t *testing.T) {
				t.Setenv("FANOUT_OUTBOX_BACKEND", "dynamo")
			},
			wantErr: "outbox backend",
		},
		{
			name: "unknown fanout target",
			mutate: func(t *testing.T) {
				t.Setenv("FANOUT_TARGETS", "raw,tape")
			},
			wantErr: "unknown fanout target",
		},
		{
			name: "unknown retrieval source",
			mutate: func(t *testing.T) {
				t.Setenv("RETRIEVAL_FAST_SOURCES", "vector,psychic")
			},
			wantErr: "unknown retrieval source",
		},
		{
			name: "watermark out of range",
			mutate: func(t *testing.T) {
				t.Setenv("FANOUT_BACKPRESSURE_WATERMARK", "1.5")
			},
			wantErr: "watermark",
		},
		{
			name: "production without api key",
			mutate: func(t *testing.T) {
				t.Setenv("ORCH_ENV", "production")
			},
			wantErr: "ORCH_API_KEY",
		},
		{
			name: "production public status",
			mutate: func(t *testing.T) {
				t.Setenv("ORCH_ENV", "production")
				t.Setenv("ORCH_API_KEY", "k")
				t.Setenv("ORCH_PUBLIC_STATUS", "true")
			},
			wantErr: "ORCH_PUBLIC_STATUS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.mutate(t)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProductionWithKeyValidates(t *testing.T) {
	t.Setenv("ORCH_ENV", "production")
	t.Setenv("ORCH_API_KEY", "secret-key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Production())
}

func TestProductionStrictOff(t *testing.T) {
	t.Setenv("ORCH_ENV", "production")
	t.Setenv("ORCH_STRICT_SECURITY", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Server.APIKey)
}

func TestSecondsAndHours(t *testing.T) {
	assert.Equal(t, 2500, int(Seconds(2.5).Milliseconds()))
	assert.Equal(t, 90, int(Hours(1.5).Minutes()))
}
