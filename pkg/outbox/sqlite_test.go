package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmcp/engram/pkg/log"
	"github.com/memmcp/engram/pkg/types"
)

func testOptions() Options {
	return Options{
		MaxAttempts:    8,
		BackoffBase:    2 * time.Second,
		BackoffCap:     300 * time.Second,
		CoalesceWindow: 45 * time.Second,
		CoalesceTargets: map[types.Target]bool{
			types.TargetRaw: true, types.TargetVector: true, types.TargetSQL: true,
			types.TargetArchival: true, types.TargetObservability: true,
		},
	}
}

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	backend, err := NewSQLite(path, testOptions(), log.WithComponent("outbox-test"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func makeEvent(project, file, content string) *types.MemoryEvent {
	hash := types.ContentHash(content)
	return &types.MemoryEvent{
		EventID:     types.EventID(project, file, hash),
		Project:     project,
		File:        file,
		Content:     content,
		Summary:     content,
		ContentHash: hash,
		TopicPath:   "projects/" + project,
		TopicTags:   []string{"projects", "projects/" + project},
		CreatedAt:   time.Now().UTC(),
	}
}

func TestEnqueueInsertDedupeRequeue(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()
	event := makeEvent("alpha", "notes.json", "first write")
	targets := []types.Target{types.TargetVector, types.TargetSQL}

	res, err := backend.Enqueue(ctx, event, targets, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Existing)
	assert.True(t, res.Queued[types.TargetVector])
	assert.True(t, res.Queued[types.TargetSQL])

	// Same event again: the rows are still pending, so coalescing wins
	// over the dedupe-key conflict.
	res, err = backend.Enqueue(ctx, event, targets, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Coalesced)

	// Finish one row, then replay without force: terminal row reports existing.
	jobs, err := backend.ClaimBatch(ctx, 10, ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		require.NoError(t, backend.MarkSuccess(ctx, j.ID))
	}

	res, err = backend.Enqueue(ctx, event, targets, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Existing)
	assert.Equal(t, 0, res.Inserted)

	// Force requeue resurrects the terminal rows.
	res, err = backend.Enqueue(ctx, event, targets, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Requeued)

	counts, err := backend.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.OutboxPending])
}

func TestEnqueueCoalesceUpdatesRow(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	first := makeEvent("alpha", "notes.json", "draft one")
	_, err := backend.Enqueue(ctx, first, []types.Target{types.TargetVector}, false)
	require.NoError(t, err)

	// Different content means a different event id, but the same
	// (target, project, file) inside the window collapses onto one row.
	second := makeEvent("alpha", "notes.json", "draft two, fuller")
	res, err := backend.Enqueue(ctx, second, []types.Target{types.TargetVector}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Coalesced)
	assert.Equal(t, 1, res.CoalescedByTarget[types.TargetVector])

	jobs, err := backend.ClaimBatch(ctx, 10, ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "draft two, fuller", jobs[0].Summary)

	event, err := DecodePayload(jobs[0])
	require.NoError(t, err)
	assert.Equal(t, second.ContentHash, event.ContentHash)
}

func TestEnqueueNeverCoalescesTerminalRows(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	first := makeEvent("alpha", "notes.json", "draft one")
	_, err := backend.Enqueue(ctx, first, []types.Target{types.TargetVector}, false)
	require.NoError(t, err)

	jobs, err := backend.ClaimBatch(ctx, 1, ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, backend.MarkSuccess(ctx, jobs[0].ID))

	second := makeEvent("alpha", "notes.json", "draft two")
	res, err := backend.Enqueue(ctx, second, []types.Target{types.TargetVector}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Coalesced)
	assert.Equal(t, 1, res.Inserted)

	counts, err := backend.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.OutboxSucceeded])
	assert.Equal(t, 1, counts[types.OutboxPending])
}

func TestClaimBatchOrderAndAttempts(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Stagger insertion times so due order differs from insert order.
	for i, content := range []string{"third", "first", "second"} {
		offset := []time.Duration{-1 * time.Minute, -3 * time.Minute, -2 * time.Minute}[i]
		backend.now = func() time.Time { return base.Add(offset) }
		_, err := backend.Enqueue(ctx, makeEvent("alpha", content+".json", content), []types.Target{types.TargetVector}, false)
		require.NoError(t, err)
	}
	backend.now = func() time.Time { return base }

	jobs, err := backend.ClaimBatch(ctx, 2, ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "first.json", jobs[0].File)
	assert.Equal(t, "second.json", jobs[1].File)
	for _, j := range jobs {
		assert.Equal(t, types.OutboxRunning, j.Status)
		assert.Equal(t, 1, j.Attempts)
		require.NotNil(t, j.LastAttemptAt)
	}

	rest, err := backend.ClaimBatch(ctx, 10, ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "third.json", rest[0].File)

	empty, err := backend.ClaimBatch(ctx, 10, ClaimFilter{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestClaimBatchFilters(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	event := makeEvent("alpha", "notes.json", "payload")
	_, err := backend.Enqueue(ctx, event, []types.Target{types.TargetVector, types.TargetArchival, types.TargetSQL}, false)
	require.NoError(t, err)

	archival, err := backend.ClaimBatch(ctx, 10, ClaimFilter{Target: types.TargetArchival})
	require.NoError(t, err)
	require.Len(t, archival, 1)
	assert.Equal(t, types.TargetArchival, archival[0].Target)

	general, err := backend.ClaimBatch(ctx, 10, ClaimFilter{ExcludeTargets: []types.Target{types.TargetArchival}})
	require.NoError(t, err)
	require.Len(t, general, 2)
	for _, j := range general {
		assert.NotEqual(t, types.TargetArchival, j.Target)
	}
}

func TestMarkRetryBackoffWindow(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()
	base := time.Now().UTC()
	backend.now = func() time.Time { return base }

	_, err := backend.Enqueue(ctx, makeEvent("alpha", "notes.json", "payload"), []types.Target{types.TargetVector}, false)
	require.NoError(t, err)
	jobs, err := backend.ClaimBatch(ctx, 1, ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, backend.MarkRetry(ctx, jobs[0], "upstream timeout"))

	// Not due yet: attempt 1 backs off at least the 2s base.
	due, err := backend.ClaimBatch(ctx, 1, ClaimFilter{})
	require.NoError(t, err)
	assert.Empty(t, due)

	// Bounded delay 2s plus at most 0.4s jitter.
	backend.now = func() time.Time { return base.Add(2500 * time.Millisecond) }
	due, err = backend.ClaimBatch(ctx, 1, ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempts)
	assert.Equal(t, "upstream timeout", due[0].LastError)
}

func TestMarkRetryExhaustionFailsTerminally(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	_, err := backend.Enqueue(ctx, makeEvent("alpha", "notes.json", "payload"), []types.Target{types.TargetVector}, false)
	require.NoError(t, err)
	jobs, err := backend.ClaimBatch(ctx, 1, ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	job.Attempts = job.MaxAttempts
	require.NoError(t, backend.MarkRetry(ctx, job, "still broken"))

	dead, err := backend.Deadletters(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, types.OutboxFailed, dead[0].Status)
	assert.Contains(t, dead[0].LastError, "max attempts reached")
	assert.NotNil(t, dead[0].CompletedAt)
}

func TestRecoverStaleRunning(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()
	base := time.Now().UTC()
	backend.now = func() time.Time { return base }

	_, err := backend.Enqueue(ctx, makeEvent("alpha", "notes.json", "payload"), []types.Target{types.TargetVector}, false)
	require.NoError(t, err)
	_, err = backend.ClaimBatch(ctx, 1, ClaimFilter{})
	require.NoError(t, err)

	// Still within the stale window: nothing recovered.
	n, err := backend.RecoverStaleRunning(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	backend.now = func() time.Time { return base.Add(10 * time.Minute) }
	n, err = backend.RecoverStaleRunning(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := backend.ClaimBatch(ctx, 1, ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.Equal(t, "recovered stale running job", jobs[0].LastError)
}

func TestFailTargetDrainsBacklog(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	for _, file := range []string{"a.json", "b.json", "c.json"} {
		_, err := backend.Enqueue(ctx, makeEvent("alpha", file, "content "+file), []types.Target{types.TargetArchival}, false)
		require.NoError(t, err)
	}
	_, err := backend.Enqueue(ctx, makeEvent("alpha", "d.json", "content d"), []types.Target{types.TargetVector}, false)
	require.NoError(t, err)

	n, err := backend.FailTarget(ctx, types.TargetArchival, "archival disabled: repeated upstream rejections")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	dead, err := backend.Deadletters(ctx, types.TargetArchival, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 3)

	// The vector row is untouched.
	outstanding, err := backend.OutstandingForTarget(ctx, types.TargetVector)
	require.NoError(t, err)
	assert.Equal(t, 1, outstanding)
}

func TestGCDeletesByCategory(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-400 * time.Hour)
	backend.now = func() time.Time { return base }

	// Old terminal rows plus an archival row that never got attempted.
	_, err := backend.Enqueue(ctx, makeEvent("alpha", "ok.json", "ok"), []types.Target{types.TargetVector}, false)
	require.NoError(t, err)
	_, err = backend.Enqueue(ctx, makeEvent("alpha", "bad.json", "bad"), []types.Target{types.TargetVector}, false)
	require.NoError(t, err)
	_, err = backend.Enqueue(ctx, makeEvent("alpha", "cold.json", "cold"), []types.Target{types.TargetArchival}, false)
	require.NoError(t, err)

	claimed, err := backend.ClaimBatch(ctx, 10, ClaimFilter{ExcludeTargets: []types.Target{types.TargetArchival}})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, j := range claimed {
		if j.File == "ok.json" {
			require.NoError(t, backend.MarkSuccess(ctx, j.ID))
		} else {
			require.NoError(t, backend.MarkFailed(ctx, j.ID, "permanent"))
		}
	}

	// A fresh pending row that must survive.
	backend.now = time.Now
	_, err = backend.Enqueue(ctx, makeEvent("alpha", "fresh.json", "fresh"), []types.Target{types.TargetVector}, false)
	require.NoError(t, err)

	result, err := backend.GC(ctx, GCOptions{
		SucceededRetention: 24 * time.Hour,
		FailedRetention:    168 * time.Hour,
		StalePendingAge:    72 * time.Hour,
		StaleTargets:       []types.Target{types.TargetArchival},
		VacuumMinDeleted:   2,
	})
	require.NoError(t, err)

	assert.Equal(t, "sqlite", result.Backend)
	assert.Equal(t, 1, result.Deleted["succeeded"])
	assert.Equal(t, 1, result.Deleted["failed"])
	assert.Equal(t, 1, result.Deleted["stale_pending_targets"])
	assert.Equal(t, 3, result.DeletedTotal)
	assert.Equal(t, 1, result.AfterTotal)
	assert.True(t, result.Vacuumed)
}

func TestGCRetentionZeroDisablesCategory(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()
	backend.now = func() time.Time { return time.Now().UTC().Add(-400 * time.Hour) }

	_, err := backend.Enqueue(ctx, makeEvent("alpha", "ok.json", "ok"), []types.Target{types.TargetVector}, false)
	require.NoError(t, err)
	jobs, err := backend.ClaimBatch(ctx, 1, ClaimFilter{})
	require.NoError(t, err)
	require.NoError(t, backend.MarkSuccess(ctx, jobs[0].ID))

	backend.now = time.Now
	result, err := backend.GC(ctx, GCOptions{SucceededRetention: 0, FailedRetention: 168 * time.Hour})
	require.NoError(t, err)
	assert.Zero(t, result.DeletedTotal)
	assert.Equal(t, 1, result.AfterTotal)
}

func TestGCVacuumThresholdNotMet(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()
	backend.now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }

	_, err := backend.Enqueue(ctx, makeEvent("alpha", "ok.json", "ok"), []types.Target{types.TargetVector}, false)
	require.NoError(t, err)
	jobs, err := backend.ClaimBatch(ctx, 1, ClaimFilter{})
	require.NoError(t, err)
	require.NoError(t, backend.MarkSuccess(ctx, jobs[0].ID))

	backend.now = time.Now
	result, err := backend.GC(ctx, GCOptions{
		SucceededRetention: 24 * time.Hour,
		VacuumMinDeleted:   500,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeletedTotal)
	assert.False(t, result.Vacuumed)
}

func TestSummaryGroupsCounts(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	_, err := backend.Enqueue(ctx, makeEvent("alpha", "a.json", "a"), []types.Target{types.TargetVector, types.TargetSQL}, false)
	require.NoError(t, err)
	jobs, err := backend.ClaimBatch(ctx, 1, ClaimFilter{Target: types.TargetVector})
	require.NoError(t, err)
	require.NoError(t, backend.MarkSuccess(ctx, jobs[0].ID))

	sum, err := backend.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sum.Backend)
	assert.Equal(t, 1, sum.ByStatus[types.OutboxPending])
	assert.Equal(t, 1, sum.ByStatus[types.OutboxSucceeded])
	assert.Equal(t, 1, sum.Outstanding)
	assert.Equal(t, 1, sum.ByTargetStatus[types.TargetSQL][types.OutboxPending])
	assert.Equal(t, 1, sum.ByTargetStatus[types.TargetVector][types.OutboxSucceeded])
}
