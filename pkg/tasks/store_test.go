package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/log"
	"github.com/memmcp/engram/pkg/types"
)

func testTasksConfig() config.TasksConfig {
	return config.TasksConfig{
		LeaseSecs:           60,
		MaxAttempts:         3,
		PollIntervalSecs:    0.02,
		AllowedActions:      []string{"memory_write", "memory_search", "messaging_command", "http_callback", "provider_chat"},
		CallbackHosts:       []string{"127.0.0.1"},
		ApprovalForHighRisk: true,
		RuntimeName:         "engram-test",
	}
}

func newTestTaskStore(t *testing.T, cfg config.TasksConfig) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "engram.db"), cfg, log.WithComponent("tasks-test"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func writeTaskPayload() json.RawMessage {
	return json.RawMessage(`{"action":"memory_write","fileName":"notes.md","content":"hello"}`)
}

func callbackTaskPayload() json.RawMessage {
	return json.RawMessage(`{"action":"http_callback","url":"http://127.0.0.1:1/ping"}`)
}

func TestCreateTaskValidation(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())
	ctx := context.Background()

	tests := []struct {
		name    string
		req     *CreateRequest
		wantErr string
	}{
		{
			name:    "nil body",
			req:     nil,
			wantErr: "missing task body",
		},
		{
			name:    "missing title",
			req:     &CreateRequest{Payload: writeTaskPayload()},
			wantErr: "title is required",
		},
		{
			name:    "missing payload",
			req:     &CreateRequest{Title: "note it"},
			wantErr: "payload is required",
		},
		{
			name:    "payload not an object",
			req:     &CreateRequest{Title: "note it", Payload: json.RawMessage(`"oops"`)},
			wantErr: "JSON object",
		},
		{
			name:    "unknown action",
			req:     &CreateRequest{Title: "note it", Payload: json.RawMessage(`{"action":"shell_exec"}`)},
			wantErr: "unknown task action",
		},
		{
			name:    "negative delay",
			req:     &CreateRequest{Title: "note it", Payload: writeTaskPayload(), DelaySecs: -1},
			wantErr: "must not be negative",
		},
		{
			name: "ok",
			req:  &CreateRequest{Title: "note it", Project: "alpha", Payload: writeTaskPayload()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := store.Create(ctx, tt.req)
			if tt.wantErr != "" {
				require.Error(t, err)
				var ve *types.ValidationError
				assert.ErrorAs(t, err, &ve)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, task.ID, 16)
			assert.Equal(t, types.TaskQueued, task.Status)
			assert.Equal(t, types.RiskLow, task.RiskLevel)
			assert.Equal(t, 3, task.MaxAttempts)
			assert.False(t, task.ApprovalRequired)
		})
	}
}

func TestCreateHonorsAllowlist(t *testing.T) {
	cfg := testTasksConfig()
	cfg.AllowedActions = []string{"memory_search"}
	store := newTestTaskStore(t, cfg)

	_, err := store.Create(context.Background(), &CreateRequest{Title: "note it", Payload: writeTaskPayload()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed on this deployment")
}

func TestApprovalGateBlocksHighRisk(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())
	ctx := context.Background()

	task, err := store.Create(ctx, &CreateRequest{Title: "ping home", Payload: callbackTaskPayload()})
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, task.Status)
	assert.Equal(t, types.RiskHigh, task.RiskLevel)
	assert.True(t, task.ApprovalRequired)

	claimed, err := store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	assert.Nil(t, claimed, "unapproved tasks must not be claimable")

	approved, err := store.Approve(ctx, task.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, types.TaskApproved, approved.Status)
	assert.True(t, approved.Approved)

	claimed, err = store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, types.TaskRunning, claimed.Status)
	assert.Equal(t, "w-1", claimed.Worker)
	assert.Equal(t, 1, claimed.Attempts)

	events, err := store.Events(ctx, task.ID, 0)
	require.NoError(t, err)
	var messages []string
	for _, ev := range events {
		messages = append(messages, ev.Message)
	}
	assert.Contains(t, messages, "task created; awaiting approval")
	assert.Contains(t, messages, "approved by ops")
	assert.Contains(t, messages, "claimed by w-1")
}

func TestClaimOrderAndAgentRouting(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())
	ctx := context.Background()

	low, err := store.Create(ctx, &CreateRequest{Title: "low", Payload: writeTaskPayload()})
	require.NoError(t, err)
	high, err := store.Create(ctx, &CreateRequest{Title: "high", Priority: 5, Payload: writeTaskPayload()})
	require.NoError(t, err)
	_, err = store.Create(ctx, &CreateRequest{Title: "later", Priority: 9, DelaySecs: 3600, Payload: writeTaskPayload()})
	require.NoError(t, err)
	routed, err := store.Create(ctx, &CreateRequest{Title: "routed", Agent: "indexer", Payload: writeTaskPayload()})
	require.NoError(t, err)

	first, err := store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID, "highest due priority claims first")

	second, err := store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, low.ID, second.ID)

	// The delayed task is not due and the routed one needs the indexer class.
	none, err := store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	assert.Nil(t, none)

	third, err := store.ClaimNext(ctx, "w-2", "indexer")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, routed.ID, third.ID)
}

func TestWorkerMissingNameRejected(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())

	_, err := store.ClaimNext(context.Background(), "  ", "internal")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker name is required")
}

func TestLeaseRecoveryRequeuesCrashedWorker(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())
	ctx := context.Background()

	base := time.Now().UTC()
	store.now = func() time.Time { return base }

	task, err := store.Create(ctx, &CreateRequest{Title: "note it", Payload: writeTaskPayload()})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)

	// The worker dies. Two minutes later its minute-long lease is stale
	// and the next claimant picks the task up.
	store.now = func() time.Time { return base.Add(2 * time.Minute) }

	reclaimed, err := store.ClaimNext(ctx, "w-2", "internal")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, task.ID, reclaimed.ID)
	assert.Equal(t, "w-2", reclaimed.Worker)
	assert.Equal(t, 2, reclaimed.Attempts)

	events, err := store.Events(ctx, task.ID, 0)
	require.NoError(t, err)
	var recovered bool
	for _, ev := range events {
		if strings.Contains(ev.Message, "lease expired for w-1") {
			recovered = true
		}
	}
	assert.True(t, recovered, "expected a lease expiry event, got %+v", events)
}

func TestRetryExhaustionDeadletters(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())
	ctx := context.Background()

	base := time.Now().UTC()
	store.now = func() time.Time { return base }

	task, err := store.Create(ctx, &CreateRequest{Title: "note it", MaxAttempts: 2, Payload: writeTaskPayload()})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	retried, err := store.RequeueForRetry(ctx, task.ID, "vector store unreachable")
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, retried.Status)
	assert.Equal(t, "vector store unreachable", retried.LastError)
	assert.True(t, retried.RunAfter.After(base), "retry must be delayed")

	// Jump past the backoff window for the second and final attempt.
	store.now = func() time.Time { return base.Add(30 * time.Minute) }

	claimed, err = store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempts)

	failed, err := store.RequeueForRetry(ctx, task.ID, "vector store unreachable")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, failed.Status)
	assert.Contains(t, failed.LastError, "max attempts reached")
	require.NotNil(t, failed.CompletedAt)

	// Attempts are spent; nothing is claimable and the task is terminal.
	none, err := store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = store.UpdateStatus(ctx, task.ID, types.TaskQueued, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task is terminal; use replay")

	dead, err := store.ListDeadletter(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, task.ID, dead[0].ID)
}

func TestReplayRestoresApprovalGate(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())
	ctx := context.Background()

	task, err := store.Create(ctx, &CreateRequest{Title: "ping home", Payload: callbackTaskPayload()})
	require.NoError(t, err)
	require.Equal(t, types.TaskQueued, task.Status)
	require.True(t, task.ApprovalRequired)

	_, err = store.Replay(ctx, task.ID, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only terminal tasks can be replayed")

	_, err = store.UpdateStatus(ctx, task.ID, types.TaskCanceled, "operator canceled")
	require.NoError(t, err)

	replayed, err := store.Replay(ctx, task.ID, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, replayed.Status)

	claimed, err := store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	assert.Nil(t, claimed, "replay does not lift the approval gate")

	_, err = store.Approve(ctx, task.ID, "ops")
	require.NoError(t, err)

	claimed, err = store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	require.NotNil(t, claimed, "approval survives into the replayed run")
	assert.Equal(t, task.ID, claimed.ID)
}

func TestReplayResetsAttempts(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())
	ctx := context.Background()

	task, err := store.Create(ctx, &CreateRequest{Title: "note it", Payload: writeTaskPayload()})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = store.UpdateStatus(ctx, task.ID, types.TaskFailed, "payload rejected")
	require.NoError(t, err)

	replayed, err := store.Replay(ctx, task.ID, true)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, replayed.Status)
	assert.Zero(t, replayed.Attempts)
	assert.Empty(t, replayed.LastError)
	assert.Nil(t, replayed.CompletedAt)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Attempts)
	assert.Equal(t, types.TaskQueued, got.Status)
}

type capturedOutcome struct {
	project string
	file    string
	content string
}

type fakeOutcomeWriter struct {
	outcomes []capturedOutcome
}

func (f *fakeOutcomeWriter) WriteProjectFile(ctx context.Context, project, file, content string) error {
	f.outcomes = append(f.outcomes, capturedOutcome{project: project, file: file, content: content})
	return nil
}

func TestTerminalOutcomeDocument(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())
	writer := &fakeOutcomeWriter{}
	store.SetOutcomeWriter(writer)
	ctx := context.Background()

	task, err := store.Create(ctx, &CreateRequest{Title: "note it", Project: "alpha", Payload: writeTaskPayload()})
	require.NoError(t, err)

	_, err = store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, task.ID, types.TaskSucceeded, `{"ok":true}`)
	require.NoError(t, err)

	require.Len(t, writer.outcomes, 1)
	out := writer.outcomes[0]
	assert.Equal(t, "alpha", out.project)
	assert.Equal(t, "tasks/"+task.ID+"__latest.json", out.file)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out.content), &doc))
	assert.Equal(t, "task_outcome", doc["kind"])
	assert.Equal(t, task.ID, doc["task_id"])
	assert.Equal(t, "succeeded", doc["status"])
}

func TestGetUnknownTask(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())

	_, err := store.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestListFiltersAndOrder(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())
	ctx := context.Background()

	base := time.Now().UTC()
	for i, project := range []string{"alpha", "alpha", "beta"} {
		tick := base.Add(time.Duration(i) * time.Second)
		store.now = func() time.Time { return tick }
		_, err := store.Create(ctx, &CreateRequest{Title: "note it", Project: project, Payload: writeTaskPayload()})
		require.NoError(t, err)
	}

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "beta", all[0].Project, "newest first")

	alpha, err := store.List(ctx, ListFilter{Project: "alpha"})
	require.NoError(t, err)
	assert.Len(t, alpha, 2)

	queued, err := store.List(ctx, ListFilter{Status: types.TaskQueued, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestCountsAndSnapshot(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())
	ctx := context.Background()

	_, err := store.Create(ctx, &CreateRequest{Title: "a", Payload: writeTaskPayload()})
	require.NoError(t, err)
	_, err = store.Create(ctx, &CreateRequest{Title: "b", Payload: writeTaskPayload()})
	require.NoError(t, err)
	_, err = store.Create(ctx, &CreateRequest{Title: "gated", Payload: callbackTaskPayload()})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.TaskQueued])
	assert.Equal(t, 1, counts[types.TaskRunning])

	// The gated callback task is queued but not ready until approved.
	snap, err := store.RuntimeSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Ready)
	require.NotNil(t, snap.OldestReady)
	assert.False(t, snap.GeneratedAt.IsZero())
}

func TestEventsOldestFirst(t *testing.T) {
	store := newTestTaskStore(t, testTasksConfig())
	ctx := context.Background()

	task, err := store.Create(ctx, &CreateRequest{Title: "note it", Payload: writeTaskPayload()})
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx, "w-1", "internal")
	require.NoError(t, err)
	_, err = store.RequeueForRetry(ctx, task.ID, "flaky sink")
	require.NoError(t, err)

	events, err := store.Events(ctx, task.ID, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "task created", events[0].Message)
	assert.Equal(t, types.TaskQueued, events[0].Status)
	assert.Contains(t, events[len(events)-1].Message, "retry 1/3")
}
