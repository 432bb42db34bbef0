package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/ingest"
	"github.com/memmcp/engram/pkg/log"
	"github.com/memmcp/engram/pkg/retrieval"
	"github.com/memmcp/engram/pkg/secrets"
	"github.com/memmcp/engram/pkg/tasks"
	"github.com/memmcp/engram/pkg/types"
)

type fakeMemory struct {
	got  *ingest.WriteRequest
	resp *ingest.WriteResponse
	err  error
}

func (f *fakeMemory) Write(_ context.Context, req *ingest.WriteRequest) (*ingest.WriteResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &ingest.WriteResponse{OK: true, Project: req.Project, File: req.File}, nil
}

type fakeSearcher struct {
	got  *retrieval.SearchRequest
	resp *retrieval.SearchResponse
	err  error
}

func (f *fakeSearcher) Search(_ context.Context, req *retrieval.SearchRequest) (*retrieval.SearchResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func testMessagingConfig() config.MessagingConfig {
	return config.MessagingConfig{
		BotName:        "engram",
		StrictChannels: []string{"openclaw"},
		DefaultProject: "chat-memory",
	}
}

func newTestInterpreter(deps Deps) *Interpreter {
	i := NewInterpreter(testMessagingConfig(), deps, log.WithComponent("messaging-test"))
	i.now = func() time.Time { return time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC) }
	return i
}

func TestStrictChannelResolution(t *testing.T) {
	i := newTestInterpreter(Deps{})

	assert.True(t, i.StrictChannel("openclaw"))
	assert.True(t, i.StrictChannel("OpenClaw"))
	assert.True(t, i.StrictChannel("  openclaw  "))
	assert.False(t, i.StrictChannel("dev"))
	assert.False(t, i.StrictChannel(""))
}

func TestMentionStripping(t *testing.T) {
	i := newTestInterpreter(Deps{})

	tests := []struct {
		name      string
		text      string
		want      string
		mentioned bool
	}{
		{"bare mention", "@engram recall deploys", "recall deploys", true},
		{"underscore bot suffix", "@engram_bot help", "help", true},
		{"dash bot suffix", "@Engram-Bot status", "status", true},
		{"colon form", "engram: remember the key rotation", "remember the key rotation", true},
		{"no mention", "remember the key rotation", "remember the key rotation", false},
		{"mention mid-text ignored", "please ask @engram later", "please ask @engram later", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, mentioned := i.stripMention(tt.text)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.mentioned, mentioned)
		})
	}
}

func TestRequirePrefixSkipsUnaddressedText(t *testing.T) {
	memory := &fakeMemory{}
	i := newTestInterpreter(Deps{Memory: memory})

	reply, err := i.Handle(context.Background(), &Command{
		Channel:       "dev",
		Text:          "remember the deploy window",
		RequirePrefix: true,
	})
	require.NoError(t, err)
	assert.False(t, reply.Handled)
	assert.Nil(t, memory.got)

	reply, err = i.Handle(context.Background(), &Command{
		Channel:       "dev",
		Text:          "@engram remember the deploy window",
		RequirePrefix: true,
	})
	require.NoError(t, err)
	assert.True(t, reply.Handled)
	require.NotNil(t, memory.got)
}

func TestRememberDerivesChatFile(t *testing.T) {
	memory := &fakeMemory{}
	i := newTestInterpreter(Deps{Memory: memory})

	reply, err := i.Handle(context.Background(), &Command{
		Channel: "Dev",
		Text:    "remember rotate the staging certs on friday",
		UserID:  "u-7",
	})
	require.NoError(t, err)
	assert.True(t, reply.Handled)
	assert.Contains(t, reply.Text, "Remembered to chat-memory/")

	require.NotNil(t, memory.got)
	assert.Equal(t, "chat-memory", memory.got.Project)
	assert.Equal(t, "chat/dev/20250314-092653.000.md", memory.got.File)
	assert.Equal(t, "rotate the staging certs on friday", memory.got.Content)
	assert.Equal(t, "chat-dev", memory.got.RequestID)
}

func TestRememberHonorsExplicitProjectAndTopic(t *testing.T) {
	memory := &fakeMemory{}
	i := newTestInterpreter(Deps{Memory: memory})

	_, err := i.Handle(context.Background(), &Command{
		Channel:   "ops",
		Project:   "infra",
		TopicPath: "infra/alerts",
		Text:      "remember pager escalation goes to layer two after five minutes",
	})
	require.NoError(t, err)
	assert.Equal(t, "infra", memory.got.Project)
	assert.Equal(t, "infra/alerts", memory.got.TopicPath)
}

func TestRememberDedupedReply(t *testing.T) {
	memory := &fakeMemory{resp: &ingest.WriteResponse{OK: true, Project: "chat-memory", File: "chat/dev/x.md", Deduped: true}}
	i := newTestInterpreter(Deps{Memory: memory})

	reply, err := i.Handle(context.Background(), &Command{Channel: "dev", Text: "remember the same thing"})
	require.NoError(t, err)
	assert.Equal(t, "Already on file; nothing new to remember.", reply.Text)
}

func TestRememberStrictBlocksSecrets(t *testing.T) {
	memory := &fakeMemory{}
	i := newTestInterpreter(Deps{Memory: memory})

	_, err := i.Handle(context.Background(), &Command{
		Channel: "openclaw",
		Text:    "remember api_key=sk-test1234567890abcdef",
		Strict:  true,
	})
	require.Error(t, err)

	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, secrets.BlockedReason, ve.Reason)
	assert.Nil(t, memory.got, "blocked content must never reach the write path")

	// The same text on a lax channel goes through.
	_, err = i.Handle(context.Background(), &Command{Channel: "dev", Text: "remember api_key=sk-test1234567890abcdef"})
	require.NoError(t, err)
	require.NotNil(t, memory.got)
}

func TestRecallRendersResults(t *testing.T) {
	search := &fakeSearcher{resp: &retrieval.SearchResponse{
		OK: true,
		Results: []types.SearchResult{
			{Project: "infra", File: "notes/deploy.md", Summary: "deploy checklist", Score: 0.9},
			{Project: "infra", File: "notes/rollback.md", Summary: "rollback steps", Score: 0.7},
		},
	}}
	i := newTestInterpreter(Deps{Search: search})

	reply, err := i.Handle(context.Background(), &Command{
		Channel: "dev",
		Project: "infra",
		Text:    "recall deploy checklist",
		UserID:  "u-7",
	})
	require.NoError(t, err)
	assert.True(t, reply.Handled)
	assert.Equal(t, "1. [infra/notes/deploy.md] deploy checklist\n2. [infra/notes/rollback.md] rollback steps", reply.Text)

	require.NotNil(t, search.got)
	assert.Equal(t, "deploy checklist", search.got.Query)
	assert.Equal(t, "infra", search.got.Project)
	assert.Equal(t, "u-7", search.got.UserID)
	assert.Equal(t, 5, search.got.Limit)
}

func TestRecallNoMatches(t *testing.T) {
	search := &fakeSearcher{resp: &retrieval.SearchResponse{OK: true}}
	i := newTestInterpreter(Deps{Search: search})

	reply, err := i.Handle(context.Background(), &Command{Channel: "dev", Text: "recall nothing known"})
	require.NoError(t, err)
	assert.Equal(t, "Nothing matched.", reply.Text)
}

func TestRecallStrictRedactsReplies(t *testing.T) {
	search := &fakeSearcher{resp: &retrieval.SearchResponse{
		OK: true,
		Results: []types.SearchResult{
			{Project: "infra", File: "notes/creds.md", Summary: "token: abcdef12345678secret", Score: 0.9},
		},
	}}
	i := newTestInterpreter(Deps{Search: search})

	reply, err := i.Handle(context.Background(), &Command{
		Channel: "openclaw",
		Text:    "recall where is the service token",
		Strict:  true,
	})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, secrets.Placeholder)
	assert.NotContains(t, reply.Text, "abcdef12345678secret")

	raw, err := json.Marshal(reply.Data)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "abcdef12345678secret")
	assert.Contains(t, string(raw), secrets.Placeholder)
}

func TestRecallStrictBlocksSecretQueries(t *testing.T) {
	i := newTestInterpreter(Deps{Search: &fakeSearcher{}})

	_, err := i.Handle(context.Background(), &Command{
		Channel: "openclaw",
		Text:    "recall api_key=sk-test1234567890abcdef",
		Strict:  true,
	})
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, secrets.BlockedReason, ve.Reason)
}

func TestStatusCommand(t *testing.T) {
	i := newTestInterpreter(Deps{Status: func(context.Context) any {
		return map[string]any{"status": "ok"}
	}})

	reply, err := i.Handle(context.Background(), &Command{Channel: "dev", Text: "status"})
	require.NoError(t, err)
	assert.True(t, reply.Handled)
	require.NotNil(t, reply.Data)
}

func TestTaskLifecycleFromChat(t *testing.T) {
	store := newMessagingTaskStore(t)
	i := newTestInterpreter(Deps{Tasks: store})
	ctx := context.Background()

	create := `task create {"title":"reindex notes","payload":{"action":"memory_write","fileName":"notes.md","content":"hi"}}`
	reply, err := i.Handle(ctx, &Command{Channel: "dev", UserID: "u-7", Text: create})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "queued")

	task, ok := reply.Data.(*types.Task)
	require.True(t, ok)
	assert.Equal(t, types.TaskQueued, task.Status)
	assert.Equal(t, "u-7", task.CreatedBy)

	reply, err = i.Handle(ctx, &Command{Channel: "dev", Text: "task status " + task.ID})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, task.ID)
	assert.Contains(t, reply.Text, "queued")

	reply, err = i.Handle(ctx, &Command{Channel: "dev", Text: "task list"})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "reindex notes")

	reply, err = i.Handle(ctx, &Command{Channel: "dev", UserID: "ops-1", Text: "task cancel " + task.ID})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "canceled")

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCanceled, got.Status)

	reply, err = i.Handle(ctx, &Command{Channel: "dev", Text: "task replay " + task.ID})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "replayed")
}

func TestTaskCreateFallsBackToChannelIdentity(t *testing.T) {
	store := newMessagingTaskStore(t)
	i := newTestInterpreter(Deps{Tasks: store})

	create := `task create {"title":"nightly sweep","payload":{"action":"memory_search","query":"q"}}`
	reply, err := i.Handle(context.Background(), &Command{Channel: "Ops", Text: create})
	require.NoError(t, err)

	task := reply.Data.(*types.Task)
	assert.Equal(t, "chat:ops", task.CreatedBy)
}

func TestTaskApprovalFromChat(t *testing.T) {
	store := newMessagingTaskStore(t)
	i := newTestInterpreter(Deps{Tasks: store})
	ctx := context.Background()

	create := `task create {"title":"call webhook","payload":{"action":"http_callback","url":"http://127.0.0.1:1/ping"}}`
	reply, err := i.Handle(ctx, &Command{Channel: "ops", Text: create})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "approval required")

	task := reply.Data.(*types.Task)
	require.Equal(t, types.TaskQueued, task.Status)
	require.True(t, task.ApprovalRequired)

	reply, err = i.Handle(ctx, &Command{Channel: "ops", UserID: "lead-1", Text: "task approve " + task.ID})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "approved")

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskApproved, got.Status)
	assert.True(t, got.Approved)

	events, err := store.Events(ctx, task.ID, 10)
	require.NoError(t, err)
	var messages []string
	for _, ev := range events {
		messages = append(messages, ev.Message)
	}
	assert.Contains(t, strings.Join(messages, "\n"), "approved by lead-1")
}

func TestTaskListByStatus(t *testing.T) {
	store := newMessagingTaskStore(t)
	i := newTestInterpreter(Deps{Tasks: store})
	ctx := context.Background()

	for n := 0; n < 2; n++ {
		create := fmt.Sprintf(`task create {"title":"job %d","payload":{"action":"memory_search","query":"q"}}`, n)
		_, err := i.Handle(ctx, &Command{Channel: "dev", Text: create})
		require.NoError(t, err)
	}

	reply, err := i.Handle(ctx, &Command{Channel: "dev", Text: "task list queued"})
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(reply.Text, "\n")+1)

	_, err = i.Handle(ctx, &Command{Channel: "dev", Text: "task list bogus"})
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestTaskUsageAndEmptyDeadletter(t *testing.T) {
	store := newMessagingTaskStore(t)
	i := newTestInterpreter(Deps{Tasks: store})
	ctx := context.Background()

	reply, err := i.Handle(ctx, &Command{Channel: "dev", Text: "task"})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "task create")

	reply, err = i.Handle(ctx, &Command{Channel: "dev", Text: "task deadletter"})
	require.NoError(t, err)
	assert.Equal(t, "Deadletter is empty.", reply.Text)
}

func TestDispatchPayloadRoundTrip(t *testing.T) {
	memory := &fakeMemory{}
	i := newTestInterpreter(Deps{Memory: memory})

	raw, err := json.Marshal(Command{Channel: "dev", Text: "remember automation wrote this"})
	require.NoError(t, err)

	text, err := i.DispatchPayload(context.Background(), raw)
	require.NoError(t, err)
	assert.Contains(t, text, "Remembered to")
	require.NotNil(t, memory.got)
	assert.Equal(t, "automation wrote this", memory.got.Content)
}

func TestDispatchPayloadResolvesStrictness(t *testing.T) {
	i := newTestInterpreter(Deps{Memory: &fakeMemory{}})

	raw, err := json.Marshal(Command{Channel: "openclaw", Text: "remember api_key=sk-test1234567890abcdef"})
	require.NoError(t, err)

	_, err = i.DispatchPayload(context.Background(), raw)
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, secrets.BlockedReason, ve.Reason)
}

func TestDispatchPayloadRejectsUnhandledText(t *testing.T) {
	i := newTestInterpreter(Deps{})

	raw, err := json.Marshal(Command{Channel: "dev", Text: "xyzzy nothing here"})
	require.NoError(t, err)

	_, err = i.DispatchPayload(context.Background(), raw)
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestHelpAndUnknownCommands(t *testing.T) {
	i := newTestInterpreter(Deps{})

	reply, err := i.Handle(context.Background(), &Command{Channel: "dev", Text: "help"})
	require.NoError(t, err)
	assert.True(t, reply.Handled)
	assert.Contains(t, reply.Text, "remember")
	assert.Contains(t, reply.Text, "recall")

	reply, err = i.Handle(context.Background(), &Command{Channel: "dev", Text: "xyzzy"})
	require.NoError(t, err)
	assert.False(t, reply.Handled)

	_, err = i.Handle(context.Background(), &Command{Channel: "dev", Text: "   "})
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestUnwiredDependenciesAnswerGracefully(t *testing.T) {
	i := newTestInterpreter(Deps{})
	ctx := context.Background()

	for _, text := range []string{"remember x", "recall x", "status", "task list"} {
		reply, err := i.Handle(ctx, &Command{Channel: "dev", Text: text})
		require.NoError(t, err, text)
		assert.True(t, reply.Handled, text)
		assert.Contains(t, reply.Text, "not wired", text)
	}
}

func newMessagingTaskStore(t *testing.T) *tasks.Store {
	t.Helper()
	store, err := tasks.NewStore(filepath.Join(t.TempDir(), "engram.db"), config.TasksConfig{
		LeaseSecs:           60,
		MaxAttempts:         3,
		PollIntervalSecs:    1,
		AllowedActions:      []string{"memory_write", "memory_search", "messaging_command", "http_callback", "provider_chat"},
		CallbackHosts:       []string{"127.0.0.1"},
		ApprovalForHighRisk: true,
		RuntimeName:         "engram-test",
	}, log.WithComponent("messaging-test"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
