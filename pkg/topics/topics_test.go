package topics

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmcp/engram/pkg/log"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"notes/standup.json", "notes/standup.json", false},
		{"notes\\standup.json", "notes/standup.json", false},
		{"  notes/a.json  ", "notes/a.json", false},
		{"/leading/slash.json", "leading/slash.json", false},
		{"a/./b.json", "a/b.json", false},
		{"../escape.json", "", true},
		{"a/../../b.json", "", true},
		{"", "", true},
		{"   ", "", true},
	}
	for _, tt := range tests {
		got, err := CleanPath(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		file     string
		explicit string
		want     string
		wantTags []string
	}{
		{"notes/standup.json", "", "notes", []string{"notes"}},
		{"a/b/c.json", "", "a/b", []string{"a", "a/b"}},
		{"top.json", "", "root", []string{"root"}},
		{"a/b/c.json", "signals/live", "signals/live", []string{"signals", "signals/live"}},
		{"a/b/c.json", "/trimmed/", "trimmed", []string{"trimmed"}},
	}
	for _, tt := range tests {
		topic, tags := Derive(tt.file, tt.explicit)
		assert.Equal(t, tt.want, topic, "file %q", tt.file)
		assert.Equal(t, tt.wantTags, tags, "file %q", tt.file)
	}
}

func TestTags(t *testing.T) {
	assert.Equal(t, []string{"a", "a/b", "a/b/c"}, Tags("a/b/c"))
	assert.Equal(t, []string{"root"}, Tags("root"))
	assert.Nil(t, Tags(""))
}

func TestRecordAndSnapshot(t *testing.T) {
	tree := NewTree("", log.WithComponent("topics-test"))

	tree.Record("alpha", "notes")
	tree.Record("alpha", "notes/daily")
	tree.Record("alpha", "signals")
	tree.Record("beta", "root")

	snap := tree.Snapshot("", 0)
	require.Contains(t, snap, "alpha")
	require.Contains(t, snap, "beta")
	assert.Equal(t, 3, snap["alpha"].Count)
	assert.Equal(t, 2, snap["alpha"].Children["notes"].Count)
	assert.Equal(t, 1, snap["alpha"].Children["notes"].Children["daily"].Count)
	assert.Equal(t, 1, snap["alpha"].Children["signals"].Count)
	// "root" records against the project node only.
	assert.Equal(t, 1, snap["beta"].Count)
	assert.Empty(t, snap["beta"].Children)
}

func TestSnapshotDepthBound(t *testing.T) {
	tree := NewTree("", log.WithComponent("topics-test"))
	tree.Record("alpha", "a/b/c")

	snap := tree.Snapshot("alpha", 2)
	require.Contains(t, snap["alpha"].Children, "a")
	assert.Nil(t, snap["alpha"].Children["a"].Children)
}

func TestListFlattensAndSorts(t *testing.T) {
	tree := NewTree("", log.WithComponent("topics-test"))
	for i := 0; i < 3; i++ {
		tree.Record("alpha", "notes")
	}
	tree.Record("alpha", "notes/daily")
	tree.Record("alpha", "signals")
	tree.Record("beta", "notes")

	res := tree.List(ListOptions{Limit: 10})
	require.NotEmpty(t, res.Topics)
	assert.Equal(t, res.Total, len(res.Topics))
	// Highest count first.
	assert.Equal(t, "notes", res.Topics[0].Path)
	assert.Equal(t, "alpha", res.Topics[0].Project)
	assert.Equal(t, 4, res.Topics[0].Count)

	scoped := tree.List(ListOptions{Project: "beta", Limit: 10})
	require.Len(t, scoped.Topics, 1)
	assert.Equal(t, "beta", scoped.Topics[0].Project)

	prefixed := tree.List(ListOptions{Prefix: "notes/", Limit: 10})
	require.Len(t, prefixed.Topics, 1)
	assert.Equal(t, "notes/daily", prefixed.Topics[0].Path)

	minCount := tree.List(ListOptions{MinCount: 4, Limit: 10})
	require.Len(t, minCount.Topics, 1)
	assert.Equal(t, 4, minCount.Topics[0].Count)

	limited := tree.List(ListOptions{Limit: 2})
	assert.Len(t, limited.Topics, 2)
	assert.Greater(t, limited.Total, 2)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.json")
	logger := log.WithComponent("topics-test")

	tree := NewTree(path, logger)
	tree.Record("alpha", "notes/daily")
	tree.Record("alpha", "notes")

	reloaded := NewTree(path, logger)
	snap := reloaded.Snapshot("alpha", 0)
	require.Contains(t, snap, "alpha")
	assert.Equal(t, 2, snap["alpha"].Count)
	assert.Equal(t, 2, snap["alpha"].Children["notes"].Count)
	assert.Equal(t, 1, snap["alpha"].Children["notes"].Children["daily"].Count)
}
