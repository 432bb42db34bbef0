package topics

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/types"
)

// DefaultPath is the topic assigned to files written at the project root.
const DefaultPath = "root"

// CleanPath normalizes a memory file path to slash-separated relative
// form and rejects traversal.
func CleanPath(file string) (string, error) {
	p := strings.TrimSpace(strings.ReplaceAll(file, "\\", "/"))
	if p == "" {
		return "", types.Validationf("fileName", "must not be empty")
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", types.Validationf("fileName", "must not contain '..'")
		}
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return "", types.Validationf("fileName", "must not be empty")
	}
	return p, nil
}

// Derive resolves the topic path and its progressive prefix tags for a
// file. An explicit override wins; otherwise the file's parent directory
// is the topic, and files at the root land under DefaultPath.
func Derive(file, explicit string) (string, []string) {
	topic := strings.Trim(strings.TrimSpace(explicit), "/")
	if topic == "" {
		dir := path.Dir(file)
		if dir == "." || dir == "/" || dir == "" {
			topic = DefaultPath
		} else {
			topic = dir
		}
	}
	return topic, Tags(topic)
}

// Tags expands a topic path into all of its prefixes:
// "a/b/c" becomes ["a", "a/b", "a/b/c"].
func Tags(topicPath string) []string {
	topicPath = strings.Trim(topicPath, "/")
	if topicPath == "" {
		return nil
	}
	segments := strings.Split(topicPath, "/")
	tags := make([]string, 0, len(segments))
	for i := range segments {
		tags = append(tags, strings.Join(segments[:i+1], "/"))
	}
	return tags
}

// Node is one subtree of the topic registry.
type Node struct {
	Count    int              `json:"count"`
	Children map[string]*Node `json:"children,omitempty"`
}

// Tree is the per-project topic registry. Every persisted write bumps
// the counts along its topic path; the whole structure serializes to a
// single JSON document under the data directory so restarts keep the
// accumulated shape.
type Tree struct {
	mu     sync.Mutex
	roots  map[string]*Node
	path   string
	logger zerolog.Logger
}

// NewTree loads the registry from path when the file exists; a missing
// or unreadable file starts empty.
func NewTree(path string, logger zerolog.Logger) *Tree {
	t := &Tree{roots: map[string]*Node{}, path: path, logger: logger}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("Topic registry unreadable, starting empty")
		}
		return t
	}
	if err := json.Unmarshal(raw, &t.roots); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Topic registry corrupt, starting empty")
		t.roots = map[string]*Node{}
	}
	return t
}

// Record bumps counts for a write at (project, topicPath) and persists
// the registry while the lock is held.
func (t *Tree) Record(project, topicPath string) {
	if project == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.roots[project]
	if node == nil {
		node = &Node{}
		t.roots[project] = node
	}
	node.Count++

	for _, segment := range splitTopic(topicPath) {
		if node.Children == nil {
			node.Children = map[string]*Node{}
		}
		child := node.Children[segment]
		if child == nil {
			child = &Node{}
			node.Children[segment] = child
		}
		child.Count++
		node = child
	}
	t.save()
}

func splitTopic(topicPath string) []string {
	topicPath = strings.Trim(topicPath, "/")
	if topicPath == "" || topicPath == DefaultPath {
		return nil
	}
	return strings.Split(topicPath, "/")
}

// save writes the registry atomically; callers hold the lock.
func (t *Tree) save() {
	if t.path == "" {
		return
	}
	raw, err := json.Marshal(t.roots)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Topic registry marshal failed")
		return
	}
	tmp := t.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		t.logger.Warn().Err(err).Msg("Topic registry directory missing")
		return
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		t.logger.Warn().Err(err).Msg("Topic registry write failed")
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		t.logger.Warn().Err(err).Msg("Topic registry rename failed")
	}
}

// Snapshot deep-copies the registry, optionally scoped to one project
// and bounded to depth levels (depth <= 0 means unbounded).
func (t *Tree) Snapshot(project string, depth int) map[string]*Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := map[string]*Node{}
	if project != "" {
		if node, ok := t.roots[project]; ok {
			out[project] = copyNode(node, depth)
		}
		return out
	}
	for name, node := range t.roots {
		out[name] = copyNode(node, depth)
	}
	return out
}

func copyNode(n *Node, depth int) *Node {
	dup := &Node{Count: n.Count}
	if depth == 1 || len(n.Children) == 0 {
		return dup
	}
	next := depth - 1
	if depth <= 0 {
		next = 0
	}
	dup.Children = make(map[string]*Node, len(n.Children))
	for name, child := range n.Children {
		dup.Children[name] = copyNode(child, next)
	}
	return dup
}

// Entry is one flattened topic row for list responses.
type Entry struct {
	Project string `json:"project"`
	Path    string `json:"path"`
	Count   int    `json:"count"`
	Depth   int    `json:"depth"`
}

// ListOptions filter the flattened registry.
type ListOptions struct {
	Project  string
	Prefix   string
	Limit    int
	MinCount int
	Depth    int
}

// ListResult is the payload for topic list responses.
type ListResult struct {
	Topics []Entry `json:"topics"`
	Total  int     `json:"total"`
}

// List flattens the registry into (project, path, count) rows sorted by
// count descending, then path. Total counts all matches before the
// limit is applied.
func (t *Tree) List(opts ListOptions) ListResult {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var entries []Entry
	for project, node := range t.roots {
		if opts.Project != "" && project != opts.Project {
			continue
		}
		flatten(project, "", node, 0, opts, &entries)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		if entries[i].Project != entries[j].Project {
			return entries[i].Project < entries[j].Project
		}
		return entries[i].Path < entries[j].Path
	})

	total := len(entries)
	if len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	if entries == nil {
		entries = []Entry{}
	}
	return ListResult{Topics: entries, Total: total}
}

func flatten(project, prefix string, node *Node, depth int, opts ListOptions, out *[]Entry) {
	if opts.Depth > 0 && depth > opts.Depth {
		return
	}
	if depth > 0 {
		if node.Count >= opts.MinCount && strings.HasPrefix(prefix, opts.Prefix) {
			*out = append(*out, Entry{Project: project, Path: prefix, Count: node.Count, Depth: depth})
		}
	}
	for name, child := range node.Children {
		childPrefix := name
		if prefix != "" {
			childPrefix = prefix + "/" + name
		}
		flatten(project, childPrefix, child, depth+1, opts, out)
	}
}

// Describe returns a short human summary for messaging responses.
func (t *Tree) Describe(project string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.roots[project]
	if !ok {
		return fmt.Sprintf("no topics recorded for %s", project)
	}
	return fmt.Sprintf("%d writes across %d top-level topics", node.Count, len(node.Children))
}
