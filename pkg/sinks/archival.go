package sinks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/types"
)

// ArchivalStore writes passage records into a conversational archival
// agent and searches them back. Each passage opens with a structured
// header line ("project=<p> file=<f> topic=<t>") so retrieval can
// recover coordinates from free text.
type ArchivalStore struct {
	url       string
	apiKey    string
	agentName string
	client    *http.Client
	agentIDs  *lru.Cache[string, string]
	logger    zerolog.Logger
}

// NewArchivalStore builds a client bound to one named agent.
func NewArchivalStore(baseURL, apiKey, agentName string, timeout time.Duration, logger zerolog.Logger) *ArchivalStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if agentName == "" {
		agentName = "memory-orchestrator"
	}
	cache, _ := lru.New[string, string](16)
	return &ArchivalStore{
		url:       baseURL,
		apiKey:    apiKey,
		agentName: agentName,
		client:    &http.Client{Timeout: timeout},
		agentIDs:  cache,
		logger:    logger,
	}
}

func (a *ArchivalStore) headers() map[string]string {
	if a.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

// agentID resolves and caches the agent id for the configured name.
func (a *ArchivalStore) agentID(ctx context.Context) (string, error) {
	if id, ok := a.agentIDs.Get(a.agentName); ok {
		return id, nil
	}

	var agents []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	listURL := fmt.Sprintf("%s/v1/agents?name=%s", a.url, url.QueryEscape(a.agentName))
	if err := doJSON(ctx, a.client, "archival", http.MethodGet, listURL, a.headers(), nil, &agents); err != nil {
		return "", err
	}
	for _, agent := range agents {
		if agent.Name == a.agentName {
			a.agentIDs.Add(a.agentName, agent.ID)
			return agent.ID, nil
		}
	}
	return "", &types.UpstreamError{
		Backend:   "archival",
		Status:    http.StatusNotFound,
		Permanent: true,
		Err:       fmt.Errorf("archival agent %q not found", a.agentName),
	}
}

// Header renders the structured first line of a passage.
func Header(project, file, topic string) string {
	return fmt.Sprintf("project=%s file=%s topic=%s", project, file, topic)
}

// ParseHeader recovers coordinates from a passage. The remainder after
// the header line is the summary text; older passages carried explicit
// "summary:" and "metadata:" lines, which are unwrapped.
func ParseHeader(text string) (project, file, topic, rest string) {
	line := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
		rest = strings.TrimSpace(text[i+1:])
	}
	if i := strings.Index(rest, "\nmetadata:"); i >= 0 {
		rest = strings.TrimSpace(rest[:i])
	}
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "summary:"))
	for _, field := range strings.Fields(line) {
		switch {
		case strings.HasPrefix(field, "project="):
			project = strings.TrimPrefix(field, "project=")
		case strings.HasPrefix(field, "file="):
			file = strings.TrimPrefix(field, "file=")
		case strings.HasPrefix(field, "topic="):
			topic = strings.TrimPrefix(field, "topic=")
		}
	}
	if project == "" && file == "" && topic == "" {
		rest = strings.TrimSpace(text)
	}
	return project, file, topic, rest
}

// Insert stores one event as a tagged passage.
func (a *ArchivalStore) Insert(ctx context.Context, event *types.MemoryEvent) error {
	id, err := a.agentID(ctx)
	if err != nil {
		return err
	}
	text := Header(event.Project, event.File, event.TopicPath) + "\n" + event.Summary
	body := map[string]any{
		"text": text,
		"tags": []string{"project:" + event.Project},
	}
	insertURL := fmt.Sprintf("%s/v1/agents/%s/passages", a.url, id)
	return doJSON(ctx, a.client, "archival", http.MethodPost, insertURL, a.headers(), body, nil)
}

// Passage is one archival search result.
type Passage struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Search runs a top-k passage query filtered to a project tag.
func (a *ArchivalStore) Search(ctx context.Context, query, project string, limit int) ([]Passage, error) {
	if limit <= 0 {
		limit = 8
	}
	id, err := a.agentID(ctx)
	if err != nil {
		return nil, err
	}
	body := map[string]any{"query": query, "limit": limit}
	if project != "" {
		body["tags"] = []string{"project:" + project}
	}

	var passages []Passage
	searchURL := fmt.Sprintf("%s/v1/agents/%s/passages/search", a.url, id)
	if err := doJSON(ctx, a.client, "archival", http.MethodPost, searchURL, a.headers(), body, &passages); err != nil {
		return nil, err
	}
	return passages, nil
}

// Healthy verifies the agent resolves.
func (a *ArchivalStore) Healthy(ctx context.Context) error {
	_, err := a.agentID(ctx)
	return err
}
