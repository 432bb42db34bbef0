package sinks

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/types"
)

// VectorStore writes memory events into a Qdrant-compatible vector
// collection and serves similarity queries for retrieval. Points are
// keyed by a stable UUID over (project, file) so repeated writes to the
// same file upsert in place.
type VectorStore struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
	embeddings *EmbeddingClient
	logger     zerolog.Logger
}

// NewVectorStore builds a client for the collection at url.
func NewVectorStore(url, apiKey, collection string, timeout time.Duration, embeddings *EmbeddingClient, logger zerolog.Logger) *VectorStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &VectorStore{
		url:        url,
		apiKey:     apiKey,
		collection: collection,
		client:     &http.Client{Timeout: timeout},
		embeddings: embeddings,
		logger:     logger,
	}
}

func (v *VectorStore) headers() map[string]string {
	if v.apiKey == "" {
		return nil
	}
	return map[string]string{"api-key": v.apiKey}
}

// PointID derives the stable point id for a (project, file) pair.
func PointID(project, file string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("engram://"+project+"/"+file)).String()
}

type vectorPayload struct {
	Project     string   `json:"project"`
	File        string   `json:"file"`
	Summary     string   `json:"summary"`
	TopicPath   string   `json:"topic_path,omitempty"`
	TopicTags   []string `json:"topic_tags,omitempty"`
	ContentHash string   `json:"content_hash,omitempty"`
	UpdatedAt   float64  `json:"updated_at"`
}

type vectorPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload vectorPayload `json:"payload"`
}

// Upsert embeds each event's summary and bulk-writes the points.
func (v *VectorStore) Upsert(ctx context.Context, events []*types.MemoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	points := make([]vectorPoint, 0, len(events))
	for _, event := range events {
		text := event.Summary
		if text == "" {
			text = event.Content
		}
		vector, err := v.embeddings.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embed event %s: %w", event.EventID, err)
		}
		points = append(points, vectorPoint{
			ID:     PointID(event.Project, event.File),
			Vector: vector,
			Payload: vectorPayload{
				Project:     event.Project,
				File:        event.File,
				Summary:     event.Summary,
				TopicPath:   event.TopicPath,
				TopicTags:   event.TopicTags,
				ContentHash: event.ContentHash,
				UpdatedAt:   float64(time.Now().UnixNano()) / float64(time.Second),
			},
		})
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", v.url, v.collection)
	return doJSON(ctx, v.client, "vector", http.MethodPut, url, v.headers(),
		map[string]any{"points": points}, nil)
}

// qdrantFilter builds the match conditions for project/topic scoping.
// Topic scoping matches against topic_tags, which hold every path
// prefix, so a tag equality is a prefix filter.
func qdrantFilter(project, topicPath string) map[string]any {
	var must []map[string]any
	if project != "" {
		must = append(must, map[string]any{"key": "project", "match": map[string]any{"value": project}})
	}
	if topicPath != "" {
		must = append(must, map[string]any{"key": "topic_tags", "match": map[string]any{"value": topicPath}})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

// Hit is one similarity result.
type Hit struct {
	Project string
	File    string
	Summary string
	Score   float64
}

// Query runs a similarity search scoped to project/topic.
func (v *VectorStore) Query(ctx context.Context, vector []float32, project, topicPath string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 8
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter := qdrantFilter(project, topicPath); filter != nil {
		body["filter"] = filter
	}

	var resp struct {
		Result []struct {
			Score   float64       `json:"score"`
			Payload vectorPayload `json:"payload"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", v.url, v.collection)
	if err := doJSON(ctx, v.client, "vector", http.MethodPost, url, v.headers(), body, &resp); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{
			Project: r.Payload.Project,
			File:    r.Payload.File,
			Summary: r.Payload.Summary,
			Score:   r.Score,
		})
	}
	return hits, nil
}

// ScrollPoint is one point returned by retention scans.
type ScrollPoint struct {
	ID        string
	Project   string
	File      string
	TopicPath string
	Summary   string
	UpdatedAt time.Time
}

// Scroll pages through points ordered by update time ascending, for
// retention scans. The returned offset continues the walk; nil means
// the walk is complete.
func (v *VectorStore) Scroll(ctx context.Context, offset any, limit int) ([]ScrollPoint, any, error) {
	if limit <= 0 {
		limit = 100
	}
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"order_by":     map[string]any{"key": "updated_at", "direction": "asc"},
	}
	if offset != nil {
		body["offset"] = offset
	}

	var resp struct {
		Result struct {
			Points []struct {
				ID      any           `json:"id"`
				Payload vectorPayload `json:"payload"`
			} `json:"points"`
			NextPageOffset any `json:"next_page_offset"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/scroll", v.url, v.collection)
	if err := doJSON(ctx, v.client, "vector", http.MethodPost, url, v.headers(), body, &resp); err != nil {
		return nil, nil, err
	}

	points := make([]ScrollPoint, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		points = append(points, ScrollPoint{
			ID:        fmt.Sprintf("%v", p.ID),
			Project:   p.Payload.Project,
			File:      p.Payload.File,
			TopicPath: p.Payload.TopicPath,
			Summary:   p.Payload.Summary,
			UpdatedAt: time.Unix(0, int64(p.Payload.UpdatedAt*float64(time.Second))).UTC(),
		})
	}
	return points, resp.Result.NextPageOffset, nil
}

// Delete removes points by id.
func (v *VectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", v.url, v.collection)
	return doJSON(ctx, v.client, "vector", http.MethodPost, url, v.headers(),
		map[string]any{"points": ids}, nil)
}

// Healthy checks the collection answers.
func (v *VectorStore) Healthy(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections/%s", v.url, v.collection)
	return doJSON(ctx, v.client, "vector", http.MethodGet, url, v.headers(), nil, nil)
}
