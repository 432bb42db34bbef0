package sinks

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/types"
)

// ObservabilityClient ships memory events to a trace-ingestion service
// as batched event-create records authenticated with a public/secret
// key pair (HTTP basic auth).
type ObservabilityClient struct {
	url       string
	publicKey string
	secretKey string
	client    *http.Client
	logger    zerolog.Logger
}

func NewObservabilityClient(baseURL, publicKey, secretKey string, timeout time.Duration, logger zerolog.Logger) *ObservabilityClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ObservabilityClient{
		url:       baseURL,
		publicKey: publicKey,
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

type ingestionItem struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Body      map[string]any `json:"body"`
}

func (o *ObservabilityClient) item(event *types.MemoryEvent) ingestionItem {
	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ingestionItem{
		ID:        uuid.NewString(),
		Type:      "event-create",
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Body: map[string]any{
			"id":   event.EventID,
			"name": "memory_write",
			"metadata": map[string]any{
				"project":      event.Project,
				"file":         event.File,
				"topic_path":   event.TopicPath,
				"content_hash": event.ContentHash,
			},
			"input": event.Summary,
		},
	}
}

// SendBatch posts a batch of events in one ingestion call.
func (o *ObservabilityClient) SendBatch(ctx context.Context, events []*types.MemoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	items := make([]ingestionItem, 0, len(events))
	for _, event := range events {
		items = append(items, o.item(event))
	}
	body := map[string]any{"batch": items}
	return o.post(ctx, o.url+"/api/public/ingestion", body)
}

func (o *ObservabilityClient) post(ctx context.Context, url string, body any) error {
	headers := map[string]string{}
	if o.publicKey != "" || o.secretKey != "" {
		headers["Authorization"] = "Basic " + basicAuth(o.publicKey, o.secretKey)
	}
	return doJSON(ctx, o.client, "observability", http.MethodPost, url, headers, body, nil)
}

// Healthy probes the ingestion service health endpoint.
func (o *ObservabilityClient) Healthy(ctx context.Context) error {
	return doJSON(ctx, o.client, "observability", http.MethodGet, o.url+"/api/public/health", nil, nil, nil)
}
