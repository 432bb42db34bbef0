package sinks

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/memmcp/engram/pkg/types"
)

// RawStore persists full memory events in a document collection. This
// is the durability sink: every accepted write lands here (synchronously
// when possible) before fanout distributes derived forms.
type RawStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     zerolog.Logger
}

// RawDoc is one stored event.
type RawDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	EventID     string             `bson:"event_id"`
	Project     string             `bson:"project"`
	File        string             `bson:"file"`
	Content     string             `bson:"content"`
	Summary     string             `bson:"summary"`
	ContentHash string             `bson:"content_hash"`
	TopicPath   string             `bson:"topic_path,omitempty"`
	TopicTags   []string           `bson:"topic_tags,omitempty"`
	RequestID   string             `bson:"request_id,omitempty"`
	CreatedAt   time.Time          `bson:"created_at"`
	UpdatedAt   time.Time          `bson:"updated_at"`
}

// NewRawStore connects to the document store and ensures indexes.
func NewRawStore(ctx context.Context, uri, database, collection string, logger zerolog.Logger) (*RawStore, error) {
	clientOpts := options.Client().ApplyURI(uri)
	if clientOpts.ServerSelectionTimeout == nil {
		clientOpts.SetServerSelectionTimeout(5 * time.Second)
	}
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect raw store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping raw store: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "project", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "topic_tags", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure raw store indexes: %w", err)
	}
	return &RawStore{client: client, collection: coll, logger: logger}, nil
}

// Upsert stores one event keyed by event_id.
func (r *RawStore) Upsert(ctx context.Context, event *types.MemoryEvent) error {
	now := time.Now().UTC()
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"event_id": event.EventID},
		bson.M{
			"$set": bson.M{
				"project":      event.Project,
				"file":         event.File,
				"content":      event.Content,
				"summary":      event.Summary,
				"content_hash": event.ContentHash,
				"topic_path":   event.TopicPath,
				"topic_tags":   event.TopicTags,
				"request_id":   event.RequestID,
				"updated_at":   now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return &types.UpstreamError{Backend: "raw", Err: fmt.Errorf("upsert event %s: %w", event.EventID, err)}
	}
	return nil
}

// UpsertMany stores a batch, stopping at the first failure.
func (r *RawStore) UpsertMany(ctx context.Context, events []*types.MemoryEvent) error {
	for _, event := range events {
		if err := r.Upsert(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Search scans recent documents under a project prefix and optional
// topic, newest first. Scoring happens in the retrieval layer; the
// store only narrows the candidate set.
func (r *RawStore) Search(ctx context.Context, project, topicPath string, limit int) ([]RawDoc, error) {
	if limit <= 0 {
		limit = 200
	}
	filter := bson.M{}
	if project != "" {
		filter["project"] = primitive.Regex{Pattern: "^" + regexp.QuoteMeta(project)}
	}
	if topicPath != "" {
		// topic_tags hold every prefix, so equality is a prefix filter.
		filter["topic_tags"] = topicPath
	}

	cur, err := r.collection.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, &types.UpstreamError{Backend: "raw", Err: fmt.Errorf("search raw store: %w", err)}
	}
	defer cur.Close(ctx)

	var docs []RawDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, &types.UpstreamError{Backend: "raw", Err: fmt.Errorf("decode raw results: %w", err)}
	}
	return docs, nil
}

// ScanOldest returns documents ordered by update time ascending, for
// retention sweeps.
func (r *RawStore) ScanOldest(ctx context.Context, limit int) ([]RawDoc, error) {
	if limit <= 0 {
		limit = 500
	}
	cur, err := r.collection.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, &types.UpstreamError{Backend: "raw", Err: fmt.Errorf("scan raw store: %w", err)}
	}
	defer cur.Close(ctx)

	var docs []RawDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, &types.UpstreamError{Backend: "raw", Err: fmt.Errorf("decode raw scan: %w", err)}
	}
	return docs, nil
}

// Delete removes documents by id and reports how many went away.
func (r *RawStore) Delete(ctx context.Context, ids []primitive.ObjectID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, &types.UpstreamError{Backend: "raw", Err: fmt.Errorf("delete raw documents: %w", err)}
	}
	return int(res.DeletedCount), nil
}

// Healthy pings the document store.
func (r *RawStore) Healthy(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (r *RawStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
