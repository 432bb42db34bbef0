package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/memmcp/engram/pkg/types"
)

const (
	mongoCollection = "fanout_outbox"
	mongoCounters   = "outbox_counters"
)

// Mongo is the fallback outbox backend for hosts whose local disk keeps
// corrupting the SQLite file. Rows keep the SQLite shape, with a
// counter-allocated numeric id so job identity survives promotion.
type Mongo struct {
	client   *mongo.Client
	jobs     *mongo.Collection
	counters *mongo.Collection
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

type mongoJob struct {
	ID            int64      `bson:"id"`
	EventID       string     `bson:"event_id"`
	Target        string     `bson:"target"`
	Project       string     `bson:"project"`
	File          string     `bson:"file"`
	Summary       string     `bson:"summary"`
	Payload       string     `bson:"payload"`
	TopicPath     string     `bson:"topic_path"`
	TopicTags     []string   `bson:"topic_tags"`
	Status        string     `bson:"status"`
	Attempts      int        `bson:"attempts"`
	MaxAttempts   int        `bson:"max_attempts"`
	NextAttemptAt time.Time  `bson:"next_attempt_at"`
	LastAttemptAt *time.Time `bson:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `bson:"completed_at,omitempty"`
	LastError     string     `bson:"last_error"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
	DedupeKey     string     `bson:"dedupe_key"`
}

// NewMongo connects, pings, and ensures the outbox indexes.
func NewMongo(ctx context.Context, uri, database string, opts Options, logger zerolog.Logger) (*Mongo, error) {
	clientOpts := options.Client().ApplyURI(uri)
	if clientOpts.ServerSelectionTimeout == nil {
		clientOpts.SetServerSelectionTimeout(5 * time.Second)
	}
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect outbox mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping outbox mongo: %w", err)
	}

	db := client.Database(database)
	m := &Mongo{
		client:   client,
		jobs:     db.Collection(mongoCollection),
		counters: db.Collection(mongoCounters),
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "dedupe_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}, {Key: "id", Value: 1}}},
		{Keys: bson.D{{Key: "target", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "target", Value: 1}, {Key: "project", Value: 1}, {Key: "file", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("ensure outbox indexes: %w", err)
	}
	return nil
}

func (m *Mongo) Name() string { return "mongo" }

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) nextID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := m.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": mongoCollection},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocate outbox id: %w", err)
	}
	return doc.Seq, nil
}

func (m *Mongo) Enqueue(ctx context.Context, event *types.MemoryEvent, targets []types.Target, forceRequeue bool) (*EnqueueResult, error) {
	payload, err := EncodePayload(event)
	if err != nil {
		return nil, err
	}

	res := &EnqueueResult{
		CoalescedByTarget: map[types.Target]int{},
		Queued:            map[types.Target]bool{},
	}
	now := m.now()

	for _, target := range targets {
		coalesced, err := m.tryCoalesce(ctx, event, target, payload, now)
		if err != nil {
			return nil, err
		}
		if coalesced {
			res.Coalesced++
			res.CoalescedByTarget[target]++
			res.Queued[target] = true
			continue
		}

		id, err := m.nextID(ctx)
		if err != nil {
			return nil, err
		}
		doc := mongoJob{
			ID:            id,
			EventID:       event.EventID,
			Target:        string(target),
			Project:       event.Project,
			File:          event.File,
			Summary:       event.Summary,
			Payload:       string(payload),
			TopicPath:     event.TopicPath,
			TopicTags:     event.TopicTags,
			Status:        string(types.OutboxPending),
			MaxAttempts:   m.opts.MaxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
			DedupeKey:     DedupeKey(event.EventID, target),
		}
		_, err = m.jobs.InsertOne(ctx, doc)
		if err == nil {
			res.Inserted++
			res.Queued[target] = true
			continue
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("insert outbox row: %w", err)
		}

		if forceRequeue {
			upd, err := m.jobs.UpdateOne(ctx,
				bson.M{"dedupe_key": doc.DedupeKey, "status": bson.M{"$in": []string{"succeeded", "failed"}}},
				bson.M{
					"$set":   bson.M{"status": "pending", "attempts": 0, "next_attempt_at": now, "last_error": "", "updated_at": now},
					"$unset": bson.M{"completed_at": ""},
				})
			if err != nil {
				return nil, fmt.Errorf("requeue outbox row: %w", err)
			}
			if upd.ModifiedCount > 0 {
				res.Requeued++
				res.Queued[target] = true
				continue
			}
		}
		res.Existing++
	}
	return res, nil
}

func (m *Mongo) tryCoalesce(ctx context.Context, event *types.MemoryEvent, target types.Target, payload []byte, now time.Time) (bool, error) {
	if m.opts.CoalesceWindow <= 0 || !m.opts.CoalesceTargets[target] {
		return false, nil
	}
	if event.Project == "" || event.File == "" {
		return false, nil
	}
	horizon := now.Add(-m.opts.CoalesceWindow)
	err := m.jobs.FindOneAndUpdate(ctx,
		bson.M{
			"target":     string(target),
			"project":    event.Project,
			"file":       event.File,
			"status":     bson.M{"$in": []string{"pending", "retrying"}},
			"updated_at": bson.M{"$gte": horizon},
		},
		bson.M{"$set": bson.M{
			"payload":         string(payload),
			"summary":         event.Summary,
			"topic_path":      event.TopicPath,
			"topic_tags":      event.TopicTags,
			"next_attempt_at": now,
			"updated_at":      now,
		}},
		options.FindOneAndUpdate().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "id", Value: -1}}),
	).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("coalesce outbox row: %w", err)
	}
	return true, nil
}

func (m *Mongo) ClaimBatch(ctx context.Context, limit int, filter ClaimFilter) ([]*types.OutboxJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := m.now()
	match := bson.M{
		"status":          bson.M{"$in": []string{"pending", "retrying"}},
		"next_attempt_at": bson.M{"$lte": now},
	}
	if filter.Target != "" {
		match["target"] = string(filter.Target)
	} else if len(filter.ExcludeTargets) > 0 {
		excluded := make([]string, 0, len(filter.ExcludeTargets))
		for _, t := range filter.ExcludeTargets {
			excluded = append(excluded, string(t))
		}
		match["target"] = bson.M{"$nin": excluded}
	}

	// One document per round trip keeps each claim atomic without a
	// multi-document transaction.
	var jobs []*types.OutboxJob
	for len(jobs) < limit {
		var doc mongoJob
		err := m.jobs.FindOneAndUpdate(ctx, match,
			bson.M{
				"$set": bson.M{"status": "running", "last_attempt_at": now, "updated_at": now},
				"$inc": bson.M{"attempts": 1},
			},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "next_attempt_at", Value: 1}, {Key: "id", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("claim outbox row: %w", err)
		}
		jobs = append(jobs, doc.toJob())
	}
	return jobs, nil
}

func (m *Mongo) MarkSuccess(ctx context.Context, id int64) error {
	now := m.now()
	_, err := m.jobs.UpdateOne(ctx, bson.M{"id": id},
		bson.M{"$set": bson.M{"status": "succeeded", "last_error": "", "completed_at": now, "updated_at": now}})
	if err != nil {
		return fmt.Errorf("mark job %d succeeded: %w", id, err)
	}
	return nil
}

func (m *Mongo) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	now := m.now()
	_, err := m.jobs.UpdateOne(ctx, bson.M{"id": id},
		bson.M{"$set": bson.M{"status": "failed", "last_error": TruncateError(errMsg), "completed_at": now, "updated_at": now}})
	if err != nil {
		return fmt.Errorf("mark job %d failed: %w", id, err)
	}
	return nil
}

func (m *Mongo) MarkRetry(ctx context.Context, job *types.OutboxJob, errMsg string) error {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.opts.MaxAttempts
	}
	if job.Attempts >= maxAttempts {
		return m.MarkFailed(ctx, job.ID, TruncateError(errMsg)+" (max attempts reached)")
	}

	now := m.now()
	delay := Backoff(job.Attempts, m.opts.BackoffBase, m.opts.BackoffCap)
	_, err := m.jobs.UpdateOne(ctx, bson.M{"id": job.ID},
		bson.M{"$set": bson.M{
			"status":          "retrying",
			"last_error":      TruncateError(errMsg),
			"next_attempt_at": now.Add(delay),
			"updated_at":      now,
		}})
	if err != nil {
		return fmt.Errorf("mark job %d retrying: %w", job.ID, err)
	}
	return nil
}

func (m *Mongo) RecoverStaleRunning(ctx context.Context, maxAge time.Duration) (int, error) {
	now := m.now()
	cutoff := now.Add(-maxAge)
	res, err := m.jobs.UpdateMany(ctx,
		bson.M{
			"status": "running",
			"$or": []bson.M{
				{"last_attempt_at": bson.M{"$lte": cutoff}},
				{"last_attempt_at": nil, "updated_at": bson.M{"$lte": cutoff}},
			},
		},
		[]bson.M{{
			"$set": bson.M{
				"status":          "retrying",
				"next_attempt_at": now,
				"updated_at":      now,
				"last_error": bson.M{"$cond": bson.M{
					"if":   bson.M{"$eq": []any{"$last_error", ""}},
					"then": "recovered stale running job",
					"else": "$last_error",
				}},
			},
		}})
	if err != nil {
		return 0, fmt.Errorf("recover stale running rows: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (m *Mongo) FailTarget(ctx context.Context, target types.Target, reason string) (int, error) {
	now := m.now()
	res, err := m.jobs.UpdateMany(ctx,
		bson.M{"target": string(target), "status": bson.M{"$in": []string{"pending", "retrying", "running"}}},
		bson.M{"$set": bson.M{"status": "failed", "last_error": TruncateError(reason), "completed_at": now, "updated_at": now}})
	if err != nil {
		return 0, fmt.Errorf("fail backlog for target %s: %w", target, err)
	}
	return int(res.ModifiedCount), nil
}

func (m *Mongo) Deadletters(ctx context.Context, target types.Target, limit int) ([]*types.OutboxJob, error) {
	if limit <= 0 {
		limit = 50
	}
	match := bson.M{"status": "failed"}
	if target != "" {
		match["target"] = string(target)
	}
	cur, err := m.jobs.Find(ctx, match, options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "id", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("list deadletters: %w", err)
	}
	defer cur.Close(ctx)

	var jobs []*types.OutboxJob
	for cur.Next(ctx) {
		var doc mongoJob
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode deadletter: %w", err)
		}
		jobs = append(jobs, doc.toJob())
	}
	return jobs, cur.Err()
}

func (m *Mongo) CountByStatus(ctx context.Context) (map[types.OutboxStatus]int, error) {
	cur, err := m.jobs.Aggregate(ctx, []bson.M{
		{"$group": bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("count outbox by status: %w", err)
	}
	defer cur.Close(ctx)

	counts := map[types.OutboxStatus]int{}
	for cur.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			N      int    `bson:"n"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode status count: %w", err)
		}
		counts[types.OutboxStatus(row.Status)] = row.N
	}
	return counts, cur.Err()
}

func (m *Mongo) OutstandingForTarget(ctx context.Context, target types.Target) (int, error) {
	n, err := m.jobs.CountDocuments(ctx, bson.M{
		"target": string(target),
		"status": bson.M{"$in": []string{"pending", "retrying", "running"}},
	})
	if err != nil {
		return 0, fmt.Errorf("count outstanding for %s: %w", target, err)
	}
	return int(n), nil
}

func (m *Mongo) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		Backend:        m.Name(),
		ByStatus:       map[types.OutboxStatus]int{},
		ByTargetStatus: map[types.Target]map[types.OutboxStatus]int{},
		GeneratedAt:    m.now(),
	}

	byStatus, err := m.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	sum.ByStatus = byStatus
	for status, n := range byStatus {
		if !status.IsTerminal() {
			sum.Outstanding += n
		}
	}

	cur, err := m.jobs.Aggregate(ctx, []bson.M{
		{"$group": bson.M{"_id": bson.M{"target": "$target", "status": "$status"}, "n": bson.M{"$sum": 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("count outbox by target: %w", err)
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var row struct {
			Key struct {
				Target string `bson:"target"`
				Status string `bson:"status"`
			} `bson:"_id"`
			N int `bson:"n"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode target count: %w", err)
		}
		t := types.Target(row.Key.Target)
		if sum.ByTargetStatus[t] == nil {
			sum.ByTargetStatus[t] = map[types.OutboxStatus]int{}
		}
		sum.ByTargetStatus[t][types.OutboxStatus(row.Key.Status)] = row.N
	}
	return sum, cur.Err()
}

func (m *Mongo) GC(ctx context.Context, opts GCOptions) (*GCResult, error) {
	started := m.now()
	result := &GCResult{
		Backend: m.Name(),
		Deleted: map[string]int{"succeeded": 0, "failed": 0, "stale_pending_targets": 0},
	}

	terminalFilter := func(status string, cutoff time.Time) bson.M {
		return bson.M{"status": status, "$or": []bson.M{
			{"completed_at": bson.M{"$lt": cutoff}},
			{"completed_at": nil, "updated_at": bson.M{"$lt": cutoff}},
		}}
	}

	if opts.SucceededRetention > 0 {
		res, err := m.jobs.DeleteMany(ctx, terminalFilter("succeeded", started.Add(-opts.SucceededRetention)))
		if err != nil {
			return nil, fmt.Errorf("gc succeeded rows: %w", err)
		}
		result.Deleted["succeeded"] = int(res.DeletedCount)
	}
	if opts.FailedRetention > 0 {
		res, err := m.jobs.DeleteMany(ctx, terminalFilter("failed", started.Add(-opts.FailedRetention)))
		if err != nil {
			return nil, fmt.Errorf("gc failed rows: %w", err)
		}
		result.Deleted["failed"] = int(res.DeletedCount)
	}
	if opts.StalePendingAge > 0 && len(opts.StaleTargets) > 0 {
		cutoff := started.Add(-opts.StalePendingAge)
		stale := make([]string, 0, len(opts.StaleTargets))
		for _, t := range opts.StaleTargets {
			stale = append(stale, string(t))
		}
		res, err := m.jobs.DeleteMany(ctx, bson.M{
			"target": bson.M{"$in": stale},
			"status": bson.M{"$in": []string{"pending", "retrying", "running"}},
			"$or": []bson.M{
				{"last_attempt_at": bson.M{"$lt": cutoff}},
				{"last_attempt_at": nil, "updated_at": bson.M{"$lt": cutoff}},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("gc stale pending rows: %w", err)
		}
		result.Deleted["stale_pending_targets"] = int(res.DeletedCount)
	}

	for _, n := range result.Deleted {
		result.DeletedTotal += n
	}
	after, err := m.jobs.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("count remaining rows: %w", err)
	}
	result.AfterTotal = int(after)
	result.DurationMs = time.Since(started).Milliseconds()
	return result, nil
}

func (d *mongoJob) toJob() *types.OutboxJob {
	return &types.OutboxJob{
		ID:            d.ID,
		EventID:       d.EventID,
		Target:        types.Target(d.Target),
		Project:       d.Project,
		File:          d.File,
		Summary:       d.Summary,
		Payload:       []byte(d.Payload),
		TopicPath:     d.TopicPath,
		TopicTags:     d.TopicTags,
		Status:        types.OutboxStatus(d.Status),
		Attempts:      d.Attempts,
		MaxAttempts:   d.MaxAttempts,
		NextAttemptAt: d.NextAttemptAt,
		LastAttemptAt: d.LastAttemptAt,
		CompletedAt:   d.CompletedAt,
		LastError:     d.LastError,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		DedupeKey:     d.DedupeKey,
	}
}
