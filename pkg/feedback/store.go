package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS feedback (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at REAL NOT NULL,
	project    TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT 'user',
	task_id    TEXT NOT NULL DEFAULT '',
	rating     INTEGER NOT NULL DEFAULT 0,
	sentiment  TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '[]',
	content    TEXT NOT NULL DEFAULT '',
	topic_path TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_feedback_project ON feedback(project, created_at);
CREATE INDEX IF NOT EXISTS idx_feedback_user    ON feedback(user_id, created_at);
`

const feedbackColumns = `id, created_at, project, user_id, source, task_id, rating,
	sentiment, tags, content, topic_path, metadata`

// Sources an entry may be attributed to.
var validSources = map[string]bool{"user": true, "agent": true, "system": true}

// Store persists preference signals. It shares the service's sqlite file
// with the task tables but holds its own connection, so WAL mode and the
// busy timeout are what keep concurrent writers honest.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore opens (or creates) the feedback table in the database at path.
// Pass ":memory:" for an ephemeral instance.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open feedback database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply feedback schema: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateRequest is one feedback entry to record. At least one of rating,
// sentiment or content must carry a signal.
type CreateRequest struct {
	Project   string         `json:"project"`
	UserID    string         `json:"userId"`
	Source    string         `json:"source"`
	TaskID    string         `json:"taskId"`
	Rating    int            `json:"rating"`
	Sentiment string         `json:"sentiment"`
	Tags      []string       `json:"tags"`
	Content   string         `json:"content"`
	TopicPath string         `json:"topicPath"`
	Metadata  map[string]any `json:"metadata"`
}

// Create validates and inserts one entry, returning it with the assigned
// id and timestamp.
func (s *Store) Create(ctx context.Context, req *CreateRequest) (*types.Feedback, error) {
	if req == nil {
		return nil, types.Validationf("body", "missing feedback body")
	}
	source := strings.ToLower(strings.TrimSpace(req.Source))
	if source == "" {
		source = "user"
	}
	if !validSources[source] {
		return nil, types.Validationf("source", "must be one of user, agent, system")
	}
	if req.Rating < 0 || req.Rating > 5 {
		return nil, types.Validationf("rating", "must be between 1 and 5")
	}
	content := strings.TrimSpace(req.Content)
	sentiment := strings.ToLower(strings.TrimSpace(req.Sentiment))
	if req.Rating == 0 && sentiment == "" && content == "" {
		return nil, types.Validationf("content", "rating, sentiment or content is required")
	}

	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	meta := req.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO feedback
		(created_at, project, user_id, source, task_id, rating, sentiment, tags, content, topic_path, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		epoch(now), strings.TrimSpace(req.Project), strings.TrimSpace(req.UserID), source,
		strings.TrimSpace(req.TaskID), req.Rating, sentiment, string(tagsJSON), content,
		strings.TrimSpace(req.TopicPath), string(metaJSON))
	if err != nil {
		return nil, fmt.Errorf("insert feedback: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("feedback insert id: %w", err)
	}

	entry := &types.Feedback{
		ID:        id,
		Project:   strings.TrimSpace(req.Project),
		UserID:    strings.TrimSpace(req.UserID),
		Source:    source,
		TaskID:    strings.TrimSpace(req.TaskID),
		Rating:    req.Rating,
		Sentiment: sentiment,
		Tags:      tags,
		Content:   content,
		TopicPath: strings.TrimSpace(req.TopicPath),
		Metadata:  meta,
		CreatedAt: now,
	}
	s.logger.Debug().
		Int64("id", id).
		Str("project", entry.Project).
		Str("source", source).
		Int("rating", req.Rating).
		Msg("Feedback recorded")
	return entry, nil
}

// ListFilter narrows a feedback listing. Zero values match everything.
type ListFilter struct {
	Project string
	UserID  string
	Source  string
	Limit   int
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]types.Feedback, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if p := strings.TrimSpace(filter.Project); p != "" {
		where = append(where, "project = ?")
		args = append(args, p)
	}
	if u := strings.TrimSpace(filter.UserID); u != "" {
		where = append(where, "user_id = ?")
		args = append(args, u)
	}
	if src := strings.ToLower(strings.TrimSpace(filter.Source)); src != "" {
		where = append(where, "source = ?")
		args = append(args, src)
	}

	query := "SELECT " + feedbackColumns + " FROM feedback"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()
	return scanFeedback(rows)
}

// Healthy reports whether the store answers a trivial query.
func (s *Store) Healthy(ctx context.Context) bool {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil
}

func scanFeedback(rows *sql.Rows) ([]types.Feedback, error) {
	var out []types.Feedback
	for rows.Next() {
		var (
			f         types.Feedback
			createdAt float64
			tagsJSON  string
			metaJSON  string
		)
		if err := rows.Scan(&f.ID, &createdAt, &f.Project, &f.UserID, &f.Source, &f.TaskID,
			&f.Rating, &f.Sentiment, &tagsJSON, &f.Content, &f.TopicPath, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		f.CreatedAt = fromEpoch(createdAt)
		if err := json.Unmarshal([]byte(tagsJSON), &f.Tags); err != nil {
			f.Tags = nil
		}
		if err := json.Unmarshal([]byte(metaJSON), &f.Metadata); err != nil {
			f.Metadata = nil
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpoch(secs float64) time.Time {
	return time.Unix(0, int64(secs*float64(time.Second))).UTC()
}
