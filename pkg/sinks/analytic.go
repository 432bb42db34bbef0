package sinks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/types"
)

// AnalyticStore mirrors events into a SQL table behind an HTTP query
// service, for LIKE-style analytics and lexical retrieval. The service
// is SQLite-backed upstream, so corruption markers can surface in its
// error bodies; the fanout layer watches for them.
type AnalyticStore struct {
	url    string
	db     string
	table  string
	client *http.Client
	logger zerolog.Logger
}

// NewAnalyticStore builds a client for the query service at url.
func NewAnalyticStore(url, db, table string, timeout time.Duration, logger zerolog.Logger) *AnalyticStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if table == "" {
		table = "memory_events"
	}
	return &AnalyticStore{
		url:    url,
		db:     db,
		table:  table,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type analyticResponse struct {
	Rows         [][]any `json:"rows"`
	RowsAffected int     `json:"rows_affected"`
}

func (a *AnalyticStore) query(ctx context.Context, sql string, params []any) (*analyticResponse, error) {
	var resp analyticResponse
	err := doJSON(ctx, a.client, "analytic", http.MethodPost, a.url+"/query", nil,
		map[string]any{"db": a.db, "sql": sql, "params": params}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// EnsureSchema creates the events table when the service allows DDL.
// Failure is non-fatal: a pre-provisioned table is the normal case.
func (a *AnalyticStore) EnsureSchema(ctx context.Context) {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		event_id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		file TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		topic_path TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, a.table)
	if _, err := a.query(ctx, ddl, nil); err != nil {
		a.logger.Debug().Err(err).Msg("Analytic schema setup skipped")
	}
}

// InsertEvents bulk-writes a chunk in one statement.
func (a *AnalyticStore) InsertEvents(ctx context.Context, events []*types.MemoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	values := make([]string, 0, len(events))
	params := make([]any, 0, len(events)*7)
	for _, event := range events {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
		created := event.CreatedAt.UTC().Format(time.RFC3339Nano)
		if event.CreatedAt.IsZero() {
			created = now
		}
		params = append(params, event.EventID, event.Project, event.File, event.Summary, event.TopicPath, created, now)
	}

	sql := fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(event_id, project, file, summary, topic_path, created_at, updated_at)
		VALUES %s`, a.table, strings.Join(values, ", "))
	_, err := a.query(ctx, sql, params)
	return err
}

// AnalyticRow is one lexical search candidate.
type AnalyticRow struct {
	EventID   string
	Project   string
	File      string
	Summary   string
	TopicPath string
	UpdatedAt string
}

// Search runs a LIKE scan over summary and file within a project/topic
// scope. Scoring happens in the retrieval layer.
func (a *AnalyticStore) Search(ctx context.Context, query, project, topicPath string, limit int) ([]AnalyticRow, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + query + "%"
	sql := fmt.Sprintf(`SELECT event_id, project, file, summary, topic_path, updated_at FROM %s
		WHERE (summary LIKE ? OR file LIKE ?)`, a.table)
	params := []any{like, like}
	if project != "" {
		sql += ` AND project = ?`
		params = append(params, project)
	}
	if topicPath != "" {
		sql += ` AND (topic_path = ? OR topic_path LIKE ?)`
		params = append(params, topicPath, topicPath+"/%")
	}
	sql += ` ORDER BY updated_at DESC LIMIT ?`
	params = append(params, limit)

	resp, err := a.query(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	return decodeAnalyticRows(resp.Rows), nil
}

// ScanOldest returns rows by update time ascending for retention.
func (a *AnalyticStore) ScanOldest(ctx context.Context, limit int) ([]AnalyticRow, error) {
	if limit <= 0 {
		limit = 500
	}
	sql := fmt.Sprintf(`SELECT event_id, project, file, summary, topic_path, updated_at FROM %s
		ORDER BY updated_at ASC LIMIT ?`, a.table)
	resp, err := a.query(ctx, sql, []any{limit})
	if err != nil {
		return nil, err
	}
	return decodeAnalyticRows(resp.Rows), nil
}

// Delete removes rows by event id and reports how many went away.
func (a *AnalyticStore) Delete(ctx context.Context, eventIDs []string) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(eventIDs)), ", ")
	params := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		params[i] = id
	}
	resp, err := a.query(ctx, fmt.Sprintf(`DELETE FROM %s WHERE event_id IN (%s)`, a.table, marks), params)
	if err != nil {
		return 0, err
	}
	return resp.RowsAffected, nil
}

// Healthy runs a trivial statement.
func (a *AnalyticStore) Healthy(ctx context.Context) error {
	_, err := a.query(ctx, "SELECT 1", nil)
	return err
}

func decodeAnalyticRows(rows [][]any) []AnalyticRow {
	out := make([]AnalyticRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, AnalyticRow{
			EventID:   cell(row, 0),
			Project:   cell(row, 1),
			File:      cell(row, 2),
			Summary:   cell(row, 3),
			TopicPath: cell(row, 4),
			UpdatedAt: cell(row, 5),
		})
	}
	return out
}

func cell(row []any, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	if s, ok := row[i].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", row[i])
}
