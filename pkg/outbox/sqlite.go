package outbox

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

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fanout_outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id        TEXT NOT NULL,
	target          TEXT NOT NULL,
	project         TEXT NOT NULL DEFAULT '',
	file            TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL,
	topic_path      TEXT NOT NULL DEFAULT '',
	topic_tags      TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 8,
	next_attempt_at REAL NOT NULL,
	last_attempt_at REAL,
	completed_at    REAL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      REAL NOT NULL,
	updated_at      REAL NOT NULL,
	dedupe_key      TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_outbox_status_due    ON fanout_outbox(status, next_attempt_at, id);
CREATE INDEX IF NOT EXISTS idx_outbox_target_status ON fanout_outbox(target, status);
CREATE INDEX IF NOT EXISTS idx_outbox_coords        ON fanout_outbox(target, project, file, updated_at);

CREATE TABLE IF NOT EXISTS outbox_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const jobColumns = `id, event_id, target, project, file, summary, payload, topic_path, topic_tags,
	status, attempts, max_attempts, next_attempt_at, last_attempt_at, completed_at,
	last_error, created_at, updated_at, dedupe_key`

// SQLite is the default outbox backend: a single WAL-mode database file
// with serialized writes. Timestamps are stored as epoch seconds so the
// retention comparisons stay plain numeric SQL.
type SQLite struct {
	db     *sql.DB
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLite opens (or creates) the outbox database at path and applies
// the schema. Pass ":memory:" for an ephemeral instance.
func NewSQLite(path string, opts Options, logger zerolog.Logger) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open outbox database: %w", err)
	}
	// A single connection serializes writers; WAL keeps readers cheap.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply outbox schema: %w", err)
	}
	return &SQLite{db: db, opts: opts, logger: logger, now: time.Now}, nil
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Enqueue(ctx context.Context, event *types.MemoryEvent, targets []types.Target, forceRequeue bool) (*EnqueueResult, error) {
	payload, err := EncodePayload(event)
	if err != nil {
		return nil, err
	}
	tags, err := json.Marshal(event.TopicTags)
	if err != nil {
		return nil, fmt.Errorf("encode topic tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	res := &EnqueueResult{
		CoalescedByTarget: map[types.Target]int{},
		Queued:            map[types.Target]bool{},
	}
	now := s.now()
	nowTS := epoch(now)

	for _, target := range targets {
		coalesced, err := s.tryCoalesce(ctx, tx, event, target, payload, string(tags), now)
		if err != nil {
			return nil, err
		}
		if coalesced {
			res.Coalesced++
			res.CoalescedByTarget[target]++
			res.Queued[target] = true
			continue
		}

		key := DedupeKey(event.EventID, target)
		insert, err := tx.ExecContext(ctx, `
			INSERT INTO fanout_outbox
				(event_id, target, project, file, summary, payload, topic_path, topic_tags,
				 status, attempts, max_attempts, next_attempt_at, created_at, updated_at, dedupe_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?)
			ON CONFLICT(dedupe_key) DO NOTHING`,
			event.EventID, string(target), event.Project, event.File, event.Summary,
			string(payload), event.TopicPath, string(tags),
			s.opts.MaxAttempts, nowTS, nowTS, nowTS, key)
		if err != nil {
			return nil, fmt.Errorf("insert outbox row: %w", err)
		}
		n, _ := insert.RowsAffected()
		if n > 0 {
			res.Inserted++
			res.Queued[target] = true
			continue
		}

		if forceRequeue {
			requeue, err := tx.ExecContext(ctx, `
				UPDATE fanout_outbox
				SET status = 'pending', attempts = 0, next_attempt_at = ?,
				    last_error = '', completed_at = NULL, updated_at = ?
				WHERE dedupe_key = ? AND status IN ('succeeded', 'failed')`,
				nowTS, nowTS, key)
			if err != nil {
				return nil, fmt.Errorf("requeue outbox row: %w", err)
			}
			if n, _ := requeue.RowsAffected(); n > 0 {
				res.Requeued++
				res.Queued[target] = true
				continue
			}
		}
		res.Existing++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return res, nil
}

// tryCoalesce folds the event onto the most recent pending or retrying row
// for the same (target, project, file) updated within the coalesce window.
// Running rows are skipped: a worker already holds their snapshot, so an
// in-place update would be silently lost on mark_success.
func (s *SQLite) tryCoalesce(ctx context.Context, tx *sql.Tx, event *types.MemoryEvent, target types.Target, payload []byte, tags string, now time.Time) (bool, error) {
	if s.opts.CoalesceWindow <= 0 || !s.opts.CoalesceTargets[target] {
		return false, nil
	}
	if event.Project == "" || event.File == "" {
		return false, nil
	}
	horizon := epoch(now.Add(-s.opts.CoalesceWindow))
	upd, err := tx.ExecContext(ctx, `
		UPDATE fanout_outbox
		SET payload = ?, summary = ?, topic_path = ?, topic_tags = ?,
		    next_attempt_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM fanout_outbox
			WHERE target = ? AND project = ? AND file = ?
			  AND status IN ('pending', 'retrying')
			  AND updated_at >= ?
			ORDER BY updated_at DESC, id DESC
			LIMIT 1
		)`,
		string(payload), event.Summary, event.TopicPath, tags,
		epoch(now), epoch(now),
		string(target), event.Project, event.File, horizon)
	if err != nil {
		return false, fmt.Errorf("coalesce outbox row: %w", err)
	}
	n, _ := upd.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) ClaimBatch(ctx context.Context, limit int, filter ClaimFilter) ([]*types.OutboxJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	nowTS := epoch(now)

	query := `SELECT ` + jobColumns + `
		FROM fanout_outbox
		WHERE status IN ('pending', 'retrying') AND next_attempt_at <= ?`
	args := []any{nowTS}
	if filter.Target != "" {
		query += ` AND target = ?`
		args = append(args, string(filter.Target))
	} else if len(filter.ExcludeTargets) > 0 {
		query += ` AND target NOT IN (` + placeholders(len(filter.ExcludeTargets)) + `)`
		for _, t := range filter.ExcludeTargets {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY next_attempt_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select claimable rows: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]any, 0, len(jobs)+2)
	ids = append(ids, nowTS, nowTS)
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE fanout_outbox
		SET status = 'running', attempts = attempts + 1,
		    last_attempt_at = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(jobs))+`)`, ids...)
	if err != nil {
		return nil, fmt.Errorf("mark rows running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	for _, j := range jobs {
		j.Status = types.OutboxRunning
		j.Attempts++
		t := now
		j.LastAttemptAt = &t
		j.UpdatedAt = now
	}
	return jobs, nil
}

func (s *SQLite) MarkSuccess(ctx context.Context, id int64) error {
	nowTS := epoch(s.now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE fanout_outbox
		SET status = 'succeeded', last_error = '', completed_at = ?, updated_at = ?
		WHERE id = ?`, nowTS, nowTS, id)
	if err != nil {
		return fmt.Errorf("mark job %d succeeded: %w", id, err)
	}
	return nil
}

func (s *SQLite) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	nowTS := epoch(s.now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE fanout_outbox
		SET status = 'failed', last_error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`, TruncateError(errMsg), nowTS, nowTS, id)
	if err != nil {
		return fmt.Errorf("mark job %d failed: %w", id, err)
	}
	return nil
}

func (s *SQLite) MarkRetry(ctx context.Context, job *types.OutboxJob, errMsg string) error {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.opts.MaxAttempts
	}
	if job.Attempts >= maxAttempts {
		return s.MarkFailed(ctx, job.ID, TruncateError(errMsg)+" (max attempts reached)")
	}

	now := s.now()
	delay := Backoff(job.Attempts, s.opts.BackoffBase, s.opts.BackoffCap)
	_, err := s.db.ExecContext(ctx, `
		UPDATE fanout_outbox
		SET status = 'retrying', last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		TruncateError(errMsg), epoch(now.Add(delay)), epoch(now), job.ID)
	if err != nil {
		return fmt.Errorf("mark job %d retrying: %w", job.ID, err)
	}
	return nil
}

func (s *SQLite) RecoverStaleRunning(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.now()
	cutoff := epoch(now.Add(-maxAge))
	res, err := s.db.ExecContext(ctx, `
		UPDATE fanout_outbox
		SET status = 'retrying', next_attempt_at = ?, updated_at = ?,
		    last_error = CASE WHEN last_error = '' THEN 'recovered stale running job' ELSE last_error END
		WHERE status = 'running' AND COALESCE(last_attempt_at, updated_at, created_at) <= ?`,
		epoch(now), epoch(now), cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale running rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) FailTarget(ctx context.Context, target types.Target, reason string) (int, error) {
	nowTS := epoch(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE fanout_outbox
		SET status = 'failed', last_error = ?, completed_at = ?, updated_at = ?
		WHERE target = ? AND status IN ('pending', 'retrying', 'running')`,
		TruncateError(reason), nowTS, nowTS, string(target))
	if err != nil {
		return 0, fmt.Errorf("fail backlog for target %s: %w", target, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Deadletters(ctx context.Context, target types.Target, limit int) ([]*types.OutboxJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM fanout_outbox WHERE status = 'failed'`
	args := []any{}
	if target != "" {
		query += ` AND target = ?`
		args = append(args, string(target))
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deadletters: %w", err)
	}
	return scanJobs(rows)
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[types.OutboxStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM fanout_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox by status: %w", err)
	}
	defer rows.Close()

	counts := map[types.OutboxStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[types.OutboxStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLite) OutstandingForTarget(ctx context.Context, target types.Target) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fanout_outbox
		WHERE target = ? AND status IN ('pending', 'retrying', 'running')`,
		string(target)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outstanding for %s: %w", target, err)
	}
	return n, nil
}

func (s *SQLite) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		Backend:        s.Name(),
		ByStatus:       map[types.OutboxStatus]int{},
		ByTargetStatus: map[types.Target]map[types.OutboxStatus]int{},
		GeneratedAt:    s.now(),
	}

	byStatus, err := s.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	sum.ByStatus = byStatus
	for status, n := range byStatus {
		if !status.IsTerminal() {
			sum.Outstanding += n
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT target, status, COUNT(*) FROM fanout_outbox GROUP BY target, status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox by target: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var target, status string
		var n int
		if err := rows.Scan(&target, &status, &n); err != nil {
			return nil, fmt.Errorf("scan target count: %w", err)
		}
		t := types.Target(target)
		if sum.ByTargetStatus[t] == nil {
			sum.ByTargetStatus[t] = map[types.OutboxStatus]int{}
		}
		sum.ByTargetStatus[t][types.OutboxStatus(status)] = n
	}
	return sum, rows.Err()
}

func (s *SQLite) GC(ctx context.Context, opts GCOptions) (*GCResult, error) {
	started := s.now()
	result := &GCResult{
		Backend: s.Name(),
		Deleted: map[string]int{"succeeded": 0, "failed": 0, "stale_pending_targets": 0},
	}

	deleteWhere := func(clause string, args ...any) (int, error) {
		res, err := s.db.ExecContext(ctx, `DELETE FROM fanout_outbox WHERE `+clause, args...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	}

	if opts.SucceededRetention > 0 {
		cutoff := epoch(started.Add(-opts.SucceededRetention))
		n, err := deleteWhere(`status = 'succeeded' AND COALESCE(completed_at, updated_at, created_at) < ?`, cutoff)
		if err != nil {
			return nil, fmt.Errorf("gc succeeded rows: %w", err)
		}
		result.Deleted["succeeded"] = n
	}
	if opts.FailedRetention > 0 {
		cutoff := epoch(started.Add(-opts.FailedRetention))
		n, err := deleteWhere(`status = 'failed' AND COALESCE(completed_at, updated_at, created_at) < ?`, cutoff)
		if err != nil {
			return nil, fmt.Errorf("gc failed rows: %w", err)
		}
		result.Deleted["failed"] = n
	}
	if opts.StalePendingAge > 0 && len(opts.StaleTargets) > 0 {
		cutoff := epoch(started.Add(-opts.StalePendingAge))
		args := make([]any, 0, len(opts.StaleTargets)+1)
		for _, t := range opts.StaleTargets {
			args = append(args, string(t))
		}
		args = append(args, cutoff)
		n, err := deleteWhere(`target IN (`+placeholders(len(opts.StaleTargets))+`)
			AND status IN ('pending', 'retrying', 'running')
			AND COALESCE(last_attempt_at, updated_at, created_at) < ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("gc stale pending rows: %w", err)
		}
		result.Deleted["stale_pending_targets"] = n
	}

	for _, n := range result.Deleted {
		result.DeletedTotal += n
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fanout_outbox`).Scan(&result.AfterTotal); err != nil {
		return nil, fmt.Errorf("count remaining rows: %w", err)
	}

	if result.DeletedTotal > 0 {
		if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			s.logger.Warn().Err(err).Msg("Outbox WAL checkpoint failed")
		}
	}
	if s.shouldVacuum(ctx, result.DeletedTotal, opts, started) {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			s.logger.Warn().Err(err).Msg("Outbox vacuum failed")
		} else {
			result.Vacuumed = true
			s.setMeta(ctx, "last_vacuum_at", fmt.Sprintf("%.3f", epoch(started)))
		}
	}

	result.DurationMs = time.Since(started).Milliseconds()
	return result, nil
}

// shouldVacuum gates VACUUM behind a deletion threshold and a minimum
// interval persisted across restarts in outbox_meta.
func (s *SQLite) shouldVacuum(ctx context.Context, deleted int, opts GCOptions, now time.Time) bool {
	if opts.VacuumMinDeleted <= 0 || deleted < opts.VacuumMinDeleted {
		return false
	}
	if opts.VacuumMinInterval <= 0 {
		return true
	}
	raw, ok := s.getMeta(ctx, "last_vacuum_at")
	if !ok {
		return true
	}
	var last float64
	if _, err := fmt.Sscanf(raw, "%f", &last); err != nil {
		return true
	}
	return now.Sub(fromEpoch(last)) >= opts.VacuumMinInterval
}

func (s *SQLite) getMeta(ctx context.Context, key string) (string, bool) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM outbox_meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

func (s *SQLite) setMeta(ctx context.Context, key, value string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to persist outbox metadata")
	}
}

func scanJobs(rows *sql.Rows) ([]*types.OutboxJob, error) {
	defer rows.Close()
	var jobs []*types.OutboxJob
	for rows.Next() {
		var (
			job           types.OutboxJob
			target        string
			status        string
			payload       string
			tags          string
			nextAttemptAt float64
			lastAttemptAt sql.NullFloat64
			completedAt   sql.NullFloat64
			createdAt     float64
			updatedAt     float64
		)
		err := rows.Scan(&job.ID, &job.EventID, &target, &job.Project, &job.File,
			&job.Summary, &payload, &job.TopicPath, &tags,
			&status, &job.Attempts, &job.MaxAttempts, &nextAttemptAt,
			&lastAttemptAt, &completedAt, &job.LastError,
			&createdAt, &updatedAt, &job.DedupeKey)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		job.Target = types.Target(target)
		job.Status = types.OutboxStatus(status)
		job.Payload = []byte(payload)
		if tags != "" {
			if err := json.Unmarshal([]byte(tags), &job.TopicTags); err != nil {
				job.TopicTags = nil
			}
		}
		job.NextAttemptAt = fromEpoch(nextAttemptAt)
		if lastAttemptAt.Valid {
			t := fromEpoch(lastAttemptAt.Float64)
			job.LastAttemptAt = &t
		}
		if completedAt.Valid {
			t := fromEpoch(completedAt.Float64)
			job.CompletedAt = &t
		}
		job.CreatedAt = fromEpoch(createdAt)
		job.UpdatedAt = fromEpoch(updatedAt)
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpoch(secs float64) time.Time {
	return time.Unix(0, int64(secs*float64(time.Second))).UTC()
}
