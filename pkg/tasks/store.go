package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/outbox"
	"github.com/memmcp/engram/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS agent_tasks (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	project           TEXT NOT NULL DEFAULT '',
	action            TEXT NOT NULL,
	payload           TEXT NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL DEFAULT 'queued',
	agent             TEXT NOT NULL DEFAULT '',
	claimed_by        TEXT NOT NULL DEFAULT '',
	priority          INTEGER NOT NULL DEFAULT 0,
	attempts          INTEGER NOT NULL DEFAULT 0,
	max_attempts      INTEGER NOT NULL DEFAULT 3,
	run_after         REAL NOT NULL,
	lease_expires_at  REAL,
	risk_level        TEXT NOT NULL DEFAULT 'low',
	approval_required INTEGER NOT NULL DEFAULT 0,
	approved          INTEGER NOT NULL DEFAULT 0,
	result            TEXT NOT NULL DEFAULT '',
	last_error        TEXT NOT NULL DEFAULT '',
	created_by        TEXT NOT NULL DEFAULT '',
	created_at        REAL NOT NULL,
	updated_at        REAL NOT NULL,
	completed_at      REAL
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim  ON agent_tasks(status, priority, run_after, id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON agent_tasks(status, updated_at);

CREATE TABLE IF NOT EXISTS task_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	status     TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);
`

const taskColumns = `id, title, project, action, payload, status, agent, claimed_by,
	priority, attempts, max_attempts, run_after, lease_expires_at, risk_level,
	approval_required, approved, result, last_error, created_by, created_at,
	updated_at, completed_at`

// Retry scheduling after a failed attempt.
const (
	retryBase = 10 * time.Second
	retryCap  = 15 * time.Minute
)

// OutcomeWriter receives the terminal outcome document for a task. The
// canonical store client implements it; a nil writer disables outcomes.
type OutcomeWriter interface {
	WriteProjectFile(ctx context.Context, project, file, content string) error
}

// Store is the durable task queue. Tasks live in the service's sqlite
// file next to the outbox; every transition appends a task_events row,
// and terminal transitions publish an outcome document.
//
// Terminal tasks (succeeded, failed, canceled) never change status
// except through Replay.
type Store struct {
	db      *sql.DB
	cfg     config.TasksConfig
	allowed map[types.TaskAction]bool
	outcome OutcomeWriter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewStore opens (or creates) the task tables in the database at path.
func NewStore(path string, cfg config.TasksConfig, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply task schema: %w", err)
	}

	allowed := make(map[types.TaskAction]bool, len(cfg.AllowedActions))
	for _, raw := range cfg.AllowedActions {
		if action, err := types.ParseTaskAction(raw); err == nil {
			allowed[action] = true
		}
	}
	return &Store{db: db, cfg: cfg, allowed: allowed, logger: logger, now: time.Now}, nil
}

// SetOutcomeWriter enables terminal outcome documents.
func (s *Store) SetOutcomeWriter(w OutcomeWriter) { s.outcome = w }

func (s *Store) Close() error { return s.db.Close() }

// Healthy reports whether the store answers a trivial query.
func (s *Store) Healthy(ctx context.Context) bool {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil
}

// CreateRequest is the task creation wire contract. Payload must be a
// JSON object carrying an "action" field plus the action's arguments.
type CreateRequest struct {
	Title       string          `json:"title"`
	Project     string          `json:"project,omitempty"`
	Agent       string          `json:"agent,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	DelaySecs   float64         `json:"delaySecs,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
	CreatedBy   string          `json:"createdBy,omitempty"`
}

// Create validates and enqueues one task. Every task starts queued;
// high-risk actions additionally carry the approval gate, which keeps
// them unclaimable until approved.
func (s *Store) Create(ctx context.Context, req *CreateRequest) (*types.Task, error) {
	if req == nil {
		return nil, types.Validationf("body", "missing task body")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, types.Validationf("title", "title is required")
	}
	if len(req.Payload) == 0 {
		return nil, types.Validationf("payload", "payload is required")
	}
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(req.Payload, &envelope); err != nil {
		return nil, types.Validationf("payload", "payload must be a JSON object: %v", err)
	}
	action, err := types.ParseTaskAction(envelope.Action)
	if err != nil {
		return nil, types.Validationf("payload", "%s", err.Error())
	}
	if !s.allowed[action] {
		return nil, types.Validationf("payload", "action %s is not allowed on this deployment", action)
	}
	if req.DelaySecs < 0 {
		return nil, types.Validationf("delaySecs", "must not be negative")
	}

	risk := types.ActionRisk(action)
	approvalRequired := s.cfg.ApprovalForHighRisk && risk == types.RiskHigh
	message := "task created"
	if approvalRequired {
		message = "task created; awaiting approval"
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	now := s.now().UTC()
	task := &types.Task{
		ID:               newTaskID(),
		Title:            strings.TrimSpace(req.Title),
		Project:          strings.TrimSpace(req.Project),
		Action:           action,
		Payload:          append([]byte(nil), req.Payload...),
		Status:           types.TaskQueued,
		Agent:            strings.ToLower(strings.TrimSpace(req.Agent)),
		Priority:         req.Priority,
		MaxAttempts:      maxAttempts,
		RunAfter:         now.Add(config.Seconds(req.DelaySecs)),
		RiskLevel:        risk,
		ApprovalRequired: approvalRequired,
		CreatedBy:        strings.TrimSpace(req.CreatedBy),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO agent_tasks
		(id, title, project, action, payload, status, agent, claimed_by, priority,
		 attempts, max_attempts, run_after, lease_expires_at, risk_level,
		 approval_required, approved, result, last_error, created_by, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, 0, ?, ?, NULL, ?, ?, 0, '', '', ?, ?, ?, NULL)`,
		task.ID, task.Title, task.Project, string(task.Action), string(task.Payload), string(task.Status),
		task.Agent, task.Priority, task.MaxAttempts, epoch(task.RunAfter), string(task.RiskLevel),
		boolToInt(task.ApprovalRequired), task.CreatedBy, epoch(now), epoch(now))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if err := s.appendEvent(ctx, tx, task.ID, task.Status, message, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}

	s.logger.Info().
		Str("task_id", task.ID).
		Str("action", string(action)).
		Str("risk", string(risk)).
		Bool("approval_required", approvalRequired).
		Msg("Task created")
	return task, nil
}

// ClaimNext leases the highest-priority due task matching the worker.
// Expired leases are recovered first. Returns nil when nothing is due.
func (s *Store) ClaimNext(ctx context.Context, worker, class string) (*types.Task, error) {
	if strings.TrimSpace(worker) == "" {
		return nil, types.Validationf("worker", "worker name is required")
	}
	if _, err := s.RecoverExpiredLeases(ctx); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks
		WHERE status IN ('queued', 'approved')
		  AND run_after <= ?
		  AND attempts < max_attempts
		  AND (approval_required = 0 OR approved = 1)
		  AND (agent = '' OR agent = 'any' OR agent = ? OR agent = lower(?))
		ORDER BY priority DESC, run_after ASC, id ASC
		LIMIT 1`, epoch(now), strings.ToLower(class), worker)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claim: %w", err)
	}

	lease := now.Add(config.Seconds(s.cfg.LeaseSecs))
	res, err := tx.ExecContext(ctx, `UPDATE agent_tasks
		SET status = 'running', claimed_by = ?, attempts = attempts + 1,
		    lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		worker, epoch(lease), epoch(now), task.ID, string(task.Status))
	if err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := s.appendEvent(ctx, tx, task.ID, types.TaskRunning, "claimed by "+worker, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	task.Status = types.TaskRunning
	task.Worker = worker
	task.Attempts++
	task.LeaseExpiresAt = &lease
	task.UpdatedAt = now
	metrics.TaskClaimsTotal.Inc()

	s.logger.Debug().
		Str("task_id", task.ID).
		Str("worker", worker).
		Int("attempt", task.Attempts).
		Msg("Task claimed")
	return task, nil
}

// RecoverExpiredLeases requeues running tasks whose lease has lapsed,
// typically after a worker crash.
func (s *Store) RecoverExpiredLeases(ctx context.Context) (int, error) {
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, claimed_by FROM agent_tasks
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		epoch(now))
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}
	type expired struct{ id, worker string }
	var lapsed []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.worker); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease: %w", err)
		}
		lapsed = append(lapsed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(lapsed) == 0 {
		return 0, nil
	}

	for _, e := range lapsed {
		if _, err := tx.ExecContext(ctx, `UPDATE agent_tasks
			SET status = 'queued', claimed_by = '', lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'running'`, epoch(now), e.id); err != nil {
			return 0, fmt.Errorf("recover lease: %w", err)
		}
		msg := "lease expired; requeued"
		if e.worker != "" {
			msg = "lease expired for " + e.worker + "; requeued"
		}
		if err := s.appendEvent(ctx, tx, e.id, types.TaskQueued, msg, nil); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover: %w", err)
	}

	metrics.LeasesRecoveredTotal.Add(float64(len(lapsed)))
	s.logger.Warn().Int("count", len(lapsed)).Msg("Recovered expired task leases")
	return len(lapsed), nil
}

// UpdateStatus moves a task to a new status. Terminal tasks reject
// every transition; replay is the only way back.
func (s *Store) UpdateStatus(ctx context.Context, id string, status types.TaskStatus, detail string) (*types.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	task, err := getTaskTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, types.Validationf("status", "task is terminal; use replay")
	}

	now := s.now().UTC()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), epoch(now)}
	switch status {
	case types.TaskSucceeded:
		set = append(set, "result = ?", "completed_at = ?", "lease_expires_at = NULL")
		args = append(args, detail, epoch(now))
		task.Result = detail
	case types.TaskFailed, types.TaskCanceled:
		set = append(set, "last_error = ?", "completed_at = ?", "lease_expires_at = NULL")
		args = append(args, outbox.TruncateError(detail), epoch(now))
		task.LastError = outbox.TruncateError(detail)
	case types.TaskQueued, types.TaskBlocked:
		set = append(set, "claimed_by = ''", "lease_expires_at = NULL")
	case types.TaskApproved:
		set = append(set, "approved = 1")
		task.Approved = true
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, "UPDATE agent_tasks SET "+strings.Join(set, ", ")+" WHERE id = ?", args...); err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	message := detail
	if message == "" {
		message = "status set to " + string(status)
	}
	if err := s.appendEvent(ctx, tx, id, status, message, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}

	task.Status = status
	task.UpdatedAt = now
	if status.IsTerminal() {
		completed := now
		task.CompletedAt = &completed
		task.LeaseExpiresAt = nil
		s.writeOutcome(ctx, task)
	}

	s.logger.Info().
		Str("task_id", id).
		Str("status", string(status)).
		Msg("Task status updated")
	return task, nil
}

// Approve lifts the approval gate, making the task claimable.
func (s *Store) Approve(ctx context.Context, id, approver string) (*types.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin approve: %w", err)
	}
	defer tx.Rollback()

	task, err := getTaskTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, types.Validationf("status", "task is terminal; use replay")
	}
	if task.Status == types.TaskRunning {
		return nil, types.Validationf("status", "task is already running")
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE agent_tasks
		SET approved = 1, status = 'approved', updated_at = ?
		WHERE id = ?`, epoch(now), id); err != nil {
		return nil, fmt.Errorf("approve task: %w", err)
	}
	message := "approved"
	if approver != "" {
		message = "approved by " + approver
	}
	if err := s.appendEvent(ctx, tx, id, types.TaskApproved, message, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit approve: %w", err)
	}

	task.Status = types.TaskApproved
	task.Approved = true
	task.UpdatedAt = now
	return task, nil
}

// RequeueForRetry schedules another attempt with exponential backoff,
// or fails the task for good once attempts are exhausted.
func (s *Store) RequeueForRetry(ctx context.Context, id, errMsg string) (*types.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback()

	task, err := getTaskTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, types.Validationf("status", "task is terminal; use replay")
	}

	now := s.now().UTC()
	short := outbox.TruncateError(errMsg)

	if task.Attempts >= task.MaxAttempts {
		final := short + " (max attempts reached)"
		if _, err := tx.ExecContext(ctx, `UPDATE agent_tasks
			SET status = 'failed', last_error = ?, completed_at = ?,
			    lease_expires_at = NULL, claimed_by = '', updated_at = ?
			WHERE id = ?`, final, epoch(now), epoch(now), id); err != nil {
			return nil, fmt.Errorf("deadletter task: %w", err)
		}
		if err := s.appendEvent(ctx, tx, id, types.TaskFailed, final, nil); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit deadletter: %w", err)
		}

		metrics.TaskDeadlettersTotal.Inc()
		task.Status = types.TaskFailed
		task.LastError = final
		completed := now
		task.CompletedAt = &completed
		task.LeaseExpiresAt = nil
		task.UpdatedAt = now
		s.writeOutcome(ctx, task)

		s.logger.Warn().
			Str("task_id", id).
			Int("attempts", task.Attempts).
			Msg("Task failed permanently")
		return task, nil
	}

	delay := outbox.Backoff(task.Attempts, retryBase, retryCap)
	runAfter := now.Add(delay)
	if _, err := tx.ExecContext(ctx, `UPDATE agent_tasks
		SET status = 'queued', last_error = ?, run_after = ?,
		    lease_expires_at = NULL, claimed_by = '', updated_at = ?
		WHERE id = ?`, short, epoch(runAfter), epoch(now), id); err != nil {
		return nil, fmt.Errorf("requeue task: %w", err)
	}
	msg := fmt.Sprintf("retry %d/%d in %s: %s", task.Attempts, task.MaxAttempts, delay.Round(time.Second), short)
	if err := s.appendEvent(ctx, tx, id, types.TaskQueued, msg, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit requeue: %w", err)
	}

	metrics.TaskRetriesTotal.Inc()
	task.Status = types.TaskQueued
	task.LastError = short
	task.RunAfter = runAfter
	task.LeaseExpiresAt = nil
	task.Worker = ""
	task.UpdatedAt = now
	return task, nil
}

// Replay returns a terminal task to the queue. Approval state carries
// over, so an unapproved high-risk task stays unclaimable until approved.
func (s *Store) Replay(ctx context.Context, id string, resetAttempts bool) (*types.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replay: %w", err)
	}
	defer tx.Rollback()

	task, err := getTaskTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsTerminal() {
		return nil, types.Validationf("status", "only terminal tasks can be replayed")
	}

	now := s.now().UTC()
	attempts := task.Attempts
	if resetAttempts {
		attempts = 0
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agent_tasks
		SET status = 'queued', attempts = ?, run_after = ?, result = '', last_error = '',
		    completed_at = NULL, lease_expires_at = NULL, claimed_by = '', updated_at = ?
		WHERE id = ?`, attempts, epoch(now), epoch(now), id); err != nil {
		return nil, fmt.Errorf("replay task: %w", err)
	}
	msg := "replayed"
	if resetAttempts {
		msg = "replayed with attempts reset"
	}
	if err := s.appendEvent(ctx, tx, id, types.TaskQueued, msg, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replay: %w", err)
	}

	task.Status = types.TaskQueued
	task.Attempts = attempts
	task.RunAfter = now
	task.Result = ""
	task.LastError = ""
	task.CompletedAt = nil
	task.LeaseExpiresAt = nil
	task.Worker = ""
	task.UpdatedAt = now

	s.logger.Info().
		Str("task_id", id).
		Bool("reset_attempts", resetAttempts).
		Msg("Task replayed")
	return task, nil
}

// Get returns one task by id.
func (s *Store) Get(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListFilter narrows a task listing.
type ListFilter struct {
	Project string
	Status  types.TaskStatus
	Limit   int
}

// List returns tasks newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*types.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + taskColumns + ` FROM agent_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListDeadletter returns permanently failed tasks awaiting replay.
func (s *Store) ListDeadletter(ctx context.Context, limit int) ([]*types.Task, error) {
	return s.List(ctx, ListFilter{Status: types.TaskFailed, Limit: limit})
}

// Events returns a task's transition history, oldest first.
func (s *Store) Events(ctx context.Context, taskID string, limit int) ([]types.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, status, message, metadata, created_at
		FROM task_events WHERE task_id = ? ORDER BY id ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []types.TaskEvent
	for rows.Next() {
		var (
			ev        types.TaskEvent
			status    string
			meta      string
			createdAt float64
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &status, &ev.Message, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.Status = types.TaskStatus(status)
		ev.Metadata = []byte(meta)
		ev.CreatedAt = fromEpoch(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByStatus feeds the depth collector and the runtime snapshot.
func (s *Store) CountByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agent_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[types.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// Snapshot summarizes queue state for the runtime surface.
type Snapshot struct {
	Counts      map[types.TaskStatus]int `json:"counts"`
	Ready       int                      `json:"ready"`
	OldestReady *time.Time               `json:"oldest_ready,omitempty"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// RuntimeSnapshot reports current counts and how much work is ready now.
func (s *Store) RuntimeSnapshot(ctx context.Context) (*Snapshot, error) {
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	snap := &Snapshot{Counts: counts, GeneratedAt: now}

	var oldest sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(run_after) FROM agent_tasks
		WHERE status IN ('queued', 'approved')
		  AND run_after <= ?
		  AND attempts < max_attempts
		  AND (approval_required = 0 OR approved = 1)`, epoch(now)).Scan(&snap.Ready, &oldest)
	if err != nil {
		return nil, fmt.Errorf("snapshot ready count: %w", err)
	}
	if oldest.Valid {
		t := fromEpoch(oldest.Float64)
		snap.OldestReady = &t
	}
	return snap, nil
}

// writeOutcome publishes the terminal outcome document, best-effort.
func (s *Store) writeOutcome(ctx context.Context, task *types.Task) {
	if s.outcome == nil {
		return
	}
	project := task.Project
	if project == "" {
		project = "agent-tasks"
	}
	doc := map[string]any{
		"kind":     "task_outcome",
		"task_id":  task.ID,
		"title":    task.Title,
		"action":   string(task.Action),
		"status":   string(task.Status),
		"attempts": task.Attempts,
	}
	if task.Result != "" {
		doc["result"] = task.Result
	}
	if task.LastError != "" {
		doc["error"] = task.LastError
	}
	if task.CompletedAt != nil {
		doc["completed_at"] = task.CompletedAt.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return
	}
	file := "tasks/" + task.ID + "__latest.json"
	if err := s.outcome.WriteProjectFile(ctx, project, file, string(payload)); err != nil {
		s.logger.Debug().Err(err).Str("task_id", task.ID).Msg("Task outcome write skipped")
	}
}

func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, taskID string, status types.TaskStatus, message string, metadata map[string]any) error {
	meta := "{}"
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			meta = string(raw)
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO task_events (task_id, status, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`, taskID, string(status), message, meta, epoch(s.now().UTC()))
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*types.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return task, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		task             types.Task
		action           string
		payload          string
		status           string
		risk             string
		approvalRequired int
		approved         int
		runAfter         float64
		lease            sql.NullFloat64
		createdAt        float64
		updatedAt        float64
		completedAt      sql.NullFloat64
	)
	err := row.Scan(&task.ID, &task.Title, &task.Project, &action, &payload, &status,
		&task.Agent, &task.Worker, &task.Priority, &task.Attempts, &task.MaxAttempts,
		&runAfter, &lease, &risk, &approvalRequired, &approved, &task.Result,
		&task.LastError, &task.CreatedBy, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	task.Action = types.TaskAction(action)
	task.Payload = []byte(payload)
	task.Status = types.TaskStatus(status)
	task.RiskLevel = types.RiskLevel(risk)
	task.ApprovalRequired = approvalRequired != 0
	task.Approved = approved != 0
	task.RunAfter = fromEpoch(runAfter)
	if lease.Valid {
		t := fromEpoch(lease.Float64)
		task.LeaseExpiresAt = &t
	}
	task.CreatedAt = fromEpoch(createdAt)
	task.UpdatedAt = fromEpoch(updatedAt)
	if completedAt.Valid {
		t := fromEpoch(completedAt.Float64)
		task.CompletedAt = &t
	}
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	var out []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func newTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpoch(secs float64) time.Time {
	return time.Unix(0, int64(secs*float64(time.Second))).UTC()
}
