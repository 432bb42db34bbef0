package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MemoryEvent is a normalized memory write flowing through the pipeline.
// EventID is derived from (project, file, content hash) so replays of the
// same write collapse onto the same outbox rows.
type MemoryEvent struct {
	EventID     string    `json:"event_id"`
	Project     string    `json:"project"`
	File        string    `json:"file"`
	Content     string    `json:"content"`
	Summary     string    `json:"summary"`
	ContentHash string    `json:"content_hash"`
	TopicPath   string    `json:"topic_path,omitempty"`
	TopicTags   []string  `json:"topic_tags,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Target identifies a fanout destination.
type Target string

const (
	TargetRaw           Target = "raw"
	TargetVector        Target = "vector"
	TargetSQL           Target = "sql"
	TargetArchival      Target = "archival"
	TargetObservability Target = "observability"
)

// AllTargets returns every fanout target in canonical order.
func AllTargets() []Target {
	return []Target{TargetRaw, TargetVector, TargetSQL, TargetArchival, TargetObservability}
}

// ParseTarget validates a wire-format target name.
func ParseTarget(s string) (Target, error) {
	t := Target(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TargetRaw, TargetVector, TargetSQL, TargetArchival, TargetObservability:
		return t, nil
	}
	return "", fmt.Errorf("unknown fanout target %q", s)
}

// Source identifies a retrieval source.
type Source string

const (
	SourceVector           Source = "vector"
	SourceRaw              Source = "raw"
	SourceAnalytic         Source = "analytic"
	SourceArchival         Source = "archival"
	SourceCanonicalLexical Source = "canonical-lexical"
)

// AllSources returns every retrieval source in default priority order.
func AllSources() []Source {
	return []Source{SourceVector, SourceRaw, SourceAnalytic, SourceArchival, SourceCanonicalLexical}
}

// ParseSource validates a wire-format source name.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	switch src {
	case SourceVector, SourceRaw, SourceAnalytic, SourceArchival, SourceCanonicalLexical:
		return src, nil
	}
	return "", fmt.Errorf("unknown retrieval source %q", s)
}

// OutboxStatus is the lifecycle state of an outbox job.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxRunning   OutboxStatus = "running"
	OutboxRetrying  OutboxStatus = "retrying"
	OutboxSucceeded OutboxStatus = "succeeded"
	OutboxFailed    OutboxStatus = "failed"
)

// IsTerminal reports whether no further delivery attempts will happen.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxSucceeded || s == OutboxFailed
}

// OutboxJob is one durable fanout unit: one event bound for one target.
// DedupeKey is "<event_id>:<target>" and is unique per backend.
type OutboxJob struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	Target        Target          `json:"target"`
	Project       string          `json:"project"`
	File          string          `json:"file"`
	Summary       string          `json:"summary,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	TopicPath     string          `json:"topic_path,omitempty"`
	TopicTags     []string        `json:"topic_tags,omitempty"`
	Status        OutboxStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	DedupeKey     string          `json:"dedupe_key"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TaskStatus is the lifecycle state of an agent task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskBlocked   TaskStatus = "blocked"
	TaskApproved  TaskStatus = "approved"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// TerminalTaskStatuses are the states a task never leaves on its own.
// A failed task with exhausted attempts is the deadletter set; replay is
// the only way out.
func TerminalTaskStatuses() []TaskStatus {
	return []TaskStatus{TaskSucceeded, TaskFailed, TaskCanceled}
}

// IsTerminal reports whether the status ends the task lifecycle.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// ParseTaskStatus validates a wire-format task status.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case TaskQueued, TaskBlocked, TaskApproved, TaskRunning, TaskSucceeded, TaskFailed, TaskCanceled:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// TaskAction names an executable task verb. Execution is allowlist-gated.
type TaskAction string

const (
	ActionMemoryWrite      TaskAction = "memory_write"
	ActionMemorySearch     TaskAction = "memory_search"
	ActionMessagingCommand TaskAction = "messaging_command"
	ActionHTTPCallback     TaskAction = "http_callback"
	ActionProviderChat     TaskAction = "provider_chat"
)

// AllTaskActions lists every known action verb.
func AllTaskActions() []TaskAction {
	return []TaskAction{ActionMemoryWrite, ActionMemorySearch, ActionMessagingCommand, ActionHTTPCallback, ActionProviderChat}
}

// ParseTaskAction validates a wire action string.
func ParseTaskAction(s string) (TaskAction, error) {
	a := TaskAction(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionMemoryWrite, ActionMemorySearch, ActionMessagingCommand, ActionHTTPCallback, ActionProviderChat:
		return a, nil
	}
	return "", fmt.Errorf("unknown task action %q", s)
}

// RiskLevel classifies how much damage a task action can do.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ActionRisk returns the risk class for an action. Unknown actions are
// treated as high risk so they stay behind the approval gate.
func ActionRisk(a TaskAction) RiskLevel {
	switch a {
	case ActionMemoryWrite, ActionMemorySearch:
		return RiskLow
	case ActionMessagingCommand:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Task is a durable unit of agent work.
type Task struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Project          string          `json:"project,omitempty"`
	Action           TaskAction      `json:"action"`
	Payload          json.RawMessage `json:"payload"`
	Status           TaskStatus      `json:"status"`
	Agent            string          `json:"agent,omitempty"`
	Worker           string          `json:"worker,omitempty"`
	Priority         int             `json:"priority"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	RunAfter         time.Time       `json:"run_after"`
	LeaseExpiresAt   *time.Time      `json:"lease_expires_at,omitempty"`
	RiskLevel        RiskLevel       `json:"risk_level"`
	ApprovalRequired bool            `json:"approval_required"`
	Approved         bool            `json:"approved"`
	Result           string          `json:"result,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	CreatedBy        string          `json:"created_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// TaskEvent records one task status transition for audit.
type TaskEvent struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Status    TaskStatus      `json:"status"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Feedback is one stored preference signal. Rating >= 4 counts as positive,
// <= 2 as negative; sentiment strings override when no rating is present.
type Feedback struct {
	ID        int64          `json:"id"`
	Project   string         `json:"project,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Source    string         `json:"source"`
	TaskID    string         `json:"task_id,omitempty"`
	Rating    int            `json:"rating,omitempty"`
	Sentiment string         `json:"sentiment,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Content   string         `json:"content"`
	TopicPath string         `json:"topic_path,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Positive reports whether this entry expresses approval.
func (f Feedback) Positive() bool {
	if f.Rating > 0 {
		return f.Rating >= 4
	}
	return strings.EqualFold(f.Sentiment, "positive")
}

// Negative reports whether this entry expresses disapproval.
func (f Feedback) Negative() bool {
	if f.Rating > 0 {
		return f.Rating <= 2
	}
	return strings.EqualFold(f.Sentiment, "negative")
}

// SearchResult is one federated retrieval hit after merge and rerank.
type SearchResult struct {
	Project   string         `json:"project"`
	File      string         `json:"file"`
	Summary   string         `json:"summary"`
	Content   string         `json:"content,omitempty"`
	Score     float64        `json:"score"`
	BaseScore float64        `json:"base_score"`
	Source    Source         `json:"source"`
	TopicPath string         `json:"topic_path,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MergeKey identifies a result across sources: project:file when both are
// known, otherwise a digest of the summary.
func (r SearchResult) MergeKey() string {
	if r.Project != "" && r.File != "" {
		return r.Project + ":" + r.File
	}
	return "sum:" + DigestShort(r.Summary)
}

// StagedFetchDebug explains which sources the staged planner consulted.
type StagedFetchDebug struct {
	Enabled            bool     `json:"enabled"`
	FastSources        []string `json:"fast_sources,omitempty"`
	SlowSourcesSkipped []string `json:"slow_sources_skipped,omitempty"`
	Reason             string   `json:"reason,omitempty"`
}

// SearchDebug carries per-source diagnostics alongside results.
type SearchDebug struct {
	SourceErrors    map[string]string `json:"source_errors"`
	SourceCounts    map[string]int    `json:"source_counts"`
	ResolvedSources []string          `json:"resolved_sources"`
	StagedFetch     *StagedFetchDebug `json:"staged_fetch,omitempty"`
}

// ServiceHealth is one backend's probe result for the status surface.
type ServiceHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}
