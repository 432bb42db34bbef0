package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/memmcp/engram/pkg/types"
)

// Options tunes a backend. The same options drive both implementations.
type Options struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	CoalesceWindow  time.Duration
	CoalesceTargets map[types.Target]bool
}

// EnqueueResult reports what enqueue did per outcome.
type EnqueueResult struct {
	Inserted          int                   `json:"inserted"`
	Requeued          int                   `json:"requeued"`
	Existing          int                   `json:"existing"`
	Coalesced         int                   `json:"coalesced"`
	CoalescedByTarget map[types.Target]int  `json:"coalesced_by_target,omitempty"`
	Queued            map[types.Target]bool `json:"-"`
}

// ClaimFilter narrows a claim to one target or away from a set of targets.
// Zero value claims across all targets.
type ClaimFilter struct {
	Target         types.Target
	ExcludeTargets []types.Target
}

// Summary is the grouped-count snapshot behind /telemetry/fanout.
type Summary struct {
	Backend        string                                        `json:"backend"`
	ByStatus       map[types.OutboxStatus]int                    `json:"by_status"`
	ByTargetStatus map[types.Target]map[types.OutboxStatus]int   `json:"by_target_status"`
	Outstanding    int                                           `json:"outstanding"`
	GeneratedAt    time.Time                                     `json:"generated_at"`
}

// GCOptions selects what a garbage collection cycle may delete.
type GCOptions struct {
	SucceededRetention time.Duration
	FailedRetention    time.Duration
	StalePendingAge    time.Duration
	StaleTargets       []types.Target
	VacuumMinDeleted   int
	VacuumMinInterval  time.Duration
}

// GCResult reports one garbage collection cycle.
type GCResult struct {
	Backend      string         `json:"backend"`
	DeletedTotal int            `json:"deleted_total"`
	Deleted      map[string]int `json:"deleted"`
	AfterTotal   int            `json:"after_total"`
	Vacuumed     bool           `json:"vacuumed,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

// Backend is the durable outbox contract. Both implementations guarantee
// at-most-one row per dedupe_key and atomic multi-step updates.
type Backend interface {
	Name() string

	// Enqueue records one row per target inside a single transaction,
	// coalescing onto a recent non-terminal row for the same
	// (target, project, file) when the window allows.
	Enqueue(ctx context.Context, event *types.MemoryEvent, targets []types.Target, forceRequeue bool) (*EnqueueResult, error)

	// ClaimBatch atomically moves up to limit due rows to running,
	// incrementing attempts and stamping last_attempt_at.
	ClaimBatch(ctx context.Context, limit int, filter ClaimFilter) ([]*types.OutboxJob, error)

	MarkSuccess(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error

	// MarkRetry reschedules with exponential backoff, or fails terminally
	// once attempts reach the job's max.
	MarkRetry(ctx context.Context, job *types.OutboxJob, errMsg string) error

	// RecoverStaleRunning returns rows stuck in running for longer than
	// maxAge to retrying with an immediate next attempt.
	RecoverStaleRunning(ctx context.Context, maxAge time.Duration) (int, error)

	// FailTarget terminally fails every non-terminal row for a target.
	// Used when a sink is disabled for the rest of the process lifetime.
	FailTarget(ctx context.Context, target types.Target, reason string) (int, error)

	Deadletters(ctx context.Context, target types.Target, limit int) ([]*types.OutboxJob, error)
	CountByStatus(ctx context.Context) (map[types.OutboxStatus]int, error)
	OutstandingForTarget(ctx context.Context, target types.Target) (int, error)
	Summary(ctx context.Context) (*Summary, error)
	GC(ctx context.Context, opts GCOptions) (*GCResult, error)
	Close() error
}

// DedupeKey is the uniqueness key: one row per (event, target).
func DedupeKey(eventID string, target types.Target) string {
	return eventID + ":" + string(target)
}

// Backoff computes the retry delay for the given attempt count:
// min(base·2^(attempts-1), cap) plus uniform jitter in
// [0, min(1s, 20% of the bounded delay)].
func Backoff(attempts int, base, cap time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	baseSecs := base.Seconds()
	capSecs := cap.Seconds()

	delay := baseSecs * math.Pow(2, float64(attempts-1))
	if delay > capSecs {
		delay = capSecs
	}
	jitterMax := math.Min(1.0, delay*0.2)
	delay += rand.Float64() * jitterMax

	return time.Duration(delay * float64(time.Second))
}

// EncodePayload serializes the event for storage in an outbox row.
func EncodePayload(event *types.MemoryEvent) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode outbox payload: %w", err)
	}
	return raw, nil
}

// DecodePayload restores the event carried by a job.
func DecodePayload(job *types.OutboxJob) (*types.MemoryEvent, error) {
	var event types.MemoryEvent
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return nil, fmt.Errorf("decode outbox payload for job %d: %w", job.ID, err)
	}
	return &event, nil
}

// TruncateError bounds stored error strings so a pathological upstream
// message cannot bloat the outbox.
func TruncateError(msg string) string {
	const max = 500
	if len(msg) <= max {
		return msg
	}
	return msg[:max]
}
