package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/log"
	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/outbox"
	"github.com/memmcp/engram/pkg/types"
)

// Admission denial reasons, surfaced as write warnings and metric labels.
const (
	DenyArchivalDisabled = "archival_disabled"
	DenyHardBacklog      = "hard_backlog"
	DenySoftBacklogLow   = "soft_backlog_low_value"
)

// LowValueFunc classifies a record as cheap to drop. The retention
// package supplies the real classifier; admission only consults it.
type LowValueFunc func(file, topicPath, summary string) bool

// Admission decides per write whether the archival target joins the
// fanout set. It protects a slow archival service from unbounded
// backlog: past the soft limit low-value records are shed, past the
// hard limit everything is.
type Admission struct {
	backend  outbox.Backend
	state    *ArchivalState
	lowValue LowValueFunc
	soft     int
	hard     int
	logger   zerolog.Logger
	limiter  *log.Limiter
}

// NewAdmission builds the archival admission gate.
func NewAdmission(backend outbox.Backend, state *ArchivalState, lowValue LowValueFunc, soft, hard int, logger zerolog.Logger) *Admission {
	return &Admission{
		backend:  backend,
		state:    state,
		lowValue: lowValue,
		soft:     soft,
		hard:     hard,
		logger:   logger,
		limiter:  log.NewLimiter(30 * time.Second),
	}
}

// Filter returns targets with archival removed when admission denies
// it, plus a warning describing why. Backlog probe failures admit the
// write; shedding on an unknown backlog would drop data for nothing.
func (a *Admission) Filter(ctx context.Context, event *types.MemoryEvent, targets []types.Target) ([]types.Target, []string) {
	idx := -1
	for i, t := range targets {
		if t == types.TargetArchival {
			idx = i
			break
		}
	}
	if idx < 0 {
		return targets, nil
	}

	reason := a.deny(ctx, event)
	if reason == "" {
		return targets, nil
	}

	metrics.AdmissionDeniedTotal.WithLabelValues(reason).Inc()
	if a.limiter.Allow("admission:" + reason) {
		a.logger.Warn().
			Str("project", event.Project).
			Str("file", event.File).
			Str("reason", reason).
			Msg("Archival admission denied")
	}

	out := make([]types.Target, 0, len(targets)-1)
	out = append(out, targets[:idx]...)
	out = append(out, targets[idx+1:]...)
	return out, []string{fmt.Sprintf("archival target skipped: %s", reason)}
}

func (a *Admission) deny(ctx context.Context, event *types.MemoryEvent) string {
	if !a.state.Enabled() {
		return DenyArchivalDisabled
	}
	if a.soft <= 0 && a.hard <= 0 {
		return ""
	}

	outstanding, err := a.backend.OutstandingForTarget(ctx, types.TargetArchival)
	if err != nil {
		if a.limiter.Allow("admission:probe") {
			a.logger.Warn().Err(err).Msg("Archival backlog probe failed, admitting write")
		}
		return ""
	}

	if a.hard > 0 && outstanding >= a.hard {
		return DenyHardBacklog
	}
	if a.soft > 0 && outstanding >= a.soft && a.lowValue != nil &&
		a.lowValue(event.File, event.TopicPath, event.Summary) {
		return DenySoftBacklogLow
	}
	return ""
}
