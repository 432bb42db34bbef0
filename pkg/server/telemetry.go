package server

import (
	"net/http"
	"time"

	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/types"
)

func (s *Server) handleFanoutStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fanout == nil {
		s.writeError(w, r, types.Validationf("server", "fanout is not configured"))
		return
	}
	stats, err := s.deps.Fanout.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadletters(w http.ResponseWriter, r *http.Request) {
	if s.deps.Outbox == nil {
		s.writeError(w, r, types.Validationf("server", "outbox is not configured"))
		return
	}
	var target types.Target
	if raw := r.URL.Query().Get("target"); raw != "" {
		parsed, err := types.ParseTarget(raw)
		if err != nil {
			s.writeError(w, r, types.Validationf("target", "%s", err.Error()))
			return
		}
		target = parsed
	}

	items, err := s.deps.Outbox.Deadletters(r.Context(), target, queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*types.OutboxJob{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleOutboxGC(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retention == nil {
		s.writeError(w, r, types.Validationf("server", "retention is not configured"))
		return
	}
	result, err := s.deps.Retention.RunGC(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (s *Server) handleRetentionState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retention == nil {
		s.writeError(w, r, types.Validationf("server", "retention is not configured"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Retention.State())
}

func (s *Server) handleRetentionRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retention == nil {
		s.writeError(w, r, types.Validationf("server", "retention is not configured"))
		return
	}
	result := s.deps.Retention.RunSweep(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (s *Server) handleRollupFlush(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rollups == nil {
		s.writeError(w, r, types.Validationf("server", "rollups are not configured"))
		return
	}
	result := s.deps.Rollups.Flush(r.Context(), queryBool(r, "force"))
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

// compactMetrics is the watcher-friendly JSON snapshot. Watch scripts
// poll it instead of scraping the Prometheus exposition format.
type compactMetrics struct {
	Backend          string                                      `json:"backend"`
	QueueDepth       int                                         `json:"queueDepth"`
	Outstanding      int                                         `json:"outstanding"`
	ByStatus         map[types.OutboxStatus]int                  `json:"byStatus"`
	ByTarget         map[types.Target]map[types.OutboxStatus]int `json:"byTarget"`
	CoalesceTotal    float64                                     `json:"coalesceTotal"`
	DroppedSignals   int64                                       `json:"droppedSignals"`
	ArchivalDisabled bool                                        `json:"archivalDisabled"`
	GeneratedAt      time.Time                                   `json:"generatedAt"`
}

func (s *Server) handleCompactMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Outbox == nil {
		s.writeError(w, r, types.Validationf("server", "outbox is not configured"))
		return
	}
	summary, err := s.deps.Outbox.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := compactMetrics{
		Backend:       summary.Backend,
		QueueDepth:    summary.ByStatus[types.OutboxPending] + summary.ByStatus[types.OutboxRetrying],
		Outstanding:   summary.Outstanding,
		ByStatus:      summary.ByStatus,
		ByTarget:      summary.ByTargetStatus,
		CoalesceTotal: metrics.CounterValue(metrics.EnqueueCoalescedTotal),
		GeneratedAt:   summary.GeneratedAt,
	}
	if s.deps.Fanout != nil {
		out.DroppedSignals = s.deps.Fanout.Signal().Dropped()
		out.ArchivalDisabled = s.deps.Fanout.Archival().Snapshot().Disabled
	}
	s.writeJSON(w, http.StatusOK, out)
}
