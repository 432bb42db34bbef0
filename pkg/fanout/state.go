package fanout

import (
	"sync"
	"time"

	"github.com/memmcp/engram/pkg/metrics"
)

// ArchivalState tracks whether the archival sink may still be written
// this process lifetime. A permanent-shape error, or a streak of
// transient ones, disables it; there is no re-enable short of a restart.
type ArchivalState struct {
	mu         sync.Mutex
	disabled   bool
	reason     string
	disabledAt time.Time
	streak     int
}

// ArchivalSnapshot is the telemetry view of the state.
type ArchivalSnapshot struct {
	Disabled   bool       `json:"disabled"`
	Reason     string     `json:"reason,omitempty"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	Streak     int        `json:"transient_streak"`
}

// Enabled reports whether archival deliveries may proceed.
func (s *ArchivalState) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled
}

// Disable turns archival off permanently. Returns true on the first
// call, false when it was already disabled.
func (s *ArchivalState) Disable(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return false
	}
	s.disabled = true
	s.reason = reason
	s.disabledAt = time.Now().UTC()
	metrics.ArchivalDisabled.Set(1)
	return true
}

// NoteTransientFailure bumps the consecutive 5xx streak and disables
// archival once the streak reaches threshold. Returns true when this
// call crossed the threshold.
func (s *ArchivalState) NoteTransientFailure(threshold int, reason string) bool {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return false
	}
	s.streak++
	crossed := threshold > 0 && s.streak >= threshold
	s.mu.Unlock()

	if crossed {
		return s.Disable(reason)
	}
	return false
}

// ResetStreak clears the consecutive 5xx streak. Called on success and
// on failures that are not 5xx-shaped.
func (s *ArchivalState) ResetStreak() {
	s.mu.Lock()
	s.streak = 0
	s.mu.Unlock()
}

// Reason returns the disable reason, empty while enabled.
func (s *ArchivalState) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Snapshot returns the telemetry view.
func (s *ArchivalState) Snapshot() ArchivalSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := ArchivalSnapshot{Disabled: s.disabled, Reason: s.reason, Streak: s.streak}
	if s.disabled {
		at := s.disabledAt
		snap.DisabledAt = &at
	}
	return snap
}
