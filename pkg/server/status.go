package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/memmcp/engram/pkg/tasks"
)

// statusTimeout bounds the whole snapshot so one stuck backend cannot
// hang the endpoint.
const statusTimeout = 3 * time.Second

// ServiceStatus is one component row in the status report.
type ServiceStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// StatusReport is the assembled health view served at /status. The chat
// status command renders the same snapshot.
type StatusReport struct {
	OK          bool               `json:"ok"`
	Version     string             `json:"version,omitempty"`
	Services    []ServiceStatus    `json:"services"`
	TaskRuntime *tasks.RuntimeInfo `json:"task_runtime,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.StatusSnapshot(r.Context()))
}

// StatusSnapshot probes every wired component once and reports the
// aggregate. Probe failures mark the report degraded instead of erroring.
func (s *Server) StatusSnapshot(ctx context.Context) *StatusReport {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	report := &StatusReport{OK: true, Version: s.deps.Version, GeneratedAt: time.Now().UTC()}
	add := func(name string, healthy bool, detail string) {
		report.Services = append(report.Services, ServiceStatus{Name: name, Healthy: healthy, Detail: detail})
		if !healthy {
			report.OK = false
		}
	}

	if s.deps.Outbox != nil {
		summary, err := s.deps.Outbox.Summary(ctx)
		if err != nil {
			add("outbox", false, err.Error())
		} else {
			add("outbox", true, fmt.Sprintf("%s backend, %d outstanding", summary.Backend, summary.Outstanding))
		}
	}
	if s.deps.Tasks != nil {
		if s.deps.Tasks.Healthy(ctx) {
			add("tasks", true, "")
		} else {
			add("tasks", false, "query failed")
		}
	}
	if s.deps.Feedback != nil {
		if s.deps.Feedback.Healthy(ctx) {
			add("feedback", true, "")
		} else {
			add("feedback", false, "query failed")
		}
	}

	names := make([]string, 0, len(s.deps.Probes))
	for name := range s.deps.Probes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.deps.Probes[name].Healthy(ctx); err != nil {
			add(name, false, err.Error())
		} else {
			add(name, true, "")
		}
	}

	if s.deps.Runtime != nil {
		if info, err := s.deps.Runtime.Runtime(ctx); err == nil {
			report.TaskRuntime = info
		}
	}
	return report
}
