package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memmcp/engram/pkg/feedback"
	"github.com/memmcp/engram/pkg/tasks"
	"github.com/memmcp/engram/pkg/types"
)

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, types.Validationf("server", "task queue is not configured"))
		return
	}
	var req tasks.CreateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.deps.Tasks.Create(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"task": task})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, types.Validationf("server", "task queue is not configured"))
		return
	}
	filter := tasks.ListFilter{
		Project: r.URL.Query().Get("project"),
		Limit:   queryInt(r, "limit", 50),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := types.ParseTaskStatus(raw)
		if err != nil {
			s.writeError(w, r, types.Validationf("status", "%s", err.Error()))
			return
		}
		filter.Status = status
	}
	items, err := s.deps.Tasks.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*types.Task{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleTaskDeadletter lists permanently failed tasks. The deadletter is
// a view over status, not a separate table, so replay needs no move.
func (s *Server) handleTaskDeadletter(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, types.Validationf("server", "task queue is not configured"))
		return
	}
	items, err := s.deps.Tasks.List(r.Context(), tasks.ListFilter{
		Project: r.URL.Query().Get("project"),
		Status:  types.TaskFailed,
		Limit:   queryInt(r, "limit", 50),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*types.Task{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTaskRuntime(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runtime == nil {
		s.writeError(w, r, types.Validationf("server", "task runtime is not configured"))
		return
	}
	info, err := s.deps.Runtime.Runtime(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleTaskNext leases one ready task to an external worker. A 204
// means the queue has nothing ready for that worker right now.
func (s *Server) handleTaskNext(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, types.Validationf("server", "task queue is not configured"))
		return
	}
	task, err := s.deps.Tasks.ClaimNext(r.Context(), r.URL.Query().Get("worker"), "external")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, types.Validationf("server", "task queue is not configured"))
		return
	}
	task, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, types.Validationf("server", "task queue is not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Tasks.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Tasks.Events(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []types.TaskEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "events": events})
}

// taskStatusRequest is what external workers post after an attempt.
// Failures route through the retry schedule unless marked permanent.
type taskStatusRequest struct {
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, types.Validationf("server", "task queue is not configured"))
		return
	}
	var req taskStatusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := types.ParseTaskStatus(req.Status)
	if err != nil {
		s.writeError(w, r, types.Validationf("status", "%s", err.Error()))
		return
	}

	id := chi.URLParam(r, "id")
	var task *types.Task
	switch status {
	case types.TaskSucceeded:
		task, err = s.deps.Tasks.UpdateStatus(r.Context(), id, types.TaskSucceeded, firstOf(req.Result, req.Message))
	case types.TaskFailed:
		errMsg := firstOf(req.Error, req.Message, "worker reported failure")
		if req.Permanent {
			task, err = s.deps.Tasks.UpdateStatus(r.Context(), id, types.TaskFailed, errMsg)
		} else {
			task, err = s.deps.Tasks.RequeueForRetry(r.Context(), id, errMsg)
		}
	case types.TaskCanceled:
		task, err = s.deps.Tasks.UpdateStatus(r.Context(), id, types.TaskCanceled, firstOf(req.Error, req.Message, "canceled by worker"))
	case types.TaskBlocked:
		// Workers relinquish tasks they find unapproved.
		task, err = s.deps.Tasks.UpdateStatus(r.Context(), id, types.TaskBlocked, firstOf(req.Message, "awaiting approval"))
	default:
		s.writeError(w, r, types.Validationf("status", "workers may report succeeded, failed, canceled or blocked"))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleTaskApprove(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, types.Validationf("server", "task queue is not configured"))
		return
	}
	var req struct {
		Approver string `json:"approver"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.Approver == "" {
		req.Approver = r.URL.Query().Get("approver")
	}
	task, err := s.deps.Tasks.Approve(r.Context(), chi.URLParam(r, "id"), req.Approver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleTaskReplay(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, types.Validationf("server", "task queue is not configured"))
		return
	}
	var req struct {
		Reset bool `json:"reset"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if !req.Reset {
		req.Reset = queryBool(r, "reset")
	}
	task, err := s.deps.Tasks.Replay(r.Context(), chi.URLParam(r, "id"), req.Reset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, types.Validationf("server", "task queue is not configured"))
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "canceled via api"
	}
	task, err := s.deps.Tasks.UpdateStatus(r.Context(), chi.URLParam(r, "id"), types.TaskCanceled, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleFeedbackCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feedback == nil {
		s.writeError(w, r, types.Validationf("server", "feedback store is not configured"))
		return
	}
	var req feedback.CreateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.deps.Feedback.Create(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"feedback": entry})
}

func (s *Server) handleFeedbackList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feedback == nil {
		s.writeError(w, r, types.Validationf("server", "feedback store is not configured"))
		return
	}
	items, err := s.deps.Feedback.List(r.Context(), feedback.ListFilter{
		Project: r.URL.Query().Get("project"),
		UserID:  r.URL.Query().Get("userId"),
		Source:  r.URL.Query().Get("source"),
		Limit:   queryInt(r, "limit", 50),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []types.Feedback{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"feedback": items})
}

// handlePreferences renders the accumulated feedback for a user as a
// prompt-ready preference block.
func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feedback == nil {
		s.writeError(w, r, types.Validationf("server", "feedback store is not configured"))
		return
	}
	pc, err := s.deps.Feedback.BuildPreferenceContext(r.Context(),
		r.URL.Query().Get("project"),
		r.URL.Query().Get("userId"),
		queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled":     pc.Enabled,
		"preferences": pc.Rendered,
		"total":       pc.Total,
	})
}
