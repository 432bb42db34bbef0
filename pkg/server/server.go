package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/fanout"
	"github.com/memmcp/engram/pkg/feedback"
	"github.com/memmcp/engram/pkg/history"
	"github.com/memmcp/engram/pkg/ingest"
	"github.com/memmcp/engram/pkg/log"
	"github.com/memmcp/engram/pkg/messaging"
	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/outbox"
	"github.com/memmcp/engram/pkg/retention"
	"github.com/memmcp/engram/pkg/retrieval"
	"github.com/memmcp/engram/pkg/rollup"
	"github.com/memmcp/engram/pkg/secrets"
	"github.com/memmcp/engram/pkg/tasks"
	"github.com/memmcp/engram/pkg/topics"
	"github.com/memmcp/engram/pkg/types"
)

// maxBodyBytes bounds request bodies. Memory writes carry full file
// content, so the cap is generous.
const maxBodyBytes = 4 << 20

// Memory is the ingest write path.
type Memory interface {
	Write(ctx context.Context, req *ingest.WriteRequest) (*ingest.WriteResponse, error)
}

// Searcher is the federated retrieval engine.
type Searcher interface {
	Search(ctx context.Context, req *retrieval.SearchRequest) (*retrieval.SearchResponse, error)
}

// FileReader reads canonical memory-bank files, stubbing known index
// shapes before reporting a miss.
type FileReader interface {
	ReadProjectFileAutoStub(ctx context.Context, project, file string) (string, bool, error)
}

// TaskRuntime reports the internal worker pool state.
type TaskRuntime interface {
	Runtime(ctx context.Context) (*tasks.RuntimeInfo, error)
}

// HealthProbe is the common shape of the sink clients' health checks.
type HealthProbe interface {
	Healthy(ctx context.Context) error
}

// Deps carries the server's collaborators. Nil entries disable the
// matching routes with a 404 or an empty response rather than panicking,
// so partial deployments (no archival, no mongo) still serve.
type Deps struct {
	Memory    Memory
	Search    Searcher
	Files     FileReader
	Recent    *history.Recent
	Topics    *topics.Tree
	Fanout    *fanout.Manager
	Outbox    *outbox.Supervisor
	Retention *retention.Manager
	Rollups   *rollup.Flusher
	Tasks     *tasks.Store
	Runtime   TaskRuntime
	Feedback  *feedback.Store
	Messaging *messaging.Interpreter

	// Probes feed /status; keys become service names.
	Probes map[string]HealthProbe

	Version string
}

// Server is the HTTP surface.
type Server struct {
	cfg    *config.Config
	deps   Deps
	http   *http.Server
	logger zerolog.Logger
}

// New assembles the router and listener. Call Start to serve.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithComponent("server"),
	}
	s.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	if d := s.cfg.RequestTimeout(); d > 0 {
		r.Use(middleware.Timeout(d))
	}
	r.Use(s.auth)

	r.Route("/memory", func(r chi.Router) {
		r.Post("/write", s.handleMemoryWrite)
		r.Post("/search", s.handleMemorySearch)
		r.Get("/files/{project}/*", s.handleMemoryFile)
		r.Get("/recent", s.handleMemoryRecent)
		r.Get("/topics", s.handleTopicTree)
		r.Get("/topics/list", s.handleTopicList)
		r.Post("/topics/list", s.handleTopicList)
	})
	r.Get("/tools/topics_list", s.handleTopicList)
	r.Post("/tools/topics_list", s.handleTopicList)

	r.Post("/messaging/command", s.handleMessagingCommand)

	r.Route("/telemetry", func(r chi.Router) {
		r.Get("/fanout", s.handleFanoutStats)
		r.Get("/fanout/deadletters", s.handleDeadletters)
		r.Post("/fanout/gc", s.handleOutboxGC)
		r.Get("/retention", s.handleRetentionState)
		r.Post("/retention/run", s.handleRetentionRun)
		r.Post("/memory/rollups/flush", s.handleRollupFlush)
		r.Get("/metrics", s.handleCompactMetrics)
	})

	r.Route("/agents/tasks", func(r chi.Router) {
		r.Post("/", s.handleTaskCreate)
		r.Get("/", s.handleTaskList)
		r.Get("/deadletter", s.handleTaskDeadletter)
		r.Get("/runtime", s.handleTaskRuntime)
		r.Post("/next", s.handleTaskNext)
		r.Get("/{id}", s.handleTaskGet)
		r.Get("/{id}/events", s.handleTaskEvents)
		r.Post("/{id}/status", s.handleTaskStatus)
		r.Post("/{id}/approve", s.handleTaskApprove)
		r.Post("/{id}/replay", s.handleTaskReplay)
		r.Post("/{id}/cancel", s.handleTaskCancel)
	})

	r.Post("/feedback", s.handleFeedbackCreate)
	r.Get("/feedback", s.handleFeedbackList)
	r.Get("/preferences", s.handlePreferences)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", metrics.Handler())

	return r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until Stop or listener failure.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// writeError maps the error taxonomy onto status codes. Secret-policy
// blocks are 422 so callers can tell a policy refusal from a malformed
// request.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	hint := ""

	var ve *types.ValidationError
	var ue *types.UpstreamError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		if ve.Reason == secrets.BlockedReason {
			status = http.StatusUnprocessableEntity
		}
	case errors.Is(err, types.ErrUnauthorized):
		status = http.StatusUnauthorized
		hint = "provide x-api-key or a bearer token"
	case errors.Is(err, types.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrQueueSaturated):
		status = http.StatusServiceUnavailable
		hint = "retry later"
	case errors.Is(err, types.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &ue):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
	}
	s.writeJSON(w, status, errorBody{Error: err.Error(), Hint: hint})
}

// decode reads a bounded JSON body. Missing bodies surface as validation
// errors, not EOF internals.
func decode(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return types.Validationf("body", "invalid JSON: %v", err)
	}
	return nil
}
