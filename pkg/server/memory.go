package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/memmcp/engram/pkg/history"
	"github.com/memmcp/engram/pkg/ingest"
	"github.com/memmcp/engram/pkg/messaging"
	"github.com/memmcp/engram/pkg/retrieval"
	"github.com/memmcp/engram/pkg/topics"
	"github.com/memmcp/engram/pkg/types"
)

func (s *Server) handleMemoryWrite(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		s.writeError(w, r, types.Validationf("server", "memory pipeline is not configured"))
		return
	}
	var req ingest.WriteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.RequestID = RequestID(r.Context())

	resp, err := s.deps.Memory.Write(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Search == nil {
		s.writeError(w, r, types.Validationf("server", "retrieval is not configured"))
		return
	}
	var req retrieval.SearchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Search.Search(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleMemoryFile reads a canonical file. Known index shapes are stubbed
// by the client before a miss becomes a 404.
func (s *Server) handleMemoryFile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		s.writeError(w, r, types.ErrNotFound)
		return
	}
	project := chi.URLParam(r, "project")
	file, err := topics.CleanPath(chi.URLParam(r, "*"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	content, _, err := s.deps.Files.ReadProjectFileAutoStub(r.Context(), project, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	contentType := "text/plain; charset=utf-8"
	if strings.HasSuffix(file, ".json") || strings.HasPrefix(strings.TrimSpace(content), "{") {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

func (s *Server) handleMemoryRecent(w http.ResponseWriter, r *http.Request) {
	items := []history.WriteItem{}
	if s.deps.Recent != nil {
		items = s.deps.Recent.Items(r.URL.Query().Get("project"), queryInt(r, "limit", 50))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTopicTree(w http.ResponseWriter, r *http.Request) {
	if s.deps.Topics == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"topics": map[string]any{}})
		return
	}
	snapshot := s.deps.Topics.Snapshot(r.URL.Query().Get("project"), queryInt(r, "depth", 0))
	s.writeJSON(w, http.StatusOK, map[string]any{"topics": snapshot})
}

// handleTopicList serves both the REST path and the tool alias. GET takes
// query parameters; POST takes the same fields as JSON.
func (s *Server) handleTopicList(w http.ResponseWriter, r *http.Request) {
	opts := topics.ListOptions{
		Project:  r.URL.Query().Get("project"),
		Prefix:   r.URL.Query().Get("prefix"),
		Limit:    queryInt(r, "limit", 50),
		MinCount: queryInt(r, "min_count", 0),
		Depth:    queryInt(r, "depth", 0),
	}
	if r.Method == http.MethodPost {
		var body struct {
			Project  string `json:"project"`
			Prefix   string `json:"prefix"`
			Limit    int    `json:"limit"`
			MinCount int    `json:"min_count"`
			Depth    int    `json:"depth"`
		}
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		opts = topics.ListOptions{
			Project:  body.Project,
			Prefix:   body.Prefix,
			Limit:    body.Limit,
			MinCount: body.MinCount,
			Depth:    body.Depth,
		}
	}

	if s.deps.Topics == nil {
		s.writeJSON(w, http.StatusOK, topics.ListResult{Topics: []topics.Entry{}})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Topics.List(opts))
}

// handleMessagingCommand runs one chat command. Channel strictness is
// resolved here, at the edge, so the interpreter stays policy-free.
func (s *Server) handleMessagingCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.Messaging == nil {
		s.writeError(w, r, types.Validationf("server", "messaging is not configured"))
		return
	}
	var cmd messaging.Command
	if err := decode(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd.Strict = s.deps.Messaging.StrictChannel(cmd.Channel)

	reply, err := s.deps.Messaging.Handle(r.Context(), &cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

// firstOf returns the first non-empty string, for request fields with
// aliases across client generations.
func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
