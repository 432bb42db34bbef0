package sinks

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/memmcp/engram/pkg/types"
)

// Registry bundles every configured sink client. Nil fields mean the
// sink is not configured; callers treat those targets as disabled.
type Registry struct {
	Raw           *RawStore
	Vector        *VectorStore
	Analytic      *AnalyticStore
	Archival      *ArchivalStore
	Observability *ObservabilityClient
	Canonical     *CanonicalClient
	Embeddings    *EmbeddingClient
}

// Enabled reports whether a fanout target has a configured client.
func (r *Registry) Enabled(target types.Target) bool {
	switch target {
	case types.TargetRaw:
		return r.Raw != nil
	case types.TargetVector:
		return r.Vector != nil
	case types.TargetSQL:
		return r.Analytic != nil
	case types.TargetArchival:
		return r.Archival != nil
	case types.TargetObservability:
		return r.Observability != nil
	}
	return false
}

// doJSON posts (or gets) JSON and decodes the response into out. Non-2xx
// responses become UpstreamError carrying the status code and a bounded
// slice of the body.
func doJSON(ctx context.Context, client *http.Client, backend, method, url string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", backend, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", backend, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &types.UpstreamError{Backend: backend, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &types.UpstreamError{Backend: backend, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &types.UpstreamError{
			Backend:   backend,
			Status:    resp.StatusCode,
			Permanent: permanentStatus(resp.StatusCode),
			Err:       fmt.Errorf("%s returned %d: %s", backend, resp.StatusCode, snippet(raw)),
		}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &types.UpstreamError{Backend: backend, Status: resp.StatusCode, Err: fmt.Errorf("decode %s response: %w", backend, err)}
		}
	}
	return nil
}

// permanentStatus marks the status codes no retry can fix.
func permanentStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
