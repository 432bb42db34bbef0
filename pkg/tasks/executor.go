package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/ingest"
	"github.com/memmcp/engram/pkg/retrieval"
	"github.com/memmcp/engram/pkg/types"
)

// maxResultBytes caps stored task results; anything longer is clipped.
const maxResultBytes = 8 << 10

// Memory is the write path an executor dispatches memory_write into.
type Memory interface {
	Write(ctx context.Context, req *ingest.WriteRequest) (*ingest.WriteResponse, error)
}

// Searcher is the read path behind memory_search tasks.
type Searcher interface {
	Search(ctx context.Context, req *retrieval.SearchRequest) (*retrieval.SearchResponse, error)
}

// Commander runs messaging_command payloads. The messaging interpreter
// implements it; the indirection keeps this package below messaging.
type Commander interface {
	DispatchPayload(ctx context.Context, raw []byte) (string, error)
}

// Executor runs one claimed task to completion. Action payloads are the
// task's payload JSON; the "action" field picks the handler and the
// rest of the object carries that handler's arguments.
type Executor struct {
	cfg       config.TasksConfig
	memory    Memory
	search    Searcher
	commander Commander
	client    *http.Client
	logger    zerolog.Logger
}

// NewExecutor wires the action handlers. Any dependency may be nil;
// tasks needing it fail permanently instead of retrying.
func NewExecutor(cfg config.TasksConfig, memory Memory, search Searcher, commander Commander, logger zerolog.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		memory:    memory,
		search:    search,
		commander: commander,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

// Execute dispatches on the task action and returns the result string
// to store. Validation problems and permanent upstream failures should
// not be retried; the runner checks for them.
func (e *Executor) Execute(ctx context.Context, task *types.Task) (string, error) {
	switch task.Action {
	case types.ActionMemoryWrite:
		return e.runMemoryWrite(ctx, task)
	case types.ActionMemorySearch:
		return e.runMemorySearch(ctx, task)
	case types.ActionMessagingCommand:
		return e.runMessagingCommand(ctx, task)
	case types.ActionHTTPCallback:
		return e.runHTTPCallback(ctx, task)
	case types.ActionProviderChat:
		return e.runProviderChat(ctx, task)
	}
	return "", types.Validationf("payload", "unknown task action %q", task.Action)
}

func (e *Executor) runMemoryWrite(ctx context.Context, task *types.Task) (string, error) {
	if e.memory == nil {
		return "", types.Validationf("payload", "memory writes are not wired on this deployment")
	}
	var req ingest.WriteRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return "", types.Validationf("payload", "decode memory_write payload: %v", err)
	}
	if req.Project == "" && task.Project != "" {
		req.Project = task.Project
	}
	req.RequestID = "task-" + task.ID

	resp, err := e.memory.Write(ctx, &req)
	if err != nil {
		return "", err
	}
	return compactResult(resp)
}

func (e *Executor) runMemorySearch(ctx context.Context, task *types.Task) (string, error) {
	if e.search == nil {
		return "", types.Validationf("payload", "memory search is not wired on this deployment")
	}
	var req retrieval.SearchRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return "", types.Validationf("payload", "decode memory_search payload: %v", err)
	}
	if req.Project == "" && task.Project != "" {
		req.Project = task.Project
	}

	resp, err := e.search.Search(ctx, &req)
	if err != nil {
		return "", err
	}
	return compactResult(resp)
}

func (e *Executor) runMessagingCommand(ctx context.Context, task *types.Task) (string, error) {
	if e.commander == nil {
		return "", types.Validationf("payload", "messaging commands are not wired on this deployment")
	}
	reply, err := e.commander.DispatchPayload(ctx, task.Payload)
	if err != nil {
		return "", err
	}
	return clipResult(reply), nil
}

func (e *Executor) runHTTPCallback(ctx context.Context, task *types.Task) (string, error) {
	var req struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    json.RawMessage   `json:"body"`
	}
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return "", types.Validationf("payload", "decode http_callback payload: %v", err)
	}

	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || target.Host == "" {
		return "", types.Validationf("payload", "invalid callback url")
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return "", types.Validationf("payload", "callback scheme must be http or https")
	}
	if !e.callbackHostAllowed(target) {
		return "", types.Validationf("payload", "callback host %s is not in the allowlist", target.Host)
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return "", types.Validationf("payload", "callback method must be GET or POST")
	}

	var reader io.Reader
	if method == http.MethodPost && len(req.Body) > 0 {
		reader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return "", fmt.Errorf("build callback request: %w", err)
	}
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", &types.UpstreamError{Backend: "callback", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return "", &types.UpstreamError{Backend: "callback", Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &types.UpstreamError{
			Backend:   "callback",
			Status:    resp.StatusCode,
			Permanent: permanentCallbackStatus(resp.StatusCode),
			Err:       fmt.Errorf("callback returned %d: %s", resp.StatusCode, clipResult(string(raw))),
		}
	}
	return clipResult(fmt.Sprintf("%d %s", resp.StatusCode, strings.TrimSpace(string(raw)))), nil
}

func (e *Executor) runProviderChat(ctx context.Context, task *types.Task) (string, error) {
	if e.cfg.ProviderBaseURL == "" {
		return "", types.Validationf("payload", "chat provider is not configured")
	}
	var req struct {
		Prompt string `json:"prompt"`
		System string `json:"system"`
		Model  string `json:"model"`
	}
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return "", types.Validationf("payload", "decode provider_chat payload: %v", err)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", types.Validationf("payload", "prompt is required")
	}
	model := req.Model
	if model == "" {
		model = e.cfg.ProviderModel
	}

	messages := make([]map[string]string, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body, err := json.Marshal(map[string]any{"model": model, "messages": messages})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(e.cfg.ProviderBaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.cfg.ProviderAPIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.ProviderAPIKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", &types.UpstreamError{Backend: "provider", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &types.UpstreamError{Backend: "provider", Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &types.UpstreamError{
			Backend:   "provider",
			Status:    resp.StatusCode,
			Permanent: permanentCallbackStatus(resp.StatusCode),
			Err:       fmt.Errorf("provider returned %d: %s", resp.StatusCode, clipResult(string(raw))),
		}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &types.UpstreamError{Backend: "provider", Status: resp.StatusCode, Err: fmt.Errorf("decode provider response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &types.UpstreamError{Backend: "provider", Status: resp.StatusCode, Err: fmt.Errorf("provider returned no choices")}
	}
	return clipResult(strings.TrimSpace(parsed.Choices[0].Message.Content)), nil
}

func (e *Executor) callbackHostAllowed(target *url.URL) bool {
	host := strings.ToLower(target.Hostname())
	hostPort := strings.ToLower(target.Host)
	for _, allowed := range e.cfg.CallbackHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if allowed == host || allowed == hostPort {
			return true
		}
	}
	return false
}

func permanentCallbackStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

func compactResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode task result: %w", err)
	}
	return clipResult(string(raw)), nil
}

func clipResult(s string) string {
	if len(s) <= maxResultBytes {
		return s
	}
	return s[:maxResultBytes]
}
