package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/ingest"
	"github.com/memmcp/engram/pkg/retrieval"
	"github.com/memmcp/engram/pkg/secrets"
	"github.com/memmcp/engram/pkg/tasks"
	"github.com/memmcp/engram/pkg/types"
)

const recallLimit = 5

// Command is one inbound chat message. Channel adapters are external;
// they post this shape and relay the reply.
//
// Strict is resolved at the transport edge from the channel
// configuration, never inside the interpreter, so new strict channels
// need no command-logic changes.
type Command struct {
	Channel       string `json:"channel"`
	SourceID      string `json:"sourceId,omitempty"`
	Text          string `json:"text"`
	Project       string `json:"project,omitempty"`
	TopicPath     string `json:"topicPath,omitempty"`
	UserID        string `json:"userId,omitempty"`
	RequirePrefix bool   `json:"requirePrefix,omitempty"`

	Strict bool `json:"-"`
}

// Reply is what the adapter relays back to the channel. Handled false
// means the message was not addressed to the bot or not a command; the
// adapter should stay silent.
type Reply struct {
	Text     string   `json:"text"`
	Handled  bool     `json:"handled"`
	Data     any      `json:"data,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Memory is the write path behind the remember command.
type Memory interface {
	Write(ctx context.Context, req *ingest.WriteRequest) (*ingest.WriteResponse, error)
}

// Searcher is the read path behind the recall command.
type Searcher interface {
	Search(ctx context.Context, req *retrieval.SearchRequest) (*retrieval.SearchResponse, error)
}

// TaskRuntime reports worker pool state for the task runtime command.
type TaskRuntime interface {
	Runtime(ctx context.Context) (*tasks.RuntimeInfo, error)
}

// StatusFunc returns the coarse service snapshot for the status command.
type StatusFunc func(ctx context.Context) any

// Deps carries the interpreter's collaborators. Any of them may be nil;
// the matching commands then answer with a not-wired notice.
type Deps struct {
	Scanner *secrets.Scanner
	Memory  Memory
	Search  Searcher
	Tasks   *tasks.Store
	Runtime TaskRuntime
	Status  StatusFunc
}

// Interpreter turns chat text into memory writes, retrieval queries and
// task operations.
type Interpreter struct {
	cfg     config.MessagingConfig
	bot     string
	strict  map[string]bool
	scanner *secrets.Scanner
	memory  Memory
	search  Searcher
	tasks   *tasks.Store
	runtime TaskRuntime
	status  StatusFunc
	logger  zerolog.Logger
	now     func() time.Time
}

// NewInterpreter wires the command surface.
func NewInterpreter(cfg config.MessagingConfig, deps Deps, logger zerolog.Logger) *Interpreter {
	strict := make(map[string]bool, len(cfg.StrictChannels))
	for _, ch := range cfg.StrictChannels {
		if ch = strings.ToLower(strings.TrimSpace(ch)); ch != "" {
			strict[ch] = true
		}
	}
	scanner := deps.Scanner
	if scanner == nil {
		scanner = secrets.NewScanner()
	}
	return &Interpreter{
		cfg:     cfg,
		bot:     strings.ToLower(strings.TrimSpace(cfg.BotName)),
		strict:  strict,
		scanner: scanner,
		memory:  deps.Memory,
		search:  deps.Search,
		tasks:   deps.Tasks,
		runtime: deps.Runtime,
		status:  deps.Status,
		logger:  logger,
		now:     time.Now,
	}
}

// StrictChannel reports whether a channel gets secret blocking and
// reply redaction. The transport edge calls this to fill Command.Strict.
func (i *Interpreter) StrictChannel(channel string) bool {
	return i.strict[strings.ToLower(strings.TrimSpace(channel))]
}

// Handle interprets one command. Validation problems (including strict
// secret blocks) come back as errors; everything else is a Reply.
func (i *Interpreter) Handle(ctx context.Context, cmd *Command) (*Reply, error) {
	if cmd == nil || strings.TrimSpace(cmd.Text) == "" {
		return nil, types.Validationf("text", "text is required")
	}

	text, mentioned := i.stripMention(cmd.Text)
	if cmd.RequirePrefix && !mentioned {
		return &Reply{Handled: false}, nil
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return &Reply{Handled: false}, nil
	}
	verb := strings.ToLower(fields[0])
	rest := strings.TrimSpace(text[len(fields[0]):])

	var (
		reply *Reply
		err   error
	)
	switch verb {
	case "remember":
		reply, err = i.remember(ctx, cmd, rest)
	case "recall":
		reply, err = i.recall(ctx, cmd, rest)
	case "status":
		reply, err = i.serviceStatus(ctx)
	case "task", "tasks":
		reply, err = i.task(ctx, cmd, fields[1:], rest)
	case "help":
		reply = &Reply{Handled: true, Text: helpText}
	default:
		reply = &Reply{Handled: false, Text: "Unknown command. Try `help`."}
	}
	if err != nil {
		return nil, err
	}
	if cmd.Strict {
		i.redactReply(reply)
	}
	return reply, nil
}

// DispatchPayload runs a messaging_command task payload. It implements
// the task executor's Commander contract.
func (i *Interpreter) DispatchPayload(ctx context.Context, raw []byte) (string, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return "", types.Validationf("payload", "decode messaging command: %v", err)
	}
	cmd.Strict = i.StrictChannel(cmd.Channel)
	reply, err := i.Handle(ctx, &cmd)
	if err != nil {
		return "", err
	}
	if !reply.Handled {
		return "", types.Validationf("payload", "unrecognized messaging command")
	}
	return reply.Text, nil
}

func (i *Interpreter) remember(ctx context.Context, cmd *Command, content string) (*Reply, error) {
	if i.memory == nil {
		return &Reply{Handled: true, Text: "Memory writes are not wired on this deployment."}, nil
	}
	if content == "" {
		return nil, types.Validationf("text", "nothing to remember")
	}
	if cmd.Strict && i.scanner.HasSecret(content) {
		return nil, types.Validationf("text", "%s", secrets.BlockedReason)
	}

	project := cmd.Project
	if project == "" {
		project = i.cfg.DefaultProject
	}
	channel := strings.ToLower(strings.TrimSpace(cmd.Channel))
	if channel == "" {
		channel = "general"
	}
	file := path.Join("chat", channel, i.now().UTC().Format("20060102-150405.000")+".md")

	resp, err := i.memory.Write(ctx, &ingest.WriteRequest{
		Project:   project,
		File:      file,
		Content:   content,
		TopicPath: cmd.TopicPath,
		RequestID: "chat-" + channel,
	})
	if err != nil {
		return nil, err
	}

	text := fmt.Sprintf("Remembered to %s/%s.", resp.Project, resp.File)
	if resp.Deduped {
		text = "Already on file; nothing new to remember."
	}
	return &Reply{Handled: true, Text: text, Data: resp, Warnings: resp.Warnings}, nil
}

func (i *Interpreter) recall(ctx context.Context, cmd *Command, query string) (*Reply, error) {
	if i.search == nil {
		return &Reply{Handled: true, Text: "Retrieval is not wired on this deployment."}, nil
	}
	if query == "" {
		return nil, types.Validationf("text", "nothing to recall")
	}
	if cmd.Strict && i.scanner.HasSecret(query) {
		return nil, types.Validationf("text", "%s", secrets.BlockedReason)
	}

	resp, err := i.search.Search(ctx, &retrieval.SearchRequest{
		Query:     query,
		Project:   cmd.Project,
		TopicPath: cmd.TopicPath,
		UserID:    cmd.UserID,
		Limit:     recallLimit,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return &Reply{Handled: true, Text: "Nothing matched.", Warnings: resp.Warnings}, nil
	}

	var b strings.Builder
	for n, res := range resp.Results {
		fmt.Fprintf(&b, "%d. [%s/%s] %s\n", n+1, res.Project, res.File, res.Summary)
	}
	return &Reply{
		Handled:  true,
		Text:     strings.TrimRight(b.String(), "\n"),
		Data:     resp,
		Warnings: resp.Warnings,
	}, nil
}

func (i *Interpreter) serviceStatus(ctx context.Context) (*Reply, error) {
	if i.status == nil {
		return &Reply{Handled: true, Text: "Status is not wired on this deployment."}, nil
	}
	return &Reply{Handled: true, Text: "Service status attached.", Data: i.status(ctx)}, nil
}

func (i *Interpreter) task(ctx context.Context, cmd *Command, args []string, rest string) (*Reply, error) {
	if i.tasks == nil {
		return &Reply{Handled: true, Text: "The task queue is not wired on this deployment."}, nil
	}
	if len(args) == 0 {
		return &Reply{Handled: true, Text: taskUsage}, nil
	}
	sub := strings.ToLower(args[0])
	subArgs := args[1:]

	switch sub {
	case "create":
		return i.taskCreate(ctx, cmd, strings.TrimSpace(rest[len(args[0]):]))
	case "status":
		if len(subArgs) < 1 {
			return &Reply{Handled: true, Text: "usage: task status <id>"}, nil
		}
		return i.taskStatus(ctx, subArgs[0])
	case "approve":
		if len(subArgs) < 1 {
			return &Reply{Handled: true, Text: "usage: task approve <id>"}, nil
		}
		task, err := i.tasks.Approve(ctx, subArgs[0], approver(cmd))
		if err != nil {
			return nil, err
		}
		return &Reply{Handled: true, Text: fmt.Sprintf("Task %s approved.", task.ID), Data: task}, nil
	case "replay":
		if len(subArgs) < 1 {
			return &Reply{Handled: true, Text: "usage: task replay <id> [reset]"}, nil
		}
		reset := len(subArgs) > 1 && strings.EqualFold(subArgs[1], "reset")
		task, err := i.tasks.Replay(ctx, subArgs[0], reset)
		if err != nil {
			return nil, err
		}
		return &Reply{Handled: true, Text: fmt.Sprintf("Task %s replayed (status %s).", task.ID, task.Status), Data: task}, nil
	case "cancel":
		if len(subArgs) < 1 {
			return &Reply{Handled: true, Text: "usage: task cancel <id>"}, nil
		}
		task, err := i.tasks.UpdateStatus(ctx, subArgs[0], types.TaskCanceled, "canceled from chat by "+approver(cmd))
		if err != nil {
			return nil, err
		}
		return &Reply{Handled: true, Text: fmt.Sprintf("Task %s canceled.", task.ID), Data: task}, nil
	case "list":
		return i.taskList(ctx, cmd, subArgs)
	case "deadletter":
		items, err := i.tasks.ListDeadletter(ctx, 10)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return &Reply{Handled: true, Text: "Deadletter is empty."}, nil
		}
		return &Reply{Handled: true, Text: renderTasks(items), Data: items}, nil
	case "runtime":
		if i.runtime == nil {
			return &Reply{Handled: true, Text: "The task runtime is not wired on this deployment."}, nil
		}
		info, err := i.runtime.Runtime(ctx)
		if err != nil {
			return nil, err
		}
		return &Reply{
			Handled: true,
			Text:    fmt.Sprintf("%s: %d workers, %d ready", info.Runtime, info.Workers, info.Queue.Ready),
			Data:    info,
		}, nil
	case "help":
		return &Reply{Handled: true, Text: taskUsage}, nil
	}
	return &Reply{Handled: true, Text: taskUsage}, nil
}

func (i *Interpreter) taskCreate(ctx context.Context, cmd *Command, spec string) (*Reply, error) {
	if !strings.HasPrefix(spec, "{") {
		return &Reply{Handled: true, Text: "usage: task create {\"title\":...,\"payload\":{\"action\":...}}"}, nil
	}
	var req tasks.CreateRequest
	if err := json.Unmarshal([]byte(spec), &req); err != nil {
		return nil, types.Validationf("text", "decode task request: %v", err)
	}
	if req.Project == "" {
		req.Project = cmd.Project
	}
	if req.CreatedBy == "" {
		req.CreatedBy = approver(cmd)
	}
	task, err := i.tasks.Create(ctx, &req)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Task %s queued.", task.ID)
	if task.ApprovalRequired && !task.Approved {
		text = fmt.Sprintf("Task %s queued; approval required before it runs.", task.ID)
	}
	return &Reply{Handled: true, Text: text, Data: task}, nil
}

func (i *Interpreter) taskStatus(ctx context.Context, id string) (*Reply, error) {
	task, err := i.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := i.tasks.Events(ctx, id, 5)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Task %s is %s (attempt %d/%d).", task.ID, task.Status, task.Attempts, task.MaxAttempts)
	if task.LastError != "" {
		text += " Last error: " + task.LastError
	}
	return &Reply{
		Handled: true,
		Text:    text,
		Data:    map[string]any{"task": task, "events": events},
	}, nil
}

func (i *Interpreter) taskList(ctx context.Context, cmd *Command, args []string) (*Reply, error) {
	filter := tasks.ListFilter{Project: cmd.Project, Limit: 10}
	if len(args) > 0 {
		status, err := types.ParseTaskStatus(args[0])
		if err != nil {
			return nil, types.Validationf("text", "%s", err.Error())
		}
		filter.Status = status
	}
	items, err := i.tasks.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &Reply{Handled: true, Text: "No tasks found."}, nil
	}
	return &Reply{Handled: true, Text: renderTasks(items), Data: items}, nil
}

// stripMention removes a leading bot mention. Suffixed variants come
// first so the bare name does not shadow them.
func (i *Interpreter) stripMention(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if i.bot == "" {
		return trimmed, false
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range []string{"@" + i.bot + "_bot", "@" + i.bot + "-bot", "@" + i.bot, i.bot + ":"} {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(trimmed[len(prefix):]), true
		}
	}
	return trimmed, false
}

func (i *Interpreter) redactReply(reply *Reply) {
	if reply == nil {
		return
	}
	reply.Text, _ = i.scanner.Redact(reply.Text)
	for n, w := range reply.Warnings {
		reply.Warnings[n], _ = i.scanner.Redact(w)
	}
	if reply.Data != nil {
		reply.Data = i.redactData(reply.Data)
	}
}

// redactData round-trips through JSON so nested result payloads of any
// concrete type get their string leaves cleaned.
func (i *Interpreter) redactData(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil
	}
	return i.scanner.RedactAny(plain)
}

func renderTasks(items []*types.Task) string {
	var b strings.Builder
	for _, task := range items {
		fmt.Fprintf(&b, "%s  %-9s  %s\n", task.ID, task.Status, task.Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

func approver(cmd *Command) string {
	if cmd.UserID != "" {
		return cmd.UserID
	}
	if cmd.Channel != "" {
		return "chat:" + strings.ToLower(cmd.Channel)
	}
	return "chat"
}

const helpText = `Commands:
  remember <content>   write content to memory
  recall <query>       search memory
  status               service health snapshot
  task <sub>           task queue (try "task help")
  help                 this text`

const taskUsage = `Task commands:
  task create {"title":...,"payload":{"action":...}}
  task status <id>
  task approve <id>
  task replay <id> [reset]
  task cancel <id>
  task list [status]
  task deadletter
  task runtime`
