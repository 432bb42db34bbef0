package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/config"
	"github.com/memmcp/engram/pkg/types"
)

// settleTimeout bounds the status write after an execution attempt.
const settleTimeout = 10 * time.Second

// internalClass is the lease class the in-process workers claim under.
const internalClass = "internal"

// Runner polls the store with a small in-process worker pool and runs
// claimed tasks through the executor. External workers use the HTTP
// claim endpoint instead and never go through the runner.
type Runner struct {
	store  *Store
	exec   *Executor
	cfg    config.TasksConfig
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner wires the pool. Start launches the workers.
func NewRunner(store *Store, exec *Executor, cfg config.TasksConfig, logger zerolog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{store: store, exec: exec, cfg: cfg, logger: logger, ctx: ctx, cancel: cancel}
}

// Start launches the workers. Zero configured workers disables the
// pool; tasks then wait for external claimants.
func (r *Runner) Start() {
	if r.cfg.InternalWorkers <= 0 {
		r.logger.Info().Msg("Internal task workers disabled")
		return
	}
	for i := 0; i < r.cfg.InternalWorkers; i++ {
		r.wg.Add(1)
		go r.run(i + 1)
	}
	r.logger.Info().Int("workers", r.cfg.InternalWorkers).Msg("Task runner started")
}

// Stop cancels the workers and waits for in-flight tasks to settle.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Info().Msg("Task runner stopped")
}

func (r *Runner) run(id int) {
	defer r.wg.Done()
	worker := fmt.Sprintf("%s-worker-%d", r.runtimeName(), id)
	logger := r.logger.With().Str("worker", worker).Logger()

	poll := config.Seconds(r.cfg.PollIntervalSecs)
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.drain(logger, worker)
		}
	}
}

// drain claims and runs tasks until the queue is empty or shutdown.
func (r *Runner) drain(logger zerolog.Logger, worker string) {
	for {
		if r.ctx.Err() != nil {
			return
		}
		task, err := r.store.ClaimNext(r.ctx, worker, internalClass)
		if err != nil {
			if r.ctx.Err() == nil {
				logger.Error().Err(err).Msg("Task claim failed")
			}
			return
		}
		if task == nil {
			return
		}
		r.execute(logger, task)
	}
}

func (r *Runner) execute(logger zerolog.Logger, task *types.Task) {
	lease := config.Seconds(r.cfg.LeaseSecs)
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(r.ctx, lease)
	result, err := r.exec.Execute(execCtx, task)
	cancel()

	// Settling runs on its own context so an expired execution deadline
	// cannot strand the row in running until lease recovery.
	settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	switch {
	case err == nil:
		if _, serr := r.store.UpdateStatus(settleCtx, task.ID, types.TaskSucceeded, result); serr != nil {
			logger.Error().Err(serr).Str("task_id", task.ID).Msg("Task success write failed")
			return
		}
		logger.Info().Str("task_id", task.ID).Str("action", string(task.Action)).Msg("Task succeeded")
	case isPermanentTaskError(err):
		if _, serr := r.store.UpdateStatus(settleCtx, task.ID, types.TaskFailed, err.Error()); serr != nil {
			logger.Error().Err(serr).Str("task_id", task.ID).Msg("Task failure write failed")
			return
		}
		logger.Warn().Err(err).Str("task_id", task.ID).Msg("Task failed permanently")
	default:
		if _, serr := r.store.RequeueForRetry(settleCtx, task.ID, err.Error()); serr != nil {
			logger.Error().Err(serr).Str("task_id", task.ID).Msg("Task retry write failed")
			return
		}
		logger.Warn().Err(err).Str("task_id", task.ID).Int("attempt", task.Attempts).Msg("Task attempt failed")
	}
}

func (r *Runner) runtimeName() string {
	if r.cfg.RuntimeName != "" {
		return r.cfg.RuntimeName
	}
	return "engram"
}

// RuntimeInfo is the runtime surface: pool shape plus queue state.
type RuntimeInfo struct {
	Runtime          string    `json:"runtime"`
	Workers          int       `json:"workers"`
	PollIntervalSecs float64   `json:"poll_interval_secs"`
	LeaseSecs        float64   `json:"lease_secs"`
	AllowedActions   []string  `json:"allowed_actions"`
	Queue            *Snapshot `json:"queue"`
}

// Runtime reports the worker pool configuration and a queue snapshot.
func (r *Runner) Runtime(ctx context.Context) (*RuntimeInfo, error) {
	snap, err := r.store.RuntimeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	allowed := make([]string, 0, len(r.store.allowed))
	for _, action := range types.AllTaskActions() {
		if r.store.allowed[action] {
			allowed = append(allowed, string(action))
		}
	}
	return &RuntimeInfo{
		Runtime:          r.runtimeName(),
		Workers:          r.cfg.InternalWorkers,
		PollIntervalSecs: r.cfg.PollIntervalSecs,
		LeaseSecs:        r.cfg.LeaseSecs,
		AllowedActions:   allowed,
		Queue:            snap,
	}, nil
}

// isPermanentTaskError reports failures that another attempt cannot
// fix: payload validation problems and permanent upstream rejections.
func isPermanentTaskError(err error) bool {
	if types.IsPermanent(err) {
		return true
	}
	var ve *types.ValidationError
	return errors.As(err, &ve)
}
