// Package worker drives jobs: it claims a task, leases a sandbox, admits a
// plugin instance, runs the channel protocol to a terminal message and
// records exactly one outcome.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/airlock/internal/events"
	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/job"
	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/policy"
	"github.com/mattjoyce/airlock/internal/protocol"
	"github.com/mattjoyce/airlock/internal/queue"
	"github.com/mattjoyce/airlock/internal/resource"
	"github.com/mattjoyce/airlock/internal/task"
)

const (
	defaultTaskDeadline = 10 * time.Minute
	defaultMaxRequeues  = 3
	cancelSendTimeout   = time.Second
	finalizeTimeout     = 10 * time.Second
	defaultPingTimeout  = 5 * time.Second
)

// Source hands out assignments and takes them back. *scheduler.Scheduler
// implements it.
type Source interface {
	Next(ctx context.Context, worker int) (*job.Assignment, error)
	Requeue(a *job.Assignment, after time.Duration) error
	Done(a *job.Assignment)
}

// Leaser leases sandboxes. *resource.Allocator implements it.
type Leaser interface {
	Acquire(ctx context.Context, spec resource.Spec) (*resource.Allocation, error)
	Release(alloc *resource.Allocation) error
}

// Plugins supplies admitted instances. *plugin.Manager implements it.
type Plugins interface {
	Candidates(ctx context.Context, capability string) ([]*plugin.Instance, error)
	MarkFailed(in *plugin.Instance, err error)
	CheckAsync(in *plugin.Instance, timeout time.Duration)
}

type Publisher interface {
	Publish(eventType string, data any)
}

type Config struct {
	TaskDeadline   time.Duration
	MaxRequeues    int
	RequeueBackoff time.Duration
	PingTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = defaultTaskDeadline
	}
	if c.MaxRequeues < 0 {
		c.MaxRequeues = 0
	} else if c.MaxRequeues == 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	return c
}

// Deps are the collaborators shared by every worker in a pool.
type Deps struct {
	Source    Source
	Store     task.Store
	Resources Leaser
	Plugins   Plugins
	Policy    *policy.Engine
	Events    Publisher
}

// Worker runs one job at a time.
type Worker struct {
	id     int
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	current   *job.Job
	assign    *job.Assignment
	completed int
	failed    int
}

func newWorker(id int, cfg Config, deps Deps, logger *slog.Logger) *Worker {
	return &Worker{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("worker", id),
	}
}

func (w *Worker) publish(eventType string, data any) {
	if w.deps.Events != nil {
		w.deps.Events.Publish(eventType, data)
	}
}

// Run pulls assignments until ctx ends or the source is closed. A failing
// job never stops the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopped")
	for {
		a, err := w.deps.Source.Next(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			w.logger.Error("failed to fetch next task", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		w.process(a)
	}
}

// leases holds what a job has acquired. release is safe to call repeatedly;
// each lease is returned once.
type leases struct {
	alloc *resource.Allocation
	slot  *policy.Slot
}

func (l *leases) release(w *Worker) {
	if l.slot != nil {
		l.slot.Release()
		l.slot = nil
	}
	if l.alloc != nil {
		if err := w.deps.Resources.Release(l.alloc); err != nil {
			w.logger.Error("failed to release sandbox", "lease_id", l.alloc.LeaseID, "error", err)
		}
		l.alloc = nil
	}
}

func (w *Worker) process(a *job.Assignment) {
	tk := a.Ticket
	ctx := a.Context()
	j := job.New(tk.Task, a.Future, w.id, tk.Requeues)
	j.Deadline = time.Now().Add(w.cfg.TaskDeadline)
	logger := w.logger.With("task_id", tk.Task.ID.String(), "capability", tk.Task.Capability)

	w.setCurrent(j, a)
	defer w.setCurrent(nil, nil)

	w.publish(events.JobClaimed, j.Snapshot())
	logger.Info("claimed task", "requeues", tk.Requeues)
	if err := w.deps.Store.UpdateStatus(ctx, tk.Task.ID, task.StatusRunning, ""); err != nil {
		logger.Warn("failed to mark task running", "error", err)
	}

	l := &leases{}
	defer l.release(w)

	outcome := w.drive(ctx, j, l, logger)
	if l.alloc != nil && j.Reached(job.PhaseDispatched) && taintsSandbox(outcome) {
		l.alloc.MarkFailed(outcome.Reason)
	}

	if outcome.Code == fault.CodeResourceExhausted && ctx.Err() == nil && tk.Requeues < w.cfg.MaxRequeues {
		l.release(w)
		tk.Requeues++
		err := w.deps.Source.Requeue(a, w.cfg.RequeueBackoff)
		if err == nil {
			logger.Warn("no sandbox available, task requeued", "requeues", tk.Requeues, "reason", outcome.Reason)
			if err := w.deps.Store.UpdateStatus(context.WithoutCancel(ctx), tk.Task.ID, task.StatusQueued, outcome.Reason); err != nil {
				logger.Warn("failed to mark task queued", "error", err)
			}
			w.publish(events.JobRequeued, j.Snapshot())
			return
		}
		logger.Error("requeue failed", "error", err)
	}

	l.release(w)
	w.finalize(a, j, outcome, logger)
}

func (w *Worker) finalize(a *job.Assignment, j *job.Job, o job.Outcome, logger *slog.Logger) {
	j.Advance(terminalPhase(o))

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := w.deps.Store.Finish(ctx, j.Task.ID, o.TaskResult()); err != nil {
		if errors.Is(err, task.ErrTerminal) {
			logger.Warn("task already terminal in store", "error", err)
		} else {
			logger.Error("failed to record task outcome", "error", err)
		}
	}

	j.Resolve(o)
	w.deps.Source.Done(a)

	w.mu.Lock()
	if o.Status == job.StatusSucceeded {
		w.completed++
	} else {
		w.failed++
	}
	w.mu.Unlock()

	w.publish(events.JobFinished, finishedEvent{
		TaskID:  j.Task.ID.String(),
		Outcome: o,
		Phases:  j.Phases(),
		Worker:  w.id,
	})
	logger.Info("task finished", "status", string(o.Status), "code", string(o.Code), "reason", o.Reason)
}

type finishedEvent struct {
	TaskID  string      `json:"task_id"`
	Outcome job.Outcome `json:"outcome"`
	Phases  []job.Phase `json:"phases"`
	Worker  int         `json:"worker"`
}

func terminalPhase(o job.Outcome) job.Phase {
	switch {
	case o.Status == job.StatusSucceeded:
		return job.PhaseCompleted
	case o.Status == job.StatusCancelled:
		return job.PhaseCancelled
	case o.Code == fault.CodeTimeout:
		return job.PhaseTimedOut
	default:
		return job.PhaseFailed
	}
}

func (w *Worker) advance(j *job.Job, p job.Phase) {
	if j.Advance(p) {
		w.publish(events.JobPhase, j.Snapshot())
	}
}

// taintsSandbox reports whether a dispatched job left its sandbox in an
// unknown state. Such sandboxes are torn down on release.
func taintsSandbox(o job.Outcome) bool {
	if o.Status == job.StatusCancelled {
		return true
	}
	switch o.Code {
	case fault.CodeTimeout, fault.CodeChannelDisconnected, fault.CodeProtocolError:
		return true
	}
	return false
}

func deadlineExceeded() job.Outcome {
	return job.Failure(fault.New(fault.CodeTimeout, "no result before task deadline"))
}

// interrupted maps a finished job or deadline context to an outcome.
func interrupted(jobCtx, deadlineCtx context.Context) (job.Outcome, bool) {
	if jobCtx.Err() != nil {
		cause := context.Cause(jobCtx)
		if fault.CodeOf(cause) == fault.CodeCancelled {
			return job.Cancelled(fault.ReasonOf(cause)), true
		}
		return job.Cancelled("worker pool shutting down"), true
	}
	if deadlineCtx.Err() != nil {
		return deadlineExceeded(), true
	}
	return job.Outcome{}, false
}

// failedLate maps a plugin failure that raced the job's cancellation or
// deadline to the interruption. The plugin sees the same deadline and may
// answer before the host's timer fires.
func failedLate(ctx, dctx context.Context, j *job.Job) (job.Outcome, bool) {
	if o, ok := interrupted(ctx, dctx); ok {
		return o, true
	}
	if !time.Now().Before(j.Deadline) {
		return deadlineExceeded(), true
	}
	return job.Outcome{}, false
}

func (w *Worker) drive(ctx context.Context, j *job.Job, l *leases, logger *slog.Logger) job.Outcome {
	dctx, cancel := context.WithDeadline(ctx, j.Deadline)
	defer cancel()

	spec := resource.Spec{Platform: j.Task.Platform, Arch: j.Task.Arch}
	alloc, err := w.deps.Resources.Acquire(dctx, spec)
	if err != nil {
		if o, ok := interrupted(ctx, dctx); ok {
			return o
		}
		return job.Failure(err)
	}
	l.alloc = alloc
	j.SetAllocation(alloc)
	logger.Debug("sandbox leased", "lease_id", alloc.LeaseID, "endpoint", alloc.Endpoint.Address)

	w.advance(j, job.PhaseHandshaking)
	candidates, err := w.deps.Plugins.Candidates(dctx, j.Task.Capability)
	if err != nil {
		if o, ok := interrupted(ctx, dctx); ok {
			return o
		}
		return job.Failure(err)
	}
	targets := make([]policy.Target, len(candidates))
	for i, in := range candidates {
		targets[i] = policy.TargetOf(in)
	}
	slot, err := w.deps.Policy.Admit(dctx, targets)
	if err != nil {
		if o, ok := interrupted(ctx, dctx); ok {
			return o
		}
		return job.Failure(fault.Wrap(fault.CodePluginFailure, err, "admission"))
	}
	l.slot = slot
	in := candidates[slot.Index()]
	j.SetInstance(in)

	return w.session(ctx, dctx, j, in, alloc, logger.With("instance", in.ID))
}

// session runs the protocol for one job on an admitted instance.
func (w *Worker) session(ctx, dctx context.Context, j *job.Job, in *plugin.Instance, alloc *resource.Allocation, logger *slog.Logger) job.Outcome {
	id := j.Task.ID
	sub, err := in.Subscribe(id)
	if err != nil {
		return job.Failure(err)
	}
	defer sub.Close()

	msg, err := protocol.NewTask(id, protocol.TaskPayload{
		Capability: j.Task.Capability,
		SampleRef:  j.Task.SampleRef,
		Sandbox:    alloc.Endpoint.Address,
		Parameters: j.Task.Parameters,
		DeadlineAt: j.Deadline,
	})
	if err != nil {
		return job.Failure(fault.Wrap(fault.CodeInternal, err, "encode task"))
	}
	if err := in.Send(dctx, msg); err != nil {
		if o, ok := interrupted(ctx, dctx); ok {
			return o
		}
		return w.channelFailure(in, err)
	}
	w.advance(j, job.PhaseDispatched)

	for {
		m, err := sub.Next(dctx)
		if err != nil {
			if o, ok := interrupted(ctx, dctx); ok {
				w.abandon(in, id, logger)
				return o
			}
			return job.Failure(err)
		}
		if m.CorrelationID != id {
			logger.Warn("dropping message for another job", "correlation_id", m.CorrelationID.String())
			continue
		}

		switch m.Kind {
		case protocol.KindResult:
			res, err := m.Result()
			if err != nil {
				return w.channelFailure(in, err)
			}
			if res.Success {
				return job.Success(res.Data)
			}
			if o, ok := failedLate(ctx, dctx, j); ok {
				w.abandon(in, id, logger)
				return o
			}
			return job.Failure(fault.New(fault.CodePluginFailure, res.Error))

		case protocol.KindEvent:
			ev, err := m.Event()
			if err != nil {
				return w.channelFailure(in, err)
			}
			if o, done := w.handleEvent(j, ev, logger); done {
				if o.Status == job.StatusFailed {
					if late, ok := failedLate(ctx, dctx, j); ok {
						w.abandon(in, id, logger)
						return late
					}
				}
				return o
			}

		case protocol.KindCommand:
			cmd, err := m.Command()
			if err != nil {
				return w.channelFailure(in, err)
			}
			if cmd.Op == protocol.OpRunning {
				w.advance(j, job.PhaseRunning)
			} else {
				logger.Debug("ignoring plugin command", "op", string(cmd.Op))
			}

		default:
			return w.channelFailure(in, fault.Newf(fault.CodeProtocolError, "plugin sent %s message", m.Kind))
		}
	}
}

// handleEvent reports whether the event ends the job.
func (w *Worker) handleEvent(j *job.Job, ev protocol.EventPayload, logger *slog.Logger) (job.Outcome, bool) {
	switch ev.Kind {
	case protocol.EventProgress:
		pct, _ := ev.Data["percent"].(float64)
		j.SetProgress(pct)
		w.publish(events.JobProgress, map[string]any{
			"task_id": j.Task.ID.String(),
			"percent": pct,
			"message": ev.Message,
		})
	case protocol.EventLog:
		logger.Info("plugin log", "level", ev.Level, "message", ev.Message)
	case protocol.EventLifecycle:
		if ev.Lifecycle == nil {
			break
		}
		switch ev.Lifecycle.Kind {
		case protocol.LifecycleCompleted:
			return job.Success(ev.Data), true
		case protocol.LifecycleFailed:
			return job.Failure(fault.New(fault.CodePluginFailure, ev.Lifecycle.Reason)), true
		}
	default:
		logger.Debug("plugin event", "kind", string(ev.Kind))
	}
	return job.Outcome{}, false
}

// channelFailure fails the instance on protocol errors so it gets restarted.
func (w *Worker) channelFailure(in *plugin.Instance, err error) job.Outcome {
	if fault.CodeOf(err) == fault.CodeProtocolError {
		w.deps.Plugins.MarkFailed(in, err)
	}
	return job.Failure(err)
}

// abandon tells the plugin to stop the task without waiting for an answer,
// then has the manager check the instance is still responsive.
func (w *Worker) abandon(in *plugin.Instance, id uuid.UUID, logger *slog.Logger) {
	msg, err := protocol.NewCommand(id, protocol.OpCancel, nil)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), cancelSendTimeout)
		if err := in.Send(ctx, msg); err != nil {
			logger.Debug("cancel command not delivered", "error", err)
		}
		cancel()
	}
	w.deps.Plugins.CheckAsync(in, w.cfg.PingTimeout)
}

func (w *Worker) setCurrent(j *job.Job, a *job.Assignment) {
	w.mu.Lock()
	w.current = j
	w.assign = a
	w.mu.Unlock()
}

// Status is a point-in-time view of a worker.
type Status struct {
	ID        int           `json:"id"`
	State     string        `json:"state"`
	Job       *job.Snapshot `json:"job,omitempty"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
}

func (w *Worker) status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{ID: w.id, State: "idle", Completed: w.completed, Failed: w.failed}
	if w.current != nil {
		snap := w.current.Snapshot()
		s.State = "busy"
		s.Job = &snap
	}
	return s
}

// cancelCurrent cancels the running job, if any.
func (w *Worker) cancelCurrent(reason string) bool {
	w.mu.Lock()
	a := w.assign
	w.mu.Unlock()
	if a == nil {
		return false
	}
	a.Cancel(reason)
	return true
}
