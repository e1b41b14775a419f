// Package scheduler accepts analysis tasks, persists them, queues them by
// priority and hands them to workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/airlock/internal/events"
	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/job"
	"github.com/mattjoyce/airlock/internal/log"
	"github.com/mattjoyce/airlock/internal/queue"
	"github.com/mattjoyce/airlock/internal/resource"
	"github.com/mattjoyce/airlock/internal/task"
)

const storeTimeout = 10 * time.Second

var ErrInvalidTask = errors.New("invalid task")

// Router answers whether any plugin declares a capability.
// *plugin.Registry implements it.
type Router interface {
	Supports(capability string) bool
}

// Pools answers whether a sandbox pool exists. *resource.Allocator
// implements it.
type Pools interface {
	Has(spec resource.Spec) bool
	Specs() []resource.Spec
}

type Publisher interface {
	Publish(eventType string, data any)
}

// Scheduler owns every task between submission and its terminal outcome.
type Scheduler struct {
	store  task.Store
	queue  *queue.Queue
	router Router
	pools  Pools
	events Publisher
	logger *slog.Logger

	mu            sync.Mutex
	futures       map[uuid.UUID]*job.Future
	inflight      map[uuid.UUID]*job.Assignment
	delayed       map[uuid.UUID]*delayed
	pendingCancel map[uuid.UUID]string
	idle          int
	submitted     int64
	rejected      int64
	closed        bool
}

type delayed struct {
	ticket *queue.Ticket
	timer  *time.Timer
}

func New(store task.Store, q *queue.Queue, router Router, pools Pools, pub Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = log.WithComponent("scheduler")
	}
	if q == nil {
		q = queue.New()
	}
	return &Scheduler{
		store:         store,
		queue:         q,
		router:        router,
		pools:         pools,
		events:        pub,
		logger:        logger,
		futures:       make(map[uuid.UUID]*job.Future),
		inflight:      make(map[uuid.UUID]*job.Assignment),
		delayed:       make(map[uuid.UUID]*delayed),
		pendingCancel: make(map[uuid.UUID]string),
	}
}

func (s *Scheduler) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

// route fills an empty platform and arch from the first configured pool and
// rejects tasks nothing can run.
func (s *Scheduler) route(t *task.Task) error {
	if strings.TrimSpace(t.SampleRef) == "" {
		return fmt.Errorf("%w: sample_ref is required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Capability) == "" {
		return fmt.Errorf("%w: capability is required", ErrInvalidTask)
	}
	if s.router == nil || !s.router.Supports(t.Capability) {
		return fault.Newf(fault.CodeUnroutable, "no plugin declares capability %q", t.Capability)
	}
	if s.pools == nil {
		return nil
	}
	if t.Platform == "" && t.Arch == "" {
		specs := s.pools.Specs()
		if len(specs) == 0 {
			return fault.New(fault.CodeUnroutable, "no sandbox pools configured")
		}
		t.Platform, t.Arch = specs[0].Platform, specs[0].Arch
	}
	spec := resource.Spec{Platform: t.Platform, Arch: t.Arch}
	if !s.pools.Has(spec) {
		return fault.Newf(fault.CodeUnroutable, "no sandbox pool for %s", spec)
	}
	return nil
}

// Submit validates, persists and enqueues t. Routing failures are returned
// before anything is written.
func (s *Scheduler) Submit(ctx context.Context, t task.Task) (*job.Handle, error) {
	if err := s.route(&t); err != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		s.logger.Warn("task rejected", "capability", t.Capability, "error", err)
		return nil, err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now().UTC()
	}

	if err := s.store.Create(ctx, t); err != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		return nil, fault.Wrap(fault.CodeStoreUnavailable, err, "persist task")
	}

	f := job.NewFuture()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.abort(t.ID, "scheduler stopped")
		return nil, fault.New(fault.CodeCancelled, "scheduler stopped")
	}
	s.futures[t.ID] = f
	s.submitted++
	s.mu.Unlock()

	if _, err := s.queue.Push(t); err != nil {
		s.mu.Lock()
		delete(s.futures, t.ID)
		s.mu.Unlock()
		s.abort(t.ID, "scheduler stopped")
		return nil, fault.Wrap(fault.CodeCancelled, err, "enqueue task")
	}

	s.publish(events.TaskSubmitted, t)
	s.logger.Info("task submitted", "task_id", t.ID.String(), "capability", t.Capability, "priority", t.Priority,
		"platform", t.Platform, "arch", t.Arch)
	return s.handle(t.ID, f), nil
}

func (s *Scheduler) handle(id uuid.UUID, f *job.Future) *job.Handle {
	return job.NewHandle(id, f, func(reason string) error {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		return s.Cancel(ctx, id, reason)
	})
}

// abort marks a persisted but never queued task cancelled.
func (s *Scheduler) abort(id uuid.UUID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Finish(ctx, id, job.Cancelled(reason).TaskResult()); err != nil {
		s.logger.Error("failed to cancel unqueued task", "task_id", id.String(), "error", err)
	}
}

// Cancel stops a task. Queued and backed-off tasks are finalized here;
// in-flight tasks have their job context cancelled and the worker records
// the outcome.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	if reason == "" {
		reason = "cancelled by request"
	}

	s.mu.Lock()
	if a, ok := s.inflight[id]; ok {
		s.mu.Unlock()
		a.Cancel(reason)
		s.publish(events.TaskCancelled, map[string]any{"task_id": id.String(), "reason": reason, "in_flight": true})
		s.logger.Info("cancelling in-flight task", "task_id", id.String(), "reason", reason)
		return nil
	}
	if d, ok := s.delayed[id]; ok {
		d.timer.Stop()
		delete(s.delayed, id)
		f := s.futures[id]
		delete(s.futures, id)
		s.mu.Unlock()
		return s.finishCancelled(ctx, id, f, reason)
	}
	if _, ok := s.queue.Remove(id); ok {
		f := s.futures[id]
		delete(s.futures, id)
		s.mu.Unlock()
		return s.finishCancelled(ctx, id, f, reason)
	}
	if _, ok := s.futures[id]; ok {
		// Popped but not yet handed to a worker.
		s.pendingCancel[id] = reason
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s", task.ErrTerminal, rec.Status)
	}
	return s.finishCancelled(ctx, id, nil, reason)
}

func (s *Scheduler) finishCancelled(ctx context.Context, id uuid.UUID, f *job.Future, reason string) error {
	o := job.Cancelled(reason)
	err := s.store.Finish(ctx, id, o.TaskResult())
	if f != nil {
		f.Resolve(o)
	}
	s.publish(events.TaskCancelled, map[string]any{"task_id": id.String(), "reason": reason, "in_flight": false})
	s.publish(events.JobFinished, map[string]any{"task_id": id.String(), "outcome": o})
	s.logger.Info("task cancelled", "task_id", id.String(), "reason", reason)
	if err != nil {
		return fault.Wrap(fault.CodeStoreUnavailable, err, "record cancellation")
	}
	return nil
}

// Next blocks until a task is available and returns its assignment. The
// job context derives from ctx.
func (s *Scheduler) Next(ctx context.Context, worker int) (*job.Assignment, error) {
	s.mu.Lock()
	s.idle++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.idle--
		s.mu.Unlock()
	}()

	tk, err := s.queue.Pop(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.futures[tk.Task.ID]
	if !ok {
		f = job.NewFuture()
		s.futures[tk.Task.ID] = f
	}
	a := job.NewAssignment(ctx, tk, f)
	s.inflight[tk.Task.ID] = a
	if reason, ok := s.pendingCancel[tk.Task.ID]; ok {
		delete(s.pendingCancel, tk.Task.ID)
		a.Cancel(reason)
	}
	s.logger.Debug("task assigned", "task_id", tk.Task.ID.String(), "worker", worker)
	return a, nil
}

// Requeue puts an assignment's ticket back after the backoff. The ticket
// keeps its original sequence.
func (s *Scheduler) Requeue(a *job.Assignment, after time.Duration) error {
	id := a.Ticket.Task.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queue.ErrClosed
	}
	if cause := context.Cause(a.Context()); cause != nil && fault.CodeOf(cause) == fault.CodeCancelled {
		return cause
	}
	delete(s.inflight, id)
	a.Close()

	if after <= 0 {
		return s.queue.Requeue(a.Ticket)
	}
	d := &delayed{ticket: a.Ticket}
	d.timer = time.AfterFunc(after, func() { s.release(id, d) })
	s.delayed[id] = d
	return nil
}

func (s *Scheduler) release(id uuid.UUID, d *delayed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delayed[id] != d {
		return
	}
	delete(s.delayed, id)
	if err := s.queue.Requeue(d.ticket); err != nil {
		s.logger.Warn("failed to requeue delayed task", "task_id", id.String(), "error", err)
	}
}

// Done forgets an assignment after its outcome is recorded.
func (s *Scheduler) Done(a *job.Assignment) {
	id := a.Ticket.Task.ID
	s.mu.Lock()
	delete(s.inflight, id)
	delete(s.futures, id)
	delete(s.pendingCancel, id)
	s.mu.Unlock()
	a.Close()
}

func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (*task.Record, error) {
	return s.store.Get(ctx, id)
}

// Handle returns a handle for a task this scheduler still owns.
func (s *Scheduler) Handle(id uuid.UUID) (*job.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.futures[id]
	if !ok {
		return nil, false
	}
	return s.handle(id, f), true
}

type Stats struct {
	Queued      int   `json:"queued"`
	Delayed     int   `json:"delayed"`
	InFlight    int   `json:"in_flight"`
	IdleWorkers int   `json:"idle_workers"`
	Submitted   int64 `json:"submitted"`
	Rejected    int64 `json:"rejected"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:      s.queue.Len(),
		Delayed:     len(s.delayed),
		InFlight:    len(s.inflight),
		IdleWorkers: s.idle,
		Submitted:   s.submitted,
		Rejected:    s.rejected,
	}
}

// Recover reconciles the store with an empty process: tasks left running
// are failed and tasks left queued are enqueued again in priority order.
func (s *Scheduler) Recover(ctx context.Context) error {
	running, err := s.store.ListByStatus(ctx, task.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}
	for _, rec := range running {
		res := job.Failure(fault.New(fault.CodeInternal, "daemon restarted")).TaskResult()
		if err := s.store.Finish(ctx, rec.ID, res); err != nil && !errors.Is(err, task.ErrTerminal) {
			return fmt.Errorf("fail orphaned task %s: %w", rec.ID, err)
		}
		s.logger.Warn("failed orphaned task", "task_id", rec.ID.String())
	}

	queued, err := s.store.ListByStatus(ctx, task.StatusQueued)
	if err != nil {
		return fmt.Errorf("list queued tasks: %w", err)
	}
	requeued := 0
	for _, rec := range queued {
		t := rec.Task
		if err := s.route(&t); err != nil {
			res := job.Failure(err).TaskResult()
			if ferr := s.store.Finish(ctx, t.ID, res); ferr != nil {
				return fmt.Errorf("fail unroutable task %s: %w", t.ID, ferr)
			}
			s.logger.Warn("queued task no longer routable", "task_id", t.ID.String(), "error", err)
			continue
		}
		s.mu.Lock()
		s.futures[t.ID] = job.NewFuture()
		s.mu.Unlock()
		if _, err := s.queue.Push(t); err != nil {
			return fmt.Errorf("requeue task %s: %w", t.ID, err)
		}
		requeued++
	}

	s.logger.Info("recovery complete", "failed_running", len(running), "requeued", requeued)
	return nil
}

// Close stops accepting work and wakes idle workers. Backed-off tasks stay
// queued in the store for the next Recover.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, d := range s.delayed {
		d.timer.Stop()
		delete(s.delayed, id)
	}
	s.mu.Unlock()
	s.queue.Close()
}
