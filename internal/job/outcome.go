// Package job holds the in-flight state of one task: its phase history, its
// leases and the completion slot its submitter waits on.
package job

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/task"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is the single recorded result of a job.
type Outcome struct {
	Status Status         `json:"status"`
	Code   fault.Code     `json:"code,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

func Success(data map[string]any) Outcome {
	return Outcome{Status: StatusSucceeded, Data: data}
}

// Failure reduces err to its fault code and message.
func Failure(err error) Outcome {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Outcome{Status: StatusFailed, Code: fault.CodeOf(err), Reason: fault.ReasonOf(err)}
}

func Cancelled(reason string) Outcome {
	return Outcome{Status: StatusCancelled, Code: fault.CodeCancelled, Reason: reason}
}

// TaskResult converts the outcome for the task store.
func (o Outcome) TaskResult() task.Result {
	res := task.Result{Code: string(o.Code), Reason: o.Reason, Data: o.Data}
	switch o.Status {
	case StatusSucceeded:
		res.Status = task.StatusSucceeded
	case StatusCancelled:
		res.Status = task.StatusCancelled
	default:
		res.Status = task.StatusFailed
	}
	return res
}

// Future is a single-writer completion slot.
type Future struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve stores o and wakes waiters. It reports false if the future was
// already resolved; the first outcome stands.
func (f *Future) Resolve(o Outcome) bool {
	resolved := false
	f.once.Do(func() {
		f.outcome = o
		close(f.done)
		resolved = true
	})
	return resolved
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Outcome returns the outcome if the future is resolved.
func (f *Future) Outcome() (Outcome, bool) {
	select {
	case <-f.done:
		return f.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Handle is what a submitter holds: a task id, the future and a way to ask
// for cancellation.
type Handle struct {
	TaskID uuid.UUID
	future *Future
	cancel func(reason string) error
}

func NewHandle(id uuid.UUID, f *Future, cancel func(reason string) error) *Handle {
	return &Handle{TaskID: id, future: f, cancel: cancel}
}

func (h *Handle) Done() <-chan struct{} { return h.future.Done() }

func (h *Handle) Wait(ctx context.Context) (Outcome, error) { return h.future.Wait(ctx) }

func (h *Handle) Outcome() (Outcome, bool) { return h.future.Outcome() }

// Cancel requests best-effort cancellation.
func (h *Handle) Cancel(reason string) error {
	if h.cancel == nil {
		return errors.New("handle has no cancel func")
	}
	return h.cancel(reason)
}
