package job

import (
	"context"

	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/queue"
)

// Assignment hands a queued ticket to a worker. Its context is cancelled
// with a fault.ErrCancelled cause when the task is cancelled in flight.
type Assignment struct {
	Ticket *queue.Ticket
	Future *Future

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewAssignment derives the job context from parent.
func NewAssignment(parent context.Context, tk *queue.Ticket, f *Future) *Assignment {
	ctx, cancel := context.WithCancelCause(parent)
	return &Assignment{Ticket: tk, Future: f, ctx: ctx, cancel: cancel}
}

func (a *Assignment) Context() context.Context { return a.ctx }

// Cancel interrupts the job. The worker finalizes it as cancelled.
func (a *Assignment) Cancel(reason string) {
	a.cancel(fault.New(fault.CodeCancelled, reason))
}

// Close releases the context's resources once the job is finalized.
func (a *Assignment) Close() { a.cancel(nil) }
