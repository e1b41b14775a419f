package worker

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/airlock/internal/log"
)

var (
	ErrPoolStopped   = errors.New("worker pool stopped")
	ErrUnknownWorker = errors.New("unknown worker")
)

type controlKind int

const (
	controlStatus controlKind = iota
	controlCancel
)

type control struct {
	kind   controlKind
	worker int
	reason string
	reply  chan controlReply
}

type controlReply struct {
	status    Status
	cancelled bool
	err       error
}

// Pool runs a fixed number of workers and answers control requests from
// WorkerHandles.
type Pool struct {
	workers []*Worker
	ctl     chan control
	stopped chan struct{}
	logger  *slog.Logger
}

func NewPool(size int, cfg Config, deps Deps, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = log.WithComponent("worker")
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		ctl:     make(chan control),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	for i := range size {
		p.workers = append(p.workers, newWorker(i+1, cfg, deps, logger))
	}
	return p
}

func (p *Pool) Size() int { return len(p.workers) }

// Run starts every worker and the control loop and blocks until ctx ends
// and all workers have returned. In-flight jobs are finalized as cancelled.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.stopped)
	p.logger.Info("worker pool started", "workers", len(p.workers))
	defer p.logger.Info("worker pool stopped")

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(gctx) })
	}

	ctlDone := make(chan struct{})
	go func() {
		defer close(ctlDone)
		p.serveControl(gctx)
	}()

	err := g.Wait()
	<-ctlDone
	return err
}

func (p *Pool) serveControl(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.ctl:
			req.reply <- p.handle(req)
		}
	}
}

func (p *Pool) handle(req control) controlReply {
	if req.worker < 1 || req.worker > len(p.workers) {
		return controlReply{err: ErrUnknownWorker}
	}
	w := p.workers[req.worker-1]
	switch req.kind {
	case controlCancel:
		return controlReply{cancelled: w.cancelCurrent(req.reason), status: w.status()}
	default:
		return controlReply{status: w.status()}
	}
}

// Handles returns a handle per worker.
func (p *Pool) Handles() []WorkerHandle {
	out := make([]WorkerHandle, len(p.workers))
	for i := range p.workers {
		out[i] = WorkerHandle{ID: i + 1, ctl: p.ctl, stopped: p.stopped}
	}
	return out
}

// Statuses collects every worker's status through the control loop.
func (p *Pool) Statuses(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(p.workers))
	for _, h := range p.Handles() {
		s, err := h.Status(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Idle counts workers with no job.
func (p *Pool) Idle() int {
	n := 0
	for _, w := range p.workers {
		if w.status().State == "idle" {
			n++
		}
	}
	return n
}

// WorkerHandle is a copyable reference to one worker. It holds only the id
// and the pool's control channel.
type WorkerHandle struct {
	ID      int
	ctl     chan<- control
	stopped <-chan struct{}
}

func (h WorkerHandle) send(ctx context.Context, req control) (controlReply, error) {
	req.worker = h.ID
	req.reply = make(chan controlReply, 1)
	select {
	case h.ctl <- req:
	case <-h.stopped:
		return controlReply{}, ErrPoolStopped
	case <-ctx.Done():
		return controlReply{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r, r.err
	case <-ctx.Done():
		return controlReply{}, ctx.Err()
	}
}

func (h WorkerHandle) Status(ctx context.Context) (Status, error) {
	r, err := h.send(ctx, control{kind: controlStatus})
	return r.status, err
}

// Cancel cancels the worker's current job. It reports false when the worker
// was idle.
func (h WorkerHandle) Cancel(ctx context.Context, reason string) (bool, error) {
	r, err := h.send(ctx, control{kind: controlCancel, reason: reason})
	return r.cancelled, err
}
