// Package notify forwards finished-job outcomes to external listeners.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/airlock/internal/events"
	"github.com/mattjoyce/airlock/internal/job"
	"github.com/mattjoyce/airlock/internal/log"
)

// Sink delivers one encoded notification.
type Sink interface {
	Send(ctx context.Context, payload []byte) error
}

// Notification is the message published for every finished job.
type Notification struct {
	EventID int64          `json:"event_id"`
	TaskID  string         `json:"task_id"`
	Status  job.Status     `json:"status"`
	Code    string         `json:"code,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

type finished struct {
	TaskID  string      `json:"task_id"`
	Outcome job.Outcome `json:"outcome"`
}

type Notifier struct {
	hub     *events.Hub
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

func New(hub *events.Hub, sink Sink, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = log.WithComponent("notify")
	}
	return &Notifier{hub: hub, sink: sink, timeout: 5 * time.Second, logger: logger}
}

// Run forwards job.finished events until ctx is cancelled. Delivery failures
// are logged and counted; they never stall the engine.
func (n *Notifier) Run(ctx context.Context) error {
	ch, cancel := n.hub.Subscribe(events.JobFinished)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := n.deliver(ctx, ev); err != nil {
				n.failed.Add(1)
				n.logger.Warn("notification not delivered", "event_id", ev.ID, "error", err)
				continue
			}
			n.sent.Add(1)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, ev events.Event) error {
	var f finished
	if err := ev.Decode(&f); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	payload, err := json.Marshal(Notification{
		EventID: ev.ID,
		TaskID:  f.TaskID,
		Status:  f.Outcome.Status,
		Code:    string(f.Outcome.Code),
		Reason:  f.Outcome.Reason,
		Data:    f.Outcome.Data,
		At:      ev.At,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.sink.Send(sctx, payload)
}

// Counts returns delivered and failed totals.
func (n *Notifier) Counts() (sent, failed int64) {
	return n.sent.Load(), n.failed.Load()
}
