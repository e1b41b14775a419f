package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/airlock/internal/events"
	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/job"
	"github.com/mattjoyce/airlock/internal/log"
)

type fakeSink struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (f *fakeSink) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, payload)
	return nil
}

func (f *fakeSink) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.msgs...)
}

func start(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestForwardsFinishedJobs(t *testing.T) {
	hub := events.NewHub(16)
	sink := &fakeSink{}
	n := New(hub, sink, log.Discard())
	start(t, n)

	// Subscription happens inside Run; wait until it is live.
	require.Eventually(t, func() bool {
		hub.Publish(events.JobFinished, map[string]any{
			"task_id": "probe",
			"outcome": job.Success(nil),
		})
		return len(sink.received()) > 0
	}, time.Second, 10*time.Millisecond)

	hub.Publish(events.JobClaimed, map[string]any{"task_id": "t1"})
	hub.Publish(events.JobFinished, map[string]any{
		"task_id": "t1",
		"outcome": job.Failure(fault.New(fault.CodeTimeout, "deadline exceeded")),
	})

	require.Eventually(t, func() bool {
		for _, m := range sink.received() {
			var got Notification
			if json.Unmarshal(m, &got) == nil && got.TaskID == "t1" {
				assert.Equal(t, job.StatusFailed, got.Status)
				assert.Equal(t, "timeout", got.Code)
				assert.NotZero(t, got.EventID)
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestDeliveryFailuresAreCounted(t *testing.T) {
	hub := events.NewHub(16)
	sink := &fakeSink{err: errors.New("connection refused")}
	n := New(hub, sink, log.Discard())
	start(t, n)

	require.Eventually(t, func() bool {
		hub.Publish(events.JobFinished, map[string]any{"task_id": "x", "outcome": job.Success(nil)})
		_, failed := n.Counts()
		return failed > 0
	}, time.Second, 10*time.Millisecond)

	sent, _ := n.Counts()
	assert.Zero(t, sent)
}

func TestNewRedisSinkValidates(t *testing.T) {
	_, err := NewRedisSink(context.Background(), RedisConfig{})
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = NewRedisSink(ctx, RedisConfig{Address: "127.0.0.1:1"})
	assert.Error(t, err)
}
