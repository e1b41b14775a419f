package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/airlock/internal/task"
)

func push(t *testing.T, q *Queue, priority int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := q.Push(task.Task{ID: id, Capability: "static", Priority: priority})
	require.NoError(t, err)
	return id
}

func drain(q *Queue) []uuid.UUID {
	var out []uuid.UUID
	for {
		tk, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, tk.Task.ID)
	}
}

func TestPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	q := New()

	low1 := push(t, q, 0)
	high1 := push(t, q, 5)
	low2 := push(t, q, 0)
	high2 := push(t, q, 5)
	mid := push(t, q, 2)

	assert.Equal(t, 5, q.Len())
	assert.Equal(t, []uuid.UUID{high1, high2, mid, low1, low2}, drain(q))
	assert.Equal(t, 0, q.Len())
}

func TestRequeueKeepsPosition(t *testing.T) {
	t.Parallel()
	q := New()

	first := push(t, q, 1)
	tk, ok := q.TryPop()
	require.True(t, ok)
	second := push(t, q, 1)

	tk.Requeues++
	require.NoError(t, q.Requeue(tk))
	assert.Error(t, q.Requeue(tk), "ticket is already queued")

	assert.Equal(t, []uuid.UUID{first, second}, drain(q))
}

func TestRemove(t *testing.T) {
	t.Parallel()
	q := New()

	a := push(t, q, 0)
	b := push(t, q, 3)
	c := push(t, q, 1)

	assert.True(t, q.Contains(c))
	tk, ok := q.Remove(c)
	require.True(t, ok)
	assert.Equal(t, c, tk.Task.ID)
	assert.False(t, q.Contains(c))

	_, ok = q.Remove(c)
	assert.False(t, ok)
	assert.Equal(t, []uuid.UUID{b, a}, drain(q))
}

func TestPopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	q := New()

	got := make(chan uuid.UUID, 1)
	go func() {
		tk, err := q.Pop(context.Background())
		if err == nil {
			got <- tk.Task.ID
		}
	}()

	time.Sleep(10 * time.Millisecond)
	id := push(t, q, 0)

	select {
	case g := <-got:
		assert.Equal(t, id, g)
	case <-time.After(time.Second):
		t.Fatal("Pop not woken by Push")
	}
}

func TestPopContextAndClose(t *testing.T) {
	t.Parallel()
	q := New()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	id := push(t, q, 0)
	q.Close()
	q.Close()

	tk, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, tk.Task.ID)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Push(task.Task{ID: uuid.New()})
	assert.ErrorIs(t, err, ErrClosed)
}
