package protocol

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/airlock/internal/channel"
	"github.com/mattjoyce/airlock/internal/fault"
)

func TestTaskMessageThroughCodec(t *testing.T) {
	id := uuid.New()
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	msg, err := NewTask(id, TaskPayload{
		Capability: "analysis",
		SampleRef:  "/samples/a.exe",
		Parameters: map[string]any{"depth": "full"},
		DeadlineAt: deadline,
	})
	require.NoError(t, err)

	c := NewCodec(0)
	frame, err := c.Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, frameRaw, frame[0])

	got, err := c.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, id, got.CorrelationID)
	assert.Equal(t, KindTask, got.Kind)

	p, err := got.Task()
	require.NoError(t, err)
	assert.Equal(t, "analysis", p.Capability)
	assert.Equal(t, "full", p.Parameters["depth"])
	assert.True(t, deadline.Equal(p.DeadlineAt))
}

func TestCodecCompressesLargeFrames(t *testing.T) {
	msg, err := NewEvent(uuid.New(), EventPayload{
		Kind:    EventLog,
		Message: strings.Repeat("MZ header repeated ", 500),
	})
	require.NoError(t, err)

	plain, err := NewCodec(0).Encode(msg)
	require.NoError(t, err)

	c := NewCodec(256)
	frame, err := c.Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, frameLZ4, frame[0])
	assert.Less(t, len(frame), len(plain))

	got, err := c.Decode(frame)
	require.NoError(t, err)
	ev, err := got.Event()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("MZ header repeated ", 500), ev.Message)
}

func TestCodecDecodeErrorsAreProtocolErrors(t *testing.T) {
	c := NewCodec(0)
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{9, 0xa0}},
		{"garbage body", []byte{frameRaw, 0xff, 0x00}},
		{"truncated lz4", []byte{frameLZ4, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.frame)
			assert.ErrorIs(t, err, fault.ErrProtocol)
		})
	}
}

func TestCodecRejectsOversizedDeclaredBody(t *testing.T) {
	// Header claims 2 GiB of body behind a one-byte block.
	frame := []byte{frameLZ4, 0x7f, 0xff, 0xff, 0xff, 0}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := NewCodec(0).Decode(frame)
	runtime.ReadMemStats(&after)

	require.ErrorIs(t, err, fault.ErrProtocol)
	assert.Contains(t, err.Error(), "exceeds limit")
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))

	msg, err := NewEvent(uuid.New(), EventPayload{
		Kind:    EventLog,
		Message: strings.Repeat("A", 4096),
	})
	require.NoError(t, err)
	big, err := NewCodec(256).Encode(msg)
	require.NoError(t, err)
	require.Equal(t, frameLZ4, big[0])

	_, err = NewCodec(0).WithMaxBody(1024).Decode(big)
	assert.ErrorIs(t, err, fault.ErrProtocol)
	_, err = NewCodec(0).WithMaxBody(64 << 10).Decode(big)
	assert.NoError(t, err)
}

func TestDecodeWrongKind(t *testing.T) {
	msg, err := NewCommand(uuid.New(), OpPing, nil)
	require.NoError(t, err)
	_, err = msg.Result()
	assert.ErrorIs(t, err, fault.ErrProtocol)
	assert.Nil(t, msg.Lifecycle())
}

func TestReadyHandshakeMessage(t *testing.T) {
	msg, err := NewReady("yara-0", "analysis", []string{"netcap"})
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, msg.CorrelationID)

	ev := msg.Lifecycle()
	require.NotNil(t, ev)
	assert.Equal(t, LifecycleReady, ev.Kind)
	assert.Equal(t, "yara-0", ev.ID)
	assert.Equal(t, []string{"netcap"}, ev.RequiredPlugins)
}

func TestConnOverPair(t *testing.T) {
	h, p := channel.Pair(channel.DefaultConfig())
	host := NewConn(h, NewCodec(1024))
	plugin := NewConn(p, NewCodec(1024))
	ctx := context.Background()

	id := uuid.New()
	res, err := NewResult(id, ResultPayload{Success: true, Data: map[string]any{"verdict": "clean"}})
	require.NoError(t, err)
	require.NoError(t, plugin.Send(ctx, res))

	got, err := host.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, got.CorrelationID)
	r, err := got.Result()
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, "clean", r.Data["verdict"])
}

func TestConnDisconnectAndDeadline(t *testing.T) {
	h, p := channel.Pair(channel.DefaultConfig())
	host := NewConn(h, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := host.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, fault.ErrChannelDisconnected)

	require.NoError(t, p.Close())
	_, err = host.Recv(context.Background())
	assert.ErrorIs(t, err, fault.ErrChannelDisconnected)
	assert.ErrorIs(t, err, channel.ErrClosed)
}

func TestConnGarbageFrameIsProtocolError(t *testing.T) {
	h, p := channel.Pair(channel.DefaultConfig())
	host := NewConn(h, nil)

	require.NoError(t, p.Send(context.Background(), bytes.Repeat([]byte{0xff}, 8)))
	_, err := host.Recv(context.Background())
	assert.ErrorIs(t, err, fault.ErrProtocol)
}
