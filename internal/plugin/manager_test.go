package plugin_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/airlock/internal/channel"
	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/log"
	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/protocol"
	"github.com/mattjoyce/airlock/pkg/sdk"
)

func analysisMeta(name string) *plugin.Metadata {
	return &plugin.Metadata{
		Name:         name,
		Type:         plugin.TypeAnalysis,
		Capabilities: plugin.Capabilities{{Name: "static"}},
		Mode:         plugin.Unrestricted,
		Transport:    plugin.TransportInProc,
		Replicas:     1,
	}
}

func echoHandler() sdk.Handler {
	return sdk.HandlerFunc(func(ctx context.Context, t *sdk.Task) (map[string]any, error) {
		return map[string]any{"sample": t.SampleRef}, nil
	})
}

func sdkPlugin(pluginType string, h sdk.Handler) plugin.ServeFunc {
	return func(ctx context.Context, ep channel.Endpoint) error {
		return sdk.Serve(ctx, ep, sdk.Info{ID: "test", Type: pluginType}, h, sdk.WithLogger(log.Discard()))
	}
}

func newManager(t *testing.T, launcher *plugin.InProcessLauncher, metas ...*plugin.Metadata) *plugin.Manager {
	t.Helper()
	reg := plugin.NewRegistry()
	for _, m := range metas {
		require.NoError(t, reg.Register(m))
	}
	m := plugin.NewManager(reg, launcher, plugin.ManagerConfig{
		StartupTimeout: 200 * time.Millisecond,
		StopGrace:      200 * time.Millisecond,
	}, nil, log.Discard())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestManagerStartHandshake(t *testing.T) {
	l := plugin.NewInProcessLauncher()
	l.Register("yara", sdkPlugin("analysis", echoHandler()))
	meta := analysisMeta("yara")
	m := newManager(t, l, meta)

	in, err := m.Start(context.Background(), meta)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateReady, in.State())
	assert.Equal(t, "yara-0", in.ID)
	assert.NoError(t, m.Ping(context.Background(), in))
}

func TestManagerHandshakeTypeMismatch(t *testing.T) {
	l := plugin.NewInProcessLauncher()
	l.Register("yara", sdkPlugin("network", echoHandler()))
	meta := analysisMeta("yara")
	m := newManager(t, l, meta)

	_, err := m.Start(context.Background(), meta)
	assert.ErrorIs(t, err, fault.ErrProtocol)
	assert.Equal(t, plugin.StateFailed, m.Instances()[0].State())
}

func TestManagerHandshakeTimeout(t *testing.T) {
	l := plugin.NewInProcessLauncher()
	l.Register("mute", func(ctx context.Context, ep channel.Endpoint) error {
		<-ctx.Done()
		return nil
	})
	meta := analysisMeta("mute")
	m := newManager(t, l, meta)

	_, err := m.Start(context.Background(), meta)
	assert.ErrorIs(t, err, fault.ErrHandshakeTimeout)
	assert.Equal(t, plugin.StateFailed, m.Instances()[0].State())
}

func TestCandidatesUnroutable(t *testing.T) {
	m := newManager(t, plugin.NewInProcessLauncher(), analysisMeta("yara"))
	_, err := m.Candidates(context.Background(), "memory")
	assert.ErrorIs(t, err, fault.ErrUnroutable)
}

func TestCandidatesStartsReplicasLazily(t *testing.T) {
	l := plugin.NewInProcessLauncher()
	l.Register("yara", sdkPlugin("analysis", echoHandler()))
	l.Register("capa", sdkPlugin("analysis", echoHandler()))
	yara := analysisMeta("yara")
	yara.Replicas = 2
	m := newManager(t, l, yara, analysisMeta("capa"))

	for _, in := range m.Instances() {
		assert.Equal(t, plugin.StateStopped, in.State())
	}

	got, err := m.Candidates(context.Background(), "static")
	require.NoError(t, err)
	var ids []string
	for _, in := range got {
		ids = append(ids, in.ID)
		assert.Equal(t, plugin.StateReady, in.State())
	}
	assert.Equal(t, []string{"yara-0", "yara-1", "capa-0"}, ids)
}

func TestStopTerminatesPlugin(t *testing.T) {
	exited := make(chan struct{})
	l := plugin.NewInProcessLauncher()
	l.Register("yara", func(ctx context.Context, ep channel.Endpoint) error {
		defer close(exited)
		return sdk.Serve(context.Background(), ep, sdk.Info{Type: "analysis"}, echoHandler(), sdk.WithLogger(log.Discard()))
	})
	meta := analysisMeta("yara")
	m := newManager(t, l, meta)

	in, err := m.Start(context.Background(), meta)
	require.NoError(t, err)
	require.NoError(t, m.Stop(context.Background(), in))
	assert.Equal(t, plugin.StateStopped, in.State())

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("plugin did not exit after terminate")
	}
}

// rawPlugin speaks the protocol by hand so tests can misbehave on purpose.
func rawPlugin(onTask func(ctx context.Context, conn *protocol.Conn, id uuid.UUID)) plugin.ServeFunc {
	return func(ctx context.Context, ep channel.Endpoint) error {
		conn := protocol.NewConn(ep, nil)
		ready, _ := protocol.NewReady("raw", "analysis", nil)
		if err := conn.Send(ctx, ready); err != nil {
			return err
		}
		for {
			msg, err := conn.Recv(ctx)
			if err != nil {
				return nil
			}
			if msg.Kind == protocol.KindTask {
				onTask(ctx, conn, msg.CorrelationID)
			}
		}
	}
}

func sendTask(t *testing.T, in *plugin.Instance, id uuid.UUID) {
	t.Helper()
	msg, err := protocol.NewTask(id, protocol.TaskPayload{Capability: "static", SampleRef: "/s"})
	require.NoError(t, err)
	require.NoError(t, in.Send(context.Background(), msg))
}

func TestForeignCorrelationIDIsDropped(t *testing.T) {
	l := plugin.NewInProcessLauncher()
	l.Register("raw", rawPlugin(func(ctx context.Context, conn *protocol.Conn, id uuid.UUID) {
		stale, _ := protocol.NewResult(uuid.New(), protocol.ResultPayload{Success: false, Error: "stale"})
		_ = conn.Send(ctx, stale)
		good, _ := protocol.NewResult(id, protocol.ResultPayload{Success: true})
		_ = conn.Send(ctx, good)
	}))
	meta := analysisMeta("raw")
	m := newManager(t, l, meta)
	in, err := m.Start(context.Background(), meta)
	require.NoError(t, err)

	id := uuid.New()
	sub, err := in.Subscribe(id)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, plugin.StateBusy, in.State())

	sendTask(t, in, id)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, msg.CorrelationID)
	res, err := msg.Result()
	require.NoError(t, err)
	assert.True(t, res.Success)

	sub.Close()
	assert.Equal(t, plugin.StateReady, in.State())
}

func TestDisconnectClosesSubscriptions(t *testing.T) {
	l := plugin.NewInProcessLauncher()
	l.Register("raw", func(ctx context.Context, ep channel.Endpoint) error {
		conn := protocol.NewConn(ep, nil)
		ready, _ := protocol.NewReady("raw", "analysis", nil)
		_ = conn.Send(ctx, ready)
		_, _ = conn.Recv(ctx)
		return ep.Close()
	})
	meta := analysisMeta("raw")
	m := newManager(t, l, meta)
	in, err := m.Start(context.Background(), meta)
	require.NoError(t, err)

	id := uuid.New()
	sub, err := in.Subscribe(id)
	require.NoError(t, err)
	sendTask(t, in, id)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, fault.ErrChannelDisconnected)
	assert.Equal(t, plugin.StateFailed, in.State())

	_, err = in.Subscribe(uuid.New())
	assert.ErrorIs(t, err, plugin.ErrNotRunning)
}

func TestProtocolErrorTriggersRestart(t *testing.T) {
	var launches atomic.Int32
	l := plugin.NewInProcessLauncher()
	l.Register("raw", func(ctx context.Context, ep channel.Endpoint) error {
		n := launches.Add(1)
		return rawPlugin(func(ctx context.Context, conn *protocol.Conn, id uuid.UUID) {
			if n == 1 {
				_ = ep.Send(ctx, []byte{0x7f, 0x00})
				return
			}
			res, _ := protocol.NewResult(id, protocol.ResultPayload{Success: true})
			_ = conn.Send(ctx, res)
		})(ctx, ep)
	})
	meta := analysisMeta("raw")
	m := newManager(t, l, meta)
	in, err := m.Start(context.Background(), meta)
	require.NoError(t, err)

	id := uuid.New()
	sub, err := in.Subscribe(id)
	require.NoError(t, err)
	sendTask(t, in, id)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, fault.ErrProtocol)

	require.Eventually(t, func() bool {
		return in.State() == plugin.StateReady
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), launches.Load())
	assert.Equal(t, 1, in.Info().Restarts)
}
