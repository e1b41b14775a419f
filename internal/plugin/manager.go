package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/airlock/internal/channel"
	"github.com/mattjoyce/airlock/internal/events"
	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/log"
	"github.com/mattjoyce/airlock/internal/protocol"
)

const (
	defaultStartupTimeout = 10 * time.Second
	defaultStopGrace      = 5 * time.Second
	killGrace             = 2 * time.Second
)

// Publisher receives lifecycle notifications. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

// ManagerConfig holds lifecycle timings and channel sizing.
type ManagerConfig struct {
	StartupTimeout    time.Duration
	StopGrace         time.Duration
	Channel           channel.Config
	CompressThreshold int
}

// Manager owns every plugin instance. The instance table has its own lock,
// held only for map access; each instance serialises its own lifecycle.
type Manager struct {
	cfg      ManagerConfig
	registry *Registry
	launcher Launcher
	codec    *protocol.Codec
	events   Publisher
	logger   *slog.Logger

	mu        sync.RWMutex
	instances map[string][]*Instance
	closed    bool

	restarting sync.WaitGroup
}

func NewManager(reg *Registry, launcher Launcher, cfg ManagerConfig, events Publisher, logger *slog.Logger) *Manager {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if logger == nil {
		logger = log.WithComponent("plugin")
	}
	return &Manager{
		cfg:       cfg,
		registry:  reg,
		launcher:  launcher,
		codec:     protocol.NewCodec(cfg.CompressThreshold).WithMaxBody(cfg.Channel.MaxFrameSize),
		events:    events,
		logger:    logger,
		instances: make(map[string][]*Instance),
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) publish(eventType string, data any) {
	if m.events != nil {
		m.events.Publish(eventType, data)
	}
}

// replicas returns the instance slots for meta, creating them on first use.
func (m *Manager) replicas(meta *Metadata) []*Instance {
	m.mu.RLock()
	ins, ok := m.instances[meta.Name]
	m.mu.RUnlock()
	if ok {
		return ins
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ins, ok := m.instances[meta.Name]; ok {
		return ins
	}
	n := meta.Replicas
	if n <= 0 {
		n = 1
	}
	ins = make([]*Instance, n)
	for i := range ins {
		ins[i] = newInstance(meta, i, m.logger, m.handleFailure)
	}
	m.instances[meta.Name] = ins
	return ins
}

// Instances returns every instance slot, running or not, in registration
// order.
func (m *Manager) Instances() []*Instance {
	var out []*Instance
	for _, meta := range m.registry.All() {
		out = append(out, m.replicas(meta)...)
	}
	return out
}

// Start brings up the first replica of meta that is not running and returns
// it. When every replica already runs, the first one is returned.
func (m *Manager) Start(ctx context.Context, meta *Metadata) (*Instance, error) {
	ins := m.replicas(meta)
	for _, in := range ins {
		switch in.State() {
		case StateReady, StateBusy:
			continue
		}
		if err := m.StartInstance(ctx, in); err != nil {
			return nil, err
		}
		return in, nil
	}
	return ins[0], nil
}

// StartInstance launches the plugin and waits for its Ready event. A Ready
// whose plugin type differs from the manifest fails the handshake.
func (m *Manager) StartInstance(ctx context.Context, in *Instance) error {
	in.lifecycle.Lock()
	defer in.lifecycle.Unlock()
	return m.startLocked(ctx, in)
}

func (m *Manager) startLocked(ctx context.Context, in *Instance) error {
	switch in.State() {
	case StateReady, StateBusy:
		return nil
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return fault.Wrap(fault.CodeCancelled, errors.New("plugin manager is shut down"), in.ID)
	}

	in.setState(StateStarting)
	logger := in.logger
	logger.Info("starting plugin instance", "transport", string(in.Meta.Transport))

	hsCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout)
	defer cancel()

	ep, proc, err := m.launcher.Launch(hsCtx, in.Meta, in.ID, m.cfg.Channel)
	if err != nil {
		err = fault.Wrap(fault.CodePluginFailure, err, "launch "+in.ID)
		in.setFailed(err)
		return err
	}
	conn := protocol.NewConn(ep, m.codec)

	if err := m.handshake(hsCtx, ctx, in, conn); err != nil {
		_ = conn.Close()
		_ = proc.Kill()
		in.setFailed(err)
		logger.Error("plugin handshake failed", "error", err)
		m.publish(events.PluginFailed, in.Info())
		return err
	}

	in.attach(conn, proc)
	logger.Info("plugin instance ready")
	m.publish(events.PluginReady, in.Info())
	return nil
}

func (m *Manager) handshake(hsCtx, parent context.Context, in *Instance, conn *protocol.Conn) error {
	msg, err := conn.Recv(hsCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			return fault.Wrap(fault.CodeHandshakeTimeout, err,
				fmt.Sprintf("%s sent no ready event within %s", in.ID, m.cfg.StartupTimeout))
		}
		if parent.Err() != nil {
			return parent.Err()
		}
		return err
	}

	ready := msg.Lifecycle()
	if ready == nil || ready.Kind != protocol.LifecycleReady {
		return fault.Newf(fault.CodeProtocolError, "%s: first message was %s, expected ready event", in.ID, msg.Kind)
	}
	if ready.PluginType != string(in.Meta.Type) {
		return fault.Newf(fault.CodeProtocolError, "%s: plugin reports type %q, manifest declares %q",
			in.ID, ready.PluginType, in.Meta.Type)
	}
	return nil
}

// Stop sends a terminate command, waits up to the stop grace period for the
// plugin to exit, then forcibly reclaims the channel.
func (m *Manager) Stop(ctx context.Context, in *Instance) error {
	in.lifecycle.Lock()
	defer in.lifecycle.Unlock()
	m.stopLocked(ctx, in)
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, in *Instance) {
	conn, proc := in.detach(fault.New(fault.CodeChannelDisconnected, "instance stopped"))
	if conn == nil {
		return
	}

	if msg, err := protocol.NewCommand(uuid.Nil, protocol.OpTerminate, nil); err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, m.cfg.StopGrace)
		if err := conn.Send(sendCtx, msg); err != nil {
			in.logger.Debug("terminate command not delivered", "error", err)
		}
		cancel()
	}

	grace := time.NewTimer(m.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-proc.Done():
	case <-grace.C:
		in.logger.Warn("plugin did not exit after terminate, sending SIGTERM")
		_ = proc.Terminate()
		select {
		case <-proc.Done():
		case <-time.After(killGrace):
			in.logger.Warn("plugin did not exit after SIGTERM, killing")
			_ = proc.Kill()
		}
	case <-ctx.Done():
		_ = proc.Kill()
	}
	_ = conn.Close()
	in.logger.Info("plugin instance stopped")
	m.publish(events.PluginStopped, in.Info())
}

// Restart stops (if needed) and starts the instance again.
func (m *Manager) Restart(ctx context.Context, in *Instance) error {
	in.lifecycle.Lock()
	defer in.lifecycle.Unlock()

	m.stopLocked(ctx, in)
	in.mu.Lock()
	in.restarts++
	in.mu.Unlock()
	return m.startLocked(ctx, in)
}

// StartAll starts every replica of every registered plugin. Failures are
// collected; the remaining instances still start.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, meta := range m.registry.All() {
		for _, in := range m.replicas(meta) {
			if err := m.StartInstance(ctx, in); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Candidates returns running instances of every plugin declaring capability,
// in registration order, lazily starting replicas that are not running.
func (m *Manager) Candidates(ctx context.Context, capability string) ([]*Instance, error) {
	metas := m.registry.Find(capability)
	if len(metas) == 0 {
		return nil, fault.Newf(fault.CodeUnroutable, "no plugin declares capability %q", capability)
	}

	var out []*Instance
	var errs []error
	for _, meta := range metas {
		for _, in := range m.replicas(meta) {
			switch in.State() {
			case StateReady, StateBusy:
				out = append(out, in)
				continue
			}
			if err := m.StartInstance(ctx, in); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				errs = append(errs, err)
				continue
			}
			out = append(out, in)
		}
	}

	if len(out) == 0 {
		if len(errs) == 1 {
			return nil, errs[0]
		}
		return nil, fault.Wrap(fault.CodePluginFailure, errors.Join(errs...),
			fmt.Sprintf("no instance for capability %q could be started", capability))
	}
	return out, nil
}

// Ping sends a ping command and waits for the matching pong.
func (m *Manager) Ping(ctx context.Context, in *Instance) error {
	id := uuid.New()
	sub, err := in.subscribe(id, false)
	if err != nil {
		return err
	}
	defer sub.Close()

	msg, err := protocol.NewCommand(id, protocol.OpPing, nil)
	if err != nil {
		return err
	}
	if err := in.Send(ctx, msg); err != nil {
		return err
	}

	for {
		reply, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fault.Wrap(fault.CodeTimeout, err, in.ID+" did not answer ping")
			}
			return err
		}
		if ev, err := reply.Event(); err == nil && ev.Kind == protocol.EventPong {
			return nil
		}
	}
}

// MarkFailed forces the instance into Failed. Protocol errors schedule an
// asynchronous restart.
func (m *Manager) MarkFailed(in *Instance, err error) {
	in.failCurrent(err)
}

func (m *Manager) handleFailure(in *Instance, err error) {
	m.publish(events.PluginFailed, in.Info())
	if fault.CodeOf(err) == fault.CodeProtocolError {
		m.RestartAsync(in)
	}
}

// RestartAsync restarts the instance in the background unless the manager is
// shutting down.
func (m *Manager) RestartAsync(in *Instance) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.restarting.Add(1)
	go func() {
		defer m.restarting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupTimeout+m.cfg.StopGrace+killGrace)
		defer cancel()
		if err := m.Restart(ctx, in); err != nil {
			in.logger.Error("plugin restart failed", "error", err)
		}
	}()
}

// CheckAsync pings the instance in the background and restarts it when it
// does not answer within timeout.
func (m *Manager) CheckAsync(in *Instance, timeout time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.restarting.Add(1)
	go func() {
		defer m.restarting.Done()
		if err := m.Check(context.Background(), in, timeout); err != nil {
			in.logger.Warn("plugin health check failed", "error", err)
		}
	}()
}

// Check pings a running instance and restarts it if the ping fails. Stopped
// instances are left alone; failed ones are restarted.
func (m *Manager) Check(ctx context.Context, in *Instance, timeout time.Duration) error {
	switch in.State() {
	case StateStopped, StateStarting:
		return nil
	case StateFailed:
		return m.Restart(ctx, in)
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	err := m.Ping(pctx, in)
	cancel()
	if err == nil {
		return nil
	}
	in.logger.Warn("plugin unresponsive, restarting", "error", err)
	m.MarkFailed(in, fault.Wrap(fault.CodeTimeout, err, in.ID+" unresponsive"))
	return m.Restart(ctx, in)
}

// Shutdown stops every instance concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.restarting.Wait()

	g, gctx := errgroup.WithContext(ctx)
	for _, in := range m.Instances() {
		g.Go(func() error {
			return m.Stop(gctx, in)
		})
	}
	return g.Wait()
}
