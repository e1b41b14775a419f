package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/protocol"
)

// State is the lifecycle state of a plugin instance.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateBusy
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotRunning         = errors.New("plugin instance is not running")
	ErrDuplicateSubscribe = errors.New("correlation id already subscribed")
	errUnsubscribed       = errors.New("subscription closed")
)

// Instance is one running copy of a plugin bound to a channel. Lifecycle
// changes (start, stop, restart) are serialised by the instance's own
// lifecycle lock; mu only guards field access.
type Instance struct {
	ID      string
	Meta    *Metadata
	Replica int

	lifecycle sync.Mutex

	mu        sync.Mutex
	state     State
	conn      *protocol.Conn
	proc      Process
	gen       uint64
	subs      map[uuid.UUID]*Subscription
	active    int
	startedAt time.Time
	restarts  int
	lastErr   string

	logger    *slog.Logger
	onFailure func(*Instance, error)
}

func newInstance(meta *Metadata, replica int, logger *slog.Logger, onFailure func(*Instance, error)) *Instance {
	id := fmt.Sprintf("%s-%d", meta.Name, replica)
	return &Instance{
		ID:        id,
		Meta:      meta,
		Replica:   replica,
		subs:      make(map[uuid.UUID]*Subscription),
		logger:    logger.With("plugin", meta.Name, "instance", id),
		onFailure: onFailure,
	}
}

func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Instance) setState(s State) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

func (in *Instance) setFailed(err error) {
	in.mu.Lock()
	in.state = StateFailed
	in.lastErr = err.Error()
	in.mu.Unlock()
}

// InstanceInfo is a snapshot for status surfaces.
type InstanceInfo struct {
	ID        string    `json:"id"`
	Plugin    string    `json:"plugin"`
	Type      string    `json:"type"`
	Mode      string    `json:"mode"`
	State     string    `json:"state"`
	Active    int       `json:"active"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

func (in *Instance) Info() InstanceInfo {
	in.mu.Lock()
	defer in.mu.Unlock()
	return InstanceInfo{
		ID:        in.ID,
		Plugin:    in.Meta.Name,
		Type:      string(in.Meta.Type),
		Mode:      in.Meta.Mode.String(),
		State:     in.state.String(),
		Active:    in.active,
		Restarts:  in.restarts,
		LastError: in.lastErr,
		StartedAt: in.startedAt,
	}
}

// attach binds a freshly handshaken channel and starts the reader.
func (in *Instance) attach(conn *protocol.Conn, proc Process) {
	in.mu.Lock()
	in.gen++
	gen := in.gen
	in.conn = conn
	in.proc = proc
	in.state = StateReady
	in.active = 0
	in.lastErr = ""
	in.startedAt = time.Now().UTC()
	in.subs = make(map[uuid.UUID]*Subscription)
	in.mu.Unlock()

	go in.readLoop(conn, gen)
}

// detach drops the channel without marking the instance failed. Open
// subscriptions are closed with reason.
func (in *Instance) detach(reason error) (*protocol.Conn, Process) {
	in.mu.Lock()
	in.gen++
	conn, proc := in.conn, in.proc
	subs := in.subs
	in.conn, in.proc = nil, nil
	in.subs = make(map[uuid.UUID]*Subscription)
	in.active = 0
	in.state = StateStopped
	in.mu.Unlock()

	for _, s := range subs {
		s.close(reason)
	}
	return conn, proc
}

func (in *Instance) readLoop(conn *protocol.Conn, gen uint64) {
	for {
		msg, err := conn.Recv(context.Background())
		if err != nil {
			in.fail(gen, err)
			return
		}
		in.route(gen, msg)
	}
}

func (in *Instance) route(gen uint64, msg protocol.Message) {
	if msg.CorrelationID == uuid.Nil {
		in.handleInstanceMessage(gen, msg)
		return
	}

	in.mu.Lock()
	sub := in.subs[msg.CorrelationID]
	in.mu.Unlock()
	if sub == nil {
		in.logger.Warn("dropping message with no matching job",
			"correlation_id", msg.CorrelationID.String(),
			"type", string(msg.Kind),
		)
		return
	}

	select {
	case sub.ch <- msg:
	case <-sub.closed:
	}
}

func (in *Instance) handleInstanceMessage(gen uint64, msg protocol.Message) {
	if msg.Kind != protocol.KindEvent {
		in.logger.Warn("dropping uncorrelated message", "type", string(msg.Kind))
		return
	}
	ev, err := msg.Event()
	if err != nil {
		in.fail(gen, err)
		return
	}
	switch ev.Kind {
	case protocol.EventLifecycle:
		if ev.Lifecycle != nil && ev.Lifecycle.Kind == protocol.LifecycleFailed {
			in.fail(gen, fault.Newf(fault.CodePluginFailure, "plugin reported failure: %s", ev.Lifecycle.Reason))
		}
	case protocol.EventLog:
		in.logger.Info("plugin log", "level", ev.Level, "message", ev.Message)
	default:
		in.logger.Debug("uncorrelated event", "kind", string(ev.Kind))
	}
}

// fail marks the instance failed if gen is still current, closes every
// subscription with err and tears down the channel.
func (in *Instance) fail(gen uint64, err error) bool {
	in.mu.Lock()
	if gen != in.gen || in.state == StateStopped || in.state == StateFailed {
		in.mu.Unlock()
		return false
	}
	in.gen++
	in.state = StateFailed
	in.lastErr = err.Error()
	conn, proc := in.conn, in.proc
	subs := in.subs
	in.conn, in.proc = nil, nil
	in.subs = make(map[uuid.UUID]*Subscription)
	in.active = 0
	in.mu.Unlock()

	for _, s := range subs {
		s.close(err)
	}
	if conn != nil {
		_ = conn.Close()
	}
	if proc != nil {
		_ = proc.Kill()
	}
	in.logger.Error("plugin instance failed", "error", err)
	if in.onFailure != nil {
		in.onFailure(in, err)
	}
	return true
}

func (in *Instance) failCurrent(err error) bool {
	in.mu.Lock()
	gen := in.gen
	in.mu.Unlock()
	return in.fail(gen, err)
}

// Subscribe binds a job's correlation id to this instance. Messages carrying
// that id are delivered to the subscription in arrival order. The instance
// counts as Busy while it has job subscriptions.
func (in *Instance) Subscribe(id uuid.UUID) (*Subscription, error) {
	return in.subscribe(id, true)
}

func (in *Instance) subscribe(id uuid.UUID, job bool) (*Subscription, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.conn == nil || (in.state != StateReady && in.state != StateBusy) {
		return nil, fault.Wrap(fault.CodeChannelDisconnected, ErrNotRunning, in.ID)
	}
	if _, exists := in.subs[id]; exists {
		return nil, ErrDuplicateSubscribe
	}
	sub := &Subscription{
		id:     id,
		in:     in,
		gen:    in.gen,
		job:    job,
		ch:     make(chan protocol.Message, 32),
		closed: make(chan struct{}),
	}
	in.subs[id] = sub
	if job {
		in.active++
		in.state = StateBusy
	}
	return sub, nil
}

func (in *Instance) unsubscribe(s *Subscription) {
	in.mu.Lock()
	if cur, ok := in.subs[s.id]; ok && cur == s {
		delete(in.subs, s.id)
		if s.job && s.gen == in.gen {
			in.active--
			if in.active <= 0 && in.state == StateBusy {
				in.active = 0
				in.state = StateReady
			}
		}
	}
	in.mu.Unlock()
	s.close(errUnsubscribed)
}

// Send writes a message to the plugin.
func (in *Instance) Send(ctx context.Context, msg protocol.Message) error {
	in.mu.Lock()
	conn := in.conn
	in.mu.Unlock()
	if conn == nil {
		return fault.Wrap(fault.CodeChannelDisconnected, ErrNotRunning, in.ID)
	}
	return conn.Send(ctx, msg)
}

// Subscription receives the messages correlated to one id.
type Subscription struct {
	id     uuid.UUID
	in     *Instance
	gen    uint64
	job    bool
	ch     chan protocol.Message
	closed chan struct{}
	once   sync.Once
	err    error
}

func (s *Subscription) ID() uuid.UUID { return s.id }

func (s *Subscription) Instance() *Instance { return s.in }

func (s *Subscription) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.closed)
	})
}

// Next returns the next correlated message. Messages already delivered are
// returned before the error that closed the subscription. ctx bounds the wait.
func (s *Subscription) Next(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-s.ch:
		return m, nil
	case <-s.closed:
		select {
		case m := <-s.ch:
			return m, nil
		default:
			return protocol.Message{}, s.err
		}
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Closed is closed when the instance drops the subscription.
func (s *Subscription) Closed() <-chan struct{} { return s.closed }

// Close releases the correlation id. Safe to call more than once.
func (s *Subscription) Close() {
	s.in.unsubscribe(s)
}
