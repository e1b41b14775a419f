// Package sdk implements the plugin side of the airlock channel protocol.
//
// A plugin announces itself with a Ready event, then receives Task messages
// and answers each with exactly one Result. Tasks run concurrently; the host
// decides how many it sends at once.
//
//	func main() {
//		sdk.Main(sdk.Info{Type: "analysis"}, sdk.HandlerFunc(triage))
//	}
package sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/airlock/internal/channel"
	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/protocol"
)

// Endpoint is the plugin end of a host channel. Stdio, Dial and NewStream
// build one; Main picks between the first two.
type Endpoint = channel.Endpoint

// Stdio returns an endpoint framed over stdin and stdout.
func Stdio() Endpoint {
	return NewStream(channel.JoinPipes(os.Stdin, os.Stdout))
}

// Dial connects to the unix socket the host listens on.
func Dial(ctx context.Context, path string) (Endpoint, error) {
	return channel.Dial(ctx, path, channel.DefaultConfig())
}

// NewStream frames the protocol over any byte stream, such as a pipe or a
// socket the plugin set up itself.
func NewStream(rwc io.ReadWriteCloser) Endpoint {
	return channel.NewStream(channel.RolePlugin, rwc, channel.DefaultConfig())
}

// Info is announced in the Ready handshake.
type Info struct {
	ID              string
	Type            string
	RequiredPlugins []string
}

// Handler runs one task. Returning an error produces a failed Result.
type Handler interface {
	Handle(ctx context.Context, t *Task) (map[string]any, error)
}

type HandlerFunc func(ctx context.Context, t *Task) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, t *Task) (map[string]any, error) { return f(ctx, t) }

// Task is the plugin's view of one job.
type Task struct {
	ID         uuid.UUID
	Capability string
	SampleRef  string
	Sandbox    string
	Parameters map[string]any
	DeadlineAt time.Time

	s *server
}

// Progress streams a progress event to the host.
func (t *Task) Progress(ctx context.Context, percent float64, message string) error {
	return t.s.event(ctx, t.ID, protocol.EventPayload{
		Kind:    protocol.EventProgress,
		Message: message,
		Data:    map[string]any{"percent": percent},
	})
}

// Log streams a log line to the host.
func (t *Task) Log(ctx context.Context, level, message string) error {
	return t.s.event(ctx, t.ID, protocol.EventPayload{
		Kind:    protocol.EventLog,
		Level:   level,
		Message: message,
	})
}

type options struct {
	compressThreshold int
	logger            *slog.Logger
}

type Option func(*options)

// WithCompressThreshold LZ4-compresses outbound frames above n bytes. Inbound
// frames are accepted either way.
func WithCompressThreshold(n int) Option {
	return func(o *options) { o.compressThreshold = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type server struct {
	conn    *protocol.Conn
	handler Handler
	logger  *slog.Logger

	mu    sync.Mutex
	tasks map[uuid.UUID]context.CancelFunc
	wg    sync.WaitGroup
}

// Serve runs the plugin protocol on ep until the host sends terminate, the
// channel closes, or ctx ends. It owns ep and closes it on return.
func Serve(ctx context.Context, ep Endpoint, info Info, h Handler, opts ...Option) error {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	s := &server{
		conn:    protocol.NewConn(ep, protocol.NewCodec(o.compressThreshold)),
		handler: h,
		logger:  o.logger,
		tasks:   make(map[uuid.UUID]context.CancelFunc),
	}
	defer ep.Close()

	ready, err := protocol.NewReady(info.ID, info.Type, info.RequiredPlugins)
	if err != nil {
		return err
	}
	if err := s.conn.Send(ctx, ready); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	runCtx, cancelAll := context.WithCancel(ctx)
	defer func() {
		cancelAll()
		s.wg.Wait()
	}()

	for {
		msg, err := s.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, fault.ErrChannelDisconnected) {
				return nil
			}
			return err
		}

		switch msg.Kind {
		case protocol.KindTask:
			s.startTask(runCtx, msg)
		case protocol.KindCommand:
			cmd, err := msg.Command()
			if err != nil {
				s.logger.Warn("bad command", "error", err)
				continue
			}
			switch cmd.Op {
			case protocol.OpCancel:
				s.cancelTask(msg.CorrelationID)
			case protocol.OpPing:
				_ = s.event(ctx, msg.CorrelationID, protocol.EventPayload{Kind: protocol.EventPong})
			case protocol.OpTerminate:
				return nil
			}
		default:
			s.logger.Debug("ignoring message", "type", string(msg.Kind))
		}
	}
}

func (s *server) startTask(ctx context.Context, msg protocol.Message) {
	id := msg.CorrelationID
	p, err := msg.Task()
	if err != nil {
		_ = s.result(ctx, id, protocol.ResultPayload{Success: false, Error: err.Error()})
		return
	}

	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if p.DeadlineAt.IsZero() {
		taskCtx, cancel = context.WithCancel(ctx)
	} else {
		taskCtx, cancel = context.WithDeadline(ctx, p.DeadlineAt)
	}

	s.mu.Lock()
	if _, dup := s.tasks[id]; dup {
		s.mu.Unlock()
		cancel()
		s.logger.Warn("duplicate task ignored", "task_id", id.String())
		return
	}
	s.tasks[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.tasks, id)
			s.mu.Unlock()
			cancel()
		}()

		if running, err := protocol.NewCommand(id, protocol.OpRunning, nil); err == nil {
			_ = s.conn.Send(taskCtx, running)
		}

		t := &Task{
			ID:         id,
			Capability: p.Capability,
			SampleRef:  p.SampleRef,
			Sandbox:    p.Sandbox,
			Parameters: p.Parameters,
			DeadlineAt: p.DeadlineAt,
			s:          s,
		}
		data, err := s.run(taskCtx, t)

		res := protocol.ResultPayload{Success: err == nil, Data: data}
		if err != nil {
			res.Error = err.Error()
		}
		sendCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := s.result(sendCtx, id, res); err != nil {
			s.logger.Warn("result not delivered", "task_id", id.String(), "error", err)
		}
	}()
}

func (s *server) run(ctx context.Context, t *Task) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.Handle(ctx, t)
}

func (s *server) cancelTask(id uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.tasks[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *server) event(ctx context.Context, id uuid.UUID, p protocol.EventPayload) error {
	msg, err := protocol.NewEvent(id, p)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, msg)
}

func (s *server) result(ctx context.Context, id uuid.UUID, p protocol.ResultPayload) error {
	msg, err := protocol.NewResult(id, p)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, msg)
}

// Main serves on the unix socket named by AIRLOCK_CHANNEL_SOCKET, or on
// stdin/stdout when it is unset, and exits the process when done. Logs go to
// stderr because stdout may carry frames.
func Main(info Info, h Handler, opts ...Option) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	opts = append([]Option{WithLogger(logger)}, opts...)

	if info.ID == "" {
		info.ID = os.Getenv(plugin.EnvInstanceID)
	}
	if info.Type == "" {
		info.Type = os.Getenv(plugin.EnvPluginType)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ep Endpoint
	if path := os.Getenv(plugin.EnvChannelSocket); path != "" {
		var err error
		ep, err = Dial(ctx, path)
		if err != nil {
			logger.Error("dial host", "error", err)
			os.Exit(1)
		}
	} else {
		ep = Stdio()
	}

	if err := Serve(ctx, ep, info, h, opts...); err != nil {
		logger.Error("plugin exited", "error", err)
		os.Exit(1)
	}
}
