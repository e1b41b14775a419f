package channel

import (
	"context"
	"sync"
)

type link struct {
	toPlugin chan []byte
	toHost   chan []byte
	done     chan struct{}
	once     sync.Once
}

func (l *link) close() {
	l.once.Do(func() { close(l.done) })
}

type memEndpoint struct {
	role     Role
	link     *link
	in       <-chan []byte
	out      chan<- []byte
	maxFrame int
}

// Pair returns a connected host/plugin endpoint pair living in this process.
// Frames are passed by reference.
func Pair(cfg Config) (host, plugin Endpoint) {
	cfg = cfg.withDefaults()
	l := &link{
		toPlugin: make(chan []byte, cfg.QueueSize),
		toHost:   make(chan []byte, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	host = &memEndpoint{role: RoleHost, link: l, in: l.toHost, out: l.toPlugin, maxFrame: cfg.MaxFrameSize}
	plugin = &memEndpoint{role: RolePlugin, link: l, in: l.toPlugin, out: l.toHost, maxFrame: cfg.MaxFrameSize}
	return host, plugin
}

func (e *memEndpoint) Role() Role { return e.role }

func (e *memEndpoint) Send(ctx context.Context, frame []byte) error {
	if len(frame) > e.maxFrame {
		return ErrFrameTooLarge
	}
	select {
	case <-e.link.done:
		return ErrClosed
	default:
	}
	select {
	case e.out <- frame:
		return nil
	case <-e.link.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *memEndpoint) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-e.in:
		return f, nil
	case <-e.link.done:
		select {
		case f := <-e.in:
			return f, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *memEndpoint) Close() error {
	e.link.close()
	return nil
}

func (e *memEndpoint) Done() <-chan struct{} { return e.link.done }
