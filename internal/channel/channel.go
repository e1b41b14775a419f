// Package channel provides the bidirectional frame transport between the host
// and a plugin.
//
// A channel carries opaque frames. Sending a frame hands ownership of the byte
// slice to the receiving side: the sender must not modify it afterwards. The
// in-process pair moves frames by reference, so nothing is copied between the
// two endpoints.
//
// Two transports exist:
//   - Pair: an in-process endpoint pair backed by bounded queues
//   - NewStream: length-prefixed frames over an io.ReadWriteCloser (subprocess
//     stdio or a unix socket)
package channel

import (
	"context"
	"errors"
)

// Role tells which side of the trust boundary an endpoint sits on.
type Role int

const (
	RoleHost Role = iota
	RolePlugin
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RolePlugin:
		return "plugin"
	default:
		return "unknown"
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleHost {
		return RolePlugin
	}
	return RoleHost
}

var (
	// ErrClosed is returned once either side has disconnected and all pending
	// frames have been drained.
	ErrClosed = errors.New("channel closed")

	// ErrFrameTooLarge is returned when a frame exceeds Config.MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Config sizes a channel.
type Config struct {
	// QueueSize bounds in-flight frames per direction.
	QueueSize int
	// BufferSize is the read/write buffer size for stream transports.
	BufferSize int
	// MaxFrameSize rejects frames larger than this many bytes.
	MaxFrameSize int
}

// DefaultConfig returns the sizing used when the config file says nothing.
func DefaultConfig() Config {
	return Config{
		QueueSize:    64,
		BufferSize:   64 * 1024,
		MaxFrameSize: 16 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	return c
}

// Endpoint is one side of a channel.
type Endpoint interface {
	// Role reports which side this endpoint serves.
	Role() Role

	// Send queues frame for the peer. It blocks while the outbound queue is
	// full, until ctx is done or the channel closes.
	Send(ctx context.Context, frame []byte) error

	// Recv returns the next frame from the peer. Frames arrive in send order.
	// After disconnect, frames already queued are still returned before
	// ErrClosed.
	Recv(ctx context.Context) ([]byte, error)

	// Close disconnects both sides. It is safe to call more than once.
	Close() error

	// Done is closed when the channel disconnects for any reason.
	Done() <-chan struct{}
}
