package protocol

import (
	"context"
	"errors"

	"github.com/mattjoyce/airlock/internal/channel"
	"github.com/mattjoyce/airlock/internal/fault"
)

// Conn exchanges Messages over a channel endpoint.
type Conn struct {
	ep    channel.Endpoint
	codec *Codec
}

func NewConn(ep channel.Endpoint, codec *Codec) *Conn {
	if codec == nil {
		codec = NewCodec(0)
	}
	return &Conn{ep: ep, codec: codec}
}

// Send encodes m and hands the frame to the peer.
func (c *Conn) Send(ctx context.Context, m Message) error {
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	if err := c.ep.Send(ctx, frame); err != nil {
		return transportError(err)
	}
	return nil
}

// Recv returns the next message. Context errors are returned unchanged so
// callers can tell a deadline from a disconnect.
func (c *Conn) Recv(ctx context.Context) (Message, error) {
	frame, err := c.ep.Recv(ctx)
	if err != nil {
		return Message{}, transportError(err)
	}
	return c.codec.Decode(frame)
}

func (c *Conn) Role() channel.Role { return c.ep.Role() }

func (c *Conn) Done() <-chan struct{} { return c.ep.Done() }

func (c *Conn) Close() error { return c.ep.Close() }

func transportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, channel.ErrFrameTooLarge):
		return fault.Wrap(fault.CodeProtocolError, err, "")
	default:
		return fault.Wrap(fault.CodeChannelDisconnected, err, "")
	}
}
