package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Listener accepts the plugin side of a unix-socket channel. The host owns the
// socket path and removes it on Close.
type Listener struct {
	path string
	ln   *net.UnixListener
}

// Listen creates a unix socket at path, replacing a stale socket file.
func Listen(path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return &Listener{path: path, ln: ln}, nil
}

// Path returns the socket path plugins dial.
func (l *Listener) Path() string { return l.path }

// Accept waits for one plugin connection and returns its host-role endpoint.
func (l *Listener) Accept(ctx context.Context, cfg Config) (Endpoint, error) {
	type result struct {
		conn *net.UnixConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.AcceptUnix()
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("accept: %w", r.err)
		}
		return NewStream(RoleHost, r.conn, cfg), nil
	case <-ctx.Done():
		_ = l.ln.Close()
		if r := <-ch; r.conn != nil {
			_ = r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Dial connects the plugin side of a unix-socket channel.
func Dial(ctx context.Context, path string, cfg Config) (Endpoint, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return NewStream(RolePlugin, conn, cfg), nil
}
