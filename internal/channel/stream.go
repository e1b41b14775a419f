package channel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const frameHeaderSize = 4

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type streamEndpoint struct {
	role     Role
	rwc      io.ReadWriteCloser
	maxFrame int

	wmu sync.Mutex
	w   *bufio.Writer

	frames chan []byte
	done   chan struct{}
	once   sync.Once

	errMu sync.Mutex
	err   error
}

// NewStream frames messages over rwc with a 4-byte big-endian length prefix.
// A reader goroutine pumps inbound frames into a bounded queue so Recv can
// observe context deadlines.
func NewStream(role Role, rwc io.ReadWriteCloser, cfg Config) Endpoint {
	cfg = cfg.withDefaults()
	e := &streamEndpoint{
		role:     role,
		rwc:      rwc,
		maxFrame: cfg.MaxFrameSize,
		w:        bufio.NewWriterSize(rwc, cfg.BufferSize),
		frames:   make(chan []byte, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go e.pump(bufio.NewReaderSize(rwc, cfg.BufferSize))
	return e
}

func (e *streamEndpoint) pump(r *bufio.Reader) {
	var header [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			e.fail(err)
			return
		}
		n := int(binary.BigEndian.Uint32(header[:]))
		if n > e.maxFrame {
			e.fail(fmt.Errorf("%w: inbound frame of %d bytes", ErrFrameTooLarge, n))
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			e.fail(err)
			return
		}
		select {
		case e.frames <- frame:
		case <-e.done:
			return
		}
	}
}

func (e *streamEndpoint) fail(err error) {
	e.errMu.Lock()
	if e.err == nil && !errors.Is(err, io.EOF) {
		e.err = err
	}
	e.errMu.Unlock()
	_ = e.Close()
}

// Err returns the transport error that caused the disconnect, if any.
// A clean EOF from the peer is not an error.
func (e *streamEndpoint) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

func (e *streamEndpoint) Role() Role { return e.role }

func (e *streamEndpoint) Send(ctx context.Context, frame []byte) error {
	if len(frame) > e.maxFrame {
		return ErrFrameTooLarge
	}
	select {
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()

	if wd, ok := e.rwc.(writeDeadliner); ok {
		if dl, ok := ctx.Deadline(); ok {
			_ = wd.SetWriteDeadline(dl)
			defer func() { _ = wd.SetWriteDeadline(time.Time{}) }()
		}
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := e.w.Write(header[:]); err != nil {
		e.fail(err)
		return fmt.Errorf("%w: write header: %v", ErrClosed, err)
	}
	if _, err := e.w.Write(frame); err != nil {
		e.fail(err)
		return fmt.Errorf("%w: write frame: %v", ErrClosed, err)
	}
	if err := e.w.Flush(); err != nil {
		e.fail(err)
		return fmt.Errorf("%w: flush: %v", ErrClosed, err)
	}
	return nil
}

func (e *streamEndpoint) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-e.frames:
		return f, nil
	case <-e.done:
		select {
		case f := <-e.frames:
			return f, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *streamEndpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		err = e.rwc.Close()
	})
	return err
}

func (e *streamEndpoint) Done() <-chan struct{} { return e.done }

type joinedPipes struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (j *joinedPipes) Close() error {
	var errs []error
	for _, c := range j.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JoinPipes combines a read pipe and a write pipe (for example a child
// process's stdout and stdin) into one io.ReadWriteCloser.
func JoinPipes(r io.ReadCloser, w io.WriteCloser) io.ReadWriteCloser {
	return &joinedPipes{Reader: r, Writer: w, closers: []io.Closer{w, r}}
}
