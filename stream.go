package simctl

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StreamTransport runs the exchange over a byte stream such as TCP. Both
// directions use the length-prefixed framing of WriteMessage; a request is a
// one-part message.
type StreamTransport struct {
	conn      net.Conn
	r         *bufio.Reader
	mu        sync.RWMutex
	connected bool
	once      sync.Once
	options   Options
}

// NewStreamTransport wraps an established connection.
func NewStreamTransport(conn net.Conn, opts ...Option) *StreamTransport {
	return &StreamTransport{
		conn:      conn,
		r:         bufio.NewReader(conn),
		connected: true,
		options:   buildOptions(opts),
	}
}

// DialStream connects to address over TCP. Refused dials are retried with
// exponential backoff until the startup timeout; the simulator may still be
// starting.
func DialStream(ctx context.Context, address string, opts ...Option) (*StreamTransport, error) {
	options := buildOptions(opts)

	ctx, cancel := context.WithTimeout(ctx, options.StartupTimeout)
	defer cancel()

	conn, err := dialWithBackoff(ctx, options, func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	})
	if err != nil {
		return nil, &ConnectionError{Address: address, Err: err}
	}
	options.Logger.Debug("stream connected", "address", address)
	return NewStreamTransport(conn, opts...), nil
}

func dialWithBackoff[T any](ctx context.Context, options Options, dial func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = options.StartupTimeout

	attempt := 0
	return backoff.RetryWithData(func() (T, error) {
		attempt++
		v, err := dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return v, backoff.Permanent(ctx.Err())
			}
			options.Logger.Debug("dial failed, retrying", "attempt", attempt, "error", err)
		}
		return v, err
	}, backoff.WithContext(b, ctx))
}

// Send writes msg as a one-part message.
func (s *StreamTransport) Send(ctx context.Context, msg []byte) error {
	if !s.IsConnected() {
		return ErrTransportNotConnected
	}
	stop := s.watch(ctx)
	defer stop()
	return deadlineErr(ctx, WriteMessage(s.conn, [][]byte{msg}))
}

// Receive reads one framed reply.
func (s *StreamTransport) Receive(ctx context.Context) ([][]byte, error) {
	if !s.IsConnected() {
		return nil, ErrTransportNotConnected
	}
	stop := s.watch(ctx)
	defer stop()
	parts, err := ReadMessage(s.r, s.options.Limits)
	if err != nil {
		return nil, deadlineErr(ctx, err)
	}
	return parts, nil
}

// watch applies ctx's deadline to the connection and expires it immediately
// when ctx is cancelled.
func (s *StreamTransport) watch(ctx context.Context) func() {
	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(dl)
	} else {
		s.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Now())
	})
	return func() { stop() }
}

// deadlineErr reports a connection deadline set by watch as the ctx error
// that caused it. The conn timer may fire just before ctx notices.
func deadlineErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return err
}

// Close closes the connection.
func (s *StreamTransport) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// IsConnected returns true until Close is called.
func (s *StreamTransport) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
