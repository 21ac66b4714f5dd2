package simctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session owns one transport to one simulator and performs one blocking
// exchange per Communicate call. Calls are serialized: a second call waits
// until the previous reply has been consumed.
type Session struct {
	id        string
	transport Transport
	options   Options
	metrics   *sessionMetrics

	mu     sync.Mutex
	steps  uint64
	broken error
	closed atomic.Bool
}

// NewSession wraps an established transport.
func NewSession(transport Transport, opts ...Option) *Session {
	options := buildOptions(opts)
	s := &Session{
		id:        xid.New().String(),
		transport: transport,
		options:   options,
		metrics:   newSessionMetrics(options.Registerer),
	}
	s.options.Logger = options.Logger.With("session", s.id)
	return s
}

// Connect opens a ZeroMQ session to the simulator at address:port. If a
// handshake is configured it is exchanged before returning; every failure
// within the startup timeout is reported as a ConnectionError.
func Connect(ctx context.Context, address string, port int, opts ...Option) (*Session, error) {
	endpoint := Endpoint(address, port)
	t, err := DialZMQ(ctx, endpoint, opts...)
	if err != nil {
		return nil, err
	}
	s := NewSession(t, opts...)
	if err := s.handshake(ctx, endpoint); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Open is Connect for an arbitrary transport.
func Open(ctx context.Context, address string, t Transport, opts ...Option) (*Session, error) {
	s := NewSession(t, opts...)
	if err := s.handshake(ctx, address); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(ctx context.Context, address string) error {
	if s.options.Handshake == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.options.StartupTimeout)
	defer cancel()

	resp, err := s.Communicate(ctx, s.options.Handshake)
	if err != nil {
		return &ConnectionError{Address: address, Err: err}
	}
	s.options.Logger.Info("simulator connected", "address", address, "step", resp.Step(), "frames", resp.Len())
	return nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Steps returns the number of completed exchanges.
func (s *Session) Steps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Communicate sends batch as one message and blocks for exactly one reply.
// An empty batch advances the simulation by one step. Nothing is retried: a
// send, receive or framing failure leaves the session broken and the caller
// must close it and connect again.
func (s *Session) Communicate(ctx context.Context, batch Batch) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, &TransportError{Op: "communicate", Err: ErrSessionClosed}
	}
	if s.broken != nil {
		return nil, &TransportError{Op: "communicate", Err: fmt.Errorf("%w: %v", ErrSessionBroken, s.broken)}
	}

	msg, err := s.encode(batch)
	if err != nil {
		s.metrics.exchanges.WithLabelValues(resultRejected).Inc()
		return nil, err
	}

	if s.options.ReceiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.ReceiveTimeout)
		defer cancel()
	}

	ctx, span := s.options.Tracer.Start(ctx, "simctl.communicate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("simctl.session", s.id),
			attribute.Int("simctl.commands", len(batch)),
		))
	defer span.End()

	start := time.Now()
	resp, err := s.exchange(ctx, msg)
	if err != nil {
		s.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	elapsed := time.Since(start)
	s.steps++
	s.metrics.exchanges.WithLabelValues(resultOK).Inc()
	s.metrics.duration.Observe(elapsed.Seconds())
	s.metrics.commands.Observe(float64(len(batch)))
	s.metrics.frames.Observe(float64(resp.Len()))
	span.SetAttributes(
		attribute.Int("simctl.frames", resp.Len()),
		attribute.Int64("simctl.step", int64(resp.Step())),
	)
	s.options.Logger.Debug("exchange complete",
		"commands", len(batch),
		"frames", resp.Len(),
		"step", resp.Step(),
		"elapsed", elapsed,
	)
	return resp, nil
}

func (s *Session) encode(batch Batch) ([]byte, error) {
	if s.options.Schema != nil {
		for i, cmd := range batch {
			if err := s.options.Schema.Validate(cmd); err != nil {
				return nil, fmt.Errorf("command %d: %w", i, err)
			}
		}
	}
	return EncodeBatch(batch)
}

func (s *Session) exchange(ctx context.Context, msg []byte) (*Response, error) {
	if err := s.transport.Send(ctx, msg); err != nil {
		return nil, &TransportError{Op: "send", Err: err}
	}
	parts, err := s.transport.Receive(ctx)
	if err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}
	resp, err := Split(parts)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}
	resp.TagOffset = s.options.TagOffset
	return resp, nil
}

func (s *Session) fail(err error) {
	s.broken = err
	result := resultTransport
	var pe *ProtocolError
	if errors.As(err, &pe) {
		result = resultProtocol
	}
	s.metrics.exchanges.WithLabelValues(result).Inc()
	s.options.Logger.Warn("session broken", "error", err)
}

// Close releases the transport. It does not wait for an in-flight exchange;
// closing the transport makes that exchange fail. It is safe to call more
// than once.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.options.Logger.Debug("session closed")
	return s.transport.Close()
}
