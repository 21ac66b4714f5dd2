// Package stub is an in-process stand-in for the simulator build. It decodes
// command batches, asks a Replier for data frames and appends the sentinel,
// over any of the transports the client speaks.
package stub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TheAlpha16/simctl-go"
)

// ErrDrop tells a listener to close the connection instead of replying.
var ErrDrop = errors.New("stub: drop connection")

// EchoTag marks the frames produced by EchoReplier.
var EchoTag = simctl.MustTag("echo")

// Replier produces the data frames for one step. The sentinel is appended
// by the server.
type Replier func(step uint32, batch simctl.Batch) ([]simctl.Frame, error)

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server holds the simulated step counter and records every batch it
// receives.
type Server struct {
	replier  Replier
	logger   *slog.Logger
	mu       sync.Mutex
	step     uint32
	requests []simctl.Batch
}

func NewServer(r Replier, opts ...Option) *Server {
	s := &Server{
		replier: r,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle answers one request message with the parts of its reply.
func (s *Server) Handle(msg []byte) ([][]byte, error) {
	batch, err := simctl.DecodeBatch(msg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, batch)
	frames, err := s.replier(s.step, batch)
	if err != nil {
		s.logger.Debug("stub not replying", "step", s.step, "error", err)
		return nil, err
	}
	s.step++

	parts := make([][]byte, 0, len(frames)+1)
	for _, f := range frames {
		parts = append(parts, f)
	}
	parts = append(parts, simctl.NewSentinel(s.step))
	s.logger.Debug("stub replied", "step", s.step, "commands", len(batch), "frames", len(parts))
	return parts, nil
}

// Requests returns the batches received so far, in order.
func (s *Server) Requests() []simctl.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]simctl.Batch, len(s.requests))
	copy(out, s.requests)
	return out
}

// Step returns the number of replies sent.
func (s *Server) Step() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// EchoReplier answers every command with one EchoTag frame holding the
// command's JSON.
func EchoReplier(_ uint32, batch simctl.Batch) ([]simctl.Frame, error) {
	frames := make([]simctl.Frame, 0, len(batch))
	for _, cmd := range batch {
		payload, err := json.Marshal(cmd)
		if err != nil {
			return nil, err
		}
		frames = append(frames, simctl.NewFrame(EchoTag, payload))
	}
	return frames, nil
}

// StaticReplier answers every step with the same data frames.
func StaticReplier(frames ...simctl.Frame) Replier {
	return func(uint32, simctl.Batch) ([]simctl.Frame, error) {
		return frames, nil
	}
}

// DropAfter answers n requests with r and drops the connection on the next.
func DropAfter(n int, r Replier) Replier {
	var mu sync.Mutex
	served := 0
	return func(step uint32, batch simctl.Batch) ([]simctl.Frame, error) {
		mu.Lock()
		defer mu.Unlock()
		if served >= n {
			return nil, fmt.Errorf("%w after %d replies", ErrDrop, n)
		}
		served++
		return r(step, batch)
	}
}

// Delay waits d before answering with r.
func Delay(d time.Duration, r Replier) Replier {
	return func(step uint32, batch simctl.Batch) ([]simctl.Frame, error) {
		time.Sleep(d)
		return r(step, batch)
	}
}
