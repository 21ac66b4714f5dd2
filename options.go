package simctl

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultPort           = 1071
	DefaultStartupTimeout = 30 * time.Second
)

type Option func(*Options)

// Options configures sessions and the dialers that create their transports.
type Options struct {
	// StartupTimeout bounds connection establishment and the handshake.
	StartupTimeout time.Duration
	// ReceiveTimeout bounds one exchange. Zero leaves it to the caller's ctx.
	ReceiveTimeout time.Duration
	// TagOffset is where dispatch reads data frame tags.
	TagOffset int
	Limits    Limits

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Tracer     trace.Tracer

	// Schema, when set, validates every command before it is sent.
	Schema *Schema
	// Handshake is exchanged once by Connect before the session is returned.
	Handshake Batch
}

func defaultOptions() Options {
	return Options{
		StartupTimeout: DefaultStartupTimeout,
		TagOffset:      DefaultTagOffset,
		Limits: Limits{
			MaxFrames:    DefaultMaxFrames,
			MaxFrameSize: DefaultMaxFrameSize,
		},
		Logger: slog.New(slog.DiscardHandler),
		Tracer: noop.NewTracerProvider().Tracer("simctl"),
	}
}

func buildOptions(opts []Option) Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithStartupTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.StartupTimeout = d
		}
	}
}

func WithReceiveTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.ReceiveTimeout = d
		}
	}
}

// WithTagOffset sets where data frame tags are read, both by a Registry and
// by Response.Tags on responses a Session returns.
func WithTagOffset(offset int) Option {
	return func(o *Options) {
		if offset >= 0 {
			o.TagOffset = offset
		}
	}
}

func WithMaxFrames(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Limits.MaxFrames = n
		}
	}
}

func WithMaxFrameSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Limits.MaxFrameSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithRegisterer registers the session's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Options) {
		if t != nil {
			o.Tracer = t
		}
	}
}

func WithSchema(s *Schema) Option {
	return func(o *Options) {
		o.Schema = s
	}
}

func WithHandshake(cmds ...Command) Option {
	return func(o *Options) {
		o.Handshake = append(Batch{}, cmds...)
	}
}
