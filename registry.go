package simctl

import (
	"context"
	"fmt"
	"sync"
)

// FrameHandler decodes one data frame. It must not retain frame after
// returning unless it copies it.
type FrameHandler func(ctx context.Context, tag Tag, frame Frame) error

// Registry maps frame tags to the handlers that understand their layout.
type Registry interface {
	Register(tag Tag, h FrameHandler) error
	Execute(ctx context.Context, frame Frame) error
	Dispatch(ctx context.Context, resp *Response) error
}

type registryImpl struct {
	handlers map[Tag]FrameHandler
	offset   int
	mu       sync.RWMutex
}

func (r *registryImpl) Register(tag Tag, h FrameHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[tag]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyExists, tag)
	}
	r.handlers[tag] = h
	return nil
}

// Execute runs the handler for frame's tag.
func (r *registryImpl) Execute(ctx context.Context, frame Frame) error {
	tag, err := PeekTagAt(frame, r.offset)
	if err != nil {
		return err
	}
	r.mu.RLock()
	h, ok := r.handlers[tag]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, tag)
	}
	return h(ctx, tag, frame)
}

// Dispatch runs handlers for every data frame of resp in emission order.
// Frames with no registered handler are skipped; the first handler error
// stops dispatch.
func (r *registryImpl) Dispatch(ctx context.Context, resp *Response) error {
	for i, frame := range resp.Data() {
		tag, err := PeekTagAt(frame, r.offset)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		r.mu.RLock()
		h, ok := r.handlers[tag]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := h(ctx, tag, frame); err != nil {
			return fmt.Errorf("frame %d (%s): %w", i, tag, err)
		}
	}
	return nil
}

// NewRegistry creates an empty registry. Only WithTagOffset applies.
func NewRegistry(opts ...Option) Registry {
	options := buildOptions(opts)
	return &registryImpl{
		handlers: make(map[Tag]FrameHandler),
		offset:   options.TagOffset,
	}
}
