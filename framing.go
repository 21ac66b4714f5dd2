package simctl

import "encoding/binary"

// SentinelSize is the length of the final frame of every reply: a
// little-endian uint32 holding the build's step counter.
const SentinelSize = 4

// Frame is one opaque part of a reply.
type Frame []byte

// IsSentinel reports whether the frame satisfies the sentinel rule. Only the
// final frame of a reply is ever checked against it.
func IsSentinel(f Frame) bool {
	return len(f) == SentinelSize
}

// NewFrame builds a data frame the way the build lays one out: a 4-byte root
// offset, the tag, then the payload. Used by stubs and tests.
func NewFrame(tag Tag, payload []byte) Frame {
	f := make(Frame, DefaultTagOffset+TagWidth+len(payload))
	binary.LittleEndian.PutUint32(f, uint32(DefaultTagOffset+TagWidth))
	copy(f[DefaultTagOffset:], tag[:])
	copy(f[DefaultTagOffset+TagWidth:], payload)
	return f
}

// NewSentinel builds the final frame for the given step.
func NewSentinel(step uint32) Frame {
	f := make(Frame, SentinelSize)
	binary.LittleEndian.PutUint32(f, step)
	return f
}

// Response is the ordered list of frames returned by one exchange.
type Response struct {
	Frames []Frame
	// TagOffset is where Tags reads data frame tags. Sessions set it from
	// WithTagOffset.
	TagOffset int
}

// Len returns the total number of frames including the sentinel.
func (r *Response) Len() int { return len(r.Frames) }

// Data returns every frame before the sentinel, in emission order.
func (r *Response) Data() []Frame {
	if len(r.Frames) == 0 {
		return nil
	}
	return r.Frames[:len(r.Frames)-1]
}

// Sentinel returns the final frame.
func (r *Response) Sentinel() Frame {
	if len(r.Frames) == 0 {
		return nil
	}
	return r.Frames[len(r.Frames)-1]
}

// Step decodes the sentinel frame.
func (r *Response) Step() uint32 {
	s := r.Sentinel()
	if !IsSentinel(s) {
		return 0
	}
	return binary.LittleEndian.Uint32(s)
}

// Tags returns the tag of every data frame at r.TagOffset.
func (r *Response) Tags() ([]Tag, error) {
	return r.TagsAt(r.TagOffset)
}

// TagsAt returns the tag of every data frame at the given offset.
func (r *Response) TagsAt(offset int) ([]Tag, error) {
	data := r.Data()
	tags := make([]Tag, len(data))
	for i, f := range data {
		t, err := PeekTagAt(f, offset)
		if err != nil {
			return nil, err
		}
		tags[i] = t
	}
	return tags, nil
}

// Split turns the parts of one inbound message into a Response. Data frames
// are kept in receipt order and never inspected; only the final part is
// checked against the sentinel rule.
func Split(parts [][]byte) (*Response, error) {
	if len(parts) == 0 {
		return nil, ErrEmptyMessage
	}
	if !IsSentinel(parts[len(parts)-1]) {
		return nil, ErrMissingSentinel
	}
	frames := make([]Frame, len(parts))
	for i, p := range parts {
		frames[i] = p
	}
	return &Response{Frames: frames, TagOffset: DefaultTagOffset}, nil
}
