package simctl

import "fmt"

const (
	// TagWidth is the number of bytes in a frame tag.
	TagWidth = 4
	// DefaultTagOffset is where the build writes the tag: the flatbuffer
	// file identifier slot, right after the 4-byte root offset.
	DefaultTagOffset = 4
)

// Tag identifies the payload layout of a data frame.
type Tag [TagWidth]byte

func (t Tag) String() string { return string(t[:]) }

// ParseTag converts a 4-character ASCII identifier to a Tag.
func ParseTag(s string) (Tag, error) {
	var t Tag
	if len(s) != TagWidth {
		return t, fmt.Errorf("%w: %q is not %d bytes", ErrInvalidTag, s, TagWidth)
	}
	for i := 0; i < TagWidth; i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return t, fmt.Errorf("%w: %q is not printable ASCII", ErrInvalidTag, s)
		}
		t[i] = s[i]
	}
	return t, nil
}

// MustTag is like ParseTag but panics on error. Intended for package-level
// tag tables.
func MustTag(s string) Tag {
	t, err := ParseTag(s)
	if err != nil {
		panic(err)
	}
	return t
}

// PeekTag reads the tag of a data frame at DefaultTagOffset.
func PeekTag(frame Frame) (Tag, error) {
	return PeekTagAt(frame, DefaultTagOffset)
}

// PeekTagAt reads the tag at the given offset. The frame is not modified
// and nothing is allocated.
func PeekTagAt(frame Frame, offset int) (Tag, error) {
	var t Tag
	if offset < 0 || len(frame) < offset+TagWidth {
		return t, ErrFrameTooShort
	}
	copy(t[:], frame[offset:offset+TagWidth])
	return t, nil
}
