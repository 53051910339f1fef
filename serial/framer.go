package serial

import (
	"bytes"
)

// DefaultMaxFrame bounds the bytes buffered while waiting for a delimiter.
const DefaultMaxFrame = 64 * 1024

// Framer splits a byte stream into delimiter terminated frames. Partial
// frames stay buffered until their delimiter arrives. It is not safe for
// concurrent use.
type Framer struct {
	delim   []byte
	max     int
	buf     []byte
	dropped int
}

// NewFramer creates a framer. An empty delimiter means "\n".
func NewFramer(delim []byte, maxSize int) *Framer {
	if len(delim) == 0 {
		delim = []byte("\n")
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrame
	}
	return &Framer{delim: delim, max: maxSize}
}

// Push appends p and returns the frames it completed, without delimiters.
// With a "\n" delimiter a trailing "\r" is stripped as well. Empty frames are
// skipped.
func (f *Framer) Push(p []byte) [][]byte {
	f.buf = append(f.buf, p...)

	var frames [][]byte
	for {
		i := bytes.Index(f.buf, f.delim)
		if i < 0 {
			break
		}
		frame := f.buf[:i]
		if len(f.delim) == 1 && f.delim[0] == '\n' {
			frame = bytes.TrimSuffix(frame, []byte("\r"))
		}
		if len(frame) > 0 {
			frames = append(frames, append([]byte(nil), frame...))
		}
		f.buf = f.buf[i+len(f.delim):]
	}

	if len(f.buf) > f.max {
		f.buf = nil
		f.dropped++
	} else if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Buffered returns the size of the pending partial frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Dropped counts partial frames discarded for exceeding the size bound.
func (f *Framer) Dropped() int {
	return f.dropped
}

// Reset discards any partial frame.
func (f *Framer) Reset() {
	f.buf = nil
}
