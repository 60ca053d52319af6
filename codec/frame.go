// Package codec implements the delimiter framing and payload codecs used on
// a connection.
//
// A connection starts with DelimiterLen bytes written by the accepting side.
// Those bytes become the Delimiter, and every payload after that is
// terminated by it:
//
//	[delimiter][payload][delimiter][payload][delimiter]...
//
// Payload bytes are not escaped. A payload that happens to contain the
// delimiter sequence will be split in two and framing will not recover, so
// a random delimiter per connection is what keeps collisions unlikely.
package codec

import (
	"bytes"
)

// Framer reconstructs frames from an arbitrarily fragmented byte stream.
// Bytes are fed with Write and complete frames are drained with Next.
// A Framer is not safe for concurrent use.
type Framer struct {
	delim []byte
	buf   []byte
}

// NewFramer returns a Framer using d as delimiter. If d is nil the first
// DelimiterLen bytes written become the delimiter.
func NewFramer(d *Delimiter) *Framer {
	f := &Framer{}
	if d != nil {
		f.delim = append([]byte(nil), d[:]...)
	}
	return f
}

// Delimiter returns the delimiter and whether it has been fully received.
func (f *Framer) Delimiter() (Delimiter, bool) {
	var d Delimiter
	if len(f.delim) < DelimiterLen {
		return d, false
	}
	copy(d[:], f.delim)
	return d, true
}

// SetDelimiter sets the delimiter when this side originates it.
func (f *Framer) SetDelimiter(d Delimiter) error {
	if len(f.delim) > 0 {
		return ErrDelimiterSet
	}
	f.delim = append([]byte(nil), d[:]...)
	return nil
}

// Write feeds stream bytes to the framer. It never returns an error.
func (f *Framer) Write(p []byte) (int, error) {
	n := len(p)
	if rem := DelimiterLen - len(f.delim); rem > 0 {
		if rem > len(p) {
			rem = len(p)
		}
		f.delim = append(f.delim, p[:rem]...)
		p = p[rem:]
	}
	f.buf = append(f.buf, p...)
	return n, nil
}

// Next returns the next complete frame, if any. The returned slice is owned
// by the caller.
func (f *Framer) Next() ([]byte, bool) {
	if len(f.delim) < DelimiterLen {
		return nil, false
	}
	idx := bytes.Index(f.buf, f.delim)
	if idx < 0 {
		return nil, false
	}
	frame := make([]byte, idx)
	copy(frame, f.buf[:idx])
	f.buf = f.buf[idx+DelimiterLen:]
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frame, true
}

// Buffered returns the number of bytes waiting for a delimiter.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// AppendFrame appends payload terminated by d to dst.
func AppendFrame(dst, payload []byte, d Delimiter) []byte {
	dst = append(dst, payload...)
	return append(dst, d[:]...)
}
