// Package reassembly rebuilds logical messages from transport fragments.
package reassembly

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrMismatch means a fragment did not fit the message being built.
	// The fragment is dropped; callers log it and carry on.
	ErrMismatch = errors.New("reassembly: unexpected fragment")
	// ErrTransportRead is returned once a block read exhausted its retries.
	ErrTransportRead = errors.New("reassembly: transport read failed")
)

// Assembler accumulates fragments of one channel.
type Assembler interface {
	// Add appends a fragment. When the message is complete it is returned
	// with done set and the assembler is ready for the next message.
	Add(fragment []byte) (msg []byte, done bool, err error)
	// Pending reports how many bytes are buffered.
	Pending() int
	Reset()
}

// Fixed assembles messages of a known total length. A fragment of size
// First always starts a new message, discarding anything buffered.
type Fixed struct {
	Total int
	First int

	buf bytes.Buffer
}

// NewFixed returns a Fixed assembler.
func NewFixed(total, first int) *Fixed {
	return &Fixed{Total: total, First: first}
}

// Add implements Assembler.
func (f *Fixed) Add(fragment []byte) ([]byte, bool, error) {
	switch {
	case len(fragment) == f.First:
		f.buf.Reset()
	case f.buf.Len() == 0:
		return nil, false, fmt.Errorf("%w: %d bytes with no message in progress", ErrMismatch, len(fragment))
	}

	if f.buf.Len()+len(fragment) > f.Total {
		n := f.buf.Len()
		f.Reset()
		return nil, false, fmt.Errorf("%w: %d bytes overflow %d of %d", ErrMismatch, len(fragment), n, f.Total)
	}

	f.buf.Write(fragment)
	if f.buf.Len() < f.Total {
		return nil, false, nil
	}

	msg := make([]byte, f.buf.Len())
	copy(msg, f.buf.Bytes())
	f.Reset()
	return msg, true, nil
}

// Pending implements Assembler.
func (f *Fixed) Pending() int { return f.buf.Len() }

// Reset implements Assembler.
func (f *Fixed) Reset() { f.buf.Reset() }

// ChunkSize is the size of a framed BLE notification: one sequence byte
// followed by up to 19 payload bytes.
const ChunkSize = 20

// StreamSize is the number of bytes on the wire for a payload of n bytes
// sent as ChunkSize-byte chunks, as announced by a security event.
func StreamSize(n int) int {
	return n + n/ChunkSize + 1
}

// Stream assembles a message whose length is announced out of band.
// Fragments arriving before Expect are mismatches.
type Stream struct {
	expected int
	buf      bytes.Buffer
}

// NewStream returns an idle Stream.
func NewStream() *Stream {
	return &Stream{}
}

// Expect arms the stream for a payload of n bytes framed in chunks.
func (s *Stream) Expect(n int) {
	s.ExpectRaw(StreamSize(n))
}

// ExpectRaw arms the stream for exactly n bytes on the wire.
func (s *Stream) ExpectRaw(n int) {
	s.buf.Reset()
	s.expected = n
}

// Expected returns the armed length, 0 when idle.
func (s *Stream) Expected() int { return s.expected }

// Add implements Assembler.
func (s *Stream) Add(fragment []byte) ([]byte, bool, error) {
	if s.expected == 0 {
		return nil, false, fmt.Errorf("%w: %d bytes with no length announced", ErrMismatch, len(fragment))
	}
	if s.buf.Len()+len(fragment) > s.expected {
		want := s.expected
		s.Reset()
		return nil, false, fmt.Errorf("%w: stream overflows %d bytes", ErrMismatch, want)
	}

	s.buf.Write(fragment)
	if s.buf.Len() < s.expected {
		return nil, false, nil
	}

	msg := make([]byte, s.buf.Len())
	copy(msg, s.buf.Bytes())
	s.Reset()
	return msg, true, nil
}

// Pending implements Assembler.
func (s *Stream) Pending() int { return s.buf.Len() }

// Reset implements Assembler. The stream returns to idle.
func (s *Stream) Reset() {
	s.buf.Reset()
	s.expected = 0
}

// Payload strips the leading sequence byte of every chunk.
func Payload(stream []byte) []byte {
	out := make([]byte, 0, len(stream))
	for off := 0; off < len(stream); off += ChunkSize {
		end := off + ChunkSize
		if end > len(stream) {
			end = len(stream)
		}
		out = append(out, stream[off+1:end]...)
	}
	return out
}

// MaxWriteChunk is the payload carried by each offset-framed write.
const MaxWriteChunk = 18

// Split frames data for writing: each packet carries a little-endian
// 2-byte offset followed by up to MaxWriteChunk bytes.
func Split(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	packets := make([][]byte, 0, (len(data)-1)/MaxWriteChunk+1)
	for off := 0; off < len(data); off += MaxWriteChunk {
		end := off + MaxWriteChunk
		if end > len(data) {
			end = len(data)
		}
		p := make([]byte, 0, 2+end-off)
		p = append(p, byte(off), byte(off>>8))
		p = append(p, data[off:end]...)
		packets = append(packets, p)
	}
	return packets
}

// Join reverses Split, placing each packet at its announced offset.
func Join(packets [][]byte) ([]byte, error) {
	var out []byte
	for _, p := range packets {
		if len(p) < 2 {
			return nil, fmt.Errorf("%w: packet of %d bytes", ErrMismatch, len(p))
		}
		off := int(p[0]) | int(p[1])<<8
		if off != len(out) {
			return nil, fmt.Errorf("%w: offset %d, have %d bytes", ErrMismatch, off, len(out))
		}
		out = append(out, p[2:]...)
	}
	return out, nil
}
