package audio

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferFrames is the default [Stream] capacity in frames (1.6 s).
const DefaultBufferFrames = 50

// Stream is a bounded in-memory PCM buffer shared by one writer (the bridge
// or a local pump) and one reader (the detection loop).
//
// Writes never block. When a write would exceed capacity the oldest bytes are
// discarded, so the reader always sees the most recent audio. Reads are
// all-or-nothing: Read(n) returns n bytes, or a shorter slice without
// consuming anything when fewer than n bytes are buffered.
//
// Stream is safe for concurrent use.
type Stream struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	dropped atomic.Uint64
}

// NewStream returns a Stream holding at most frames detection frames.
// Non-positive values select [DefaultBufferFrames].
func NewStream(frames int) *Stream {
	if frames <= 0 {
		frames = DefaultBufferFrames
	}
	limit := frames * FrameBytes
	return &Stream{
		buf:   make([]byte, 0, limit),
		limit: limit,
	}
}

// Write appends p, discarding the oldest buffered bytes on overflow. It always
// reports len(p) bytes written and a nil error so it can sit behind io.Copy.
func (s *Stream) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Keep sample alignment when trimming: drop whole samples only.
	if n > s.limit {
		drop := n - s.limit
		drop += drop % 2
		s.dropped.Add(uint64(drop + len(s.buf)))
		p = p[drop:]
		s.buf = s.buf[:0]
	}
	if over := len(s.buf) + len(p) - s.limit; over > 0 {
		over += over % 2
		if over > len(s.buf) {
			over = len(s.buf)
		}
		s.dropped.Add(uint64(over))
		s.buf = append(s.buf[:0], s.buf[over:]...)
	}
	s.buf = append(s.buf, p...)
	return n, nil
}

// Read returns the next n bytes. When fewer than n bytes are buffered it
// returns whatever is available without consuming it; callers treat that as
// a partial frame and retry later.
func (s *Stream) Read(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) < n {
		out := make([]byte, len(s.buf))
		copy(out, s.buf)
		return out
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	s.buf = append(s.buf[:0], s.buf[n:]...)
	return out
}

// Buffered returns the number of bytes currently held.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Dropped returns the total number of bytes discarded due to overflow.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Reset discards all buffered audio. The bridge calls it when the device
// reconnects so stale audio from the previous connection is not processed.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = s.buf[:0]
}
