package pty

import "time"

// DefaultMaxChunks bounds each session's diagnostic buffer.
const DefaultMaxChunks = 10_000

// Chunk is one PTY read, timestamped at arrival. Stream is always "stdout"
// because a PTY merges the two streams; the field exists so the wire shape
// can differentiate later without breaking consumers.
type Chunk struct {
	Data      []byte    `json:"data"`
	Stream    string    `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
}

// ringBuffer keeps the most recent chunks of one session's output. Not
// goroutine safe; the owning Manager serializes access.
type ringBuffer struct {
	chunks []Chunk
	start  int
	count  int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = DefaultMaxChunks
	}
	return &ringBuffer{chunks: make([]Chunk, capacity)}
}

// append adds a chunk, dropping the oldest when full.
func (b *ringBuffer) append(c Chunk) {
	if b.count < len(b.chunks) {
		b.chunks[(b.start+b.count)%len(b.chunks)] = c
		b.count++
		return
	}
	b.chunks[b.start] = c
	b.start = (b.start + 1) % len(b.chunks)
}

// snapshot returns the buffered chunks oldest first.
func (b *ringBuffer) snapshot() []Chunk {
	out := make([]Chunk, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.chunks[(b.start+i)%len(b.chunks)]
	}
	return out
}

func (b *ringBuffer) len() int { return b.count }
