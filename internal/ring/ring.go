// Package ring implements a fixed-capacity, single-producer/single-consumer
// byte ring buffer used to bridge a datagram receive path and a realtime
// audio callback. The only shared mutable state is a pair of atomic
// monotonic counters; the buffer body itself is touched by exactly one
// goroutine on each side.
package ring

import (
	"sync/atomic"
)

// Buffer is a fixed-capacity SPSC byte ring. One goroutine must call Write
// (and the Writer/AdvanceWriter pair); a different single goroutine must
// call Read (and the Reader/AdvanceReader pair). Calling either role from
// more than one goroutine concurrently is undefined.
//
// readIdx and writeIdx are monotonic counters taken modulo 2*capacity, so
// that fill = writeIdx - readIdx and free = capacity - fill are well
// defined without a separate full/empty flag.
type Buffer struct {
	buf      []byte
	capacity uint64

	writeIdx atomic.Uint64
	readIdx  atomic.Uint64
}

// New creates a Buffer with the given capacity in bytes. Capacity must be
// greater than zero.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer{
		buf:      make([]byte, capacity),
		capacity: uint64(capacity),
	}
}

// Capacity returns the buffer's fixed capacity in bytes.
func (b *Buffer) Capacity() int {
	return int(b.capacity)
}

// Fill returns the number of bytes currently queued for reading.
func (b *Buffer) Fill() int {
	w := b.writeIdx.Load()
	r := b.readIdx.Load()
	return int(modDiff(w, r, b.capacity))
}

// Free returns the number of bytes available for writing without
// overwriting unread data.
func (b *Buffer) Free() int {
	return int(b.capacity) - b.Fill()
}

// Writer returns a contiguous slice of the underlying storage the caller
// may write into, or nil when the buffer is full. The returned
// slice may be shorter than Free() when the free region wraps past the end
// of the physical buffer; the caller must call Writer again after
// AdvanceWriter to obtain the remainder.
func (b *Buffer) Writer() []byte {
	free := b.Free()
	if free == 0 {
		return nil
	}
	start := b.writeIdx.Load() % b.capacity
	end := start + uint64(free)
	if end > b.capacity {
		end = b.capacity
	}
	return b.buf[start:end]
}

// AdvanceWriter commits n bytes written via the slice returned by Writer.
// It releases those bytes to the reader.
func (b *Buffer) AdvanceWriter(n int) {
	b.writeIdx.Store(addMod(b.writeIdx.Load(), uint64(n), b.capacity))
}

// Reader returns a contiguous slice of unread storage, or nil when nothing
// is queued. As with Writer, the slice may be shorter than
// Fill() at a wrap boundary; call Reader again after AdvanceReader.
func (b *Buffer) Reader() []byte {
	fill := b.Fill()
	if fill == 0 {
		return nil
	}
	start := b.readIdx.Load() % b.capacity
	end := start + uint64(fill)
	if end > b.capacity {
		end = b.capacity
	}
	return b.buf[start:end]
}

// AdvanceReader commits n bytes consumed via the slice returned by Reader,
// freeing that space for the writer.
func (b *Buffer) AdvanceReader(n int) {
	b.readIdx.Store(addMod(b.readIdx.Load(), uint64(n), b.capacity))
}

// Write copies p into the buffer, wrapping as needed, and returns the
// number of bytes actually written: len(p) if there was room, otherwise
// Free() bytes with the remainder dropped. The caller is responsible for
// treating a short write as an overflow.
func (b *Buffer) Write(p []byte) int {
	written := 0
	for written < len(p) {
		dst := b.Writer()
		if len(dst) == 0 {
			break
		}
		n := copy(dst, p[written:])
		b.AdvanceWriter(n)
		written += n
	}
	return written
}

// Read copies up to len(p) queued bytes into p, wrapping as needed, and
// returns the number of bytes copied.
func (b *Buffer) Read(p []byte) int {
	read := 0
	for read < len(p) {
		src := b.Reader()
		if len(src) == 0 {
			break
		}
		n := copy(p[read:], src)
		b.AdvanceReader(n)
		read += n
	}
	return read
}

// ReadOrSilence behaves like Read, but zero-fills any remaining bytes of p
// instead of returning a short count. This is the shape the realtime audio
// callback uses: a partially empty ring becomes silence, never an
// underrun abort.
func (b *Buffer) ReadOrSilence(p []byte) {
	n := b.Read(p)
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
}

// modDiff returns (w - r) taken modulo 2*capacity, interpreted as an
// unsigned difference in [0, capacity].
func modDiff(w, r, capacity uint64) uint64 {
	m := 2 * capacity
	return (w - r + m) % m
}

// addMod advances idx by n modulo 2*capacity.
func addMod(idx, n, capacity uint64) uint64 {
	m := 2 * capacity
	return (idx + n) % m
}
