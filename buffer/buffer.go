// Package buffer implements a growable, append-only byte region with
// prepend slack, modeled on the muduo-style network buffer: a single
// contiguous backing array split into a reserved head, a readable region,
// and a writable tail, grown or compacted in place rather than reallocated
// on every read/write.
package buffer

import (
	"errors"

	"golang.org/x/sys/unix"
)

// DefaultPrependSlack is the minimum head room reserved ahead of the
// readable region, enough to prepend a frame header without relocation.
const DefaultPrependSlack = 8

// initialCapacity is the backing array size for a freshly constructed Buffer.
const initialCapacity = 1024

// stackBufSize is the size of the caller-local overflow vector used by
// ReadFromFD's scatter read.
const stackBufSize = 65536

// Buffer is a growable byte region with three indices:
// readerIndex <= writerIndex <= len(buf). readerIndex starts at
// prependSlack and moves below it only through Prepend.
type Buffer struct {
	buf          []byte
	readerIndex  int
	writerIndex  int
	prependSlack int
}

// New constructs a Buffer with the default prepend slack and capacity.
func New() *Buffer {
	return NewSize(initialCapacity)
}

// NewSize constructs a Buffer with the given initial capacity.
func NewSize(capacity int) *Buffer {
	if capacity < DefaultPrependSlack {
		capacity = DefaultPrependSlack
	}
	return &Buffer{
		buf:          make([]byte, capacity),
		readerIndex:  DefaultPrependSlack,
		writerIndex:  DefaultPrependSlack,
		prependSlack: DefaultPrependSlack,
	}
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the number of bytes available to write without growing.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the current head room ahead of the readable region.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns a view of the readable region without consuming it.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// Retrieve advances the read cursor by n bytes, discarding them.
// Once the buffer is fully drained, both indices reset to the slack offset
// so repeated small reads don't walk the cursor to the end of the array.
func (b *Buffer) Retrieve(n int) {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	b.readerIndex += n
	if b.readerIndex == b.writerIndex {
		b.readerIndex = b.prependSlack
		b.writerIndex = b.prependSlack
	}
}

// RetrieveAllAsString drains the entire readable region and returns it as a string.
func (b *Buffer) RetrieveAllAsString() string {
	s := string(b.Peek())
	b.Retrieve(b.ReadableBytes())
	return s
}

// Append writes data to the writable tail, growing or compacting as needed.
func (b *Buffer) Append(data []byte) {
	b.ensureWritable(len(data))
	copy(b.buf[b.writerIndex:], data)
	b.writerIndex += len(data)
}

// ErrPrependOverflow is returned by Prepend when data is larger than the
// currently available head room.
var ErrPrependOverflow = errors.New("buffer: prepend exceeds available slack")

// Prepend writes data immediately before the readable region. It requires
// len(data) <= PrependableBytes(); Buffer never relocates data to satisfy a
// Prepend, since the whole point of the reserved slack is to make this O(1).
func (b *Buffer) Prepend(data []byte) error {
	if len(data) > b.PrependableBytes() {
		return ErrPrependOverflow
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
	return nil
}

// ensureWritable grows or compacts the backing array so WritableBytes() >= n.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.PrependableBytes()-b.prependSlack+b.WritableBytes() >= n {
		// Compaction suffices: slide the readable region down to the slack
		// boundary instead of growing the backing array.
		readable := b.ReadableBytes()
		copy(b.buf[b.prependSlack:], b.buf[b.readerIndex:b.writerIndex])
		b.readerIndex = b.prependSlack
		b.writerIndex = b.readerIndex + readable
		return
	}
	newCap := len(b.buf)
	if newCap == 0 {
		newCap = initialCapacity
	}
	for newCap-b.writerIndex < n {
		newCap *= 2
	}
	grown := make([]byte, newCap)
	copy(grown, b.buf)
	b.buf = grown
}

// ReadFromFD performs one scatter read into the buffer's writable region,
// spilling any overflow beyond that region into a caller-local stack buffer
// and appending it. This bounds the syscall count to one per readiness
// event even when the incoming burst exceeds the buffer's current capacity,
// without pre-committing to an oversized buffer on every connection.
//
// Returns the number of bytes actually read. A nil error with n == 0 means
// the peer performed an orderly shutdown; EAGAIN/EWOULDBLOCK is reported as
// (0, nil) since it signals "no data ready", not a failure.
func (b *Buffer) ReadFromFD(fd int) (n int, err error) {
	var extra [stackBufSize]byte
	writable := b.buf[b.writerIndex:]

	iov := [][]byte{writable, extra[:]}
	if len(writable) == 0 {
		// No writable room at all: read straight into the stack buffer only.
		iov = iov[1:]
	}

	read, rerr := unix.Readv(fd, iov)
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, rerr
	}

	if read <= len(writable) {
		b.writerIndex += read
		return read, nil
	}

	b.writerIndex += len(writable)
	overflow := read - len(writable)
	b.Append(extra[:overflow])
	return read, nil
}
