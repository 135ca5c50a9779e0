package audio

import (
	"io"
	"sync"
)

// StreamBuffer is a bounded FIFO byte buffer bridging a network stream
// and an audio device. Reads block until data arrives, writes block while
// the buffer is full, and closing releases both sides. Blocking reads
// keep a playback device from starving on short network reads.
type StreamBuffer struct {
	mu       sync.Mutex
	readable *sync.Cond
	writable *sync.Cond
	buf      []byte
	size     int
	read     int
	write    int
	count    int
	closed   bool
	err      error
}

// NewStreamBuffer creates a stream buffer with the specified capacity in
// bytes
func NewStreamBuffer(size int) *StreamBuffer {
	if size <= 0 {
		size = 64 * 1024
	}
	sb := &StreamBuffer{
		buf:  make([]byte, size),
		size: size,
	}
	sb.readable = sync.NewCond(&sb.mu)
	sb.writable = sync.NewCond(&sb.mu)
	return sb
}

// Write copies data into the buffer, blocking while it is full. It
// returns an error once the buffer has been closed.
func (sb *StreamBuffer) Write(data []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	written := 0
	for written < len(data) {
		for sb.count == sb.size && !sb.closed {
			sb.writable.Wait()
		}
		if sb.closed {
			return written, io.ErrClosedPipe
		}

		n := sb.copyIn(data[written:])
		written += n
		sb.readable.Signal()
	}
	return written, nil
}

// Read copies buffered data into p, blocking until data is available or
// the buffer is closed. After close it drains remaining data, then
// returns the close error (io.EOF for a clean close).
func (sb *StreamBuffer) Read(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for sb.count == 0 {
		if sb.closed {
			if sb.err != nil {
				return 0, sb.err
			}
			return 0, io.EOF
		}
		sb.readable.Wait()
	}

	n := sb.copyOut(p)
	sb.writable.Signal()
	return n, nil
}

// copyIn writes as much of data as fits, handling wraparound
func (sb *StreamBuffer) copyIn(data []byte) int {
	n := 0
	for n < len(data) && sb.count < sb.size {
		run := sb.size - sb.write
		if sb.read > sb.write {
			run = sb.read - sb.write
		}
		if free := sb.size - sb.count; run > free {
			run = free
		}
		if want := len(data) - n; run > want {
			run = want
		}

		c := copy(sb.buf[sb.write:sb.write+run], data[n:n+run])
		if c == 0 {
			break
		}
		sb.write = (sb.write + c) % sb.size
		sb.count += c
		n += c
	}
	return n
}

// copyOut reads as much buffered data as fits in p, handling wraparound
func (sb *StreamBuffer) copyOut(p []byte) int {
	n := 0
	for n < len(p) && sb.count > 0 {
		end := sb.read + sb.count
		if end > sb.size {
			end = sb.size
		}
		c := copy(p[n:], sb.buf[sb.read:end])
		if c == 0 {
			break
		}
		sb.read = (sb.read + c) % sb.size
		sb.count -= c
		n += c
	}
	return n
}

// Close marks the buffer closed; readers drain what remains, then see
// io.EOF
func (sb *StreamBuffer) Close() error {
	return sb.CloseWithError(nil)
}

// CloseWithError closes the buffer and arranges for readers to receive
// err once drained. A nil err is reported as io.EOF.
func (sb *StreamBuffer) CloseWithError(err error) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.closed {
		return nil
	}
	sb.closed = true
	sb.err = err
	sb.readable.Broadcast()
	sb.writable.Broadcast()
	return nil
}

// Buffered returns the number of bytes available to read
func (sb *StreamBuffer) Buffered() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.count
}
