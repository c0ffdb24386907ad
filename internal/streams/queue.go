package streams

import (
	"io"
	"sync"
)

// Queue is an unbounded in-memory byte channel. Writes never block; reads
// block until data arrives or the queue is closed. It backs session stdin and
// the per-fd output channels of remote processes.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
	err    error
}

// NewQueue returns an empty open queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, io.ErrClosedPipe
	}
	q.buf = append(q.buf, p...)
	q.cond.Broadcast()
	return len(p), nil
}

func (q *Queue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		if q.err != nil {
			return 0, q.err
		}
		return 0, io.EOF
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	if len(q.buf) == 0 {
		q.buf = nil
	}
	return n, nil
}

// Close marks end of stream; buffered data is still readable.
func (q *Queue) Close() error {
	return q.CloseWithError(nil)
}

// CloseWithError makes readers see err (or io.EOF when nil) once drained.
func (q *Queue) CloseWithError(err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.err = err
		q.cond.Broadcast()
	}
	return nil
}

// Discard drops buffered data and closes the queue.
func (q *Queue) Discard() {
	q.mu.Lock()
	q.buf = nil
	q.mu.Unlock()
	_ = q.Close()
}

// Len reports buffered bytes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
