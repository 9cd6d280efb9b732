package server

import "sync"

// bodyStream carries a streamed response body from the control-channel read
// loop to the public response writer. The producer (read loop) enqueues
// chunks and finishes the stream exactly once; the consumer pulls chunks
// with next and applies backpressure by pulling slowly.
type bodyStream struct {
	requestID string
	totalSize int64 // 0 when unknown (SSE)

	chunks   chan []byte
	finished chan struct{} // closed by finish
	done     chan struct{} // closed when the consumer goes away

	finishOnce sync.Once
	doneOnce   sync.Once

	mu  sync.Mutex
	err error

	// pendingChunk is non-nil iff the last control message for this stream
	// was a chunk header whose binary frame has not arrived yet. Guarded by
	// the owning tunnel's mutex, not by mu.
	pendingChunk *int
}

func newBodyStream(requestID string, totalSize int64) *bodyStream {
	return &bodyStream{
		requestID: requestID,
		totalSize: totalSize,
		chunks:    make(chan []byte, 16),
		finished:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// enqueue hands a chunk to the consumer, blocking until it is accepted.
// Returns false if the stream terminated or the consumer went away.
func (s *bodyStream) enqueue(b []byte) bool {
	select {
	case s.chunks <- b:
		return true
	case <-s.done:
		return false
	case <-s.finished:
		return false
	}
}

// next returns the next chunk. ok is false once the stream has terminated
// and every buffered chunk has been delivered, or the consumer cancelled.
func (s *bodyStream) next() ([]byte, bool) {
	select {
	case b := <-s.chunks:
		return b, true
	case <-s.finished:
		select {
		case b := <-s.chunks:
			return b, true
		default:
			return nil, false
		}
	case <-s.done:
		return nil, false
	}
}

// finish terminates the stream: err == nil is a clean end, anything else an
// abort. Only the first call wins.
func (s *bodyStream) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.finished)
	})
}

// cancel is called by the consumer when it stops reading (public client
// disconnected). Unblocks any producer stuck in enqueue.
func (s *bodyStream) cancel() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Err returns the abort error, if any, once next has returned false.
func (s *bodyStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
