package btcnet

import (
	"context"
	"net"
	"sync"

	"github.com/eapache/queue"

	"github.com/NirvanaNimbusa/libbtcnet/metrics"
)

// readBufferSize is the size of a single read from the socket.
const readBufferSize = 64 * 1024

// streamCallbacks is how a stream reports back to its connection. Every
// callback is delivered on the event goroutine via the queue.
type streamCallbacks struct {
	// onRead delivers a freshly read chunk.
	onRead func(data []byte)

	// onWriteBufferFull fires when the pending write buffer crosses the
	// high-water mark; onWriteBufferReady when it drains below the
	// low-water mark.
	onWriteBufferFull  func(size int)
	onWriteBufferReady func(size int)

	// onClosed fires exactly once when the stream dies. local is true for
	// locally initiated closes (abrupt or after a graceful flush), false
	// when the peer disconnected or the socket failed.
	onClosed func(local bool, err error)
}

// stream is a buffered bidirectional byte pipe over a net.Conn. A read pump
// and a write pump own the socket; Write, Close variants and the pause
// switches are safe from any goroutine, which is what the handler's
// foreign-thread bridge relies on.
type stream struct {
	conn   net.Conn
	q      *eventQueue
	bucket *bucket
	cbs    streamCallbacks

	ctx       context.Context
	cancelCtx context.CancelFunc

	highWater int
	lowWater  int

	mu           sync.Mutex
	pending      *queue.Queue // of []byte
	pendingBytes int
	aboveHigh    bool
	flushClose   bool
	dead         bool
	readPaused   bool

	wakeWrite  chan struct{}
	resumeRead chan struct{}
	quit       chan struct{}

	closedOnce sync.Once
}

func newStream(conn net.Conn, q *eventQueue, bucket *bucket, highWater, lowWater int, cbs streamCallbacks) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		conn:       conn,
		q:          q,
		bucket:     bucket,
		cbs:        cbs,
		ctx:        ctx,
		cancelCtx:  cancel,
		highWater:  highWater,
		lowWater:   lowWater,
		pending:    queue.New(),
		wakeWrite:  make(chan struct{}, 1),
		resumeRead: make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}
}

func (s *stream) start() {
	spawn(s.readPump)
	spawn(s.writePump)
}

// Write queues data for delivery and reports whether the stream accepted it.
// Writes are refused once a close has been requested.
func (s *stream) Write(data []byte) bool {
	s.mu.Lock()
	if s.dead || s.flushClose {
		s.mu.Unlock()
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.pending.Add(buf)
	s.pendingBytes += len(buf)
	size := s.pendingBytes
	crossedHigh := !s.aboveHigh && size >= s.highWater
	if crossedHigh {
		s.aboveHigh = true
	}
	s.mu.Unlock()

	select {
	case s.wakeWrite <- struct{}{}:
	default:
	}
	if crossedHigh && s.cbs.onWriteBufferFull != nil {
		s.q.post(func() { s.cbs.onWriteBufferFull(size) })
	}
	return true
}

// closeNow tears the stream down immediately, discarding buffered bytes.
func (s *stream) closeNow() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
	s.teardown(true, nil)
}

// closeAfterFlush stops accepting writes and tears the stream down once the
// pending buffer has drained.
func (s *stream) closeAfterFlush() {
	s.mu.Lock()
	s.flushClose = true
	s.mu.Unlock()
	select {
	case s.wakeWrite <- struct{}{}:
	default:
	}
}

func (s *stream) pauseRecv() {
	s.mu.Lock()
	s.readPaused = true
	s.mu.Unlock()
}

func (s *stream) unpauseRecv() {
	s.mu.Lock()
	s.readPaused = false
	s.mu.Unlock()
	select {
	case s.resumeRead <- struct{}{}:
	default:
	}
}

// teardown closes the socket, cancels rate waits and emits onClosed exactly
// once.
func (s *stream) teardown(local bool, err error) {
	s.closedOnce.Do(func() {
		s.mu.Lock()
		s.dead = true
		s.mu.Unlock()
		s.cancelCtx()
		close(s.quit)
		_ = s.conn.Close()
		s.q.post(func() { s.cbs.onClosed(local, err) })
	})
}

func (s *stream) readPump() {
	buf := make([]byte, readBufferSize)
	for {
		s.mu.Lock()
		paused := s.readPaused
		s.mu.Unlock()
		if paused {
			select {
			case <-s.resumeRead:
				continue
			case <-s.quit:
				return
			}
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			if waitErr := s.bucket.waitRead(s.ctx, n); waitErr != nil {
				return
			}
			metrics.BytesRead.Add(float64(n))
			data := make([]byte, n)
			copy(data, buf[:n])
			s.q.post(func() { s.cbs.onRead(data) })
		}
		if err != nil {
			s.teardown(false, err)
			return
		}
	}
}

func (s *stream) writePump() {
	for {
		select {
		case <-s.wakeWrite:
		case <-s.quit:
			return
		}

		for {
			s.mu.Lock()
			if s.pending.Length() == 0 {
				flush := s.flushClose
				s.mu.Unlock()
				if flush {
					s.teardown(true, nil)
					return
				}
				break
			}
			chunk := s.pending.Remove().([]byte)
			s.mu.Unlock()

			if err := s.bucket.waitWrite(s.ctx, len(chunk)); err != nil {
				return
			}
			if _, err := s.conn.Write(chunk); err != nil {
				s.teardown(false, err)
				return
			}
			metrics.BytesWritten.Add(float64(len(chunk)))

			s.mu.Lock()
			s.pendingBytes -= len(chunk)
			size := s.pendingBytes
			crossedLow := s.aboveHigh && size <= s.lowWater
			if crossedLow {
				s.aboveHigh = false
			}
			s.mu.Unlock()
			if crossedLow && s.cbs.onWriteBufferReady != nil {
				s.q.post(func() { s.cbs.onWriteBufferReady(size) })
			}
		}
	}
}
