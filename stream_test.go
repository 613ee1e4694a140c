package btcnet

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// runQueue starts a pump goroutine for a fresh event queue.
func runQueue(t *testing.T) (*eventQueue, func()) {
	t.Helper()
	q := newEventQueue(clock.New())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for q.pump(true) {
		}
	}()
	return q, func() {
		q.loopbreak()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("event queue did not drain")
		}
	}
}

type streamEvents struct {
	read   chan []byte
	full   chan int
	ready  chan int
	closed chan bool
}

func newStreamEvents() *streamEvents {
	return &streamEvents{
		read:   make(chan []byte, 64),
		full:   make(chan int, 8),
		ready:  make(chan int, 8),
		closed: make(chan bool, 1),
	}
}

func (e *streamEvents) callbacks() streamCallbacks {
	return streamCallbacks{
		onRead:             func(data []byte) { e.read <- data },
		onWriteBufferFull:  func(size int) { e.full <- size },
		onWriteBufferReady: func(size int) { e.ready <- size },
		onClosed:           func(local bool, err error) { e.closed <- local },
	}
}

// TestStreamWatermarks drives the outbound buffer across the high-water mark
// with a stalled reader, then drains it and expects exactly one full/ready
// pair.
func TestStreamWatermarks(t *testing.T) {
	q, stopQueue := runQueue(t)
	defer stopQueue()

	local, remote := net.Pipe()
	events := newStreamEvents()
	s := newStream(local, q, newBucket(RateLimit{}), 64, 16, events.callbacks())
	s.start()
	defer s.closeNow()

	chunk := make([]byte, 20)
	for i := 0; i < 5; i++ {
		require.True(t, s.Write(chunk))
	}

	select {
	case size := <-events.full:
		require.GreaterOrEqual(t, size, 64)
	case <-time.After(5 * time.Second):
		t.Fatal("no write-buffer-full event")
	}
	// No second full event until the buffer drained below the low-water
	// mark.
	select {
	case size := <-events.full:
		t.Fatalf("duplicate write-buffer-full event (%d bytes)", size)
	case <-time.After(50 * time.Millisecond):
	}

	drained := make(chan int64, 1)
	go func() {
		n, _ := io.Copy(io.Discard, remote)
		drained <- n
	}()

	select {
	case size := <-events.ready:
		require.LessOrEqual(t, size, 16)
	case <-time.After(5 * time.Second):
		t.Fatal("no write-buffer-ready event")
	}

	s.closeNow()
	require.Equal(t, int64(100), <-drained)
}

// TestStreamGracefulClose queues bytes, requests a flush close and verifies
// the peer observes every byte followed by EOF before the local close event
// fires.
func TestStreamGracefulClose(t *testing.T) {
	q, stopQueue := runQueue(t)
	defer stopQueue()

	local, remote := net.Pipe()
	events := newStreamEvents()
	s := newStream(local, q, newBucket(RateLimit{}), DefaultHighWaterMark, DefaultLowWaterMark, events.callbacks())
	s.start()

	payload := make([]byte, 4096)
	require.True(t, s.Write(payload))
	s.closeAfterFlush()

	// Writes after a graceful close are refused.
	require.False(t, s.Write(payload))

	received, err := io.ReadAll(remote)
	require.NoError(t, err)
	require.Len(t, received, len(payload))

	select {
	case local := <-events.closed:
		require.True(t, local)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
}

// TestStreamRemoteClose severs the remote end and expects a non-local close.
func TestStreamRemoteClose(t *testing.T) {
	q, stopQueue := runQueue(t)
	defer stopQueue()

	local, remote := net.Pipe()
	events := newStreamEvents()
	s := newStream(local, q, newBucket(RateLimit{}), DefaultHighWaterMark, DefaultLowWaterMark, events.callbacks())
	s.start()

	require.NoError(t, remote.Close())

	select {
	case local := <-events.closed:
		require.False(t, local)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not observe the remote close")
	}
}

// TestStreamPauseRecv holds the read pump paused while the peer writes and
// only sees the data after unpausing.
func TestStreamPauseRecv(t *testing.T) {
	q, stopQueue := runQueue(t)
	defer stopQueue()

	local, remote := net.Pipe()
	events := newStreamEvents()
	s := newStream(local, q, newBucket(RateLimit{}), DefaultHighWaterMark, DefaultLowWaterMark, events.callbacks())
	s.pauseRecv()
	s.start()
	defer s.closeNow()

	go func() {
		_, _ = remote.Write([]byte("delayed"))
	}()

	select {
	case data := <-events.read:
		t.Fatalf("read %q while paused", data)
	case <-time.After(100 * time.Millisecond):
	}

	s.unpauseRecv()
	select {
	case data := <-events.read:
		require.Equal(t, []byte("delayed"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("no data after unpause")
	}
}
