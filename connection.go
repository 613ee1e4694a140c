package btcnet

import (
	"net"

	"github.com/benbjohnson/clock"
)

// connPhase is the lifecycle phase of a single peer. Phases only move
// forward; retries re-enter at phaseScheduled under a fresh id.
type connPhase int

const (
	phaseScheduled connPhase = iota
	phaseResolving
	phaseConnecting
	phaseHandshakingProxy
	phaseEstablished
	phaseWindingDown
	phaseDead
)

func (p connPhase) String() string {
	switch p {
	case phaseScheduled:
		return "scheduled"
	case phaseResolving:
		return "resolving"
	case phaseConnecting:
		return "connecting"
	case phaseHandshakingProxy:
		return "handshaking-proxy"
	case phaseEstablished:
		return "established"
	case phaseWindingDown:
		return "winding-down"
	default:
		return "dead"
	}
}

// failureKind categorizes a failed attempt for routing to the matching
// upcall.
type failureKind int

const (
	failResolve failureKind = iota
	failConnect
	failProxy
)

func (k failureKind) String() string {
	switch k {
	case failResolve:
		return "resolve"
	case failProxy:
		return "proxy"
	default:
		return "connect"
	}
}

// connection is the contract shared by the four state machine variants.
// Everything here runs on the event goroutine; foreign-thread operations
// reach the peer through its stream and bucket, never through these methods.
type connection interface {
	// connect starts or re-enters the attempt.
	connect()

	// cancel releases any DNS request, stream and timer, leaving the
	// object safe to drop. No callbacks fire afterwards.
	cancel()

	// retry re-links the machine under a fresh id and arms the retry
	// timer.
	retry(newID ConnID)

	isOutgoing() bool
	base() *connBase
}

// connBase carries the state common to all variants and the shared
// established-phase plumbing: stream setup, the frame-parser read path and
// the disconnect funnel.
type connBase struct {
	h    *Handler
	id   ConnID
	desc *ConnDescriptor

	phase        connPhase
	stream       *stream
	bucket       *bucket
	resolvedAddr *net.TCPAddr
	direction    Direction

	// retries is the live counter; it resets to the configured count on a
	// successful connect.
	retries int

	retryTimer *clock.Timer

	// finished guards the disconnect funnel so a peer reports at most one
	// terminal event.
	finished bool

	parseBuf []byte
}

func newConnBase(h *Handler, id ConnID, desc *ConnDescriptor, direction Direction) connBase {
	return connBase{
		h:         h,
		id:        id,
		desc:      desc,
		phase:     phaseScheduled,
		bucket:    newBucket(desc.Options.RateLimit),
		direction: direction,
		retries:   desc.Options.RetryCount,
	}
}

func (b *connBase) base() *connBase { return b }

// consumeRetry applies the retry policy and reports whether another attempt
// may run: negative counts never retry, zero retries forever, positive
// counts decrement until exhausted.
func (b *connBase) consumeRetry() bool {
	switch {
	case b.desc.Options.RetryCount < 0:
		return false
	case b.desc.Options.RetryCount == 0:
		return true
	default:
		if b.retries <= 0 {
			return false
		}
		b.retries--
		return true
	}
}

// armRetry schedules a connect re-entry after the descriptor's retry
// interval. The handler has already re-linked the machine under newID.
func (b *connBase) armRetry(newID ConnID, connect func()) {
	b.id = newID
	b.phase = phaseScheduled
	b.retryTimer = b.h.queue.postDelayed(b.desc.Options.RetryInterval, func() {
		b.retryTimer = nil
		connect()
	})
}

// establish wraps the connected socket in a stream and moves the machine to
// the established phase. Socket options are applied here: the stream pumps
// imply non-blocking behavior, and TCP connections disable Nagle.
func (b *connBase) establish(conn net.Conn) {
	b.h.queue.assertEventLoop()
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	opts := &b.desc.Options
	b.stream = newStream(conn, b.h.queue, b.bucket, opts.highWater(), opts.lowWater(), streamCallbacks{
		onRead:             b.handleRead,
		onWriteBufferFull:  b.handleWriteBufferFull,
		onWriteBufferReady: b.handleWriteBufferReady,
		onClosed:           b.handleStreamClosed,
	})
	b.phase = phaseEstablished
	b.stream.start()
}

// handleRead feeds received bytes through the application's frame parser and
// delivers complete frames. A false return from the receive upcall marks the
// peer malformed and drops it on the spot.
func (b *connBase) handleRead(data []byte) {
	if b.finished || b.phase != phaseEstablished {
		return
	}
	b.parseBuf = append(b.parseBuf, data...)

	frames, consumed := b.h.parse(b.parseBuf)
	if consumed > 0 {
		remaining := len(b.parseBuf) - consumed
		copy(b.parseBuf, b.parseBuf[consumed:])
		b.parseBuf = b.parseBuf[:remaining]
	}
	if len(frames) == 0 {
		return
	}
	total := 0
	for _, frame := range frames {
		total += len(frame)
	}
	if !b.h.cbs.OnReceiveMessages(b.id, frames, total) {
		log.Debugf("Peer %d sent a malformed message, disconnecting", b.id)
		b.disconnectMalformed()
	}
}

func (b *connBase) handleWriteBufferFull(size int) {
	if b.finished {
		return
	}
	b.h.cbs.OnWriteBufferFull(b.id, size)
}

func (b *connBase) handleWriteBufferReady(size int) {
	if b.finished {
		return
	}
	b.h.cbs.OnWriteBufferReady(b.id, size)
}

// handleStreamClosed is the single funnel for peer teardown after the
// established phase. Locally initiated closes never reconnect; remote drops
// reconnect when the descriptor is persistent and the peer was outbound.
func (b *connBase) handleStreamClosed(local bool, err error) {
	if b.finished {
		return
	}
	b.finished = true
	b.phase = phaseDead
	if err != nil {
		log.Debugf("Peer %d (%s) closed: %s", b.id, b.desc, err)
	}

	reconnect := !local && b.direction == Outbound && b.desc.Options.Persistent
	b.h.onDisconnected(b.id, reconnect)
}

// disconnectMalformed tears the peer down immediately with reconnection
// suppressed.
func (b *connBase) disconnectMalformed() {
	b.finished = true
	b.phase = phaseWindingDown
	b.stream.closeNow()
	b.phase = phaseDead
	b.h.onDisconnected(b.id, false)
}

// write queues bytes on the established stream.
func (b *connBase) write(data []byte) bool {
	if b.stream == nil {
		return false
	}
	return b.stream.Write(data)
}

// cancelBase releases the timer and stream. Variants call it from their
// cancel implementations before releasing variant-specific resources.
func (b *connBase) cancelBase() {
	b.finished = true
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	if b.stream != nil {
		b.stream.closeNow()
	}
	b.phase = phaseDead
}
