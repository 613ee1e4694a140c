package btcnet

import "net"

// FrameParser consumes raw received bytes and splits off complete frames.
// It returns the complete frames found at the head of buf and the number of
// bytes consumed, which may be larger than the sum of frame lengths when the
// wire format carries headers. A consumed count of zero means more bytes are
// needed. The parser is invoked on the event goroutine.
type FrameParser func(buf []byte) (frames [][]byte, consumed int)

// Callbacks is the application half of the connection handler contract.
// Every method is invoked on the event goroutine, so implementations may
// touch application state without locking as long as that state is only used
// from callbacks. Implementations must not call PumpEvents reentrantly.
type Callbacks interface {
	// OnStartup fires once, after Start, before the first admission pass.
	OnStartup()

	// OnNeedOutgoingConnections requests up to n new outgoing candidates.
	// Unset descriptors in the returned slice are skipped.
	OnNeedOutgoingConnections(n int) []*ConnDescriptor

	// OnDNSResponse delivers the results of a resolve-only request.
	OnDNSResponse(desc *ConnDescriptor, addrs []*net.TCPAddr)

	// OnDNSFailure reports a failed resolution, for resolve-only requests
	// and connecting peers alike.
	OnDNSFailure(desc *ConnDescriptor, willRetry bool)

	// OnOutgoingConnection reports an established outgoing peer. The
	// returned bool admits or rejects the peer; a rejected peer is closed
	// without further callbacks. resolved is nil for proxied peers, whose
	// name resolution happens remotely.
	OnOutgoingConnection(id ConnID, requested *ConnDescriptor, resolved *net.TCPAddr) bool

	// OnIncomingConnection reports an accepted peer on one of the bound
	// listeners. The returned bool admits or rejects the peer.
	OnIncomingConnection(id ConnID, listener *ConnDescriptor, peer *net.TCPAddr) bool

	// OnConnectionFailure reports a failed connect attempt. resolved is
	// the concrete address that failed, when one was known.
	OnConnectionFailure(requested *ConnDescriptor, resolved *net.TCPAddr, willRetry bool)

	// OnProxyFailure reports a failed SOCKS handshake.
	OnProxyFailure(desc *ConnDescriptor, willRetry bool)

	// OnReadyForFirstSend fires once per established outgoing peer,
	// before any OnReceiveMessages for that id.
	OnReadyForFirstSend(id ConnID)

	// OnReceiveMessages delivers parsed frames. Returning false marks the
	// peer malformed and disconnects it immediately.
	OnReceiveMessages(id ConnID, frames [][]byte, totalBytes int) bool

	// OnWriteBufferFull fires when a peer's outbound buffer crosses its
	// high-water mark; OnWriteBufferReady fires when it drains below the
	// low-water mark again.
	OnWriteBufferFull(id ConnID, size int)
	OnWriteBufferReady(id ConnID, size int)

	// OnBindFailure reports a listener that could not bind or listen.
	OnBindFailure(desc *ConnDescriptor)

	// OnDisconnected fires exactly once for every peer that reached the
	// established state.
	OnDisconnected(id ConnID, willReconnect bool)

	// OnShutdown fires after the final PumpEvents pass has drained.
	OnShutdown()
}
