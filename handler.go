package btcnet

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/NirvanaNimbusa/libbtcnet/metrics"
)

// maxSimultaneousConnecting bounds the concurrent resolve/connect fan-out so
// that a burst of failures does not saturate the OS.
const maxSimultaneousConnecting = 8

// requestOutgoingInterval is the cadence of the admission loop.
const requestOutgoingInterval = 500 * time.Millisecond

var (
	// ErrCallbacksNil is returned when the configuration carries no
	// callback implementation.
	ErrCallbacksNil = errors.New("Config: Callbacks cannot be nil")

	// ErrParserNil is returned when the configuration carries no frame
	// parser.
	ErrParserNil = errors.New("Config: ParseFrames cannot be nil")

	// ErrAlreadyRunning is returned by Start when the handler has already
	// been started.
	ErrAlreadyRunning = errors.New("handler already running")

	// ErrShuttingDown is returned by operations arriving after shutdown
	// began.
	ErrShuttingDown = errors.New("handler is shutting down")

	// ErrUnsupported is returned for descriptor combinations the handler
	// cannot serve, such as resolve-only through a proxy.
	ErrUnsupported = errors.New("unsupported descriptor combination")

	// ErrBindLimit is returned by Bind once the configured listener limit
	// is reached.
	ErrBindLimit = errors.New("bind limit reached")

	// ErrDescriptorNotSet is returned when an unset descriptor is handed
	// to Connect or Bind.
	ErrDescriptorNotSet = errors.New("descriptor is not set")
)

// DialFunc connects to the address on the named network. It is invoked off
// the event goroutine and may block up to the given timeout.
type DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// Config holds the handler-wide options.
type Config struct {
	// Callbacks receives every upcall. Required.
	Callbacks Callbacks

	// ParseFrames splits the raw receive stream into frames. Required.
	ParseFrames FrameParser

	// EnableThreading permits the bridge entry points (Send, Close,
	// PauseRecv, UnpauseRecv, SetRateLimit, SetGroupRateLimit) to be
	// called from goroutines other than the event goroutine. When false,
	// every call into the handler must come from inside a callback.
	EnableThreading bool

	// IncomingLimit caps established inbound peers; BindLimit caps
	// listeners; TotalLimit caps established peers in both directions.
	// Zero disables the respective cap.
	IncomingLimit int
	BindLimit     int
	TotalLimit    int

	// Dial overrides the connector for direct and DNS-resolved peers.
	// Defaults to net.DialTimeout. Proxied peers do not use it: the proxy
	// variant dials the SOCKS endpoint itself.
	Dial DialFunc

	// Lookup overrides the DNS resolver, for tests or for resolving
	// through a proxy.
	Lookup LookupFunc

	// Clock drives the admission and retry timers. Defaults to the wall
	// clock.
	Clock clock.Clock
}

// Handler owns the registries, the admission policy and the event loop that
// every per-peer state machine runs on.
type Handler struct {
	cfg  Config
	cbs  Callbacks
	clk  clock.Clock
	dial DialFunc

	queue *eventQueue
	res   *resolver

	started       int32
	shutdownFlag  bool
	shutdownEmit  bool
	outgoingLimit int
	connIndex     ConnID
	outgoingCount int
	incomingCount int

	// pending and dnsOnly are touched only on the event goroutine and
	// are deliberately unguarded.
	pending map[ConnID]connection
	dnsOnly map[ConnID]*resolveOnly

	// Lock order: connectedMu before bindsMu before any group's internal
	// lock.
	connectedMu sync.Mutex
	established map[ConnID]connection

	bindsMu   sync.Mutex
	listeners map[ConnID]*listener

	outgoingRate *RateGroup
	incomingRate *RateGroup

	requestTimer *clock.Timer
}

// New builds a handler from cfg. Use Start to begin connecting.
func New(cfg Config) (*Handler, error) {
	if cfg.Callbacks == nil {
		return nil, errors.WithStack(ErrCallbacksNil)
	}
	if cfg.ParseFrames == nil {
		return nil, errors.WithStack(ErrParserNil)
	}
	if cfg.Dial == nil {
		cfg.Dial = net.DialTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	h := &Handler{
		cfg:          cfg,
		cbs:          cfg.Callbacks,
		clk:          cfg.Clock,
		dial:         cfg.Dial,
		pending:      make(map[ConnID]connection),
		dnsOnly:      make(map[ConnID]*resolveOnly),
		established:  make(map[ConnID]connection),
		listeners:    make(map[ConnID]*listener),
		outgoingRate: newRateGroup(),
		incomingRate: newRateGroup(),
	}
	h.queue = newEventQueue(cfg.Clock)
	h.res = newResolver(h.queue, cfg.Lookup)
	return h, nil
}

// Start arms the admission loop and schedules the startup upcall. The
// returned error is ErrAlreadyRunning when called twice.
func (h *Handler) Start(outgoingLimit int) error {
	if !atomic.CompareAndSwapInt32(&h.started, 0, 1) {
		return errors.WithStack(ErrAlreadyRunning)
	}
	h.outgoingLimit = outgoingLimit

	h.requestTimer = h.clk.AfterFunc(requestOutgoingInterval, h.requestTick)
	h.queue.post(func() {
		h.cbs.OnStartup()
		h.requestOutgoing()
	})
	log.Infof("Connection handler started, outgoing limit %d", outgoingLimit)
	return nil
}

func (h *Handler) requestTick() {
	if !h.queue.post(h.requestOutgoing) {
		return
	}
	h.requestTimer.Reset(requestOutgoingInterval)
}

// pulseRequest asks for an immediate admission pass, outside the 500 ms
// cadence, so a lost peer can be replaced without waiting.
func (h *Handler) pulseRequest() {
	h.queue.post(h.requestOutgoing)
}

// PumpEvents runs one pass of the event loop, blocking for at least one
// event when block is set. The calling goroutine becomes the event
// goroutine; every callback fires on it. It returns false once shutdown has
// drained, after emitting the final OnShutdown upcall.
func (h *Handler) PumpEvents(block bool) bool {
	if atomic.LoadInt32(&h.started) == 0 {
		return false
	}
	if h.queue.pump(block) {
		return true
	}
	if !h.shutdownEmit {
		h.shutdownEmit = true
		h.cbs.OnShutdown()
	}
	return false
}

// Shutdown schedules the terminating event and returns immediately. Safe
// from any goroutine; the drain happens on the event goroutine.
func (h *Handler) Shutdown() {
	h.queue.post(h.shutdownInt)
}

func (h *Handler) shutdownInt() {
	h.queue.assertEventLoop()
	if h.shutdownFlag {
		return
	}
	log.Infof("Shutdown started")
	h.shutdownFlag = true
	if h.requestTimer != nil {
		h.requestTimer.Stop()
	}

	h.bindsMu.Lock()
	binds := h.listeners
	h.listeners = make(map[ConnID]*listener)
	h.bindsMu.Unlock()
	for _, l := range binds {
		l.close()
	}

	h.connectedMu.Lock()
	conns := h.established
	h.established = make(map[ConnID]connection)
	h.connectedMu.Unlock()
	for id, c := range conns {
		if c.isOutgoing() {
			h.outgoingCount--
			metrics.Connections.WithLabelValues(Outbound.String()).Dec()
		} else {
			h.incomingCount--
			metrics.Connections.WithLabelValues(Inbound.String()).Dec()
		}
		c.cancel()
		h.cbs.OnDisconnected(id, false)
	}

	for id, c := range h.pending {
		delete(h.pending, id)
		c.cancel()
		if c.isOutgoing() {
			b := c.base()
			h.cbs.OnConnectionFailure(b.desc, b.resolvedAddr, false)
		}
	}

	for id, r := range h.dnsOnly {
		delete(h.dnsOnly, id)
		r.cancel()
	}

	log.Infof("Shutdown complete")
	h.queue.loopbreak()
}

// Bind opens a listener described by desc. It must be called on the event
// goroutine, typically from OnStartup. A failed bind emits OnBindFailure
// and returns the error.
func (h *Handler) Bind(desc *ConnDescriptor) error {
	h.queue.assertEventLoop()
	if !desc.IsSet() {
		return errors.WithStack(ErrDescriptorNotSet)
	}
	if h.shutdownFlag {
		return errors.WithStack(ErrShuttingDown)
	}
	h.bindsMu.Lock()
	bindCount := len(h.listeners)
	h.bindsMu.Unlock()
	if h.cfg.BindLimit > 0 && bindCount >= h.cfg.BindLimit {
		return errors.WithStack(ErrBindLimit)
	}

	id := h.allocID()
	l := newListener(h, id, desc)
	if err := l.bind(); err != nil {
		log.Warnf("Failed to bind %s: %s", desc, err)
		h.cbs.OnBindFailure(desc)
		return err
	}
	h.bindsMu.Lock()
	h.listeners[id] = l
	h.bindsMu.Unlock()
	l.enable()
	return nil
}

// ListenerAddrs returns the bound address of every active listener.
func (h *Handler) ListenerAddrs() []net.Addr {
	h.bindsMu.Lock()
	defer h.bindsMu.Unlock()
	addrs := make([]net.Addr, 0, len(h.listeners))
	for _, l := range h.listeners {
		addrs = append(addrs, l.addr())
	}
	return addrs
}

// Connect starts an explicit connection attempt for desc, outside the
// admission loop. It must be called on the event goroutine.
func (h *Handler) Connect(desc *ConnDescriptor) error {
	h.queue.assertEventLoop()
	if !desc.IsSet() {
		return errors.WithStack(ErrDescriptorNotSet)
	}
	if h.shutdownFlag {
		return errors.WithStack(ErrShuttingDown)
	}
	return h.startConnection(desc)
}

func (h *Handler) startConnection(desc *ConnDescriptor) error {
	h.queue.assertEventLoop()

	if desc.IsDNS() && desc.Options.ResolveMode == ResolveOnly {
		if desc.Proxy.IsSet() {
			return errors.WithStack(ErrUnsupported)
		}
		id := h.allocID()
		r := newResolveOnly(h, id, desc)
		h.dnsOnly[id] = r
		r.resolve()
		return nil
	}

	id := h.allocID()
	var c connection
	switch {
	case desc.Proxy.IsSet():
		c = newProxyConn(h, id, desc)
	case desc.IsDNS():
		c = newDNSConn(h, id, desc)
	default:
		c = newDirectConn(h, id, desc)
	}
	h.pending[id] = c
	c.connect()
	return nil
}

func (h *Handler) allocID() ConnID {
	h.queue.assertEventLoop()
	h.connIndex++
	return h.connIndex
}

// requestOutgoing is the admission loop body: it computes how many more
// outgoing attempts may start and asks the application for candidates.
func (h *Handler) requestOutgoing() {
	h.queue.assertEventLoop()
	if h.shutdownFlag {
		return
	}

	pendingOutgoing := 0
	for _, c := range h.pending {
		if c.isOutgoing() {
			pendingOutgoing++
		}
	}
	need := h.outgoingLimit - h.outgoingCount - pendingOutgoing
	if h.cfg.TotalLimit > 0 {
		room := h.cfg.TotalLimit - h.outgoingCount - h.incomingCount - pendingOutgoing
		if room < need {
			need = room
		}
	}
	if need > maxSimultaneousConnecting {
		need = maxSimultaneousConnecting
	}
	if need <= 0 {
		return
	}

	started := 0
	for _, desc := range h.cbs.OnNeedOutgoingConnections(need) {
		if started >= need {
			break
		}
		if !desc.IsSet() {
			continue
		}
		if err := h.startConnection(desc); err != nil {
			log.Warnf("Can't start connection to %s: %s", desc, err)
			continue
		}
		started++
	}
}

// dialAsync runs the configured dialer off the event goroutine and posts the
// result back.
func (h *Handler) dialAsync(addr string, timeout time.Duration, done func(net.Conn, error)) {
	h.spawnDial(func() (net.Conn, error) {
		return h.dial("tcp", addr, timeout)
	}, done)
}

func (h *Handler) spawnDial(dialFn func() (net.Conn, error), done func(net.Conn, error)) {
	spawn(func() {
		conn, err := dialFn()
		delivered := h.queue.post(func() {
			done(conn, err)
		})
		if !delivered && conn != nil {
			_ = conn.Close()
		}
	})
}

func (h *Handler) parse(buf []byte) ([][]byte, int) {
	return h.cfg.ParseFrames(buf)
}

// --- join points called by the state machines, all on the event goroutine ---

func (h *Handler) onOutgoingConnected(c connection, resolved *net.TCPAddr) {
	h.queue.assertEventLoop()
	b := c.base()
	delete(h.pending, b.id)

	b.bucket.attachGroup(h.outgoingRate)
	h.connectedMu.Lock()
	h.established[b.id] = c
	h.connectedMu.Unlock()
	h.outgoingCount++
	metrics.Connections.WithLabelValues(Outbound.String()).Inc()
	log.Debugf("Connected to %s (id %d)", b.desc, b.id)

	if !h.cbs.OnOutgoingConnection(b.id, b.desc, resolved) {
		log.Debugf("Application rejected outgoing peer %d", b.id)
		h.connectedMu.Lock()
		delete(h.established, b.id)
		h.connectedMu.Unlock()
		h.outgoingCount--
		metrics.Connections.WithLabelValues(Outbound.String()).Dec()
		b.finished = true
		b.stream.closeNow()
		h.pulseRequest()
		return
	}
	h.cbs.OnReadyForFirstSend(b.id)
}

func (h *Handler) onIncomingConnected(c *incomingConn, peerAddr *net.TCPAddr) {
	h.queue.assertEventLoop()
	b := &c.connBase
	delete(h.pending, b.id)

	if h.cfg.IncomingLimit > 0 && h.incomingCount >= h.cfg.IncomingLimit {
		log.Debugf("Incoming limit reached, dropping peer %s", peerAddr)
		c.drop()
		return
	}
	if h.cfg.TotalLimit > 0 && h.incomingCount+h.outgoingCount >= h.cfg.TotalLimit {
		log.Debugf("Total connection limit reached, dropping peer %s", peerAddr)
		c.drop()
		return
	}
	if !h.cbs.OnIncomingConnection(b.id, c.listenerDesc, peerAddr) {
		c.drop()
		return
	}

	b.bucket.attachGroup(h.incomingRate)
	c.admit()
	h.connectedMu.Lock()
	h.established[b.id] = c
	h.connectedMu.Unlock()
	h.incomingCount++
	metrics.Connections.WithLabelValues(Inbound.String()).Inc()
	log.Debugf("Accepted peer %s (id %d)", peerAddr, b.id)
}

func (h *Handler) onIncomingAccepted(l *listener, conn net.Conn) {
	h.queue.assertEventLoop()
	if h.shutdownFlag {
		_ = conn.Close()
		return
	}
	id := h.allocID()
	c := newIncomingConn(h, id, l.desc, conn)
	h.pending[id] = c
	c.connect()
}

func (h *Handler) onListenFailure(l *listener) {
	h.queue.assertEventLoop()
	h.cbs.OnBindFailure(l.desc)
	h.bindsMu.Lock()
	delete(h.listeners, l.id)
	h.bindsMu.Unlock()
	l.close()
}

// reportAddressFailure surfaces one failed address out of a longer
// iteration. The attempt itself stays pending under its current id.
func (h *Handler) reportAddressFailure(desc *ConnDescriptor, failed *net.TCPAddr) {
	h.queue.assertEventLoop()
	metrics.ConnectionFailures.WithLabelValues(failConnect.String()).Inc()
	h.cbs.OnConnectionFailure(desc, failed, true)
}

func (h *Handler) onConnectionFailure(c connection, kind failureKind, err error, resolved *net.TCPAddr, shouldRetry bool) {
	h.queue.assertEventLoop()
	b := c.base()
	delete(h.pending, b.id)

	retry := shouldRetry && !h.shutdownFlag
	metrics.ConnectionFailures.WithLabelValues(kind.String()).Inc()
	log.Debugf("Connection %d to %s failed (%s): %s, retry=%t", b.id, b.desc, kind, err, retry)

	switch kind {
	case failResolve:
		h.cbs.OnDNSFailure(b.desc, retry)
	case failProxy:
		h.cbs.OnProxyFailure(b.desc, retry)
	default:
		h.cbs.OnConnectionFailure(b.desc, resolved, retry)
	}

	if retry {
		newID := h.allocID()
		h.pending[newID] = c
		c.retry(newID)
		return
	}
	h.pulseRequest()
}

func (h *Handler) onDisconnected(id ConnID, reconnect bool) {
	h.queue.assertEventLoop()

	h.connectedMu.Lock()
	c, ok := h.established[id]
	if ok {
		delete(h.established, id)
	}
	h.connectedMu.Unlock()
	if !ok {
		return
	}
	b := c.base()
	if c.isOutgoing() {
		h.outgoingCount--
		metrics.Connections.WithLabelValues(Outbound.String()).Dec()
	} else {
		h.incomingCount--
		metrics.Connections.WithLabelValues(Inbound.String()).Dec()
	}

	reconnect = reconnect && !h.shutdownFlag
	log.Debugf("Peer %d disconnected, reconnect=%t", id, reconnect)
	h.cbs.OnDisconnected(id, reconnect)

	if reconnect {
		b.finished = false
		b.stream = nil
		b.parseBuf = nil
		b.resolvedAddr = nil
		newID := h.allocID()
		h.pending[newID] = c
		c.retry(newID)
		return
	}
	h.pulseRequest()
}

func (h *Handler) onResolveComplete(r *resolveOnly, addrs []*net.TCPAddr) {
	h.queue.assertEventLoop()
	h.cbs.OnDNSResponse(r.desc, addrs)
	delete(h.dnsOnly, r.id)
}

func (h *Handler) onResolveFailure(r *resolveOnly, err error, shouldRetry bool) {
	h.queue.assertEventLoop()
	retry := shouldRetry && !h.shutdownFlag
	log.Debugf("Resolution of %s failed: %s, retry=%t", r.desc.Host, err, retry)
	h.cbs.OnDNSFailure(r.desc, retry)
	if retry {
		r.armRetry()
	} else {
		delete(h.dnsOnly, r.id)
	}
	h.pulseRequest()
}

// --- bridge entry points, safe from any goroutine when threading is on ---

func (h *Handler) assertThreading() {
	if !h.cfg.EnableThreading {
		h.queue.assertEventLoop()
	}
}

// Send queues data on the peer's outbound buffer. It returns false when the
// id is unknown or the peer is winding down.
func (h *Handler) Send(id ConnID, data []byte) bool {
	h.assertThreading()
	h.connectedMu.Lock()
	defer h.connectedMu.Unlock()
	c, ok := h.established[id]
	if !ok {
		return false
	}
	return c.base().write(data)
}

// Close disconnects the peer: immediately when immediate is set, otherwise
// after the outbound buffer has flushed.
func (h *Handler) Close(id ConnID, immediate bool) {
	h.assertThreading()
	h.connectedMu.Lock()
	defer h.connectedMu.Unlock()
	c, ok := h.established[id]
	if !ok {
		return
	}
	if immediate {
		c.base().stream.closeNow()
	} else {
		c.base().stream.closeAfterFlush()
	}
}

// PauseRecv stops delivering received frames for the peer until
// UnpauseRecv.
func (h *Handler) PauseRecv(id ConnID) {
	h.assertThreading()
	h.connectedMu.Lock()
	defer h.connectedMu.Unlock()
	if c, ok := h.established[id]; ok {
		c.base().stream.pauseRecv()
	}
}

// UnpauseRecv resumes delivery for a paused peer.
func (h *Handler) UnpauseRecv(id ConnID) {
	h.assertThreading()
	h.connectedMu.Lock()
	defer h.connectedMu.Unlock()
	if c, ok := h.established[id]; ok {
		c.base().stream.unpauseRecv()
	}
}

// SetRateLimit replaces the peer's per-peer bucket.
func (h *Handler) SetRateLimit(id ConnID, limit RateLimit) {
	h.assertThreading()
	h.connectedMu.Lock()
	defer h.connectedMu.Unlock()
	if c, ok := h.established[id]; ok {
		c.base().bucket.setLimit(limit)
	}
}

// SetGroupRateLimit replaces the aggregate bucket for one direction.
func (h *Handler) SetGroupRateLimit(dir Direction, limit RateLimit) {
	h.assertThreading()
	if dir == Inbound {
		h.incomingRate.SetLimit(limit)
	} else {
		h.outgoingRate.SetLimit(limit)
	}
}
