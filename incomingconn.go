package btcnet

import (
	"net"
)

// incomingConn wraps a socket already accepted by a listener. It has no
// retry behavior: a failure at any point simply drops the record.
type incomingConn struct {
	connBase

	conn         net.Conn
	listenerDesc *ConnDescriptor
}

func newIncomingConn(h *Handler, id ConnID, listenerDesc *ConnDescriptor, conn net.Conn) *incomingConn {
	desc := &ConnDescriptor{}
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		desc.Host = tcpAddr.IP.String()
		desc.Port = uint16(tcpAddr.Port)
	}
	return &incomingConn{
		connBase:     newConnBase(h, id, desc, Inbound),
		conn:         conn,
		listenerDesc: listenerDesc,
	}
}

func (c *incomingConn) isOutgoing() bool { return false }

func (c *incomingConn) connect() {
	c.h.queue.assertEventLoop()
	peerAddr, _ := c.conn.RemoteAddr().(*net.TCPAddr)
	c.resolvedAddr = peerAddr
	c.h.onIncomingConnected(c, peerAddr)
}

// admit is called by the handler once the application accepted the peer.
func (c *incomingConn) admit() {
	c.establish(c.conn)
}

// drop closes the accepted socket without any callbacks; the peer never
// reached the established phase.
func (c *incomingConn) drop() {
	c.finished = true
	c.phase = phaseDead
	_ = c.conn.Close()
}

func (c *incomingConn) retry(newID ConnID) {
	panic("btcnet: incoming connections do not retry")
}

func (c *incomingConn) cancel() {
	if c.stream == nil {
		c.drop()
		return
	}
	c.cancelBase()
}
