package btcnet

import (
	"net"
)

// directConn connects to the literal address carried by its descriptor.
type directConn struct {
	connBase
}

func newDirectConn(h *Handler, id ConnID, desc *ConnDescriptor) *directConn {
	return &directConn{connBase: newConnBase(h, id, desc, Outbound)}
}

func (c *directConn) isOutgoing() bool { return true }

func (c *directConn) connect() {
	c.h.queue.assertEventLoop()
	c.phase = phaseConnecting

	addr := &net.TCPAddr{IP: net.ParseIP(c.desc.Host), Port: int(c.desc.Port)}
	attemptID := c.id
	c.h.dialAsync(c.desc.String(), c.desc.Options.connectTimeout(), func(conn net.Conn, err error) {
		if c.finished || c.id != attemptID {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			c.h.onConnectionFailure(c, failConnect, err, addr, c.consumeRetry())
			return
		}
		c.resolvedAddr = addr
		c.retries = c.desc.Options.RetryCount
		c.establish(conn)
		c.h.onOutgoingConnected(c, addr)
	})
}

func (c *directConn) retry(newID ConnID) {
	c.armRetry(newID, c.connect)
}

func (c *directConn) cancel() {
	c.cancelBase()
}
