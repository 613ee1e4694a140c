package btcnet

import (
	"net"
)

// dnsConn resolves its descriptor's host and walks the returned addresses in
// order. Each address is an independent candidate: a failed address advances
// the iterator without consuming an outer retry, and only a failed
// resolution or an exhausted list touches the retry counter.
type dnsConn struct {
	connBase

	addrs  []*net.TCPAddr
	next   int
	lookup *lookupRequest
}

func newDNSConn(h *Handler, id ConnID, desc *ConnDescriptor) *dnsConn {
	return &dnsConn{connBase: newConnBase(h, id, desc, Outbound)}
}

func (c *dnsConn) isOutgoing() bool { return true }

func (c *dnsConn) connect() {
	c.h.queue.assertEventLoop()
	if c.next >= len(c.addrs) {
		c.doResolve()
		return
	}
	c.connectResolved()
}

func (c *dnsConn) doResolve() {
	c.phase = phaseResolving
	c.addrs = nil
	c.next = 0
	c.lookup = c.h.res.resolve(c.desc, func(addrs []*net.TCPAddr, err error) {
		c.lookup = nil
		if c.finished {
			return
		}
		if err != nil {
			c.h.onConnectionFailure(c, failResolve, err, nil, c.consumeRetry())
			return
		}
		c.addrs = addrs
		c.next = 0
		c.connectResolved()
	})
}

func (c *dnsConn) connectResolved() {
	c.phase = phaseConnecting
	addr := c.addrs[c.next]
	attemptID := c.id
	c.h.dialAsync(addr.String(), c.desc.Options.connectTimeout(), func(conn net.Conn, err error) {
		if c.finished || c.id != attemptID {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			c.connectionFailure(addr, err)
			return
		}
		c.resolvedAddr = addr
		c.addrs = nil
		c.next = 0
		c.retries = c.desc.Options.RetryCount
		c.establish(conn)
		c.h.onOutgoingConnected(c, addr)
	})
}

// connectionFailure advances the address iterator. While addresses remain
// the next one is attempted immediately under the same id; once the list is
// exhausted one outer retry is consumed and the machine re-resolves.
func (c *dnsConn) connectionFailure(failed *net.TCPAddr, err error) {
	log.Debugf("Connect to %s (%s) failed: %s", failed, c.desc.Host, err)
	c.next++
	if c.next < len(c.addrs) {
		c.h.reportAddressFailure(c.desc, failed)
		c.connectResolved()
		return
	}
	c.addrs = nil
	c.next = 0
	c.h.onConnectionFailure(c, failConnect, err, failed, c.consumeRetry())
}

func (c *dnsConn) retry(newID ConnID) {
	c.armRetry(newID, c.connect)
}

func (c *dnsConn) cancel() {
	if c.lookup != nil {
		c.lookup.cancel()
		c.lookup = nil
	}
	c.addrs = nil
	c.next = 0
	c.cancelBase()
}
