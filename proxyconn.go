package btcnet

import (
	"net"

	"github.com/btcsuite/go-socks/socks"
	"github.com/pkg/errors"
)

// proxyConn tunnels the connection through a SOCKS5 proxy. The proxy
// endpoint may itself need resolution, in which case the DNS iteration logic
// applies to the proxy's addresses; the target host is always handed to the
// proxy verbatim so that the remote end performs the actual lookup.
type proxyConn struct {
	connBase

	proxyAddrs []*net.TCPAddr
	next       int
	lookup     *lookupRequest
}

func newProxyConn(h *Handler, id ConnID, desc *ConnDescriptor) *proxyConn {
	return &proxyConn{connBase: newConnBase(h, id, desc, Outbound)}
}

func (c *proxyConn) isOutgoing() bool { return true }

func (c *proxyConn) connect() {
	c.h.queue.assertEventLoop()
	proxy := c.desc.Proxy
	if proxy.IsDNS() && c.next >= len(c.proxyAddrs) {
		c.resolveProxy()
		return
	}
	c.connectProxy()
}

func (c *proxyConn) resolveProxy() {
	c.phase = phaseResolving
	c.proxyAddrs = nil
	c.next = 0
	c.lookup = c.h.res.resolve(c.desc.Proxy, func(addrs []*net.TCPAddr, err error) {
		c.lookup = nil
		if c.finished {
			return
		}
		if err != nil {
			c.h.onConnectionFailure(c, failResolve, err, nil, c.consumeRetry())
			return
		}
		c.proxyAddrs = addrs
		c.next = 0
		c.connectProxy()
	})
}

func (c *proxyConn) connectProxy() {
	c.phase = phaseConnecting

	proxy := c.desc.Proxy
	proxyAddr := proxy.String()
	var iterAddr *net.TCPAddr
	if c.next < len(c.proxyAddrs) {
		iterAddr = c.proxyAddrs[c.next]
		proxyAddr = iterAddr.String()
	}

	dialer := &socks.Proxy{
		Addr:     proxyAddr,
		Username: proxy.Username,
		Password: proxy.Password,
	}
	target := c.desc.String()
	timeout := c.desc.Options.connectTimeout()
	attemptID := c.id

	c.h.spawnDial(func() (net.Conn, error) {
		return dialer.DialTimeout("tcp", target, timeout)
	}, func(conn net.Conn, err error) {
		if c.finished || c.id != attemptID {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			c.proxyFailure(iterAddr, err)
			return
		}
		c.phase = phaseHandshakingProxy
		c.proxyAddrs = nil
		c.next = 0
		c.retries = c.desc.Options.RetryCount
		c.establish(conn)
		c.h.onOutgoingConnected(c, nil)
	})
}

// proxyFailure classifies the error: a failed TCP leg to the proxy walks the
// proxy's address list like a DNS connect failure, while anything after the
// socket was up is a handshake failure.
func (c *proxyConn) proxyFailure(iterAddr *net.TCPAddr, err error) {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		log.Debugf("Connect to proxy %s failed: %s", c.desc.Proxy, err)
		c.next++
		if c.next < len(c.proxyAddrs) {
			c.h.reportAddressFailure(c.desc, iterAddr)
			c.connectProxy()
			return
		}
		c.proxyAddrs = nil
		c.next = 0
		c.h.onConnectionFailure(c, failConnect, err, iterAddr, c.consumeRetry())
		return
	}

	log.Debugf("SOCKS handshake with %s for %s failed: %s", c.desc.Proxy, c.desc, err)
	c.h.onConnectionFailure(c, failProxy, err, nil, c.consumeRetry())
}

func (c *proxyConn) retry(newID ConnID) {
	c.armRetry(newID, c.connect)
}

func (c *proxyConn) cancel() {
	if c.lookup != nil {
		c.lookup.cancel()
		c.lookup = nil
	}
	c.proxyAddrs = nil
	c.next = 0
	c.cancelBase()
}
