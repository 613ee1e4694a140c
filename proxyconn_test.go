package btcnet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSocksServer accepts connections, reads the client greeting and replies
// that no authentication method is acceptable, failing every handshake.
func fakeSocksServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 16)
				if _, err := c.Read(buf); err != nil {
					return
				}
				_, _ = c.Write([]byte{0x05, 0xff})
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// TestProxyHandshakeFailure tunnels through a proxy whose handshake always
// fails: the failure must surface as a proxy failure (not a connect failure)
// and retry per policy until the counter drains.
func TestProxyHandshakeFailure(t *testing.T) {
	proxyAddr := fakeSocksServer(t)

	desc := &ConnDescriptor{
		Host: "target.example",
		Port: 8333,
		Proxy: &ConnDescriptor{
			Host: "127.0.0.1",
			Port: uint16(proxyAddr.Port),
		},
		Options: Options{
			RetryCount:    1,
			RetryInterval: time.Millisecond,
		},
	}

	proxyFailures := make(chan bool, 4)
	cbs := &testCallbacks{
		needOutgoing: oneCandidate(desc),
		proxyFailure: func(failed *ConnDescriptor, willRetry bool) {
			require.Equal(t, desc, failed)
			proxyFailures <- willRetry
		},
		connFailure: func(requested *ConnDescriptor, resolved *net.TCPAddr, willRetry bool) {
			t.Errorf("handshake failure misreported as connect failure (%s)", resolved)
		},
		outgoing: func(id ConnID, requested *ConnDescriptor, resolved *net.TCPAddr) bool {
			t.Error("handshake unexpectedly succeeded")
			return false
		},
	}

	_, stop := testHandler(t, Config{Callbacks: cbs, Dial: net.DialTimeout}, 1)
	defer stop()

	for i, want := range []bool{true, false} {
		select {
		case willRetry := <-proxyFailures:
			require.Equalf(t, want, willRetry, "proxy failure %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("proxy failure %d was not reported", i)
		}
	}
}

// TestProxyConnectRefused points the descriptor at a proxy that is not
// listening: the TCP leg fails, which must surface as a connect failure.
func TestProxyConnectRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	desc := &ConnDescriptor{
		Host: "target.example",
		Port: 8333,
		Proxy: &ConnDescriptor{
			Host: "127.0.0.1",
			Port: deadPort,
		},
		Options: Options{RetryCount: -1},
	}

	connFailures := make(chan bool, 1)
	cbs := &testCallbacks{
		needOutgoing: oneCandidate(desc),
		connFailure: func(requested *ConnDescriptor, resolved *net.TCPAddr, willRetry bool) {
			connFailures <- willRetry
		},
		proxyFailure: func(failed *ConnDescriptor, willRetry bool) {
			t.Error("connect failure misreported as proxy failure")
		},
	}

	_, stop := testHandler(t, Config{Callbacks: cbs, Dial: net.DialTimeout}, 1)
	defer stop()

	select {
	case willRetry := <-connFailures:
		require.False(t, willRetry)
	case <-time.After(5 * time.Second):
		t.Fatal("proxy connect failure was not reported")
	}
}
