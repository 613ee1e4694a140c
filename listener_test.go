package btcnet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBindFailure binds an address with no local interface and expects a
// synchronous error plus the bind-failure upcall.
func TestBindFailure(t *testing.T) {
	hReady := make(chan *Handler, 1)
	bindErrs := make(chan error, 1)
	failures := make(chan *ConnDescriptor, 1)

	desc := &ConnDescriptor{Host: "203.0.113.1", Port: 1}
	cbs := &testCallbacks{
		bindFailure: func(failed *ConnDescriptor) {
			failures <- failed
		},
	}
	cbs.startup = func() {
		h := <-hReady
		bindErrs <- h.Bind(desc)
	}

	h, stop := testHandler(t, Config{Callbacks: cbs}, 0)
	hReady <- h
	defer stop()

	select {
	case err := <-bindErrs:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bind did not run")
	}
	select {
	case failed := <-failures:
		require.Equal(t, desc, failed)
	case <-time.After(5 * time.Second):
		t.Fatal("no bind-failure upcall")
	}
	require.Empty(t, h.ListenerAddrs())
}

// TestBindLimit caps the listener registry.
func TestBindLimit(t *testing.T) {
	hReady := make(chan *Handler, 1)
	results := make(chan error, 2)

	cbs := &testCallbacks{}
	cbs.startup = func() {
		h := <-hReady
		results <- h.Bind(&ConnDescriptor{Host: "127.0.0.1", Port: 0})
		results <- h.Bind(&ConnDescriptor{Host: "127.0.0.1", Port: 0})
	}

	h, stop := testHandler(t, Config{Callbacks: cbs, BindLimit: 1}, 0)
	hReady <- h
	defer stop()

	require.NoError(t, <-results)
	err := <-results
	require.ErrorIs(t, err, ErrBindLimit)
	require.Len(t, h.ListenerAddrs(), 1)
}

// TestListenerAcceptsMultiple accepts several peers on one listener.
func TestListenerAcceptsMultiple(t *testing.T) {
	hReady := make(chan *Handler, 1)
	bound := make(chan struct{})
	accepted := make(chan ConnID, 4)

	cbs := &testCallbacks{
		incoming: func(id ConnID, listener *ConnDescriptor, peer *net.TCPAddr) bool {
			accepted <- id
			return true
		},
	}
	cbs.startup = func() {
		h := <-hReady
		require.NoError(t, h.Bind(&ConnDescriptor{Host: "127.0.0.1", Port: 0}))
		close(bound)
	}

	h, stop := testHandler(t, Config{Callbacks: cbs}, 0)
	hReady <- h
	defer stop()

	<-bound
	addrs := h.ListenerAddrs()
	require.Len(t, addrs, 1)

	seen := make(map[ConnID]bool)
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addrs[0].String())
		require.NoError(t, err)
		defer conn.Close()

		select {
		case id := <-accepted:
			require.False(t, seen[id])
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d was not accepted", i)
		}
	}
}

// TestIncomingLimit drops peers beyond the configured inbound cap without
// offering them to the application.
func TestIncomingLimit(t *testing.T) {
	hReady := make(chan *Handler, 1)
	bound := make(chan struct{})
	offered := make(chan ConnID, 4)

	cbs := &testCallbacks{
		incoming: func(id ConnID, listener *ConnDescriptor, peer *net.TCPAddr) bool {
			offered <- id
			return true
		},
	}
	cbs.startup = func() {
		h := <-hReady
		require.NoError(t, h.Bind(&ConnDescriptor{Host: "127.0.0.1", Port: 0}))
		close(bound)
	}

	h, stop := testHandler(t, Config{Callbacks: cbs, IncomingLimit: 1}, 0)
	hReady <- h
	defer stop()

	<-bound
	addr := h.ListenerAddrs()[0].String()

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	select {
	case <-offered:
	case <-time.After(5 * time.Second):
		t.Fatal("first peer was not offered")
	}

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	// Over the limit: the socket closes without an admission upcall.
	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err)

	select {
	case id := <-offered:
		t.Fatalf("peer %d was offered beyond the inbound limit", id)
	case <-time.After(50 * time.Millisecond):
	}
}
