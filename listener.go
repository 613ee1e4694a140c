package btcnet

import (
	"context"
	"net"
	"sync/atomic"
)

// listener owns one bound socket. Accepted connections are wrapped in
// incoming state machines and handed to the handler on the event goroutine.
type listener struct {
	h    *Handler
	id   ConnID
	desc *ConnDescriptor

	ln      net.Listener
	stopped int32
}

func newListener(h *Handler, id ConnID, desc *ConnDescriptor) *listener {
	return &listener{h: h, id: id, desc: desc}
}

// bind opens the listening socket with SO_REUSEADDR set.
func (l *listener) bind() error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", l.desc.String())
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

// enable starts the accept loop.
func (l *listener) enable() {
	log.Infof("Listening on %s", l.ln.Addr())
	spawn(l.acceptLoop)
}

func (l *listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&l.stopped) == 0 {
				log.Errorf("Can't accept connection on %s: %s", l.desc, err)
				l.h.queue.post(func() { l.h.onListenFailure(l) })
			}
			return
		}
		l.h.queue.post(func() { l.h.onIncomingAccepted(l, conn) })
	}
}

func (l *listener) addr() net.Addr {
	return l.ln.Addr()
}

func (l *listener) close() {
	atomic.StoreInt32(&l.stopped, 1)
	if l.ln != nil {
		_ = l.ln.Close()
	}
}
