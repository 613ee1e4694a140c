// btcnetd is a small demonstration daemon: it maintains the configured
// outgoing peers, accepts inbound ones and echoes every received frame back
// to its sender. Frames on the wire are length-prefixed with a 4-byte
// big-endian header.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	btcnet "github.com/NirvanaNimbusa/libbtcnet"
	"github.com/NirvanaNimbusa/libbtcnet/config"
	"github.com/NirvanaNimbusa/libbtcnet/version"
)

var log btclog.Logger

const frameHeaderSize = 4

// parseFrames splits the receive stream into length-prefixed frames.
func parseFrames(buf []byte) ([][]byte, int) {
	var frames [][]byte
	consumed := 0
	for {
		rest := buf[consumed:]
		if len(rest) < frameHeaderSize {
			return frames, consumed
		}
		length := int(binary.BigEndian.Uint32(rest))
		if len(rest) < frameHeaderSize+length {
			return frames, consumed
		}
		frame := make([]byte, length)
		copy(frame, rest[frameHeaderSize:frameHeaderSize+length])
		frames = append(frames, frame)
		consumed += frameHeaderSize + length
	}
}

func frameBytes(payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out
}

// node wires the daemon's peer policy into the handler callbacks. All
// fields are only touched on the event goroutine.
type node struct {
	handler    *btcnet.Handler
	cfg        *config.Config
	candidates []*btcnet.ConnDescriptor
}

func (n *node) OnStartup() {
	for _, listen := range n.cfg.Listen {
		desc, err := n.cfg.ListenerDescriptor(listen)
		if err != nil {
			log.Errorf("Invalid listen address: %s", err)
			continue
		}
		if err := n.handler.Bind(desc); err != nil {
			log.Errorf("Bind %s failed: %s", desc, err)
		}
	}
}

func (n *node) OnNeedOutgoingConnections(count int) []*btcnet.ConnDescriptor {
	if count > len(n.candidates) {
		count = len(n.candidates)
	}
	out := n.candidates[:count]
	n.candidates = n.candidates[count:]
	return out
}

func (n *node) OnDNSResponse(desc *btcnet.ConnDescriptor, addrs []*net.TCPAddr) {
	log.Infof("Resolved %s to %d addresses", desc.Host, len(addrs))
}

func (n *node) OnDNSFailure(desc *btcnet.ConnDescriptor, willRetry bool) {
	log.Warnf("Resolution of %s failed, retry=%t", desc.Host, willRetry)
}

func (n *node) OnOutgoingConnection(id btcnet.ConnID, requested *btcnet.ConnDescriptor, resolved *net.TCPAddr) bool {
	log.Infof("Peer %d connected (%s via %s)", id, requested, resolved)
	return true
}

func (n *node) OnIncomingConnection(id btcnet.ConnID, listener *btcnet.ConnDescriptor, peer *net.TCPAddr) bool {
	log.Infof("Peer %d accepted on %s from %s", id, listener, peer)
	return true
}

func (n *node) OnConnectionFailure(requested *btcnet.ConnDescriptor, resolved *net.TCPAddr, willRetry bool) {
	log.Warnf("Connection to %s (%s) failed, retry=%t", requested, resolved, willRetry)
}

func (n *node) OnProxyFailure(desc *btcnet.ConnDescriptor, willRetry bool) {
	log.Warnf("Proxy handshake for %s failed, retry=%t", desc, willRetry)
}

func (n *node) OnReadyForFirstSend(id btcnet.ConnID) {
	n.handler.Send(id, frameBytes([]byte("hello")))
}

func (n *node) OnReceiveMessages(id btcnet.ConnID, frames [][]byte, totalBytes int) bool {
	log.Debugf("Peer %d sent %d frames (%d bytes)", id, len(frames), totalBytes)
	for _, frame := range frames {
		if !n.handler.Send(id, frameBytes(frame)) {
			break
		}
	}
	return true
}

func (n *node) OnWriteBufferFull(id btcnet.ConnID, size int) {
	log.Debugf("Peer %d write buffer full (%d bytes), pausing reads", id, size)
	n.handler.PauseRecv(id)
}

func (n *node) OnWriteBufferReady(id btcnet.ConnID, size int) {
	log.Debugf("Peer %d write buffer drained to %d bytes", id, size)
	n.handler.UnpauseRecv(id)
}

func (n *node) OnBindFailure(desc *btcnet.ConnDescriptor) {
	log.Errorf("Could not listen on %s", desc)
}

func (n *node) OnDisconnected(id btcnet.ConnID, willReconnect bool) {
	log.Infof("Peer %d disconnected, reconnect=%t", id, willReconnect)
}

func (n *node) OnShutdown() {
	log.Infof("Handler drained")
}

func setupLogging(cfg *config.Config) (btclog.Logger, error) {
	var writer io.Writer = os.Stdout
	if cfg.LogFile != "" {
		logRotator, err := rotator.New(cfg.LogFile, 10*1024, false, 3)
		if err != nil {
			return nil, err
		}
		writer = io.MultiWriter(os.Stdout, logRotator)
	}
	backend := btclog.NewBackend(writer)

	level, ok := btclog.LevelFromString(cfg.DebugLevel)
	if !ok {
		return nil, fmt.Errorf("invalid debug level %q", cfg.DebugLevel)
	}

	libLog := backend.Logger("BTCN")
	libLog.SetLevel(level)
	btcnet.UseLogger(libLog)

	mainLog := backend.Logger("MAIN")
	mainLog.SetLevel(level)
	return mainLog, nil
}

func realMain() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log, err = setupLogging(cfg)
	if err != nil {
		return err
	}
	log.Infof("Version %s", version.Version())

	n := &node{cfg: cfg}
	for _, addr := range cfg.AddPeers {
		desc, err := cfg.PeerDescriptor(addr)
		if err != nil {
			return err
		}
		n.candidates = append(n.candidates, desc)
	}

	handler, err := btcnet.New(btcnet.Config{
		Callbacks:       n,
		ParseFrames:     parseFrames,
		EnableThreading: true,
		IncomingLimit:   cfg.MaxInbound,
	})
	if err != nil {
		return err
	}
	n.handler = handler

	if err := handler.Start(cfg.TargetOutbound); err != nil {
		return err
	}
	handler.SetGroupRateLimit(btcnet.Inbound, cfg.GroupRateLimit())
	handler.SetGroupRateLimit(btcnet.Outbound, cfg.GroupRateLimit())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-interrupt
		log.Infof("Received signal %s, shutting down", sig)
		handler.Shutdown()
	}()

	for handler.PumpEvents(true) {
	}
	return nil
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
