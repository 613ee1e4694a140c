//go:build !windows

package btcnet

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl marks listening sockets SO_REUSEADDR before bind so that
// restarts don't trip over sockets lingering in TIME_WAIT.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
