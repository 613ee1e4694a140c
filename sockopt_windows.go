//go:build windows

package btcnet

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseAddrControl marks listening sockets SO_REUSEADDR before bind so that
// restarts don't trip over sockets lingering in TIME_WAIT.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd),
			windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
