//go:build unix

package hdlbus

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// broadcastControl enables SO_BROADCAST and SO_REUSEADDR on the socket before
// it is bound, so the server can reach a broadcast gateway address and share
// the protocol port with other HDL tools on the same host.
func broadcastControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			sockErr = fmt.Errorf("SO_BROADCAST: %w", err)
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = fmt.Errorf("SO_REUSEADDR: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
