//go:build !unix

package hdlbus

import "syscall"

// broadcastControl is a no-op where socket options are not exposed.
func broadcastControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
