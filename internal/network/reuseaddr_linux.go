//go:build linux

package network

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets several sockets share one local port, which the STUN
// simultaneous open needs.
func reuseControl(_, _ string, c syscall.RawConn) error {
	return rawControl(c, func(fd uintptr) error {
		if err := setReuseAddr(fd); err != nil {
			return err
		}
		return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
}
