//go:build unix

package network

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func setReuseAddr(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// rawControl runs set on the socket of c before it is bound.
func rawControl(c syscall.RawConn, set func(fd uintptr) error) error {
	var opErr error
	if err := c.Control(func(fd uintptr) { opErr = set(fd) }); err != nil {
		return err
	}
	return opErr
}

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// before binding.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		return rawControl(c, setReuseAddr)
	}}
}
