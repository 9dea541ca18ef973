//go:build windows

package network

import (
	"net"
	"syscall"
)

func reuseControl(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
}

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// on the socket before binding.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: reuseControl}
}
