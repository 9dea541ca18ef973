//go:build !unix && !windows

package network

import (
	"net"
	"syscall"
)

func reuseControl(network, address string, c syscall.RawConn) error { return nil }

// ReuseAddrListenConfig returns a plain net.ListenConfig; this platform has no socket options.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
