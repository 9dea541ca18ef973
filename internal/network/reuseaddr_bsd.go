//go:build unix && !linux

package network

import "syscall"

func reuseControl(_, _ string, c syscall.RawConn) error {
	return rawControl(c, setReuseAddr)
}
