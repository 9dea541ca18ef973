package testutil

import (
	"net"
	"testing"
)

// PipeConn returns both ends of an in-memory connection, closed when the test ends.
func PipeConn(t testing.TB) (client, server net.Conn) {
	t.Helper()
	server, client = net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return client, server
}

// ListenTCP listens on a random loopback port and returns the listener with
// its "host:port". The listener is closed when the test ends.
func ListenTCP(t testing.TB) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create TCP listener: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().String()
}

// ListenUDP binds a random loopback UDP port, closed when the test ends.
func ListenUDP(t testing.TB) net.PacketConn {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create UDP socket: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}
