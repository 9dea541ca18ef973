package testutil

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// Peer plays the remote end of a packet protocol over a plain net.Conn. A
// reader goroutine reassembles incoming packets; the test side sends and
// receives synchronously while pumping the poll-driven code under test.
type Peer struct {
	t       testing.TB
	conn    net.Conn
	packets chan *protocol.Packet
	timeout time.Duration

	mu      sync.Mutex
	readErr error
}

// NewPeer starts reading packets from conn. The connection is closed when the test ends.
func NewPeer(t testing.TB, conn net.Conn) *Peer {
	t.Helper()
	p := &Peer{
		t:       t,
		conn:    conn,
		packets: make(chan *protocol.Packet, 64),
		timeout: 5 * time.Second,
	}
	t.Cleanup(func() { _ = conn.Close() })
	go p.readLoop()
	return p
}

// AcceptPeer accepts one connection on ln, pumping until it arrives.
func AcceptPeer(t testing.TB, ln net.Listener, pump func()) *Peer {
	t.Helper()
	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			ch <- conn
		}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pump != nil {
			pump()
		}
		select {
		case conn := <-ch:
			return NewPeer(t, conn)
		case <-time.After(2 * time.Millisecond):
		}
	}
	t.Fatalf("no connection on %s", ln.Addr())
	return nil
}

// Conn is the underlying connection.
func (p *Peer) Conn() net.Conn { return p.conn }

func (p *Peer) readLoop() {
	defer close(p.packets)
	for {
		pk, err := readPacket(p.conn)
		if err != nil {
			p.mu.Lock()
			p.readErr = err
			p.mu.Unlock()
			return
		}
		p.packets <- pk
	}
}

func readPacket(conn net.Conn) (*protocol.Packet, error) {
	pk := protocol.NewReceive(nil, constants.TCPMTU)
	for !pk.HasPacketSizeData() {
		if _, err := pk.TransferIn(conn.Read); err != nil {
			return nil, err
		}
	}
	if err := pk.ParsePacketSize(); err != nil {
		return nil, err
	}
	for pk.RemainingBytesToTransfer() > 0 {
		if _, err := pk.TransferIn(conn.Read); err != nil {
			return nil, err
		}
	}
	if err := pk.PrepareToRead(); err != nil {
		return nil, err
	}
	return pk, nil
}

// Send writes a packet of type typ whose payload build fills.
func (p *Peer) Send(typ uint8, build func(pk *protocol.Packet)) {
	p.t.Helper()
	pk := protocol.New(nil, typ, constants.TCPMTU)
	if build != nil {
		build(pk)
	}
	pk.PrepareToSend()
	p.SendRaw(pk.Bytes())
}

// SendRaw writes bytes as they are.
func (p *Peer) SendRaw(data []byte) {
	p.t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	if _, err := p.conn.Write(data); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

// Next returns the next packet with its type byte consumed, calling pump
// while waiting.
func (p *Peer) Next(pump func()) (*protocol.Packet, uint8) {
	p.t.Helper()
	deadline := time.Now().Add(p.timeout)
	for time.Now().Before(deadline) {
		if pump != nil {
			pump()
		}
		select {
		case pk, ok := <-p.packets:
			if !ok {
				p.mu.Lock()
				err := p.readErr
				p.mu.Unlock()
				p.t.Fatalf("peer connection closed: %v", err)
			}
			return pk, pk.GetPacketType()
		case <-time.After(2 * time.Millisecond):
		}
	}
	p.t.Fatalf("no packet within %v", p.timeout)
	return nil, 0
}

// Expect is Next failing the test unless the packet has type typ.
func (p *Peer) Expect(typ uint8, pump func()) *protocol.Packet {
	p.t.Helper()
	pk, got := p.Next(pump)
	if got != typ {
		p.t.Fatalf("expected packet type %d, got %d", typ, got)
	}
	return pk
}

// WaitClosed pumps until the other side closed the connection. Packets
// arriving before that are discarded.
func (p *Peer) WaitClosed(pump func()) {
	p.t.Helper()
	deadline := time.Now().Add(p.timeout)
	for time.Now().Before(deadline) {
		if pump != nil {
			pump()
		}
		select {
		case _, ok := <-p.packets:
			if !ok {
				return
			}
		case <-time.After(2 * time.Millisecond):
		}
	}
	p.t.Fatalf("connection still open after %v", p.timeout)
}
