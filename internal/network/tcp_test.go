package network

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// fakeSocket is a scripted Socket: reads come from in, writes go to out, and
// sendRoom limits how many bytes the "kernel" accepts (-1 is unlimited).
type fakeSocket struct {
	in       bytes.Buffer
	inErr    error
	out      bytes.Buffer
	sendRoom int
	sendErr  error
	closed   bool
}

func newFakeSocket() *fakeSocket { return &fakeSocket{sendRoom: -1} }

func (f *fakeSocket) Recv(p []byte) (int, error) {
	if f.in.Len() == 0 {
		if f.inErr != nil {
			return 0, f.inErr
		}
		return 0, ErrWouldBlock
	}
	return f.in.Read(p)
}

func (f *fakeSocket) Send(p []byte) (int, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	if f.sendRoom == 0 {
		return 0, ErrWouldBlock
	}
	n := len(p)
	if f.sendRoom > 0 {
		n = min(n, f.sendRoom)
		f.sendRoom -= n
	}
	return f.out.Write(p[:n])
}

func (f *fakeSocket) Close() error         { f.closed = true; return nil }
func (f *fakeSocket) LocalAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} }
func (f *fakeSocket) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2} }

func wirePacket(typ uint8, payload string) []byte {
	p := protocol.New(nil, typ, constants.TCPMTU)
	p.SendString(payload)
	p.PrepareToSend()
	return append([]byte(nil), p.Bytes()...)
}

func TestTCPHandler_SendPacketsStates(t *testing.T) {
	sock := newFakeSocket()
	h := NewTCPHandler(sock)

	p := protocol.New(h, 1, constants.TCPMTU)
	p.SendString("0123456789")
	h.SendPacket(p)
	size := p.Size()

	sock.sendRoom = 0
	assert.Equal(t, SendNoneSent, h.SendPackets(false))
	assert.False(t, h.Writable())

	sock.sendRoom = 4
	assert.Equal(t, SendPartlySent, h.SendPackets(false))
	assert.Equal(t, 1, h.QueueLen())

	sock.sendRoom = -1
	assert.Equal(t, SendAllSent, h.SendPackets(false))
	assert.True(t, h.IsPacketQueueEmpty())
	assert.Equal(t, size, sock.out.Len())
}

func TestTCPHandler_SendPacketsErrorCloses(t *testing.T) {
	sock := newFakeSocket()
	sock.sendErr = errors.New("broken pipe")
	h := NewTCPHandler(sock)
	h.SendPacket(protocol.New(h, 1, constants.TCPMTU))

	assert.Equal(t, SendClosed, h.SendPackets(false))
	assert.True(t, h.HasClientQuit())
	assert.True(t, sock.closed)
	assert.False(t, h.IsConnected())
	assert.Equal(t, SendClosed, h.SendPackets(false))
}

func TestTCPHandler_SendPacketsClosingDownKeepsSocket(t *testing.T) {
	sock := newFakeSocket()
	sock.sendErr = errors.New("broken pipe")
	h := NewTCPHandler(sock)
	h.SendPacket(protocol.New(h, 1, constants.TCPMTU))

	assert.Equal(t, SendClosed, h.SendPackets(true))
	assert.False(t, sock.closed)
}

func TestTCPHandler_ReceiveReassemblesAcrossCalls(t *testing.T) {
	sock := newFakeSocket()
	h := NewTCPHandler(sock)

	wire := append(wirePacket(5, "first"), wirePacket(6, "second")...)

	// Byte by byte: every call before the last byte of a packet needs more data.
	var got []*protocol.Packet
	for _, b := range wire {
		sock.in.WriteByte(b)
		p, status := h.ReceivePacket()
		require.Equal(t, RecvOkay, status)
		if p != nil {
			got = append(got, p)
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, uint8(5), got[0].GetPacketType())
	assert.Equal(t, "first", got[0].RecvString(constants.NameLength))
	assert.Equal(t, uint8(6), got[1].GetPacketType())
	assert.Equal(t, "second", got[1].RecvString(constants.NameLength))
}

func TestTCPHandler_OversizedPacketIsMalformed(t *testing.T) {
	sock := newFakeSocket()
	h := NewTCPHandler(sock)
	require.Equal(t, constants.TCPMTU, h.ReceiveLimit())

	big := protocol.New(nil, 1, constants.MapMTU)
	big.SendBytes(bytes.Repeat([]byte{1}, constants.TCPMTU+10))
	big.PrepareToSend()
	sock.in.Write(big.Bytes())

	p, status := h.ReceivePacket()
	assert.Nil(t, p)
	assert.Equal(t, RecvMalformedPacket, status)
	assert.True(t, h.HasClientQuit())
}

func TestTCPHandler_RaisedLimitAcceptsExtendedSize(t *testing.T) {
	sock := newFakeSocket()
	h := NewTCPHandler(sock)
	h.SetReceiveLimit(constants.MapMTU)

	big := protocol.New(nil, 1, constants.MapMTU)
	big.SendBytes(bytes.Repeat([]byte{1}, constants.TCPMTU+10))
	big.PrepareToSend()
	sock.in.Write(big.Bytes())

	p, status := h.ReceivePacket()
	require.Equal(t, RecvOkay, status)
	require.NotNil(t, p)
	assert.Equal(t, uint8(1), p.GetPacketType())
	assert.Equal(t, constants.TCPMTU+10, p.RemainingBytesToRead())
}

func TestTCPHandler_UndersizedPacketIsMalformed(t *testing.T) {
	sock := newFakeSocket()
	h := NewTCPHandler(sock)
	sock.in.Write([]byte{2, 0})

	p, status := h.ReceivePacket()
	assert.Nil(t, p)
	assert.Equal(t, RecvMalformedPacket, status)
}

func TestTCPHandler_EOFIsConnectionLost(t *testing.T) {
	sock := newFakeSocket()
	sock.inErr = io.EOF
	h := NewTCPHandler(sock)

	p, status := h.ReceivePacket()
	assert.Nil(t, p)
	assert.Equal(t, RecvConnectionLost, status)
	assert.True(t, h.HasClientQuit())
}

func TestTCPHandler_CloseConnectionIdempotent(t *testing.T) {
	sock := newFakeSocket()
	h := NewTCPHandler(sock)
	h.SendPacket(protocol.New(h, 1, constants.TCPMTU))

	assert.Equal(t, RecvOkay, h.CloseConnection())
	assert.Equal(t, RecvOkay, h.CloseConnection())
	assert.True(t, h.IsPacketQueueEmpty())
	assert.True(t, h.HasClientQuit())
}

func TestTCPHandler_TakeSocketTransfersOwnership(t *testing.T) {
	sock := newFakeSocket()
	h := NewTCPHandler(sock)

	taken := h.TakeSocket()
	assert.Same(t, sock, taken)
	assert.False(t, h.IsConnected())

	h.CloseSocket()
	assert.False(t, sock.closed, "handler must not close a socket it gave away")
}

func TestConnSocket_EndToEnd(t *testing.T) {
	a, b := net.Pipe()
	sa, sb := NewConnSocket(a), NewConnSocket(b)
	defer sa.Close()
	defer sb.Close()

	sender := NewTCPHandler(sa)
	receiver := NewTCPHandler(sb)

	p := protocol.New(sender, 3, constants.TCPMTU)
	p.SendUint32(42)
	p.SendString("over the pipe")
	sender.SendPacket(p)

	var got *protocol.Packet
	require.Eventually(t, func() bool {
		sender.SendPackets(false)
		rp, status := receiver.ReceivePacket()
		if status != RecvOkay {
			return false
		}
		got = rp
		return rp != nil
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, uint8(3), got.GetPacketType())
	assert.Equal(t, uint32(42), got.RecvUint32())
	assert.Equal(t, "over the pipe", got.RecvString(constants.NameLength))
}

func TestConnSocket_RecvWouldBlockAndClose(t *testing.T) {
	a, b := net.Pipe()
	sa := NewConnSocket(a)
	defer b.Close()

	buf := make([]byte, 8)
	_, err := sa.Recv(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, sa.Close())
	_, err = sa.Recv(buf)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = sa.Send(buf)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnSocket_PeerCloseSurfacesError(t *testing.T) {
	a, b := net.Pipe()
	sa := NewConnSocket(a)
	defer sa.Close()
	require.NoError(t, b.Close())

	buf := make([]byte, 8)
	require.Eventually(t, func() bool {
		_, err := sa.Recv(buf)
		return err != nil && !errors.Is(err, ErrWouldBlock)
	}, 2*time.Second, time.Millisecond)
}

type countingHandler struct {
	types  []uint8
	result RecvStatus
	read   func(p *protocol.Packet)
}

func (c *countingHandler) HandlePacket(p *protocol.Packet) RecvStatus {
	c.types = append(c.types, p.GetPacketType())
	if c.read != nil {
		c.read(p)
	}
	return c.result
}

func TestTCPHandler_ReceivePacketsBudget(t *testing.T) {
	sock := newFakeSocket()
	h := NewTCPHandler(sock)
	for i := range 5 {
		sock.in.Write(wirePacket(uint8(i), "x"))
	}

	c := &countingHandler{}
	require.Equal(t, RecvOkay, h.ReceivePackets(c, 3))
	assert.Equal(t, []uint8{0, 1, 2}, c.types)

	require.Equal(t, RecvOkay, h.ReceivePackets(c, 3))
	assert.Equal(t, []uint8{0, 1, 2, 3, 4}, c.types)
}

func TestTCPHandler_ReceivePacketsStopsOnStatus(t *testing.T) {
	sock := newFakeSocket()
	h := NewTCPHandler(sock)
	sock.in.Write(wirePacket(1, "a"))
	sock.in.Write(wirePacket(2, "b"))

	c := &countingHandler{result: RecvServerFull}
	assert.Equal(t, RecvServerFull, h.ReceivePackets(c, 10))
	assert.Equal(t, []uint8{1}, c.types)
}

func TestTCPHandler_ReceivePacketsOverreadIsMalformed(t *testing.T) {
	sock := newFakeSocket()
	h := NewTCPHandler(sock)
	sock.in.Write(wirePacket(1, "a"))

	c := &countingHandler{read: func(p *protocol.Packet) {
		p.RecvString(constants.NameLength)
		p.RecvUint32()
	}}
	assert.Equal(t, RecvMalformedPacket, h.ReceivePackets(c, 10))
	assert.True(t, h.HasClientQuit())
}
