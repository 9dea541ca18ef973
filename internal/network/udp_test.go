package network

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/protocol"
)

type udpRecorder struct {
	mu    sync.Mutex
	types []uint8
	from  []Address
}

func (r *udpRecorder) HandleUDPPacket(p *protocol.Packet, from Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, p.GetPacketType())
	r.from = append(r.from, from)
}

func TestUDPHandler_SendAndReceive(t *testing.T) {
	rec := &udpRecorder{}
	server := NewUDPHandler([]Address{NewAddress("127.0.0.1", 0, FamilyIPv4)}, rec)
	require.NoError(t, server.Listen())
	defer server.CloseSocket()
	serverAddr := AddressFromNetAddr(server.Sockets()[0].LocalAddr())

	client := NewUDPHandler([]Address{NewAddress("127.0.0.1", 0, FamilyIPv4)}, nil)
	require.NoError(t, client.Listen())
	defer client.CloseSocket()

	p := protocol.New(client, 0, constants.UDPMTU)
	p.SendString("find")
	client.SendPacket(p, serverAddr, false, false)

	require.Eventually(t, func() bool {
		server.ReceivePackets()
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.types) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint8(0), rec.types[0])
	assert.True(t, rec.from[0].IsFamily(FamilyIPv4))
}

func TestUDPHandler_DropsMalformedDatagrams(t *testing.T) {
	rec := &udpRecorder{}
	server := NewUDPHandler([]Address{NewAddress("127.0.0.1", 0, FamilyIPv4)}, rec)
	require.NoError(t, server.Listen())
	defer server.CloseSocket()

	conn, err := net.Dial("udp4", server.Sockets()[0].LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{9, 0, 1}) // claims 9 bytes, carries 3
	require.NoError(t, err)
	_, err = conn.Write([]byte{3, 0, 1}) // valid, type 1
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		server.ReceivePackets()
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.types) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint8(1), rec.types[0])
}
