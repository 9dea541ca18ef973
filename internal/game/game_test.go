package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

func reread(t *testing.T, p *protocol.Packet) *protocol.Packet {
	t.Helper()
	p.PrepareToSend()
	out, err := protocol.FromDatagram(nil, append([]byte(nil), p.Bytes()...), constants.TCPMTU)
	require.NoError(t, err)
	out.GetPacketType()
	return out
}

func TestCommandQueue_OrdersByFrameStable(t *testing.T) {
	var q CommandQueue
	c3 := &CommandPacket{Frame: 11, Cmd: 3}
	c1 := &CommandPacket{Frame: 10, Cmd: 1}
	c2 := &CommandPacket{Frame: 10, Cmd: 2}
	q.Append(c3)
	q.Append(c1)
	q.Append(c2)
	require.Equal(t, 3, q.Len())
	assert.Same(t, c1, q.Peek())

	due := q.PopFrame(10)
	require.Len(t, due, 2)
	assert.Same(t, c1, due[0])
	assert.Same(t, c2, due[1])

	assert.Nil(t, q.PopFrame(10))
	assert.Same(t, c3, q.PopFront())
	assert.Nil(t, q.PopFront())
	assert.Nil(t, q.Peek())
}

func TestCommandQueue_PopFrameTakesOverdue(t *testing.T) {
	var q CommandQueue
	q.Append(&CommandPacket{Frame: 3})
	q.Append(&CommandPacket{Frame: 5})
	q.Append(&CommandPacket{Frame: 9})

	assert.Len(t, q.PopFrame(6), 2)
	assert.Equal(t, 1, q.Len())
	q.Free()
	assert.Zero(t, q.Len())
}

func TestCommandPacket_Wire(t *testing.T) {
	p := protocol.New(nil, uint8(PacketClientCommand), constants.TCPMTU)
	sendCommand(p, &CommandPacket{Company: 2, Cmd: 513, ErrMsg: 9, Data: []byte("abc"), Callback: 4})

	r := reread(t, p)
	cp := recvCommand(r)
	require.False(t, r.Malformed())
	assert.Equal(t, CompanyID(2), cp.Company)
	assert.Equal(t, uint16(513), cp.Cmd)
	assert.Equal(t, uint16(9), cp.ErrMsg)
	assert.Equal(t, []byte("abc"), cp.Data)
	assert.Equal(t, uint8(4), cp.Callback)
	assert.Zero(t, r.RemainingBytesToRead())
}

func TestGameInfo_RoundTrip(t *testing.T) {
	info := GameInfo{
		TicksPlaying:      123456789,
		GameScriptVersion: 3,
		GameScriptName:    "AdminScript",
		GRFs: []GRFInfo{
			{Ident: GRFIdentifier{GRFID: 0x4D470101, MD5: [16]byte{0xAA, 1, 2}}, Name: "OpenGFX+ Trains"},
		},
		CalendarDate:   730000,
		CalendarStart:  712000,
		CompaniesMax:   15,
		CompaniesOn:    2,
		SpectatorsMax:  10,
		ServerName:     "My Server",
		ServerRevision: "14.1",
		UsePassword:    true,
		ClientsMax:     25,
		ClientsOn:      3,
		SpectatorsOn:   1,
		MapWidth:       512,
		MapHeight:      256,
		Landscape:      1,
		Dedicated:      true,
	}

	t.Run("with names", func(t *testing.T) {
		p := protocol.New(nil, uint8(PacketServerGameInfo), constants.TCPMTU)
		SerializeGameInfo(p, &info, true)
		got, err := DeserializeGameInfo(reread(t, p), nil)
		require.NoError(t, err)
		assert.Equal(t, info, got)
	})

	t.Run("without names", func(t *testing.T) {
		p := protocol.New(nil, uint8(PacketServerGameInfo), constants.TCPMTU)
		SerializeGameInfo(p, &info, false)
		got, err := DeserializeGameInfo(reread(t, p), nil)
		require.NoError(t, err)
		assert.Equal(t, info.GRFs[0].Ident, got.GRFs[0].Ident)
		assert.Empty(t, got.GRFs[0].Name)
	})
}

func TestGameInfo_LookupIDs(t *testing.T) {
	grf := GRFInfo{Ident: GRFIdentifier{GRFID: 7}, Name: "looked up"}

	build := func(id uint32) *protocol.Packet {
		p := protocol.New(nil, 0, constants.TCPMTU)
		p.SendUint8(constants.GameInfoVersion)
		p.SendUint64(0)
		p.SendUint8(GRFSerialiseLookupID)
		p.SendUint32(0)
		p.SendString("")
		p.SendUint8(1)
		p.SendUint32(id)
		p.SendUint32(0) // calendar date
		p.SendUint32(0) // calendar start
		for range 3 {
			p.SendUint8(0)
		}
		p.SendString("srv")
		p.SendString("14.1")
		p.SendBool(false)
		for range 3 {
			p.SendUint8(0)
		}
		p.SendUint16(64)
		p.SendUint16(64)
		p.SendUint8(0)
		p.SendBool(false)
		return p
	}

	got, err := DeserializeGameInfo(reread(t, build(5)), GRFLookup{5: grf})
	require.NoError(t, err)
	assert.Equal(t, []GRFInfo{grf}, got.GRFs)

	_, err = DeserializeGameInfo(reread(t, build(6)), GRFLookup{5: grf})
	assert.ErrorIs(t, err, ErrGRFLookup)
}

func TestGameInfo_Errors(t *testing.T) {
	p := protocol.New(nil, 0, constants.TCPMTU)
	p.SendUint8(3)
	_, err := DeserializeGameInfo(reread(t, p), nil)
	assert.ErrorIs(t, err, ErrGameInfoVersion)

	p = protocol.New(nil, 0, constants.TCPMTU)
	p.SendUint8(constants.GameInfoVersion)
	p.SendUint64(1)
	p.SendUint8(9)
	_, err = DeserializeGameInfo(reread(t, p), nil)
	assert.ErrorIs(t, err, ErrGRFSerialise)

	p = protocol.New(nil, 0, constants.TCPMTU)
	p.SendUint8(constants.GameInfoVersion)
	p.SendUint64(1)
	_, err = DeserializeGameInfo(reread(t, p), nil)
	assert.ErrorIs(t, err, protocol.ErrPacketTooSmall)
}

func TestNetworkState_Clients(t *testing.T) {
	st := NewNetworkState()
	st.SetClient(&ClientInfo{ID: 5, Name: "bob"})
	st.SetClient(&ClientInfo{ID: 2, Name: "alice"})

	clients := st.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, ClientID(2), clients[0].ID)
	assert.Equal(t, "bob", st.ClientByName("bob").Name)
	assert.Nil(t, st.ClientByName("carol"))

	name, ok := st.MakeClientNameUnique("alice", 9)
	require.True(t, ok)
	assert.Equal(t, "alice #1", name)

	name, ok = st.MakeClientNameUnique("alice", 2)
	require.True(t, ok)
	assert.Equal(t, "alice", name, "own name is not a conflict")

	st.RemoveClient(5)
	assert.Nil(t, st.Client(5))
	st.ResetClients()
	assert.Empty(t, st.Clients())
}

func TestNetworkState_BanList(t *testing.T) {
	st := NewNetworkState()
	assert.True(t, st.Ban("10.0.0.1"))
	assert.False(t, st.Ban("10.0.0.1"))
	assert.True(t, st.IsBanned(func(entry string) bool { return entry == "10.0.0.1" }))
	assert.True(t, st.Unban("10.0.0.1"))
	assert.False(t, st.Unban("10.0.0.1"))
	assert.False(t, st.IsBanned(func(string) bool { return true }))
}

func TestIsValidClientName(t *testing.T) {
	assert.True(t, IsValidClientName("alice"))
	assert.False(t, IsValidClientName(""))
	assert.False(t, IsValidClientName(" alice"))
}

func TestNetworkErrorCode_RecvStatus(t *testing.T) {
	tests := []struct {
		code NetworkErrorCode
		want network.RecvStatus
	}{
		{ErrorDesync, network.RecvDesync},
		{ErrorNewGRFMismatch, network.RecvNewGRFMismatch},
		{ErrorSavegameFailed, network.RecvSavegame},
		{ErrorFull, network.RecvServerFull},
		{ErrorConnectionLost, network.RecvConnectionLost},
		{ErrorIllegalPacket, network.RecvMalformedPacket},
		{ErrorWrongPassword, network.RecvServerError},
		{ErrorKicked, network.RecvServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.RecvStatus())
		})
	}
	assert.Equal(t, "NetworkErrorCode(200)", NetworkErrorCode(200).String())
}

func TestPacketGameType_String(t *testing.T) {
	assert.Equal(t, uint8(0), uint8(PacketServerFull))
	assert.Equal(t, uint8(PacketGameEnd)-1, uint8(PacketServerErrorQuit))
	assert.NotEmpty(t, PacketServerFrame.String())
}

func TestGenerateUID(t *testing.T) {
	a := GenerateUID("server")
	b := GenerateUID("server")
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
