// Package udp implements LAN discovery: clients broadcast a find-server
// request and every game server on the network answers with its game info.
package udp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/game"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

var nowFunc = time.Now

// PacketUDPType is the type byte of a discovery datagram.
type PacketUDPType uint8

const (
	PacketClientFindServer PacketUDPType = iota // who is out there?
	PacketServerResponse                        // game info of a server
	PacketUDPEnd
)

func (t PacketUDPType) String() string {
	switch t {
	case PacketClientFindServer:
		return "CLIENT_FIND_SERVER"
	case PacketServerResponse:
		return "SERVER_RESPONSE"
	default:
		return fmt.Sprintf("PacketUDPType(%d)", uint8(t))
	}
}

// Responder answers find-server requests for a game server. It implements
// game.Service; info is called on the server loop.
type Responder struct {
	*network.UDPHandler
	info func() game.GameInfo
}

// NewResponder creates a responder bound to bind, usually the game port.
func NewResponder(bind []network.Address, info func() game.GameInfo) *Responder {
	r := &Responder{info: info}
	r.UDPHandler = network.NewUDPHandler(bind, r)
	return r
}

// Poll answers every request that arrived since the last call.
func (r *Responder) Poll() {
	r.ReceivePackets()
}

func (r *Responder) HandleUDPPacket(p *protocol.Packet, from network.Address) {
	switch t := PacketUDPType(p.GetPacketType()); t {
	case PacketClientFindServer:
		slog.Debug("find server request", "from", from.String())
		r.SendPacket(r.response(), from, false, false)
	default:
		slog.Debug("unexpected udp packet", "type", t.String(), "from", from.String())
	}
}

// response serialises the game info, leaving out the NewGRFs when the list
// would not fit in one datagram.
func (r *Responder) response() *protocol.Packet {
	info := r.info()
	p := protocol.New(r.UDPHandler, uint8(PacketServerResponse), constants.TCPMTU)
	game.SerializeGameInfo(p, &info, false)
	if p.Size() <= constants.UDPMTU {
		return p
	}
	slog.Debug("game info too large for udp, omitting NewGRFs", "grfs", len(info.GRFs))
	info.GRFs = nil
	p = protocol.New(r.UDPHandler, uint8(PacketServerResponse), constants.UDPMTU)
	game.SerializeGameInfo(p, &info, false)
	return p
}
