package coordinator

import (
	"log/slog"
	"net"
	"net/netip"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// StunHandler tells the STUN server which public address one of our address
// families shows up with. The connection stays open until the coordinator
// asks us to connect to the peer, so the NAT keeps the mapping alive; the
// peer connection is then dialled from the same local address.
type StunHandler struct {
	*network.TCPHandler

	token  string
	family network.Family
	coord  *Coordinator
	server string

	connector *network.Connector
	local     netip.AddrPort
	failed    bool
}

func newStunHandler(c *Coordinator, token string, family network.Family) *StunHandler {
	return &StunHandler{
		TCPHandler: network.NewTCPHandler(nil),
		token:      token,
		family:     family,
		coord:      c,
		server:     c.stunServer,
	}
}

// LocalAddr is the local address of the STUN connection, invalid until connected.
func (h *StunHandler) LocalAddr() netip.AddrPort { return h.local }

// Connect starts connecting to the STUN server from a reusable local port.
func (h *StunHandler) Connect() *network.Connector {
	opts := append([]network.ConnectorOption{network.WithFamily(h.family), network.WithReusePort()}, h.coord.connOpts...)
	h.connector = network.NewConnector(h.server, constants.StunServerPort, h, opts...)
	return h.connector
}

func (h *StunHandler) OnConnect(conn net.Conn) {
	h.connector = nil
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		h.local = tcp.AddrPort()
	}
	h.Attach(network.NewConnSocket(conn))

	p := protocol.New(h.TCPHandler, uint8(PacketSerCliStun), constants.TCPMTU)
	p.SendUint8(constants.CoordinatorVersion)
	p.SendString(h.token)
	p.SendUint8(uint8(h.family))
	h.SendPacket(p)
	slog.Debug("stun request sent", "token", h.token, "family", h.family.String(), "local", h.local.String())
}

func (h *StunHandler) OnFailure() {
	h.connector = nil
	h.fail()
}

// HandlePacket rejects everything: the STUN server never talks back.
func (h *StunHandler) HandlePacket(p *protocol.Packet) network.RecvStatus {
	slog.Warn("unexpected packet", "type", PacketStunType(p.GetPacketType()), "server", h.server)
	return network.RecvMalformedPacket
}

// SendReceive flushes the request and notices when the server hangs up.
func (h *StunHandler) SendReceive() {
	if !h.IsConnected() || h.HasClientQuit() {
		return
	}
	if h.ReceivePackets(h, constants.MaxPacketsToReceive) != network.RecvOkay {
		h.Close()
		return
	}
	h.SendPackets(false)
}

// Detach stops using the connection without closing the socket yet; it is
// closed once the peer connection from the same local port is made.
func (h *StunHandler) Detach() {
	h.CloseConnection()
}

// Close drops the connection and any pending connect.
func (h *StunHandler) Close() {
	h.CloseConnection()
	h.CloseSocket()
	if h.connector != nil {
		h.connector.Kill()
		h.connector = nil
	}
}

func (h *StunHandler) fail() {
	if h.failed {
		return
	}
	h.failed = true
	h.coord.StunResult(h.token, h.family, false)
}
