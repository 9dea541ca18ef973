// Package turn implements the client side of the TURN relay protocol. A relay
// pairs two peers that could not reach each other directly and forwards their
// game traffic; once paired, the socket is handed to whoever asked for it.
package turn

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// PacketTurnType is the type byte of a TURN packet. The order is part of the
// wire format.
type PacketTurnType uint8

const (
	PacketTurnError     PacketTurnType = iota // relay could not pair the connection
	PacketSerCliConnect                       // ticket handed out by the coordinator
	PacketTurnConnected                       // the peer arrived, traffic is now forwarded
	PacketTurnEnd
)

var packetTurnTypeNames = [...]string{"TURN_ERROR", "SERCLI_CONNECT", "TURN_CONNECTED"}

func (t PacketTurnType) String() string {
	if int(t) < len(packetTurnTypeNames) {
		return packetTurnTypeNames[t]
	}
	return fmt.Sprintf("PacketTurnType(%d)", uint8(t))
}

// Receiver learns how a relay attempt ended. Both methods run on the goroutine
// polling the Handler.
type Receiver interface {
	ConnectSuccess(token string, sock network.Socket, addr network.Address)
	ConnectFailure(token string, tracking uint8)
}

// Handler is one connection to a relay on behalf of a coordinator token.
type Handler struct {
	*network.TCPHandler

	token            string
	tracking         uint8
	ticket           string
	connectionString string
	receiver         Receiver

	connector *network.Connector
	started   bool
	finished  bool
}

// New prepares a relay connection. Nothing happens until Connect.
func New(token string, tracking uint8, ticket, connectionString string, r Receiver) *Handler {
	return &Handler{
		TCPHandler:       network.NewTCPHandler(nil),
		token:            token,
		tracking:         tracking,
		ticket:           ticket,
		connectionString: connectionString,
		receiver:         r,
	}
}

// Token is the coordinator token this relay connection serves.
func (h *Handler) Token() string { return h.token }

// Connect starts connecting to the relay. The returned connector must be
// polled; it is nil when the handler was already started.
func (h *Handler) Connect(opts ...network.ConnectorOption) *network.Connector {
	if h.started {
		return nil
	}
	h.started = true
	slog.Debug("connecting to turn server", "server", h.connectionString, "token", h.token)
	h.connector = network.NewConnector(h.connectionString, constants.TurnServerPort, h, opts...)
	return h.connector
}

func (h *Handler) OnConnect(conn net.Conn) {
	h.connector = nil
	h.Attach(network.NewConnSocket(conn))

	p := protocol.New(h.TCPHandler, uint8(PacketSerCliConnect), constants.TCPMTU)
	p.SendUint8(constants.CoordinatorVersion)
	p.SendString(h.ticket)
	h.SendPacket(p)
}

func (h *Handler) OnFailure() {
	h.connector = nil
	slog.Info("could not connect to turn server", "server", h.connectionString, "token", h.token)
	h.fail()
}

// HandlePacket dispatches one packet from the relay.
func (h *Handler) HandlePacket(p *protocol.Packet) network.RecvStatus {
	t := PacketTurnType(p.GetPacketType())
	switch t {
	case PacketTurnError:
		slog.Info("turn server refused connection", "server", h.connectionString, "token", h.token)
		h.fail()
		return network.RecvCloseQuery

	case PacketTurnConnected:
		hostname := p.RecvString(constants.HostnameLength)
		if p.Malformed() {
			return network.RecvMalformedPacket
		}
		// The socket now belongs to the game connection; closing this
		// handler must leave it alone.
		sock := h.TakeSocket()
		h.finished = true
		slog.Debug("turn connection established", "peer", hostname, "token", h.token)
		h.receiver.ConnectSuccess(h.token, sock, network.NewAddress(hostname, constants.DefaultPort, network.FamilyUnspec))
		return network.RecvCloseQuery

	case PacketSerCliConnect:
		slog.Warn("unexpected packet", "type", t.String(), "server", h.connectionString)
		return network.RecvMalformedPacket

	default:
		slog.Warn("unknown packet", "type", uint8(t), "server", h.connectionString)
		return network.RecvMalformedPacket
	}
}

// SendReceive handles what the relay sent and flushes what we queued.
func (h *Handler) SendReceive() {
	if !h.IsConnected() {
		return
	}
	if status := h.ReceivePackets(h, constants.TurnPacketsToReceive); status != network.RecvOkay {
		if status != network.RecvCloseQuery {
			h.fail()
		}
		h.Close()
		return
	}
	if h.SendPackets(false) == network.SendClosed {
		h.fail()
		h.Close()
	}
}

// Close drops the relay connection and any pending connect.
func (h *Handler) Close() {
	h.CloseConnection()
	h.CloseSocket()
	if h.connector != nil {
		h.connector.Kill()
		h.connector = nil
	}
}

// Done reports whether the handler has nothing left to do.
func (h *Handler) Done() bool {
	return h.started && h.connector == nil && !h.IsConnected()
}

// fail reports the failure once; later failures of the same attempt are noise.
func (h *Handler) fail() {
	if h.finished {
		return
	}
	h.finished = true
	h.receiver.ConnectFailure(h.token, h.tracking)
}
