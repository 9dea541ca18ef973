package network

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// udpReceiveBudget bounds the datagrams handled per socket per call.
const udpReceiveBudget = 100

// UDPReceiver handles one datagram that parsed into a packet.
type UDPReceiver interface {
	HandleUDPPacket(p *protocol.Packet, from Address)
}

// UDPHandler sends and receives single-datagram packets on one or more bound sockets.
type UDPHandler struct {
	SocketHandler

	bind     []Address
	sockets  []PacketSocket
	receiver UDPReceiver
}

// NewUDPHandler creates a handler that will bind to the given addresses.
// An empty list binds the wildcard address on both families.
func NewUDPHandler(bind []Address, receiver UDPReceiver) *UDPHandler {
	if len(bind) == 0 {
		bind = []Address{NewAddress("0.0.0.0", 0, FamilyIPv4), NewAddress("::", 0, FamilyIPv6)}
	}
	return &UDPHandler{bind: bind, receiver: receiver}
}

// Listen binds every configured address. It succeeds when at least one socket was opened.
func (h *UDPHandler) Listen() error {
	h.CloseSocket()
	for i := range h.bind {
		addr := h.bind[i]
		conns, err := addr.ListenUDP()
		if err != nil {
			slog.Warn("could not bind udp socket", "address", addr.String(), "error", err)
			continue
		}
		for _, c := range conns {
			h.sockets = append(h.sockets, NewPacketSocket(c, 64))
			slog.Debug("listening on udp", "address", c.LocalAddr().String())
		}
	}
	if len(h.sockets) == 0 {
		return fmt.Errorf("no udp socket could be bound")
	}
	return nil
}

// AddSocket adopts an already bound packet socket.
func (h *UDPHandler) AddSocket(s PacketSocket) {
	h.sockets = append(h.sockets, s)
}

// Sockets returns the bound sockets.
func (h *UDPHandler) Sockets() []PacketSocket { return h.sockets }

// CloseSocket closes all bound sockets.
func (h *UDPHandler) CloseSocket() {
	for _, s := range h.sockets {
		_ = s.Close()
	}
	h.sockets = nil
}

// SendPacket sends p to recv. With all set it is sent from every socket; with
// broadcast set the limited broadcast address of each socket's family is used.
func (h *UDPHandler) SendPacket(p *protocol.Packet, recv Address, all, broadcast bool) {
	if len(h.sockets) == 0 {
		_ = h.Listen()
	}
	p.PrepareToSend()

	for _, s := range h.sockets {
		local, _ := s.LocalAddr().(*net.UDPAddr)
		isV4 := local == nil || local.IP.To4() != nil

		var dst net.Addr
		if broadcast {
			if !isV4 {
				continue
			}
			dst = &net.UDPAddr{IP: net.IPv4bcast, Port: int(recv.GetPort())}
		} else {
			ap, err := recv.GetAddress()
			if err != nil {
				slog.Debug("udp send: resolve failed", "address", recv.String(), "error", err)
				return
			}
			if ap.Addr().Unmap().Is4() != isV4 {
				continue
			}
			dst = net.UDPAddrFromAddrPort(ap)
		}

		if err := s.SendTo(p.Bytes(), dst); err != nil {
			slog.Debug("udp send failed", "to", dst.String(), "error", err)
		}
		if !all {
			break
		}
	}
}

// ReceivePackets drains up to a fixed budget of datagrams per socket and hands
// every well formed packet to the receiver.
func (h *UDPHandler) ReceivePackets() {
	for _, s := range h.sockets {
		for range udpReceiveBudget {
			d, err := s.RecvFrom()
			if err != nil {
				if !NewNetworkError(err).WouldBlock() {
					slog.Debug("udp receive failed", "error", err)
				}
				break
			}
			from := AddressFromNetAddr(d.From)
			if len(d.Data) > constants.UDPMTU {
				slog.Debug("udp packet too large", "from", from.String(), "size", len(d.Data))
				continue
			}
			p, err := protocol.FromDatagram(h, d.Data, constants.UDPMTU)
			if err != nil {
				slog.Debug("malformed udp packet", "from", from.String(), "error", err)
				continue
			}
			if h.receiver != nil {
				h.receiver.HandleUDPPacket(p, from)
			}
		}
	}
}
