package network

import (
	"errors"
	"log/slog"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// TCPHandler frames packets over a stream socket: an outbound queue drained
// without blocking and a partially received inbound packet.
type TCPHandler struct {
	SocketHandler

	sock       Socket
	writable   bool
	queue      []*protocol.Packet
	recvPacket *protocol.Packet
	recvLimit  int
	observer   TrafficObserver
}

// NewTCPHandler creates a handler for sock.
func NewTCPHandler(sock Socket) *TCPHandler {
	h := &TCPHandler{}
	h.Attach(sock)
	return h
}

// Attach binds the handler to a (new) socket and resets its state.
func (h *TCPHandler) Attach(sock Socket) {
	h.sock = sock
	h.writable = sock != nil
	h.queue = nil
	h.recvPacket = nil
	if h.recvLimit == 0 {
		h.recvLimit = constants.TCPMTU
	}
	h.Reopen()
}

// SetObserver installs a traffic observer (nil disables).
func (h *TCPHandler) SetObserver(o TrafficObserver) { h.observer = o }

// SetReceiveLimit changes the largest packet accepted from the peer.
func (h *TCPHandler) SetReceiveLimit(limit int) { h.recvLimit = limit }

// ReceiveLimit is the largest packet currently accepted from the peer.
func (h *TCPHandler) ReceiveLimit() int { return h.recvLimit }

// IsConnected reports whether the handler owns a socket.
func (h *TCPHandler) IsConnected() bool { return h.sock != nil }

// Socket returns the current socket, possibly nil.
func (h *TCPHandler) Socket() Socket { return h.sock }

// Writable reports whether the last send attempt made progress.
func (h *TCPHandler) Writable() bool { return h.writable }

// TakeSocket moves the socket out of the handler. The handler no longer closes
// it; whoever receives it owns it.
func (h *TCPHandler) TakeSocket() Socket {
	sock := h.sock
	h.sock = nil
	h.writable = false
	h.queue = nil
	h.recvPacket = nil
	return sock
}

// CloseSocket closes the OS socket if the handler still owns one.
func (h *TCPHandler) CloseSocket() {
	if h.sock == nil {
		return
	}
	_ = h.sock.Close()
	h.sock = nil
}

// CloseConnection marks the handler closed and discards queued packets. It is
// idempotent. The socket itself is closed by CloseSocket.
func (h *TCPHandler) CloseConnection() RecvStatus {
	h.MarkClosed()
	h.writable = false
	h.queue = nil
	h.recvPacket = nil
	return RecvOkay
}

// SendPacket finalises p and appends it to the outbound queue.
func (h *TCPHandler) SendPacket(p *protocol.Packet) {
	p.PrepareToSend()
	h.queue = append(h.queue, p)
}

// QueueLen is the number of packets waiting to be sent.
func (h *TCPHandler) QueueLen() int { return len(h.queue) }

// IsPacketQueueEmpty reports whether everything queued has been handed to the socket.
func (h *TCPHandler) IsPacketQueueEmpty() bool { return len(h.queue) == 0 }

// SendPackets pushes queued packets into the socket until it would block.
// When closingDown is set, a failing socket is not closed here because the
// caller is already tearing the connection down.
func (h *TCPHandler) SendPackets(closingDown bool) SendState {
	if h.sock == nil {
		return SendClosed
	}

	for len(h.queue) > 0 {
		p := h.queue[0]
		_, err := p.TransferOut(h.sock.Send)
		if err != nil {
			nerr := NewNetworkError(err)
			if nerr.WouldBlock() {
				h.writable = false
				return SendNoneSent
			}
			slog.Debug("send failed", "remote", h.remoteString(), "error", nerr.AsString())
			if !closingDown {
				h.CloseConnection()
				h.CloseSocket()
			}
			return SendClosed
		}
		h.writable = true

		if p.RemainingBytesToTransfer() != 0 {
			return SendPartlySent
		}
		if h.observer != nil {
			h.observer.PacketSent(p.Size())
		}
		h.queue[0] = nil
		h.queue = h.queue[1:]
	}
	return SendAllSent
}

// ReceivePacket reads from the socket until one packet is complete. It returns
// (nil, RecvOkay) when more data is needed.
func (h *TCPHandler) ReceivePacket() (*protocol.Packet, RecvStatus) {
	if h.sock == nil {
		return nil, RecvConnectionLost
	}
	if h.recvPacket == nil {
		h.recvPacket = protocol.NewReceive(h, h.recvLimit)
	}
	p := h.recvPacket

	for !p.HasPacketSizeData() {
		if status, more := h.transferIn(p); !more {
			return nil, status
		}
	}

	if err := p.ParsePacketSize(); err != nil {
		slog.Warn("malformed packet size", "remote", h.remoteString(), "error", err)
		h.recvPacket = nil
		h.MarkClosed()
		return nil, RecvMalformedPacket
	}

	for p.RemainingBytesToTransfer() > 0 {
		if status, more := h.transferIn(p); !more {
			return nil, status
		}
	}

	h.recvPacket = nil
	if err := p.PrepareToRead(); err != nil {
		slog.Warn("malformed packet", "remote", h.remoteString(), "error", err)
		h.MarkClosed()
		return nil, RecvMalformedPacket
	}
	if h.observer != nil {
		h.observer.PacketReceived(p.Size())
	}
	return p, RecvOkay
}

// PacketHandler handles one received packet of a sub-protocol.
type PacketHandler interface {
	HandlePacket(p *protocol.Packet) RecvStatus
}

// ReceivePackets handles at most budget complete packets. It stops early when
// no complete packet is buffered or a packet yields a non-okay status. A packet
// whose reads ran past its end counts as malformed even when the handler
// accepted it.
func (h *TCPHandler) ReceivePackets(handler PacketHandler, budget int) RecvStatus {
	for range budget {
		p, status := h.ReceivePacket()
		if status != RecvOkay {
			return status
		}
		if p == nil {
			return RecvOkay
		}
		status = handler.HandlePacket(p)
		if status == RecvOkay && p.Malformed() {
			slog.Warn("malformed packet", "remote", h.remoteString(), "type", p.GetPacketType())
			h.MarkClosed()
			status = RecvMalformedPacket
		}
		if status != RecvOkay {
			return status
		}
	}
	return RecvOkay
}

// transferIn reads once; more is false when the caller must stop for now.
func (h *TCPHandler) transferIn(p *protocol.Packet) (status RecvStatus, more bool) {
	n, err := p.TransferIn(h.sock.Recv)
	if err != nil {
		nerr := NewNetworkError(err)
		if nerr.WouldBlock() {
			return RecvOkay, false
		}
		if !errors.Is(err, ErrClosed) && !nerr.IsConnectionReset() {
			slog.Debug("recv failed", "remote", h.remoteString(), "error", nerr.AsString())
		}
		h.CloseConnection()
		return RecvConnectionLost, false
	}
	if n == 0 {
		return RecvOkay, false
	}
	return RecvOkay, true
}

func (h *TCPHandler) remoteString() string {
	if h.sock == nil || h.sock.RemoteAddr() == nil {
		return ""
	}
	return h.sock.RemoteAddr().String()
}
