package network

import "github.com/udisondev/ttdnet/internal/protocol"

// TrafficObserver is told about every framed packet a handler moves.
type TrafficObserver interface {
	PacketSent(size int)
	PacketReceived(size int)
}

// SocketHandler is the state every connection has regardless of transport:
// whether it has quit and the optional per-direction encryption.
type SocketHandler struct {
	hasQuit bool
	sendEnc protocol.EncryptionHandler
	recvEnc protocol.EncryptionHandler
}

// HasClientQuit reports whether the connection has been marked closed.
func (h *SocketHandler) HasClientQuit() bool { return h.hasQuit }

// MarkClosed flags the connection as closed without touching the socket.
func (h *SocketHandler) MarkClosed() { h.hasQuit = true }

// Reopen clears the quit flag so the handler can be reused for a new connection.
func (h *SocketHandler) Reopen() { h.hasQuit = false }

func (h *SocketHandler) SendEncryption() protocol.EncryptionHandler    { return h.sendEnc }
func (h *SocketHandler) ReceiveEncryption() protocol.EncryptionHandler { return h.recvEnc }

// SetEncryption installs the encryption for subsequent packets. Packets created
// before the call are sent unencrypted.
func (h *SocketHandler) SetEncryption(send, recv protocol.EncryptionHandler) {
	h.sendEnc = send
	h.recvEnc = recv
}
