// Package network holds the transport shared by every sub-protocol: socket
// handlers for TCP and UDP, address resolution and asynchronous connecting.
//
// Handlers are owned by a single goroutine (the game loop) and are polled once
// per tick. Only the socket adapters, the connector resolver and the HTTP worker
// run on other goroutines, and they talk back through mutex-guarded state.
package network

// RecvStatus is the outcome of receiving and handling packets.
type RecvStatus uint8

const (
	RecvOkay            RecvStatus = iota // Everything is okay.
	RecvDesync                            // A desync did occur.
	RecvNewGRFMismatch                    // We did not have the required NewGRFs.
	RecvSavegame                          // Something went wrong (down)loading the savegame.
	RecvClientQuit                        // The connection is lost gracefully. Other clients are already informed of this leaving client.
	RecvMalformedPacket                   // We apparently send a malformed packet.
	RecvServerError                       // The server told us we made an error.
	RecvServerFull                        // The server is full.
	RecvServerBanned                      // The server has banned us.
	RecvCloseQuery                        // Done querying the server.
	RecvConnectionLost                    // The connection is lost unexpectedly.
)

var recvStatusNames = [...]string{
	RecvOkay:            "okay",
	RecvDesync:          "desync",
	RecvNewGRFMismatch:  "newgrf mismatch",
	RecvSavegame:        "savegame",
	RecvClientQuit:      "client quit",
	RecvMalformedPacket: "malformed packet",
	RecvServerError:     "server error",
	RecvServerFull:      "server full",
	RecvServerBanned:    "server banned",
	RecvCloseQuery:      "close query",
	RecvConnectionLost:  "connection lost",
}

func (s RecvStatus) String() string {
	if int(s) < len(recvStatusNames) {
		return recvStatusNames[s]
	}
	return "unknown"
}

// SendState is the outcome of flushing the outbound packet queue.
type SendState uint8

const (
	SendClosed     SendState = iota // The connection got closed.
	SendNoneSent                    // The buffer is still full, so no (parts of) packets could be sent.
	SendPartlySent                  // The packets are partly sent; there are more packets to be sent in the queue.
	SendAllSent                     // All packets in the queue are sent.
)

func (s SendState) String() string {
	switch s {
	case SendClosed:
		return "closed"
	case SendNoneSent:
		return "none sent"
	case SendPartlySent:
		return "partly sent"
	case SendAllSent:
		return "all sent"
	default:
		return "unknown"
	}
}
