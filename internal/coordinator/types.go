// Package coordinator talks to the Game Coordinator: servers register and
// publish their game info, clients list servers and join by invite code. The
// coordinator arranges the actual game connection, trying a direct connect,
// a STUN assisted simultaneous open and finally a TURN relay.
package coordinator

import "fmt"

// PacketCoordinatorType is the type byte of a coordinator packet. The order
// is part of the wire format.
type PacketCoordinatorType uint8

const (
	PacketGCError             PacketCoordinatorType = iota // coordinator reports an error
	PacketServerRegister                                   // server registers itself
	PacketGCRegisterAck                                    // registration accepted, invite code assigned
	PacketServerUpdate                                     // server sends fresh game info
	PacketClientListing                                    // client asks for the public server list
	PacketGCListing                                        // one chunk of the server list
	PacketClientConnect                                    // client wants to join an invite code
	PacketGCConnecting                                     // coordinator assigned a token to the join
	PacketSerCliConnectFailed                              // one connection attempt failed
	PacketGCConnectFailed                                  // every connection method failed
	PacketClientConnected                                  // client reached the server
	PacketGCDirectConnect                                  // try connecting directly
	PacketGCStunRequest                                    // report our public address to the STUN server
	PacketSerCliStunResult                                 // outcome of the STUN request
	PacketGCStunConnect                                    // connect to the peer's public address
	PacketGCNewGRFLookup                                   // NewGRF table referenced by listings
	PacketGCTurnConnect                                    // connect through a relay
	PacketCoordinatorEnd
)

var packetCoordinatorTypeNames = [...]string{
	"GC_ERROR", "SERVER_REGISTER", "GC_REGISTER_ACK", "SERVER_UPDATE",
	"CLIENT_LISTING", "GC_LISTING", "CLIENT_CONNECT", "GC_CONNECTING",
	"SERCLI_CONNECT_FAILED", "GC_CONNECT_FAILED", "CLIENT_CONNECTED",
	"GC_DIRECT_CONNECT", "GC_STUN_REQUEST", "SERCLI_STUN_RESULT",
	"GC_STUN_CONNECT", "GC_NEWGRF_LOOKUP", "GC_TURN_CONNECT",
}

func (t PacketCoordinatorType) String() string {
	if int(t) < len(packetCoordinatorTypeNames) {
		return packetCoordinatorTypeNames[t]
	}
	return fmt.Sprintf("PacketCoordinatorType(%d)", uint8(t))
}

// ConnectionType is how the coordinator can reach a registered server.
type ConnectionType uint8

const (
	ConnectionUnknown  ConnectionType = iota // not determined yet
	ConnectionIsolated                       // nobody can reach the server
	ConnectionDirect                         // the server port is reachable
	ConnectionSTUN                           // reachable with a simultaneous open
	ConnectionTURN                           // reachable through a relay only
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionUnknown:
		return "unknown"
	case ConnectionIsolated:
		return "isolated"
	case ConnectionDirect:
		return "direct"
	case ConnectionSTUN:
		return "stun"
	case ConnectionTURN:
		return "turn"
	default:
		return fmt.Sprintf("ConnectionType(%d)", uint8(c))
	}
}

// ErrorType is the kind of a GC_ERROR.
type ErrorType uint8

const (
	ErrorUnknown            ErrorType = iota
	ErrorRegistrationFailed           // the server could not be registered
	ErrorInvalidInviteCode            // nobody registered the invite code
	ErrorReuseOfInviteCode            // another server took over our invite code
)

func (e ErrorType) String() string {
	switch e {
	case ErrorRegistrationFailed:
		return "registration failed"
	case ErrorInvalidInviteCode:
		return "invalid invite code"
	case ErrorReuseOfInviteCode:
		return "invite code reused"
	default:
		return "unknown"
	}
}

// GameType is how a server wants to be listed.
type GameType uint8

const (
	GameTypeLocal      GameType = iota // not registered at all
	GameTypePublic                     // listed publicly
	GameTypeInviteOnly                 // reachable by invite code only
)

// ParseGameType maps the configuration names; unknown names mean local.
func ParseGameType(s string) GameType {
	switch s {
	case "public":
		return GameTypePublic
	case "invite-only":
		return GameTypeInviteOnly
	default:
		return GameTypeLocal
	}
}

// PacketStunType is the type byte of a STUN packet.
type PacketStunType uint8

const (
	PacketSerCliStun PacketStunType = iota // token and family we connect with
	PacketStunEnd
)
