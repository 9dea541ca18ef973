// Package game implements the game protocol: the join handshake, map transfer,
// lockstep command distribution and chat between a server and its clients.
package game

import "fmt"

// PacketGameType is the type byte of a game protocol packet. The order is part
// of the wire format and must never change.
type PacketGameType uint8

const (
	PacketServerFull PacketGameType = iota
	PacketServerBanned
	PacketClientJoin
	PacketServerError
	PacketClientUnused
	PacketServerUnused
	PacketServerGameInfo
	PacketServerShutdown
	PacketServerAuthRequest
	PacketClientAuthResponse
	PacketServerEnableEncryption
	PacketClientIdentify
	PacketServerCheckNewGRFs
	PacketClientNewGRFsChecked
	PacketServerWelcome
	PacketServerClientInfo
	PacketClientGetMap
	PacketServerWait
	PacketServerMapBegin
	PacketServerMapSize
	PacketServerMapData
	PacketServerMapDone
	PacketClientMapOk
	PacketServerJoin
	PacketServerFrame
	PacketClientAck
	PacketServerSync
	PacketClientCommand
	PacketServerCommand
	PacketClientChat
	PacketServerChat
	PacketServerExternalChat
	PacketClientRCon
	PacketServerRCon
	PacketClientMove
	PacketServerMove
	PacketClientSetName
	PacketServerConfigUpdate
	PacketClientQuit
	PacketServerQuit
	PacketClientError
	PacketServerErrorQuit
	PacketGameEnd
)

var packetGameTypeNames = [...]string{
	"SERVER_FULL", "SERVER_BANNED", "CLIENT_JOIN", "SERVER_ERROR",
	"CLIENT_UNUSED", "SERVER_UNUSED", "SERVER_GAME_INFO", "SERVER_SHUTDOWN",
	"SERVER_AUTH_REQUEST", "CLIENT_AUTH_RESPONSE", "SERVER_ENABLE_ENCRYPTION",
	"CLIENT_IDENTIFY", "SERVER_CHECK_NEWGRFS", "CLIENT_NEWGRFS_CHECKED",
	"SERVER_WELCOME", "SERVER_CLIENT_INFO", "CLIENT_GETMAP", "SERVER_WAIT",
	"SERVER_MAP_BEGIN", "SERVER_MAP_SIZE", "SERVER_MAP_DATA", "SERVER_MAP_DONE",
	"CLIENT_MAP_OK", "SERVER_JOIN", "SERVER_FRAME", "CLIENT_ACK", "SERVER_SYNC",
	"CLIENT_COMMAND", "SERVER_COMMAND", "CLIENT_CHAT", "SERVER_CHAT",
	"SERVER_EXTERNAL_CHAT", "CLIENT_RCON", "SERVER_RCON", "CLIENT_MOVE",
	"SERVER_MOVE", "CLIENT_SET_NAME", "SERVER_CONFIG_UPDATE", "CLIENT_QUIT",
	"SERVER_QUIT", "CLIENT_ERROR", "SERVER_ERROR_QUIT",
}

func (t PacketGameType) String() string {
	if int(t) < len(packetGameTypeNames) {
		return packetGameTypeNames[t]
	}
	return fmt.Sprintf("PacketGameType(%d)", uint8(t))
}
