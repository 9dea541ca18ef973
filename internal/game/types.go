package game

import (
	"fmt"

	"github.com/udisondev/ttdnet/internal/network"
)

// ClientID identifies a client for the duration of a server session.
type ClientID uint32

const (
	ClientIDInvalid ClientID = 0
	ClientIDServer  ClientID = 1
	ClientIDFirst   ClientID = 2
)

// CompanyID is a company slot; values at and above CompanyInactiveClient are special.
type CompanyID uint8

const (
	CompanyFirst          CompanyID = 0
	CompanyInactiveClient CompanyID = 253
	CompanyNewCompany     CompanyID = 254
	CompanySpectator      CompanyID = 255
	CompanyInvalid                  = CompanySpectator
)

// IsValidCompany reports whether c is a real company slot.
func IsValidCompany(c CompanyID) bool { return c < 15 }

// NetworkErrorCode is sent with SERVER_ERROR, CLIENT_ERROR and SERVER_ERROR_QUIT.
type NetworkErrorCode uint8

const (
	ErrorGeneral NetworkErrorCode = iota
	ErrorDesync
	ErrorSavegameFailed
	ErrorConnectionLost
	ErrorIllegalPacket
	ErrorNewGRFMismatch
	ErrorNotAuthorized
	ErrorNotExpected
	ErrorWrongRevision
	ErrorNameInUse
	ErrorWrongPassword
	ErrorCompanyMismatch
	ErrorKicked
	ErrorCheater
	ErrorFull
	ErrorTooManyCommands
	ErrorTimeoutPassword
	ErrorTimeoutComputer
	ErrorTimeoutMap
	ErrorTimeoutJoin
	ErrorInvalidClientName
	ErrorNotOnAllowList
	ErrorNoAuthenticationMethodAvailable
	ErrorEnd
)

var errorCodeNames = [...]string{
	"general error", "desync error", "savegame failed", "connection lost",
	"protocol error", "NewGRF mismatch", "not authorized", "received invalid or unexpected packet",
	"wrong revision", "name already in use", "wrong password",
	"wrong company in DoCommand", "kicked by server", "was trying to use cheats",
	"server full", "was sending too many commands", "received no password in time",
	"general timeout", "downloading map took too long", "joining took too long",
	"invalid client name", "not on allow list", "no authentication method available",
}

func (e NetworkErrorCode) String() string {
	if int(e) < len(errorCodeNames) {
		return errorCodeNames[e]
	}
	return fmt.Sprintf("NetworkErrorCode(%d)", uint8(e))
}

// RecvStatus is the status a client closes with after the server reported e.
func (e NetworkErrorCode) RecvStatus() network.RecvStatus {
	switch e {
	case ErrorDesync:
		return network.RecvDesync
	case ErrorNewGRFMismatch:
		return network.RecvNewGRFMismatch
	case ErrorSavegameFailed:
		return network.RecvSavegame
	case ErrorFull:
		return network.RecvServerFull
	case ErrorConnectionLost:
		return network.RecvConnectionLost
	case ErrorIllegalPacket:
		return network.RecvMalformedPacket
	default:
		return network.RecvServerError
	}
}

// NetworkAction is the kind of a chat or server message.
type NetworkAction uint8

const (
	ActionJoin NetworkAction = iota
	ActionLeave
	ActionServerMessage
	ActionChat
	ActionChatCompany
	ActionChatClient
	ActionGiveMoney
	ActionNameChange
	ActionCompanySpectator
	ActionCompanyJoin
	ActionCompanyNew
	ActionKicked
	ActionExternalChat
)

// IsChat reports whether a client may send this action in CLIENT_CHAT.
func (a NetworkAction) IsChat() bool {
	switch a {
	case ActionChat, ActionChatCompany, ActionChatClient, ActionGiveMoney:
		return true
	}
	return false
}

// DestType selects the recipients of a chat message.
type DestType uint8

const (
	DestBroadcast DestType = iota // everybody
	DestTeam                      // clients of one company
	DestClient                    // one client
)

// ServerStatus is the client's view of its connection to the server.
type ServerStatus uint8

const (
	StatusInactive     ServerStatus = iota // not connected
	StatusJoin                             // join request sent
	StatusAuthGame                         // answering authentication
	StatusEncrypted                        // authenticated, traffic is encrypted
	StatusNewGRFsCheck                     // checking NewGRFs
	StatusAuthorized                       // accepted by the server
	StatusMapWait                          // someone else is downloading the map
	StatusMap                              // downloading the map
	StatusActive                           // playing
	StatusEnd
)

var serverStatusNames = [...]string{"INACTIVE", "JOIN", "AUTH_GAME", "ENCRYPTED", "NEWGRFS_CHECK", "AUTHORIZED", "MAP_WAIT", "MAP", "ACTIVE"}

func (s ServerStatus) String() string {
	if int(s) < len(serverStatusNames) {
		return serverStatusNames[s]
	}
	return "UNKNOWN"
}

// ClientStatus is the server's view of one connected client.
type ClientStatus uint8

const (
	ClientInactive     ClientStatus = iota // connected, nothing received yet
	ClientAuthGame                         // authenticating
	ClientIdentify                         // waiting for name and company
	ClientNewGRFsCheck                     // checking NewGRFs
	ClientAuthorized                       // may request the map
	ClientMapWait                          // queued behind another download
	ClientMap                              // receiving the map
	ClientDoneMap                          // map sent, waiting for MAP_OK
	ClientPreActive                        // loaded, waiting for the first ack
	ClientActive                           // playing
	ClientEnd
)

var clientStatusNames = [...]string{"INACTIVE", "AUTH_GAME", "IDENTIFY", "NEWGRFS_CHECK", "AUTHORIZED", "MAP_WAIT", "MAP", "DONE_MAP", "PRE_ACTIVE", "ACTIVE"}

func (s ClientStatus) String() string {
	if int(s) < len(clientStatusNames) {
		return clientStatusNames[s]
	}
	return "UNKNOWN"
}

// JoinStatus is the progress shown to a joining player.
type JoinStatus uint8

const (
	JoinConnecting JoinStatus = iota
	JoinAuthorizing
	JoinWaiting
	JoinDownloading
	JoinProcessing
	JoinRegistering
	JoinGettingCompanyInfo
)
