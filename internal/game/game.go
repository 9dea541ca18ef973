package game

import (
	"github.com/google/uuid"

	"github.com/udisondev/ttdnet/internal/network"
)

// Simulation is the game the network layer drives. It is only called from the
// loop goroutine; savegame bytes are opaque here.
type Simulation interface {
	// SaveMap serialises the running game for a joining client.
	SaveMap() ([]byte, error)
	// LoadMap replaces the running game with a downloaded one.
	LoadMap(data []byte) error
	// RunTick advances the game by one frame.
	RunTick()
	// RandomSeeds returns the two parts of the random state after the last tick.
	RandomSeeds() (uint32, uint32)
	// ExecuteCommand applies a command at its frame.
	ExecuteCommand(cp *CommandPacket)
	// CompanyExists reports whether the company slot is in use.
	CompanyExists(c CompanyID) bool
	// NewGRFs lists the NewGRFs the game runs with.
	NewGRFs() []GRFInfo
	// FillGameInfo sets the fields of info that describe the game itself.
	FillGameInfo(info *GameInfo)
}

// GRFProvider tells a client which NewGRFs it has locally.
type GRFProvider interface {
	HasGRF(id GRFIdentifier) bool
}

// GRFSet is a GRFProvider backed by a set.
type GRFSet map[GRFIdentifier]struct{}

func (s GRFSet) HasGRF(id GRFIdentifier) bool {
	_, ok := s[id]
	return ok
}

// ClientEvents receives what a client learns from the server. Calls happen on
// the loop goroutine while packets are handled.
type ClientEvents interface {
	JoinStatusChanged(status JoinStatus, waiting uint8, bytes, total uint32)
	ClientInfoChanged(ci *ClientInfo)
	ClientLeft(id ClientID, reason NetworkErrorCode)
	ChatReceived(action NetworkAction, from ClientID, selfSend bool, msg string, data uint64)
	ExternalChat(source string, colour uint16, user, msg string)
	RConReply(colour uint16, text string)
	ConfigUpdated(maxCompanies uint8, serverName string)
	GameInfoReceived(info GameInfo)
	Disconnected(status network.RecvStatus, code NetworkErrorCode)
}

// NopEvents ignores every event; embed it to implement only some.
type NopEvents struct{}

func (NopEvents) JoinStatusChanged(JoinStatus, uint8, uint32, uint32)        {}
func (NopEvents) ClientInfoChanged(*ClientInfo)                              {}
func (NopEvents) ClientLeft(ClientID, NetworkErrorCode)                      {}
func (NopEvents) ChatReceived(NetworkAction, ClientID, bool, string, uint64) {}
func (NopEvents) ExternalChat(string, uint16, string, string)                {}
func (NopEvents) RConReply(uint16, string)                                   {}
func (NopEvents) ConfigUpdated(uint8, string)                                {}
func (NopEvents) GameInfoReceived(GameInfo)                                  {}
func (NopEvents) Disconnected(network.RecvStatus, NetworkErrorCode)          {}

// GenerateUID returns a unique identifier for subject, e.g. a server or a
// survey participant. It differs on every call.
func GenerateUID(subject string) string {
	return uuid.NewSHA1(uuid.New(), []byte(subject)).String()
}
