package constants

// Network Protocol Constants
//
// Wire-level constants shared by every sub-protocol (game, coordinator, STUN, TURN,
// content, UDP discovery). Changing any of these breaks compatibility with peers.

// MTU Constants
const (
	// UDPMTU is the number of bytes we can pack in a single UDP packet.
	UDPMTU = 1460

	// TCPMTU is the number of bytes we can pack in a single TCP packet.
	TCPMTU = 32767

	// MapMTU is the largest map data packet. Anything above TCPMTU travels
	// with the extended size field, so both ends raise their limit only for
	// the duration of the map transfer.
	MapMTU = 256 * 1024
)

// Default Ports
const (
	// DefaultPort is the default port of the game server (TCP & UDP).
	DefaultPort = 3976

	// CoordinatorServerPort is the default port of the Game Coordinator.
	CoordinatorServerPort = 3976

	// StunServerPort is the default port of the STUN server.
	StunServerPort = 3976

	// TurnServerPort is the default port of the TURN server.
	TurnServerPort = 3976

	// ContentServerPort is the default port of the content server.
	ContentServerPort = 3976
)

// Protocol Versions
const (
	// GameInfoVersion is the version of the game info serialisation.
	GameInfoVersion = 7

	// CoordinatorVersion is the version of the Game Coordinator protocol.
	CoordinatorVersion = 6

	// SurveyVersion is the version of the survey payload.
	SurveyVersion = 2
)

// String Length Limits
//
// All lengths are in bytes and include the terminator of the legacy format,
// so the longest string actually accepted is one byte shorter.
const (
	NameLength             = 80
	HostnameLength         = 80
	HostnamePortLength     = 80 + 6
	RevisionLength         = 33
	PasswordLength         = 33
	ClientNameLength       = 25
	RConCommandLength      = 500
	ChatLength             = 900
	ContentFilenameLength  = 48
	ContentNameLength      = 32
	ContentVersionLength   = 16
	ContentURLLength       = 96
	ContentDescLength      = 512
	ContentTagLength       = 32
	ErrorDetailLength      = 100
	InviteCodeLength       = 64
	InviteCodeSecretLength = 80
	TokenLength            = 64
	PublicKeyLength        = 32*2 + 1
	GameScriptNameLength   = 80
	GRFNameLength          = 80
)

// Limits
const (
	// MaxGRFCount is the maximum number of NewGRFs that can be sent in one packet.
	MaxGRFCount = 255

	// MaxClients is the maximum number of clients that can be connected to a server.
	MaxClients = 255

	// MaxCompanies is the maximum number of companies in a game.
	MaxCompanies = 15
)

// Timing
const (
	// DayTicks is the number of ticks in one in-game day; acks are sent at most once per day.
	DayTicks = 74

	// MillisecondsPerTick is the duration of one game tick in milliseconds.
	MillisecondsPerTick = 30
)

// Receive budgets bound how many packets one handler processes per poll so a
// bulk transfer cannot starve the rest of the loop.
const (
	// MaxPacketsToReceive is the per-poll budget of game, coordinator and content handlers.
	MaxPacketsToReceive = 42

	// TurnPacketsToReceive is the per-poll budget of the TURN handler; it
	// hands the socket over after a single useful packet.
	TurnPacketsToReceive = 4
)

// Build identity
const (
	// Revision is announced in joins and game info; servers only accept clients of the same revision.
	Revision = "14.1"

	// NewGRFVersion is the NewGRF version this build implements.
	NewGRFVersion = 0x0E100000
)
