package game

import (
	"log/slog"
	"net"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/crypto"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// ClientConfig is what a client presents when joining.
type ClientConfig struct {
	PlayerName string
	// Company to play as: an existing company, CompanyNewCompany or CompanySpectator.
	Company CompanyID
	// Password is used when the server asks for its game password.
	Password string
	// SecretKey identifies the client to servers with authorized keys; zero
	// generates a key for this session.
	SecretKey crypto.SecretKey
}

// Client is the client side of a game connection.
type Client struct {
	*network.TCPHandler

	cfg    ClientConfig
	state  *NetworkState
	sim    Simulation
	grfs   GRFProvider
	events ClientEvents

	status       ServerStatus
	auth         *crypto.ClientHandshake
	savegame     []byte
	mapSize      uint32
	token        uint8
	lastAckFrame uint32
	lastError    NetworkErrorCode
	incoming     CommandQueue
}

// NewClient creates a client. events may be nil.
func NewClient(cfg ClientConfig, state *NetworkState, sim Simulation, grfs GRFProvider, events ClientEvents) (*Client, error) {
	auth, err := crypto.NewClientHandshake(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = NopEvents{}
	}
	if grfs == nil {
		grfs = GRFSet{}
	}
	return &Client{
		TCPHandler: network.NewTCPHandler(nil),
		cfg:        cfg,
		state:      state,
		sim:        sim,
		grfs:       grfs,
		events:     events,
		auth:       auth,
		lastError:  ErrorGeneral,
	}, nil
}

// Status is the join status of the client.
func (c *Client) Status() ServerStatus { return c.status }

// PublicKey is the identity presented to the server.
func (c *Client) PublicKey() crypto.PublicKey { return c.auth.PublicKey() }

// Connect starts connecting to a server; the returned connector must be
// polled (e.g. through a network.ConnectorPool).
func (c *Client) Connect(connectionString string, opts ...network.ConnectorOption) *network.Connector {
	c.events.JoinStatusChanged(JoinConnecting, 0, 0, 0)
	return network.NewConnector(connectionString, constants.DefaultPort, c, opts...)
}

func (c *Client) OnConnect(conn net.Conn) { c.AcceptSocket(network.NewConnSocket(conn)) }

func (c *Client) OnFailure() {
	slog.Info("connection to server failed")
	c.events.Disconnected(network.RecvConnectionLost, ErrorConnectionLost)
}

// AcceptSocket takes over an established connection and starts joining.
func (c *Client) AcceptSocket(sock network.Socket) {
	c.SetReceiveLimit(constants.TCPMTU)
	c.Attach(sock)
	c.SetEncryption(nil, nil)
	c.Join()
}

// Join sends the join request.
func (c *Client) Join() {
	c.status = StatusJoin
	c.lastError = ErrorGeneral
	c.events.JoinStatusChanged(JoinAuthorizing, 0, 0, 0)

	p := c.newPacket(PacketClientJoin)
	p.SendString(constants.Revision)
	p.SendUint32(constants.NewGRFVersion)
	c.SendPacket(p)
}

func (c *Client) newPacket(t PacketGameType) *protocol.Packet {
	return protocol.New(c.TCPHandler, uint8(t), constants.TCPMTU)
}

// Poll receives and handles packets, runs the game loop and flushes the send
// queue. A non-okay status means the connection has been closed.
func (c *Client) Poll() network.RecvStatus {
	if c.status == StatusInactive {
		return network.RecvOkay
	}
	status := c.ReceivePackets(c, constants.MaxPacketsToReceive)
	if status != network.RecvOkay {
		c.closeWith(status)
		return status
	}
	if status = c.GameLoop(); status != network.RecvOkay {
		return status
	}
	c.SendPackets(false)
	return network.RecvOkay
}

// GameLoop advances the game as far as the server allows. A client behind
// the server's frame runs quick frames until it has caught up, otherwise it
// runs at most one frame.
func (c *Client) GameLoop() network.RecvStatus {
	st := c.state
	if c.status != StatusActive {
		return network.RecvOkay
	}
	if st.FrameCounterServer > st.FrameCounter {
		for c.status == StatusActive && st.FrameCounterServer > st.FrameCounter && st.FrameCounter < st.FrameCounterMax {
			if status := c.runFrame(); status != network.RecvOkay {
				return status
			}
		}
		return network.RecvOkay
	}
	if st.FrameCounter >= st.FrameCounterMax {
		return network.RecvOkay
	}
	return c.runFrame()
}

// runFrame runs one frame: due commands first, then the tick, then the
// synchronisation check.
func (c *Client) runFrame() network.RecvStatus {
	st := c.state
	st.FrameCounter++

	for _, cp := range c.incoming.PopFrame(st.FrameCounter) {
		if cp.Frame < st.FrameCounter {
			slog.Error("command for a frame in the past", "frame", st.FrameCounter, "command_frame", cp.Frame)
			return c.fail(ErrorDesync, network.RecvDesync)
		}
		c.sim.ExecuteCommand(cp)
	}
	c.sim.RunTick()

	if st.SyncFrame != 0 {
		switch {
		case st.SyncFrame == st.FrameCounter:
			s1, s2 := c.sim.RandomSeeds()
			if s1 != st.SyncSeed1 || s2 != st.SyncSeed2 {
				slog.Error("desync detected", "frame", st.FrameCounter,
					"seed1", s1, "expected1", st.SyncSeed1, "seed2", s2, "expected2", st.SyncSeed2)
				return c.fail(ErrorDesync, network.RecvDesync)
			}
			st.LastSyncFrame = st.SyncFrame
			st.SyncFrame = 0
		case st.SyncFrame < st.FrameCounter:
			slog.Debug("missed frame for sync test", "sync_frame", st.SyncFrame, "frame", st.FrameCounter)
			st.SyncFrame = 0
		}
	}
	return network.RecvOkay
}

func (c *Client) fail(code NetworkErrorCode, status network.RecvStatus) network.RecvStatus {
	c.lastError = code
	c.closeWith(status)
	return status
}

// Disconnect leaves the server gracefully.
func (c *Client) Disconnect() {
	if c.status == StatusInactive {
		return
	}
	c.SendPacket(c.newPacket(PacketClientQuit))
	c.closeWith(network.RecvClientQuit)
}

// closeWith tells the server why we leave when it is our fault, then tears down.
func (c *Client) closeWith(status network.RecvStatus) {
	if code, ok := clientErrorFor(status); ok && c.IsConnected() {
		c.sendError(code)
	}
	if c.IsConnected() {
		c.SendPackets(true)
	}
	c.CloseConnection()
	c.CloseSocket()

	slog.Info("disconnected from server", "status", status, "reason", c.lastError)
	c.status = StatusInactive
	c.savegame = nil
	c.incoming.Free()
	c.state.ResetClients()
	c.events.Disconnected(status, c.lastError)
}

func clientErrorFor(status network.RecvStatus) (NetworkErrorCode, bool) {
	switch status {
	case network.RecvDesync:
		return ErrorDesync, true
	case network.RecvSavegame:
		return ErrorSavegameFailed, true
	case network.RecvNewGRFMismatch:
		return ErrorNewGRFMismatch, true
	case network.RecvMalformedPacket:
		return ErrorIllegalPacket, true
	}
	return 0, false
}

func (c *Client) sendError(code NetworkErrorCode) {
	p := c.newPacket(PacketClientError)
	p.SendUint8(uint8(code))
	c.SendPacket(p)
}

// SendCommand asks the server to distribute a command.
func (c *Client) SendCommand(cp *CommandPacket) {
	p := c.newPacket(PacketClientCommand)
	sendCommand(p, cp)
	c.SendPacket(p)
}

// SendChat sends a chat message; destID is a company or client depending on dest.
func (c *Client) SendChat(action NetworkAction, dest DestType, destID uint32, msg string, data uint64) {
	p := c.newPacket(PacketClientChat)
	p.SendUint8(uint8(action))
	p.SendUint8(uint8(dest))
	p.SendUint32(destID)
	p.SendString(truncate(msg, constants.ChatLength))
	p.SendUint64(data)
	c.SendPacket(p)
}

// SendSetName asks for a new player name.
func (c *Client) SendSetName(name string) {
	p := c.newPacket(PacketClientSetName)
	p.SendString(truncate(name, constants.ClientNameLength))
	c.SendPacket(p)
}

// SendRCon runs a console command on the server.
func (c *Client) SendRCon(password, command string) {
	p := c.newPacket(PacketClientRCon)
	p.SendString(truncate(password, constants.PasswordLength))
	p.SendString(truncate(command, constants.RConCommandLength))
	c.SendPacket(p)
}

// SendMove asks to switch to another company (or to spectators).
func (c *Client) SendMove(company CompanyID) {
	p := c.newPacket(PacketClientMove)
	p.SendUint8(uint8(company))
	c.SendPacket(p)
}

func truncate(s string, maxLength int) string {
	if len(s) > maxLength-1 {
		return s[:maxLength-1]
	}
	return s
}
