package coordinator

import (
	"log/slog"
	"net"
	"time"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/game"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
	"github.com/udisondev/ttdnet/internal/turn"
)

var nowFunc = time.Now

const (
	// idleTimeout closes a client connection nothing is pending on.
	idleTimeout = 60 * time.Second
	// updateInterval is how often a registered server refreshes its game info.
	updateInterval = 30 * time.Second

	reconnectMin = time.Second
	reconnectMax = 60 * time.Second
)

// SocketAcceptor takes the game connections arranged for a registered server.
// game.Server implements it.
type SocketAcceptor interface {
	AcceptSocket(sock network.Socket)
}

// ConnectTarget receives the game connection arranged for an invite code, or
// learns that none could be made. game.Client implements it.
type ConnectTarget interface {
	AcceptSocket(sock network.Socket)
	OnFailure()
}

// Events is told what the coordinator reported. All methods run on the
// goroutine calling Poll.
type Events interface {
	OnRegistered(inviteCode string, ct ConnectionType)
	OnServerListed(connectionString string, info game.GameInfo)
	OnListingDone()
	OnError(t ErrorType, detail string)
}

// NopEvents implements Events with no-ops; embed it to override a few.
type NopEvents struct{}

func (NopEvents) OnRegistered(string, ConnectionType)  {}
func (NopEvents) OnServerListed(string, game.GameInfo) {}
func (NopEvents) OnListingDone()                       {}
func (NopEvents) OnError(ErrorType, string)            {}

// Registration describes a server registering with the coordinator.
type Registration struct {
	GameType GameType
	Port     uint16
	// InviteCode and InviteCodeSecret reclaim the code of an earlier run;
	// empty asks for a new one.
	InviteCode       string
	InviteCodeSecret string
	// GameInfo is called on the polling goroutine for every update.
	GameInfo func() game.GameInfo
	Acceptor SocketAcceptor
}

// Option is a functional option for Coordinator configuration.
type Option func(*Coordinator)

// WithEvents installs the listener of coordinator events.
func WithEvents(e Events) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.events = e
		}
	}
}

// WithStunServer sets the connection string of the STUN server.
func WithStunServer(cs string) Option {
	return func(c *Coordinator) { c.stunServer = cs }
}

// WithConnectorOptions passes options to every connector the coordinator starts.
func WithConnectorOptions(opts ...network.ConnectorOption) Option {
	return func(c *Coordinator) { c.connOpts = append(c.connOpts, opts...) }
}

// Coordinator is the connection to the Game Coordinator together with every
// connection attempt it arranged. It is owned by one goroutine calling Poll.
type Coordinator struct {
	*network.TCPHandler

	server     string
	stunServer string
	events     Events
	connOpts   []network.ConnectorOption
	pool       network.ConnectorPool

	connecting   bool
	outbox       []*protocol.Packet
	lastActivity time.Time

	reg            *Registration
	registered     bool
	inviteCode     string
	inviteSecret   string
	connectionType ConnectionType
	nextUpdate     time.Time
	nextAttempt    time.Time
	backoff        time.Duration

	pendingInvites map[string]ConnectTarget
	targets        map[string]ConnectTarget
	listing        bool

	attempts map[string]*network.Connector
	stun     map[string]map[network.Family]*StunHandler
	turns    map[string]*turn.Handler

	grfLookup game.GRFLookup
	grfCursor uint32
}

// New creates a coordinator client for the coordinator at connectionString.
func New(connectionString string, opts ...Option) *Coordinator {
	c := &Coordinator{
		TCPHandler:     network.NewTCPHandler(nil),
		server:         connectionString,
		stunServer:     connectionString,
		events:         NopEvents{},
		backoff:        reconnectMin,
		pendingInvites: make(map[string]ConnectTarget),
		targets:        make(map[string]ConnectTarget),
		attempts:       make(map[string]*network.Connector),
		stun:           make(map[string]map[network.Family]*StunHandler),
		turns:          make(map[string]*turn.Handler),
		grfLookup:      make(game.GRFLookup),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// InviteCode is the code the coordinator assigned to this server.
func (c *Coordinator) InviteCode() string { return c.inviteCode }

// InviteCodeSecret proves ownership of the invite code on the next registration.
func (c *Coordinator) InviteCodeSecret() string { return c.inviteSecret }

// ConnectionType is how the coordinator reaches this server.
func (c *Coordinator) ConnectionType() ConnectionType { return c.connectionType }

// Registered reports whether the registration was acknowledged.
func (c *Coordinator) Registered() bool { return c.registered }

// Listing reports whether a server listing is in progress.
func (c *Coordinator) Listing() bool { return c.listing }

// Connect starts connecting unless connected or already connecting.
func (c *Coordinator) Connect() {
	if c.IsConnected() || c.connecting {
		return
	}
	c.connecting = true
	c.lastActivity = nowFunc()
	c.pool.Start(network.NewConnector(c.server, constants.CoordinatorServerPort, c, c.connOpts...))
}

func (c *Coordinator) OnConnect(conn net.Conn) {
	c.connecting = false
	c.Attach(network.NewConnSocket(conn))
	c.lastActivity = nowFunc()
	for _, p := range c.outbox {
		c.TCPHandler.SendPacket(p)
	}
	c.outbox = nil
	slog.Debug("connected to game coordinator", "server", c.server)
}

func (c *Coordinator) OnFailure() {
	c.connecting = false
	slog.Warn("could not connect to game coordinator", "server", c.server)
	c.Close()
}

// SendPacket sends p now when connected, otherwise once the connection is up.
func (c *Coordinator) SendPacket(p *protocol.Packet) {
	c.lastActivity = nowFunc()
	if c.IsConnected() {
		c.TCPHandler.SendPacket(p)
		return
	}
	c.outbox = append(c.outbox, p)
	c.Connect()
}

func (c *Coordinator) newPacket(t PacketCoordinatorType) *protocol.Packet {
	return protocol.New(c.TCPHandler, uint8(t), constants.TCPMTU)
}

// Register registers a server. The coordinator answers with the invite code
// and how the server can be reached; while registered, the game info is
// refreshed periodically and a lost connection is re-established.
func (c *Coordinator) Register(reg Registration) {
	c.reg = &reg
	c.inviteCode = reg.InviteCode
	c.inviteSecret = reg.InviteCodeSecret
	c.backoff = reconnectMin
	c.sendRegister()
}

func (c *Coordinator) sendRegister() {
	c.registered = false
	c.connectionType = ConnectionUnknown

	p := c.newPacket(PacketServerRegister)
	p.SendUint8(constants.CoordinatorVersion)
	p.SendUint8(uint8(c.reg.GameType))
	p.SendUint16(c.reg.Port)
	if c.inviteCode == "" || c.inviteSecret == "" {
		p.SendString("")
		p.SendString("")
	} else {
		p.SendString(c.inviteCode)
		p.SendString(c.inviteSecret)
	}
	c.SendPacket(p)
}

// SendServerUpdate sends the current game info of the registered server.
func (c *Coordinator) SendServerUpdate() {
	if c.reg == nil || c.reg.GameInfo == nil {
		return
	}
	info := c.reg.GameInfo()
	p := c.newPacket(PacketServerUpdate)
	p.SendUint8(constants.CoordinatorVersion)
	game.SerializeGameInfo(p, &info, true)
	c.SendPacket(p)
	c.nextUpdate = nowFunc().Add(updateInterval)
}

// GetListing requests the public server list. Servers arrive through
// Events.OnServerListed, followed by OnListingDone.
func (c *Coordinator) GetListing() {
	c.listing = true
	p := c.newPacket(PacketClientListing)
	p.SendUint8(constants.CoordinatorVersion)
	p.SendUint8(constants.GameInfoVersion)
	p.SendString(constants.Revision)
	p.SendUint32(c.grfCursor)
	c.SendPacket(p)
}

// ConnectToServer asks the coordinator to arrange a game connection to the
// server with inviteCode. A second request for the same code while the first
// is pending fails immediately.
func (c *Coordinator) ConnectToServer(inviteCode string, target ConnectTarget) {
	if _, ok := c.pendingInvites[inviteCode]; ok {
		target.OnFailure()
		return
	}
	c.pendingInvites[inviteCode] = target

	p := c.newPacket(PacketClientConnect)
	p.SendUint8(constants.CoordinatorVersion)
	p.SendString(inviteCode)
	c.SendPacket(p)
}

// ConnectSuccess hands a finished game connection to the server or to the
// client that asked for it and drops every other attempt for the token.
func (c *Coordinator) ConnectSuccess(token string, sock network.Socket, addr network.Address) {
	delete(c.attempts, token)
	if target, ok := c.targets[token]; ok {
		// Only the client reports; the server's success is implied.
		p := c.newPacket(PacketClientConnected)
		p.SendUint8(constants.CoordinatorVersion)
		p.SendString(token)
		c.SendPacket(p)

		delete(c.targets, token)
		slog.Info("connected to server through coordinator", "token", token, "peer", addr.String())
		target.AcceptSocket(sock)
	} else if c.reg != nil && c.reg.Acceptor != nil {
		slog.Info("client connected through coordinator", "token", token, "peer", addr.String())
		c.reg.Acceptor.AcceptSocket(sock)
	} else {
		slog.Debug("nobody waits for connection", "token", token)
		_ = sock.Close()
	}
	c.CloseToken(token)
}

// ConnectFailure reports a failed attempt. The token stays open since the
// coordinator may try another method.
func (c *Coordinator) ConnectFailure(token string, tracking uint8) {
	delete(c.attempts, token)
	p := c.newPacket(PacketSerCliConnectFailed)
	p.SendUint8(constants.CoordinatorVersion)
	p.SendString(token)
	p.SendUint8(tracking)
	c.SendPacket(p)
}

// StunResult reports the outcome of a STUN request for one family.
func (c *Coordinator) StunResult(token string, family network.Family, result bool) {
	p := c.newPacket(PacketSerCliStunResult)
	p.SendUint8(constants.CoordinatorVersion)
	p.SendString(token)
	p.SendUint8(uint8(family))
	p.SendBool(result)
	c.SendPacket(p)
}

// CloseToken drops every connection attempt belonging to token.
func (c *Coordinator) CloseToken(token string) {
	c.killAttempt(token)
	for _, h := range c.stun[token] {
		h.Close()
	}
	delete(c.stun, token)
	if h, ok := c.turns[token]; ok {
		h.Close()
		delete(c.turns, token)
	}
}

// CloseAllConnections drops every attempt and fails every pending join.
func (c *Coordinator) CloseAllConnections() {
	for token := range c.attempts {
		c.CloseToken(token)
	}
	for token := range c.stun {
		c.CloseToken(token)
	}
	for token := range c.turns {
		c.CloseToken(token)
	}

	targets := c.targets
	pending := c.pendingInvites
	c.targets = make(map[string]ConnectTarget)
	c.pendingInvites = make(map[string]ConnectTarget)
	for _, t := range targets {
		t.OnFailure()
	}
	for _, t := range pending {
		t.OnFailure()
	}
}

// Close drops the coordinator connection and everything arranged through it.
// A registered server reconnects later with a growing delay.
func (c *Coordinator) Close() {
	c.CloseConnection()
	c.CloseSocket()
	c.connecting = false
	c.outbox = nil
	c.registered = false
	c.listing = false
	c.connectionType = ConnectionUnknown
	c.CloseAllConnections()

	if c.reg != nil {
		c.nextAttempt = nowFunc().Add(c.backoff)
		c.backoff = min(c.backoff*2, reconnectMax)
	}
}

// Shutdown closes everything and forgets the registration.
func (c *Coordinator) Shutdown() {
	c.reg = nil
	c.Close()
	c.pool.KillAll()
}

// Poll drives the coordinator connection and every attempt it arranged. It
// implements game.Service so a server can poll it from its loop.
func (c *Coordinator) Poll() {
	now := nowFunc()
	c.pool.CheckCallbacks()

	if c.reg != nil && !c.IsConnected() && !c.connecting && !now.Before(c.nextAttempt) {
		slog.Info("registering with game coordinator", "server", c.server)
		c.sendRegister()
	}

	if c.IsConnected() {
		c.pollConnection(now)
	}

	for _, hs := range c.stun {
		for _, h := range hs {
			h.SendReceive()
		}
	}
	for token, h := range c.turns {
		h.SendReceive()
		if h.Done() {
			delete(c.turns, token)
		}
	}
}

func (c *Coordinator) pollConnection(now time.Time) {
	if status := c.ReceivePackets(c, constants.MaxPacketsToReceive); status != network.RecvOkay {
		slog.Debug("game coordinator connection closed", "status", status.String())
		c.Close()
		return
	}
	if c.registered && !now.Before(c.nextUpdate) {
		c.SendServerUpdate()
	}
	if c.reg == nil && c.idle() && now.Sub(c.lastActivity) > idleTimeout {
		slog.Debug("closing idle game coordinator connection")
		c.Close()
		return
	}
	if c.SendPackets(false) == network.SendClosed {
		c.Close()
	}
}

func (c *Coordinator) idle() bool {
	return !c.listing && len(c.pendingInvites) == 0 && len(c.targets) == 0 &&
		len(c.attempts) == 0 && len(c.turns) == 0
}

func (c *Coordinator) killAttempt(token string) {
	if cn, ok := c.attempts[token]; ok {
		cn.Kill()
		delete(c.attempts, token)
	}
}

// attempt is one game connection the coordinator asked us to make.
type attempt struct {
	c         *Coordinator
	token     string
	tracking  uint8
	stun      *StunHandler // set for a simultaneous open from the STUN port
	connector *network.Connector
}

func (c *Coordinator) startAttempt(token string, tracking uint8, addr network.Address, stun *StunHandler, opts ...network.ConnectorOption) {
	c.killAttempt(token)
	a := &attempt{c: c, token: token, tracking: tracking, stun: stun}
	a.connector = network.NewConnectorForAddress(addr, a, append(opts, c.connOpts...)...)
	c.attempts[token] = a.connector
	c.pool.Start(a.connector)
}

func (a *attempt) OnConnect(conn net.Conn) {
	if a.stun != nil {
		a.stun.Close()
	}
	a.c.ConnectSuccess(a.token, network.NewConnSocket(conn), network.AddressFromNetAddr(conn.RemoteAddr()))
}

func (a *attempt) OnFailure() {
	if a.stun != nil {
		a.stun.Close()
	}
	if a.c.attempts[a.token] == a.connector {
		delete(a.c.attempts, a.token)
	}
	a.c.ConnectFailure(a.token, a.tracking)
}
