package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/udisondev/ttdnet/internal/config"
	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/crypto"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

var nowFunc = time.Now

const (
	acceptQueueSize = 64
	// mapPacketsPerTick bounds the map chunks queued for the downloading client per tick.
	mapPacketsPerTick = 32
	// mapQueueHighWater stops queueing map chunks while the socket is behind.
	mapQueueHighWater = 8
	// waitResendFrames is how often clients in the map queue are reminded of their position.
	waitResendFrames = 2 * constants.DayTicks
)

// Service is polled once per server tick on the loop goroutine, so it may
// read game state (e.g. GameInfo) without locking.
type Service interface {
	Poll()
}

// RConHandler runs a remote console command and returns the reply lines.
type RConHandler func(s *Server, command string) []string

// ServerOption is a functional option for Server configuration.
type ServerOption func(*Server)

// WithObserver installs a metrics observer.
func WithObserver(o ServerObserver) ServerOption {
	return func(s *Server) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithRConHandler replaces the built-in remote console.
func WithRConHandler(h RConHandler) ServerOption {
	return func(s *Server) {
		if h != nil {
			s.rcon = h
		}
	}
}

// Server is the server side of the game protocol. Everything except
// AcceptSocket runs on the goroutine calling Tick (or Serve).
type Server struct {
	cfg        config.Server
	state      *NetworkState
	sim        Simulation
	authorized *crypto.AuthorizedKeys
	observer   ServerObserver
	rcon       RConHandler
	services   []Service

	clients        []*ServerClient
	nextID         ClientID
	incoming       chan network.Socket
	local          CommandQueue
	mapSender      *ServerClient
	generationSeed uint32

	mu        sync.Mutex
	listeners []net.Listener
}

// NewServer creates a server for sim.
func NewServer(cfg config.Server, state *NetworkState, sim Simulation, opts ...ServerOption) *Server {
	s := &Server{
		cfg:            cfg,
		state:          state,
		sim:            sim,
		authorized:     crypto.NewAuthorizedKeys(cfg.AuthorizedKeys),
		observer:       nopObserver{},
		rcon:           DefaultRCon,
		nextID:         ClientIDFirst,
		incoming:       make(chan network.Socket, acceptQueueSize),
		generationSeed: rand.Uint32(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	state.OwnClientID = ClientIDServer
	state.BanList = slices.Clone(cfg.BanList)
	state.BindAddresses = slices.Clone(cfg.BindAddresses)
	return s
}

// State is the network state the server runs on.
func (s *Server) State() *NetworkState { return s.state }

// AuthorizedKeys is the list of client keys allowed to join.
func (s *Server) AuthorizedKeys() *crypto.AuthorizedKeys { return s.authorized }

// Listen opens the game listeners on every bind address.
func (s *Server) Listen() ([]net.Listener, error) {
	binds := s.state.BindAddresses
	if len(binds) == 0 {
		binds = []string{""}
	}
	var all []net.Listener
	for _, b := range binds {
		addr := network.ParseConnectionString(b, uint16(s.cfg.Port))
		if b == "" {
			addr = network.NewAddress("", uint16(s.cfg.Port), network.FamilyUnspec)
		}
		lns, err := addr.ListenTCP()
		if err != nil {
			for _, ln := range all {
				ln.Close()
			}
			return nil, fmt.Errorf("listening on %s: %w", addr, err)
		}
		all = append(all, lns...)
	}
	return all, nil
}

// Addrs returns the addresses the server listens on.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	lns, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, lns...)
}

// Serve accepts on the given listeners and runs the game loop until ctx is done.
func (s *Server) Serve(ctx context.Context, lns ...net.Listener) error {
	s.mu.Lock()
	s.listeners = lns
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, ln := range lns {
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
		g.Go(func() error {
			slog.Info("game server listening", "address", ln.Addr())
			return s.acceptLoop(ctx, ln)
		})
	}
	g.Go(func() error {
		s.loop(ctx)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Error("accepting connection", "error", err)
			continue
		}
		if !s.acceptWithContext(ctx, network.NewConnSocket(conn)) {
			conn.Close()
			return nil
		}
	}
}

func (s *Server) acceptWithContext(ctx context.Context, sock network.Socket) bool {
	select {
	case s.incoming <- sock:
		return true
	case <-ctx.Done():
		return false
	}
}

// AddService registers svc to be polled every tick. It must be called before Serve.
func (s *Server) AddService(svc Service) {
	s.services = append(s.services, svc)
}

// AcceptSocket hands an established connection to the server. It is safe to
// call from any goroutine, including a Service; the coordinator uses it for
// STUN and TURN connections. The connection is dropped when the accept queue
// is full.
func (s *Server) AcceptSocket(sock network.Socket) {
	select {
	case s.incoming <- sock:
	default:
		slog.Warn("accept queue full, dropping connection", "remote", sock.RemoteAddr())
		_ = sock.Close()
	}
}

func (s *Server) loop(ctx context.Context) {
	interval := time.Duration(s.cfg.TickInterval) * time.Millisecond
	if interval <= 0 {
		interval = constants.MillisecondsPerTick * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one iteration of the server: poll the services, accept, receive,
// advance the game, send frames and map data, enforce timeouts and flush.
func (s *Server) Tick() {
	for _, svc := range s.services {
		svc.Poll()
	}
	s.acceptPending()
	s.receive()
	s.gameLoop()
	s.sendFrames()
	s.checkTimeouts()
	s.sendMap()
	s.flush()
	s.reap()
}

func (s *Server) acceptPending() {
	for {
		select {
		case sock := <-s.incoming:
			s.accept(sock)
		default:
			return
		}
	}
}

func (s *Server) accept(sock network.Socket) {
	addr := network.AddressFromNetAddr(sock.RemoteAddr())

	reject := func(t PacketGameType, reason string) {
		h := network.NewTCPHandler(sock)
		h.SendPacket(protocol.New(h, uint8(t), constants.TCPMTU))
		h.SendPackets(true)
		h.CloseSocket()
		s.observer.ClientRejected(reason)
		slog.Info("connection refused", "remote", addr, "reason", reason)
	}

	if s.state.IsBanned(addr.IsInNetmask) {
		reject(PacketServerBanned, "banned")
		return
	}
	if s.activeClients() >= s.cfg.MaxClients {
		reject(PacketServerFull, "full")
		return
	}

	cs := newServerClient(s, s.nextID, sock)
	s.nextID++
	s.clients = append(s.clients, cs)
	s.observer.ClientAccepted()
	s.observer.ClientsOnline(s.activeClients())
	slog.Info("client connected", "client_id", cs.id, "remote", addr)
}

func (s *Server) activeClients() int {
	n := 0
	for _, cs := range s.clients {
		if !cs.closed {
			n++
		}
	}
	return n
}

func (s *Server) receive() {
	for _, cs := range s.clients {
		if cs.closed || !cs.canReceive() {
			continue
		}
		if status := cs.ReceivePackets(cs, constants.MaxPacketsToReceive); status != network.RecvOkay {
			s.closeClient(cs, status)
		}
	}
}

// gameLoop distributes queued client commands, then advances one frame.
func (s *Server) gameLoop() {
	st := s.state
	s.distributeCommands()

	st.FrameCounter++
	for _, cp := range s.local.PopFrame(st.FrameCounter) {
		s.sim.ExecuteCommand(cp)
	}
	s.sim.RunTick()
	st.FrameCounterMax = st.FrameCounter + uint32(max(0, s.cfg.FrameFrequency))

	if s.cfg.SyncFrequency > 0 && st.FrameCounter%uint32(s.cfg.SyncFrequency) == 0 {
		st.SyncFrame = st.FrameCounter
		st.SyncSeed1, st.SyncSeed2 = s.sim.RandomSeeds()
		st.LastSyncFrame = st.FrameCounter
		for _, cs := range s.clients {
			if !cs.closed && cs.status >= ClientPreActive {
				cs.sendSync()
			}
		}
	}
}

// distributeCommands stamps up to CommandsPerFrame commands of every client
// with the first frame no client may have run yet and sends them to everybody.
func (s *Server) distributeCommands() {
	frame := s.state.FrameCounterMax + 1
	perFrame := max(1, s.cfg.CommandsPerFrame)

	for _, from := range s.clients {
		if from.closed {
			continue
		}
		for range perFrame {
			cp := from.incoming.PopFront()
			if cp == nil {
				break
			}
			cp.Frame = frame
			s.distribute(cp)
		}
	}
}

func (s *Server) distribute(cp *CommandPacket) {
	local := *cp
	local.MyCmd = false
	s.local.Append(&local)

	for _, cs := range s.clients {
		if cs.closed || cs.status < ClientMap {
			continue
		}
		out := *cp
		out.MyCmd = cs.id == cp.ClientID
		if cs.status < ClientPreActive {
			cs.pending.Append(&out)
			continue
		}
		cs.sendCommand(&out)
	}
}

func (s *Server) sendFrames() {
	for _, cs := range s.clients {
		if !cs.closed && cs.status >= ClientPreActive {
			cs.sendFrame()
		}
	}
}

func (s *Server) checkTimeouts() {
	frame := s.state.FrameCounter
	for _, cs := range s.clients {
		if cs.closed {
			continue
		}
		since := int(frame - cs.statusFrame)
		switch cs.status {
		case ClientActive:
			if lag := int(frame - cs.lastFrame); lag > s.cfg.MaxLagTime {
				slog.Warn("client lagging", "client_id", cs.id, "lag", lag)
				s.closeClient(cs, cs.sendError(ErrorTimeoutComputer, ""))
			}
		case ClientAuthGame:
			if since > s.cfg.MaxJoinTime {
				s.closeClient(cs, cs.sendError(ErrorTimeoutPassword, ""))
			}
		case ClientNewGRFsCheck:
			if since > s.cfg.MaxJoinTime {
				s.closeClient(cs, cs.sendError(ErrorTimeoutComputer, ""))
			}
		case ClientMap:
			if since > s.cfg.MaxDownloadTime {
				s.closeClient(cs, cs.sendError(ErrorTimeoutMap, ""))
			}
		case ClientMapWait:
			if since > 0 && since%waitResendFrames == 0 {
				cs.sendWait()
			}
		default:
			if since > s.cfg.MaxJoinTime {
				s.closeClient(cs, cs.sendError(ErrorTimeoutJoin, ""))
			}
		}
	}
}

// sendMap streams the map to the downloading client and starts the next
// waiting client when it is done. Only one client downloads at a time.
func (s *Server) sendMap() {
	if s.mapSender == nil {
		next := s.nextWaiting()
		if next == nil {
			return
		}
		s.startMap(next)
		if s.mapSender == nil {
			return
		}
	}

	cs := s.mapSender
	for range mapPacketsPerTick {
		if cs.QueueLen() >= mapQueueHighWater || cs.mapPos >= len(cs.mapData) {
			break
		}
		p := protocol.New(cs.TCPHandler, uint8(PacketServerMapData), constants.MapMTU)
		rest := p.SendBytes(cs.mapData[cs.mapPos:])
		cs.mapPos = len(cs.mapData) - len(rest)
		cs.SendPacket(p)
	}
	if cs.mapPos < len(cs.mapData) {
		return
	}

	cs.SendPacket(cs.newPacket(PacketServerMapDone))
	cs.mapData = nil
	cs.setStatus(ClientDoneMap)
	s.mapSender = nil
	slog.Info("map sent", "client_id", cs.id)

	for _, w := range s.clients {
		if !w.closed && w.status == ClientMapWait {
			w.sendWait()
		}
	}
}

func (s *Server) nextWaiting() *ServerClient {
	for _, cs := range s.clients {
		if !cs.closed && cs.status == ClientMapWait {
			return cs
		}
	}
	return nil
}

func (s *Server) waitingCount() int {
	n := 0
	for _, cs := range s.clients {
		if !cs.closed && cs.status == ClientMapWait {
			n++
		}
	}
	return n
}

func (s *Server) startMap(cs *ServerClient) {
	data, err := s.sim.SaveMap()
	if err != nil {
		slog.Error("saving map for client", "client_id", cs.id, "error", err)
		s.closeClient(cs, cs.sendError(ErrorGeneral, "map could not be saved"))
		return
	}
	cs.mapData = data
	cs.mapPos = 0
	cs.setStatus(ClientMap)
	s.mapSender = cs

	// Commands already distributed but not yet executed are not part of the
	// saved map; the client gets them once it has loaded it.
	cs.pending.Free()
	for _, cp := range s.local.items {
		out := *cp
		out.MyCmd = cp.ClientID == cs.id
		cs.pending.Append(&out)
	}

	p := cs.newPacket(PacketServerMapBegin)
	p.SendUint32(s.state.FrameCounter)
	cs.SendPacket(p)
	p = cs.newPacket(PacketServerMapSize)
	p.SendUint32(uint32(len(data)))
	cs.SendPacket(p)
	slog.Info("sending map", "client_id", cs.id, "bytes", len(data))
}

func (s *Server) flush() {
	for _, cs := range s.clients {
		if !cs.closed {
			cs.SendPackets(false)
			if !cs.IsConnected() {
				s.closeClient(cs, network.RecvConnectionLost)
			}
		}
	}
}

func (s *Server) reap() {
	before := len(s.clients)
	s.clients = slices.DeleteFunc(s.clients, func(cs *ServerClient) bool { return cs.closed })
	if len(s.clients) != before {
		s.observer.ClientsOnline(len(s.clients))
	}
}

// closeClient tears a client down and tells the others it left.
func (s *Server) closeClient(cs *ServerClient, status network.RecvStatus) {
	if cs.closed {
		return
	}
	cs.closed = true

	if ci := s.state.Client(cs.id); ci != nil {
		code, isError := cs.quitError, cs.hasQuitError
		if !isError && status != network.RecvClientQuit {
			code, isError = ErrorConnectionLost, true
			if status == network.RecvMalformedPacket {
				code = ErrorIllegalPacket
			}
		}
		for _, other := range s.clients {
			if other == cs || other.closed || other.status < ClientAuthorized {
				continue
			}
			if isError {
				other.sendErrorQuit(cs.id, code)
			} else {
				other.sendQuit(cs.id)
			}
		}
		s.state.RemoveClient(cs.id)
	}

	if cs.IsConnected() {
		cs.SendPackets(true)
	}
	cs.CloseConnection()
	cs.CloseSocket()
	cs.incoming.Free()
	cs.pending.Free()
	if s.mapSender == cs {
		s.mapSender = nil
	}
	s.observer.ClientClosed(status)
	slog.Info("client closed", "client_id", cs.id, "status", status)
}

// client returns the live client with id, or nil.
func (s *Server) client(id ClientID) *ServerClient {
	for _, cs := range s.clients {
		if cs.id == id && !cs.closed {
			return cs
		}
	}
	return nil
}

// Clients lists the live clients.
func (s *Server) Clients() []*ServerClient {
	return slices.DeleteFunc(slices.Clone(s.clients), func(cs *ServerClient) bool { return cs.closed })
}

// Kick disconnects a client with a reason shown to it.
func (s *Server) Kick(id ClientID, reason string) bool {
	cs := s.client(id)
	if cs == nil {
		return false
	}
	s.closeClient(cs, cs.sendError(ErrorKicked, reason))
	return true
}

// Ban adds an address or netmask to the ban list and kicks matching clients.
func (s *Server) Ban(entry string) int {
	s.state.Ban(entry)
	kicked := 0
	for _, cs := range s.clients {
		if cs.closed || cs.Socket() == nil {
			continue
		}
		addr := network.AddressFromNetAddr(cs.Socket().RemoteAddr())
		if addr.IsInNetmask(entry) {
			s.closeClient(cs, cs.sendError(ErrorKicked, "banned"))
			kicked++
		}
	}
	return kicked
}

// SendChat sends a server message to every active client.
func (s *Server) SendChat(action NetworkAction, msg string) {
	for _, cs := range s.clients {
		if !cs.closed && cs.status >= ClientPreActive {
			cs.sendChat(action, ClientIDServer, false, msg, 0)
		}
	}
}

// SendExternalChat relays a message from outside the game (e.g. a chat bridge).
func (s *Server) SendExternalChat(source string, colour uint16, user, msg string) {
	for _, cs := range s.clients {
		if cs.closed || cs.status < ClientPreActive {
			continue
		}
		p := cs.newPacket(PacketServerExternalChat)
		p.SendString(truncate(source, constants.ChatLength))
		p.SendUint16(colour)
		p.SendString(truncate(user, constants.ChatLength))
		p.SendString(truncate(msg, constants.ChatLength))
		cs.SendPacket(p)
	}
}

// UpdateConfig changes the advertised name and company limit and tells the clients.
func (s *Server) UpdateConfig(serverName string, maxCompanies int) {
	s.cfg.ServerName = serverName
	s.cfg.MaxCompanies = maxCompanies
	for _, cs := range s.clients {
		if cs.closed || cs.status < ClientAuthorized {
			continue
		}
		p := cs.newPacket(PacketServerConfigUpdate)
		p.SendUint8(uint8(maxCompanies))
		p.SendString(truncate(serverName, constants.NameLength))
		cs.SendPacket(p)
	}
}

// GameInfo describes the running game for discovery and the coordinator.
func (s *Server) GameInfo() GameInfo {
	var info GameInfo
	s.sim.FillGameInfo(&info)
	info.ServerName = s.cfg.ServerName
	info.ServerRevision = constants.Revision
	info.UsePassword = s.cfg.ServerPassword != ""
	info.ClientsMax = uint8(min(s.cfg.MaxClients, constants.MaxClients))
	info.CompaniesMax = uint8(min(s.cfg.MaxCompanies, constants.MaxCompanies))
	info.SpectatorsMax = info.ClientsMax
	info.Dedicated = true
	if info.MapWidth == 0 {
		info.MapWidth = uint16(s.cfg.MapWidth)
		info.MapHeight = uint16(s.cfg.MapHeight)
		info.Landscape = uint8(s.cfg.Landscape)
	}
	if len(info.GRFs) == 0 {
		info.GRFs = s.sim.NewGRFs()
	}
	for _, ci := range s.state.Clients() {
		info.ClientsOn++
		if ci.Company == CompanySpectator {
			info.SpectatorsOn++
		}
	}
	return info
}

// Shutdown tells every client the server is going away and closes them.
func (s *Server) Shutdown() {
	for _, cs := range s.clients {
		if cs.closed {
			continue
		}
		cs.SendPacket(cs.newPacket(PacketServerShutdown))
		s.closeClient(cs, network.RecvClientQuit)
	}
	s.reap()
	slog.Info("game server stopped", "frame", s.state.FrameCounter)
}

// clientReceiveBudget turns the per-frame byte allowance into a token bucket.
func (s *Server) clientReceiveBudget() *rate.Limiter {
	if s.cfg.BytesPerFrame <= 0 {
		return nil
	}
	tick := max(1, s.cfg.TickInterval)
	perSecond := float64(s.cfg.BytesPerFrame) * 1000 / float64(tick)
	return rate.NewLimiter(rate.Limit(perSecond), max(s.cfg.BytesPerFrameBurst, s.cfg.BytesPerFrame))
}

func formatClient(ci *ClientInfo) string {
	company := "spectator"
	if IsValidCompany(ci.Company) {
		company = "company " + strconv.Itoa(int(ci.Company)+1)
	}
	return fmt.Sprintf("#%d %q %s", ci.ID, ci.Name, company)
}
