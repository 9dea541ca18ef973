package game

import (
	"crypto/rand"
	"errors"
	"log/slog"
	mathrand "math/rand/v2"

	"golang.org/x/time/rate"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/crypto"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// ServerClient is the server's handler for one connected client.
type ServerClient struct {
	*network.TCPHandler

	server *Server
	id     ClientID
	status ClientStatus
	// statusFrame is the frame the current status was entered in.
	statusFrame uint32

	auth      *crypto.ServerHandshake
	publicKey string
	info      *ClientInfo
	// wantName is the name asked for in identify, before any suffix.
	wantName string

	lastFrame    uint32 // last frame the client acknowledged
	lastToken    uint8
	tokenFrame   uint32
	lastLag      uint32
	incoming     CommandQueue // commands waiting to be distributed
	pending      CommandQueue // commands to send once the map is loaded
	mapData      []byte
	mapPos       int
	budget       *rate.Limiter
	quitError    NetworkErrorCode
	hasQuitError bool
	closed       bool
}

func newServerClient(s *Server, id ClientID, sock network.Socket) *ServerClient {
	cs := &ServerClient{
		TCPHandler:  network.NewTCPHandler(sock),
		server:      s,
		id:          id,
		statusFrame: s.state.FrameCounter,
		auth:        crypto.NewServerHandshake(s.cfg.ServerPassword, s.authorized),
		budget:      s.clientReceiveBudget(),
	}
	cs.SetObserver(clientTraffic{observer: s.observer, budget: cs.budget})
	return cs
}

// ID is the id the server assigned.
func (cs *ServerClient) ID() ClientID { return cs.id }

// Status is the join status of the client.
func (cs *ServerClient) Status() ClientStatus { return cs.status }

// Info is the client's public info, nil before it identified.
func (cs *ServerClient) Info() *ClientInfo { return cs.info }

// Lag is the number of frames the client took to answer the last token.
func (cs *ServerClient) Lag() uint32 { return cs.lastLag }

func (cs *ServerClient) setStatus(st ClientStatus) {
	cs.status = st
	cs.statusFrame = cs.server.state.FrameCounter
}

func (cs *ServerClient) canReceive() bool {
	return cs.budget == nil || cs.budget.Tokens() > 0
}

func (cs *ServerClient) newPacket(t PacketGameType) *protocol.Packet {
	return protocol.New(cs.TCPHandler, uint8(t), constants.TCPMTU)
}

// HandlePacket dispatches one packet from the client.
func (cs *ServerClient) HandlePacket(p *protocol.Packet) network.RecvStatus {
	if cs.HasClientQuit() {
		return network.RecvClientQuit
	}
	t := PacketGameType(p.GetPacketType())

	switch t {
	case PacketClientJoin:
		return cs.receiveClientJoin(p)
	case PacketClientAuthResponse:
		return cs.receiveClientAuthResponse(p)
	case PacketClientIdentify:
		return cs.receiveClientIdentify(p)
	case PacketClientNewGRFsChecked:
		return cs.receiveClientNewGRFsChecked()
	case PacketClientGetMap:
		return cs.receiveClientGetMap()
	case PacketClientMapOk:
		return cs.receiveClientMapOk()
	case PacketClientAck:
		return cs.receiveClientAck(p)
	case PacketClientCommand:
		return cs.receiveClientCommand(p)
	case PacketClientChat:
		return cs.receiveClientChat(p)
	case PacketClientRCon:
		return cs.receiveClientRCon(p)
	case PacketClientMove:
		return cs.receiveClientMove(p)
	case PacketClientSetName:
		return cs.receiveClientSetName(p)
	case PacketClientQuit:
		return network.RecvClientQuit
	case PacketClientError:
		return cs.receiveClientError(p)
	case PacketServerFull, PacketServerBanned, PacketServerError, PacketClientUnused, PacketServerUnused,
		PacketServerGameInfo, PacketServerShutdown, PacketServerAuthRequest, PacketServerEnableEncryption,
		PacketServerCheckNewGRFs, PacketServerWelcome, PacketServerClientInfo, PacketServerWait,
		PacketServerMapBegin, PacketServerMapSize, PacketServerMapData, PacketServerMapDone,
		PacketServerJoin, PacketServerFrame, PacketServerSync, PacketServerCommand, PacketServerChat,
		PacketServerExternalChat, PacketServerRCon, PacketServerMove, PacketServerConfigUpdate,
		PacketServerQuit, PacketServerErrorQuit:
		return cs.receiveInvalidPacket(t)
	default:
		return cs.receiveInvalidPacket(t)
	}
}

func (cs *ServerClient) receiveInvalidPacket(t PacketGameType) network.RecvStatus {
	slog.Warn("unexpected packet from client", "client_id", cs.id, "type", t, "status", cs.status)
	return network.RecvMalformedPacket
}

// sendError queues SERVER_ERROR; the caller closes the connection with the
// returned status.
func (cs *ServerClient) sendError(code NetworkErrorCode, detail string) network.RecvStatus {
	p := cs.newPacket(PacketServerError)
	p.SendUint8(uint8(code))
	if detail != "" {
		p.SendString(truncate(detail, constants.ErrorDetailLength))
	}
	cs.SendPacket(p)

	slog.Info("client error", "client_id", cs.id, "error", code, "status", cs.status)
	cs.quitError = code
	cs.hasQuitError = true
	return network.RecvServerError
}

func (cs *ServerClient) receiveClientJoin(p *protocol.Packet) network.RecvStatus {
	if cs.status != ClientInactive {
		return cs.sendError(ErrorNotExpected, "")
	}
	revision := p.RecvString(constants.RevisionLength)
	grfVersion := p.RecvUint32()
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	if revision != constants.Revision {
		slog.Info("wrong revision", "client_id", cs.id, "revision", revision)
		return cs.sendError(ErrorWrongRevision, "")
	}
	slog.Debug("client join", "client_id", cs.id, "newgrf_version", grfVersion)

	cs.setStatus(ClientAuthGame)
	return cs.sendAuthRequest()
}

func (cs *ServerClient) sendAuthRequest() network.RecvStatus {
	req, err := cs.auth.Request()
	if err != nil {
		slog.Error("creating auth request", "client_id", cs.id, "error", err)
		return cs.sendError(ErrorGeneral, "")
	}
	p := cs.newPacket(PacketServerAuthRequest)
	p.SendUint8(uint8(req.Method))
	p.SendBytes(req.PublicKey[:])
	p.SendBytes(req.Nonce[:])
	cs.SendPacket(p)
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientAuthResponse(p *protocol.Packet) network.RecvStatus {
	if cs.status != ClientAuthGame {
		return cs.sendError(ErrorNotExpected, "")
	}
	var resp crypto.AuthResponse
	p.RecvBytes(resp.PublicKey[:])
	p.RecvBytes(resp.MAC[:])
	p.RecvBytes(resp.Message[:])
	if p.Malformed() {
		return network.RecvMalformedPacket
	}

	retry, err := cs.auth.Verify(resp)
	switch {
	case errors.Is(err, crypto.ErrWrongPassword):
		return cs.sendError(ErrorWrongPassword, "")
	case errors.Is(err, crypto.ErrNotAuthorized):
		return cs.sendError(ErrorNotOnAllowList, "")
	case err != nil:
		slog.Warn("authentication failed", "client_id", cs.id, "error", err)
		return cs.sendError(ErrorNotAuthorized, "")
	case retry:
		return cs.sendAuthRequest()
	}

	var nonce [crypto.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return cs.sendError(ErrorGeneral, "")
	}
	send, recv, err := cs.auth.Encryption(nonce)
	if err != nil {
		return cs.sendError(ErrorGeneral, "")
	}
	out := cs.newPacket(PacketServerEnableEncryption)
	out.SendBytes(nonce[:])
	cs.SendPacket(out)
	cs.SetEncryption(send, recv)

	cs.publicKey = cs.auth.ClientPublicKey().Hex()
	cs.setStatus(ClientIdentify)
	slog.Debug("client authenticated", "client_id", cs.id, "method", cs.auth.Method())
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientIdentify(p *protocol.Packet) network.RecvStatus {
	if cs.status != ClientIdentify {
		return cs.sendError(ErrorNotExpected, "")
	}
	name := p.RecvString(constants.ClientNameLength)
	company := CompanyID(p.RecvUint8())
	if p.Malformed() {
		return network.RecvMalformedPacket
	}

	s := cs.server
	switch {
	case company == CompanySpectator, company == CompanyNewCompany:
	case !IsValidCompany(company) || !s.sim.CompanyExists(company):
		return cs.sendError(ErrorCompanyMismatch, "")
	}
	if !IsValidClientName(name) {
		return cs.sendError(ErrorInvalidClientName, "")
	}
	unique, ok := s.state.MakeClientNameUnique(name, cs.id)
	if !ok {
		return cs.sendError(ErrorNameInUse, "")
	}

	cs.wantName = name
	cs.info = &ClientInfo{
		ID:        cs.id,
		Name:      unique,
		Company:   company,
		PublicKey: cs.publicKey,
		JoinedAt:  nowFunc(),
	}
	cs.setStatus(ClientNewGRFsCheck)

	grfs := s.sim.NewGRFs()
	if len(grfs) > constants.MaxGRFCount {
		grfs = grfs[:constants.MaxGRFCount]
	}
	out := cs.newPacket(PacketServerCheckNewGRFs)
	out.SendUint8(uint8(len(grfs)))
	for _, g := range grfs {
		SendGRFIdentifier(out, g.Ident)
	}
	cs.SendPacket(out)
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientNewGRFsChecked() network.RecvStatus {
	if cs.status != ClientNewGRFsCheck {
		return cs.sendError(ErrorNotExpected, "")
	}
	s := cs.server
	// Another client may have taken the name while this one checked its NewGRFs.
	unique, ok := s.state.MakeClientNameUnique(cs.wantName, cs.id)
	if !ok {
		return cs.sendError(ErrorNameInUse, "")
	}
	cs.info.Name = unique
	cs.setStatus(ClientAuthorized)
	s.state.SetClient(cs.info)

	p := cs.newPacket(PacketServerWelcome)
	p.SendUint32(uint32(cs.id))
	p.SendUint32(s.generationSeed)
	cs.SendPacket(p)

	for _, ci := range s.state.Clients() {
		cs.sendClientInfo(ci)
	}
	slog.Info("client authorized", "client_id", cs.id, "name", cs.info.Name)
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientGetMap() network.RecvStatus {
	if cs.status != ClientAuthorized {
		return cs.sendError(ErrorNotAuthorized, "")
	}
	cs.setStatus(ClientMapWait)
	if cs.server.mapSender != nil {
		cs.sendWait()
	}
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientMapOk() network.RecvStatus {
	if cs.status != ClientDoneMap {
		return cs.sendError(ErrorNotExpected, "")
	}
	s := cs.server
	cs.setStatus(ClientPreActive)
	cs.lastFrame = s.state.FrameCounter

	for _, other := range s.clients {
		if other.closed || other.status < ClientAuthorized {
			continue
		}
		if other != cs {
			other.sendClientInfo(cs.info)
		}
		p := other.newPacket(PacketServerJoin)
		p.SendUint32(uint32(cs.id))
		other.SendPacket(p)
	}

	for cp := cs.pending.PopFront(); cp != nil; cp = cs.pending.PopFront() {
		cs.sendCommand(cp)
	}
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientAck(p *protocol.Packet) network.RecvStatus {
	if cs.status < ClientAuthorized {
		return cs.sendError(ErrorNotAuthorized, "")
	}
	frame := p.RecvUint32()
	token := p.RecvUint8()
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	if cs.status == ClientPreActive {
		cs.setStatus(ClientActive)
		slog.Info("client active", "client_id", cs.id)
	}
	cs.lastFrame = frame
	if token != 0 && token == cs.lastToken {
		cs.lastLag = cs.server.state.FrameCounter - cs.tokenFrame
		cs.lastToken = 0
	}
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientCommand(p *protocol.Packet) network.RecvStatus {
	if cs.status < ClientDoneMap {
		return cs.sendError(ErrorNotExpected, "")
	}
	if cs.incoming.Len() >= max(1, cs.server.cfg.MaxCommandsInQueue) {
		return cs.sendError(ErrorTooManyCommands, "")
	}
	cp := recvCommand(p)
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	if cp.Company != cs.info.Company {
		slog.Warn("command for foreign company", "client_id", cs.id, "company", cp.Company, "own", cs.info.Company)
		return cs.sendError(ErrorCompanyMismatch, "")
	}
	cp.ClientID = cs.id
	cs.incoming.Append(cp)
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientChat(p *protocol.Packet) network.RecvStatus {
	if cs.status < ClientPreActive {
		return cs.sendError(ErrorNotExpected, "")
	}
	action := NetworkAction(p.RecvUint8())
	dest := DestType(p.RecvUint8())
	destID := p.RecvUint32()
	msg := p.RecvString(constants.ChatLength)
	data := p.RecvUint64()
	if p.Malformed() || !action.IsChat() {
		return network.RecvMalformedPacket
	}

	s := cs.server
	slog.Info("chat", "client_id", cs.id, "action", action, "dest", dest, "dest_id", destID, "message", msg)
	switch dest {
	case DestClient:
		target := s.client(ClientID(destID))
		if target == nil || target.status < ClientPreActive {
			return network.RecvOkay
		}
		target.sendChat(action, cs.id, false, msg, data)
		if target != cs {
			cs.sendChat(action, ClientID(destID), true, msg, data)
		}
	case DestTeam:
		team := CompanyID(destID)
		inTeam := false
		for _, other := range s.clients {
			if other.closed || other.status < ClientPreActive || other.info.Company != team {
				continue
			}
			other.sendChat(action, cs.id, other == cs, msg, data)
			inTeam = inTeam || other == cs
		}
		if !inTeam {
			cs.sendChat(action, cs.id, true, msg, data)
		}
	case DestBroadcast:
		for _, other := range s.clients {
			if other.closed || other.status < ClientPreActive {
				continue
			}
			other.sendChat(action, cs.id, other == cs, msg, data)
		}
	default:
		return network.RecvMalformedPacket
	}
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientRCon(p *protocol.Packet) network.RecvStatus {
	if cs.status != ClientActive {
		return cs.sendError(ErrorNotExpected, "")
	}
	password := p.RecvString(constants.PasswordLength)
	command := p.RecvString(constants.RConCommandLength)
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	s := cs.server
	if s.cfg.RConPassword == "" || password != s.cfg.RConPassword {
		slog.Warn("wrong rcon password", "client_id", cs.id)
		return network.RecvOkay
	}
	slog.Info("rcon", "client_id", cs.id, "command", command)
	for _, line := range s.rcon(s, command) {
		out := cs.newPacket(PacketServerRCon)
		out.SendUint16(RConColour)
		out.SendString(truncate(line, constants.RConCommandLength))
		cs.SendPacket(out)
	}
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientMove(p *protocol.Packet) network.RecvStatus {
	if cs.status != ClientActive {
		return cs.sendError(ErrorNotExpected, "")
	}
	company := CompanyID(p.RecvUint8())
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	s := cs.server
	if company != CompanySpectator && (!IsValidCompany(company) || !s.sim.CompanyExists(company)) {
		return network.RecvOkay
	}
	cs.info.Company = company
	for _, other := range s.clients {
		if other.closed || other.status < ClientAuthorized {
			continue
		}
		out := other.newPacket(PacketServerMove)
		out.SendUint32(uint32(cs.id))
		out.SendUint8(uint8(company))
		other.SendPacket(out)
	}
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientSetName(p *protocol.Packet) network.RecvStatus {
	if cs.status < ClientPreActive {
		return cs.sendError(ErrorNotExpected, "")
	}
	name := p.RecvString(constants.ClientNameLength)
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	s := cs.server
	if !IsValidClientName(name) {
		return network.RecvOkay
	}
	unique, ok := s.state.MakeClientNameUnique(name, cs.id)
	if !ok || unique == cs.info.Name {
		return network.RecvOkay
	}
	cs.info.Name = unique
	for _, other := range s.clients {
		if other.closed || other.status < ClientAuthorized {
			continue
		}
		other.sendClientInfo(cs.info)
		if other.status >= ClientPreActive {
			other.sendChat(ActionNameChange, cs.id, other == cs, unique, 0)
		}
	}
	return network.RecvOkay
}

func (cs *ServerClient) receiveClientError(p *protocol.Packet) network.RecvStatus {
	code := NetworkErrorCode(p.RecvUint8())
	slog.Info("client reported error", "client_id", cs.id, "error", code)
	cs.quitError = code
	cs.hasQuitError = true
	return network.RecvClientQuit
}

func (cs *ServerClient) sendClientInfo(ci *ClientInfo) {
	p := cs.newPacket(PacketServerClientInfo)
	p.SendUint32(uint32(ci.ID))
	p.SendUint8(uint8(ci.Company))
	p.SendString(ci.Name)
	p.SendString(ci.PublicKey)
	cs.SendPacket(p)
}

func (cs *ServerClient) sendWait() {
	p := cs.newPacket(PacketServerWait)
	p.SendUint8(uint8(min(cs.server.waitingCount(), 255)))
	cs.SendPacket(p)
}

func (cs *ServerClient) sendFrame() {
	st := cs.server.state
	p := cs.newPacket(PacketServerFrame)
	p.SendUint32(st.FrameCounter)
	p.SendUint32(st.FrameCounterMax)
	var token uint8
	if cs.lastToken == 0 {
		cs.lastToken = uint8(mathrand.IntN(255) + 1)
		cs.tokenFrame = st.FrameCounter
		token = cs.lastToken
	}
	p.SendUint8(token)
	cs.SendPacket(p)
}

func (cs *ServerClient) sendSync() {
	st := cs.server.state
	p := cs.newPacket(PacketServerSync)
	p.SendUint32(st.SyncFrame)
	p.SendUint32(st.SyncSeed1)
	p.SendUint32(st.SyncSeed2)
	cs.SendPacket(p)
}

func (cs *ServerClient) sendCommand(cp *CommandPacket) {
	p := cs.newPacket(PacketServerCommand)
	sendCommand(p, cp)
	p.SendUint32(cp.Frame)
	p.SendBool(cp.MyCmd)
	cs.SendPacket(p)
}

func (cs *ServerClient) sendChat(action NetworkAction, from ClientID, self bool, msg string, data uint64) {
	p := cs.newPacket(PacketServerChat)
	p.SendUint8(uint8(action))
	p.SendUint32(uint32(from))
	p.SendBool(self)
	p.SendString(truncate(msg, constants.ChatLength))
	p.SendUint64(data)
	cs.SendPacket(p)
}

func (cs *ServerClient) sendQuit(id ClientID) {
	p := cs.newPacket(PacketServerQuit)
	p.SendUint32(uint32(id))
	cs.SendPacket(p)
}

func (cs *ServerClient) sendErrorQuit(id ClientID, code NetworkErrorCode) {
	p := cs.newPacket(PacketServerErrorQuit)
	p.SendUint32(uint32(id))
	p.SendUint8(uint8(code))
	cs.SendPacket(p)
}
