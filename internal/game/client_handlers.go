package game

import (
	"log/slog"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/crypto"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// HandlePacket dispatches one packet from the server.
func (c *Client) HandlePacket(p *protocol.Packet) network.RecvStatus {
	if c.HasClientQuit() {
		return network.RecvClientQuit
	}
	t := PacketGameType(p.GetPacketType())
	slog.Debug("received packet", "type", t, "status", c.status)

	switch t {
	case PacketServerFull:
		return c.receiveServerFull()
	case PacketServerBanned:
		return c.receiveServerBanned()
	case PacketServerError:
		return c.receiveServerError(p)
	case PacketServerGameInfo:
		return c.receiveServerGameInfo(p)
	case PacketServerShutdown:
		return c.receiveServerShutdown()
	case PacketServerAuthRequest:
		return c.receiveServerAuthRequest(p)
	case PacketServerEnableEncryption:
		return c.receiveServerEnableEncryption(p)
	case PacketServerCheckNewGRFs:
		return c.receiveServerCheckNewGRFs(p)
	case PacketServerWelcome:
		return c.receiveServerWelcome(p)
	case PacketServerClientInfo:
		return c.receiveServerClientInfo(p)
	case PacketServerWait:
		return c.receiveServerWait(p)
	case PacketServerMapBegin:
		return c.receiveServerMapBegin(p)
	case PacketServerMapSize:
		return c.receiveServerMapSize(p)
	case PacketServerMapData:
		return c.receiveServerMapData(p)
	case PacketServerMapDone:
		return c.receiveServerMapDone()
	case PacketServerJoin:
		return c.receiveServerJoin(p)
	case PacketServerFrame:
		return c.receiveServerFrame(p)
	case PacketServerSync:
		return c.receiveServerSync(p)
	case PacketServerCommand:
		return c.receiveServerCommand(p)
	case PacketServerChat:
		return c.receiveServerChat(p)
	case PacketServerExternalChat:
		return c.receiveServerExternalChat(p)
	case PacketServerRCon:
		return c.receiveServerRCon(p)
	case PacketServerMove:
		return c.receiveServerMove(p)
	case PacketServerConfigUpdate:
		return c.receiveServerConfigUpdate(p)
	case PacketServerQuit:
		return c.receiveServerQuit(p)
	case PacketServerErrorQuit:
		return c.receiveServerErrorQuit(p)
	case PacketClientJoin, PacketClientUnused, PacketServerUnused, PacketClientAuthResponse,
		PacketClientIdentify, PacketClientNewGRFsChecked, PacketClientGetMap, PacketClientMapOk,
		PacketClientAck, PacketClientCommand, PacketClientChat, PacketClientRCon, PacketClientMove,
		PacketClientSetName, PacketClientQuit, PacketClientError:
		return c.receiveInvalidPacket(t)
	default:
		return c.receiveInvalidPacket(t)
	}
}

func (c *Client) receiveInvalidPacket(t PacketGameType) network.RecvStatus {
	slog.Warn("unexpected packet from server", "type", t, "status", c.status)
	c.lastError = ErrorNotExpected
	return network.RecvMalformedPacket
}

func (c *Client) receiveServerFull() network.RecvStatus {
	c.lastError = ErrorFull
	return network.RecvServerFull
}

func (c *Client) receiveServerBanned() network.RecvStatus {
	return network.RecvServerBanned
}

func (c *Client) receiveServerError(p *protocol.Packet) network.RecvStatus {
	code := NetworkErrorCode(p.RecvUint8())
	var detail string
	if p.RemainingBytesToRead() > 0 {
		detail = p.RecvString(constants.ErrorDetailLength)
	}
	slog.Warn("server reported error", "error", code, "detail", detail)
	c.lastError = code
	return code.RecvStatus()
}

func (c *Client) receiveServerGameInfo(p *protocol.Packet) network.RecvStatus {
	info, err := DeserializeGameInfo(p, nil)
	if err != nil {
		slog.Warn("invalid game info", "error", err)
		return network.RecvMalformedPacket
	}
	c.events.GameInfoReceived(info)
	return network.RecvCloseQuery
}

func (c *Client) receiveServerShutdown() network.RecvStatus {
	slog.Info("server is shutting down")
	return network.RecvServerError
}

func (c *Client) receiveServerAuthRequest(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusJoin && c.status != StatusAuthGame {
		return c.receiveInvalidPacket(PacketServerAuthRequest)
	}
	var req crypto.AuthRequest
	req.Method = crypto.AuthMethod(p.RecvUint8())
	p.RecvBytes(req.PublicKey[:])
	p.RecvBytes(req.Nonce[:])
	if p.Malformed() {
		return network.RecvMalformedPacket
	}

	c.status = StatusAuthGame
	resp, err := c.auth.Respond(req, c.cfg.Password)
	if err != nil {
		slog.Warn("cannot authenticate", "method", req.Method, "error", err)
		c.lastError = ErrorNoAuthenticationMethodAvailable
		c.sendError(ErrorNoAuthenticationMethodAvailable)
		return network.RecvServerError
	}

	out := c.newPacket(PacketClientAuthResponse)
	out.SendBytes(resp.PublicKey[:])
	out.SendBytes(resp.MAC[:])
	out.SendBytes(resp.Message[:])
	c.SendPacket(out)
	return network.RecvOkay
}

func (c *Client) receiveServerEnableEncryption(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusAuthGame {
		return c.receiveInvalidPacket(PacketServerEnableEncryption)
	}
	var nonce [crypto.NonceSize]byte
	p.RecvBytes(nonce[:])
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	send, recv, err := c.auth.Encryption(nonce)
	if err != nil {
		slog.Error("enabling encryption", "error", err)
		return network.RecvMalformedPacket
	}
	c.SetEncryption(send, recv)
	c.status = StatusEncrypted

	out := c.newPacket(PacketClientIdentify)
	out.SendString(truncate(c.cfg.PlayerName, constants.ClientNameLength))
	out.SendUint8(uint8(c.cfg.Company))
	c.SendPacket(out)
	return network.RecvOkay
}

func (c *Client) receiveServerCheckNewGRFs(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusEncrypted {
		return c.receiveInvalidPacket(PacketServerCheckNewGRFs)
	}
	n := int(p.RecvUint8())
	missing := 0
	for range n {
		id := RecvGRFIdentifier(p)
		if !c.grfs.HasGRF(id) {
			slog.Warn("missing NewGRF", "grfid", id.GRFID)
			missing++
		}
	}
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	c.status = StatusNewGRFsCheck
	if missing > 0 {
		c.lastError = ErrorNewGRFMismatch
		return network.RecvNewGRFMismatch
	}
	c.SendPacket(c.newPacket(PacketClientNewGRFsChecked))
	return network.RecvOkay
}

func (c *Client) receiveServerWelcome(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusNewGRFsCheck {
		return c.receiveInvalidPacket(PacketServerWelcome)
	}
	id := ClientID(p.RecvUint32())
	seed := p.RecvUint32()
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	c.state.OwnClientID = id
	c.status = StatusAuthorized
	slog.Info("joined server", "client_id", id, "generation_seed", seed)

	c.SendPacket(c.newPacket(PacketClientGetMap))
	return network.RecvOkay
}

func (c *Client) receiveServerClientInfo(p *protocol.Packet) network.RecvStatus {
	if c.status < StatusAuthorized {
		return c.receiveInvalidPacket(PacketServerClientInfo)
	}
	ci := &ClientInfo{
		ID:      ClientID(p.RecvUint32()),
		Company: CompanyID(p.RecvUint8()),
		Name:    p.RecvString(constants.ClientNameLength),
	}
	ci.PublicKey = p.RecvString(constants.PublicKeyLength)
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	if old := c.state.Client(ci.ID); old != nil {
		ci.JoinedAt = old.JoinedAt
	}
	c.state.SetClient(ci)
	c.events.ClientInfoChanged(ci)
	return network.RecvOkay
}

func (c *Client) receiveServerWait(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusAuthorized && c.status != StatusMapWait {
		return c.receiveInvalidPacket(PacketServerWait)
	}
	waiting := p.RecvUint8()
	c.status = StatusMapWait
	c.events.JoinStatusChanged(JoinWaiting, waiting, 0, 0)
	return network.RecvOkay
}

func (c *Client) receiveServerMapBegin(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusAuthorized && c.status != StatusMapWait {
		return c.receiveInvalidPacket(PacketServerMapBegin)
	}
	frame := p.RecvUint32()
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	c.status = StatusMap
	c.state.FrameCounter = frame
	c.state.FrameCounterServer = frame
	c.state.FrameCounterMax = frame
	c.state.SyncFrame = 0
	c.savegame = c.savegame[:0]
	c.mapSize = 0
	c.incoming.Free()
	c.SetReceiveLimit(constants.MapMTU)
	c.events.JoinStatusChanged(JoinDownloading, 0, 0, 0)
	return network.RecvOkay
}

func (c *Client) receiveServerMapSize(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusMap {
		return c.receiveInvalidPacket(PacketServerMapSize)
	}
	c.mapSize = p.RecvUint32()
	c.events.JoinStatusChanged(JoinDownloading, 0, 0, c.mapSize)
	return network.RecvOkay
}

func (c *Client) receiveServerMapData(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusMap {
		return c.receiveInvalidPacket(PacketServerMapData)
	}
	chunk := make([]byte, p.RemainingBytesToRead())
	p.RecvBytes(chunk)
	c.savegame = append(c.savegame, chunk...)
	if c.mapSize != 0 && uint32(len(c.savegame)) > c.mapSize {
		slog.Warn("map larger than announced", "size", len(c.savegame), "announced", c.mapSize)
		return network.RecvMalformedPacket
	}
	c.events.JoinStatusChanged(JoinDownloading, 0, uint32(len(c.savegame)), c.mapSize)
	return network.RecvOkay
}

func (c *Client) receiveServerMapDone() network.RecvStatus {
	if c.status != StatusMap {
		return c.receiveInvalidPacket(PacketServerMapDone)
	}
	c.SetReceiveLimit(constants.TCPMTU)
	c.events.JoinStatusChanged(JoinProcessing, 0, uint32(len(c.savegame)), c.mapSize)

	data := c.savegame
	c.savegame = nil
	if err := c.sim.LoadMap(data); err != nil {
		slog.Error("loading downloaded map", "error", err)
		c.lastError = ErrorSavegameFailed
		return network.RecvSavegame
	}

	c.status = StatusActive
	c.lastAckFrame = 0
	c.SendPacket(c.newPacket(PacketClientMapOk))
	return network.RecvOkay
}

func (c *Client) receiveServerJoin(p *protocol.Packet) network.RecvStatus {
	if c.status < StatusAuthorized {
		return c.receiveInvalidPacket(PacketServerJoin)
	}
	id := ClientID(p.RecvUint32())
	name := ""
	if ci := c.state.Client(id); ci != nil {
		name = ci.Name
	}
	c.events.ChatReceived(ActionJoin, id, id == c.state.OwnClientID, name, 0)
	return network.RecvOkay
}

func (c *Client) receiveServerFrame(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusActive {
		return c.receiveInvalidPacket(PacketServerFrame)
	}
	c.state.FrameCounterServer = p.RecvUint32()
	c.state.FrameCounterMax = p.RecvUint32()
	if token := p.RecvUint8(); token != 0 {
		c.token = token
	}
	if p.Malformed() {
		return network.RecvMalformedPacket
	}

	// Acknowledge once per day, or at once when the server asks with a token.
	if c.token != 0 || c.lastAckFrame <= c.state.FrameCounter {
		c.lastAckFrame = c.state.FrameCounter + constants.DayTicks
		out := c.newPacket(PacketClientAck)
		out.SendUint32(c.state.FrameCounter)
		out.SendUint8(c.token)
		c.SendPacket(out)
		c.token = 0
	}
	return network.RecvOkay
}

func (c *Client) receiveServerSync(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusActive {
		return c.receiveInvalidPacket(PacketServerSync)
	}
	c.state.SyncFrame = p.RecvUint32()
	c.state.SyncSeed1 = p.RecvUint32()
	c.state.SyncSeed2 = p.RecvUint32()
	return network.RecvOkay
}

func (c *Client) receiveServerCommand(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusActive {
		return c.receiveInvalidPacket(PacketServerCommand)
	}
	cp := recvCommand(p)
	cp.Frame = p.RecvUint32()
	cp.MyCmd = p.RecvBool()
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	c.incoming.Append(cp)
	return network.RecvOkay
}

func (c *Client) receiveServerChat(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusActive {
		return c.receiveInvalidPacket(PacketServerChat)
	}
	action := NetworkAction(p.RecvUint8())
	from := ClientID(p.RecvUint32())
	self := p.RecvBool()
	msg := p.RecvString(constants.ChatLength)
	data := p.RecvUint64()
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	c.events.ChatReceived(action, from, self, msg, data)
	return network.RecvOkay
}

func (c *Client) receiveServerExternalChat(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusActive {
		return c.receiveInvalidPacket(PacketServerExternalChat)
	}
	source := p.RecvString(constants.ChatLength)
	colour := p.RecvUint16()
	user := p.RecvString(constants.ChatLength)
	msg := p.RecvString(constants.ChatLength)
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	c.events.ExternalChat(source, colour, user, msg)
	return network.RecvOkay
}

func (c *Client) receiveServerRCon(p *protocol.Packet) network.RecvStatus {
	if c.status != StatusActive {
		return c.receiveInvalidPacket(PacketServerRCon)
	}
	colour := p.RecvUint16()
	text := p.RecvString(constants.RConCommandLength)
	c.events.RConReply(colour, text)
	return network.RecvOkay
}

func (c *Client) receiveServerMove(p *protocol.Packet) network.RecvStatus {
	if c.status < StatusAuthorized {
		return c.receiveInvalidPacket(PacketServerMove)
	}
	id := ClientID(p.RecvUint32())
	company := CompanyID(p.RecvUint8())
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	if ci := c.state.Client(id); ci != nil {
		ci.Company = company
		c.events.ClientInfoChanged(ci)
	}
	return network.RecvOkay
}

func (c *Client) receiveServerConfigUpdate(p *protocol.Packet) network.RecvStatus {
	if c.status < StatusAuthorized {
		return c.receiveInvalidPacket(PacketServerConfigUpdate)
	}
	maxCompanies := p.RecvUint8()
	name := p.RecvString(constants.NameLength)
	c.events.ConfigUpdated(maxCompanies, name)
	return network.RecvOkay
}

func (c *Client) receiveServerQuit(p *protocol.Packet) network.RecvStatus {
	if c.status < StatusAuthorized {
		return c.receiveInvalidPacket(PacketServerQuit)
	}
	id := ClientID(p.RecvUint32())
	c.state.RemoveClient(id)
	c.events.ClientLeft(id, ErrorGeneral)
	return network.RecvOkay
}

func (c *Client) receiveServerErrorQuit(p *protocol.Packet) network.RecvStatus {
	if c.status < StatusAuthorized {
		return c.receiveInvalidPacket(PacketServerErrorQuit)
	}
	id := ClientID(p.RecvUint32())
	code := NetworkErrorCode(p.RecvUint8())
	c.state.RemoveClient(id)
	c.events.ClientLeft(id, code)
	return network.RecvOkay
}
