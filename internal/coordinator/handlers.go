package coordinator

import (
	"log/slog"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/game"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
	"github.com/udisondev/ttdnet/internal/turn"
)

// HandlePacket dispatches one packet from the coordinator.
func (c *Coordinator) HandlePacket(p *protocol.Packet) network.RecvStatus {
	c.lastActivity = nowFunc()

	t := PacketCoordinatorType(p.GetPacketType())
	switch t {
	case PacketGCError:
		return c.receiveError(p)
	case PacketGCRegisterAck:
		return c.receiveRegisterAck(p)
	case PacketGCListing:
		return c.receiveListing(p)
	case PacketGCConnecting:
		return c.receiveConnecting(p)
	case PacketGCConnectFailed:
		return c.receiveConnectFailed(p)
	case PacketGCDirectConnect:
		return c.receiveDirectConnect(p)
	case PacketGCStunRequest:
		return c.receiveStunRequest(p)
	case PacketGCStunConnect:
		return c.receiveStunConnect(p)
	case PacketGCNewGRFLookup:
		return c.receiveNewGRFLookup(p)
	case PacketGCTurnConnect:
		return c.receiveTurnConnect(p)
	case PacketServerRegister, PacketServerUpdate, PacketClientListing, PacketClientConnect,
		PacketSerCliConnectFailed, PacketClientConnected, PacketSerCliStunResult:
		slog.Warn("server-bound packet from coordinator", "type", t.String())
		return network.RecvMalformedPacket
	default:
		slog.Warn("unknown coordinator packet", "type", t.String())
		return network.RecvMalformedPacket
	}
}

func (c *Coordinator) receiveError(p *protocol.Packet) network.RecvStatus {
	et := ErrorType(p.RecvUint8())
	detail := p.RecvString(constants.ErrorDetailLength)
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	c.events.OnError(et, detail)

	switch et {
	case ErrorRegistrationFailed:
		slog.Error("game coordinator refused registration", "detail", detail)
		return network.RecvServerError

	case ErrorInvalidInviteCode:
		if target, ok := c.pendingInvites[detail]; ok {
			delete(c.pendingInvites, detail)
			target.OnFailure()
		}
		slog.Info("invalid invite code", "invite_code", detail)
		return network.RecvOkay

	case ErrorReuseOfInviteCode:
		slog.Error("invite code taken over by another server", "invite_code", c.inviteCode)
		c.inviteCode = ""
		c.inviteSecret = ""
		return network.RecvServerError

	default:
		slog.Warn("unknown game coordinator error", "type", uint8(et), "detail", detail)
		return network.RecvOkay
	}
}

func (c *Coordinator) receiveRegisterAck(p *protocol.Packet) network.RecvStatus {
	invite := p.RecvString(constants.InviteCodeLength)
	secret := p.RecvString(constants.InviteCodeSecretLength)
	ct := ConnectionType(p.RecvUint8())
	if p.Malformed() || ct > ConnectionTURN {
		return network.RecvMalformedPacket
	}
	if c.reg == nil {
		slog.Warn("registration acknowledged but never requested")
		return network.RecvMalformedPacket
	}

	c.inviteCode = invite
	c.inviteSecret = secret
	c.connectionType = ct
	c.registered = true
	c.backoff = reconnectMin
	c.nextUpdate = nowFunc()

	if ct == ConnectionIsolated {
		slog.Warn("server registered but unreachable from the internet", "invite_code", invite)
	} else {
		slog.Info("server registered with game coordinator", "invite_code", invite, "connection_type", ct.String())
	}
	c.events.OnRegistered(invite, ct)
	return network.RecvOkay
}

func (c *Coordinator) receiveListing(p *protocol.Packet) network.RecvStatus {
	n := int(p.RecvUint16())
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	if n == 0 {
		c.listing = false
		c.events.OnListingDone()
		return network.RecvOkay
	}
	for range n {
		cs := p.RecvString(constants.HostnamePortLength)
		info, err := game.DeserializeGameInfo(p, c.grfLookup)
		if err != nil || p.Malformed() {
			slog.Warn("malformed server listing", "connection_string", cs, "error", err)
			return network.RecvMalformedPacket
		}
		c.events.OnServerListed(cs, info)
	}
	return network.RecvOkay
}

func (c *Coordinator) receiveConnecting(p *protocol.Packet) network.RecvStatus {
	token := p.RecvString(constants.TokenLength)
	invite := p.RecvString(constants.InviteCodeLength)
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	target, ok := c.pendingInvites[invite]
	if !ok {
		slog.Warn("coordinator connecting an invite code we never asked for", "invite_code", invite)
		return network.RecvMalformedPacket
	}
	delete(c.pendingInvites, invite)
	c.targets[token] = target
	return network.RecvOkay
}

func (c *Coordinator) receiveConnectFailed(p *protocol.Packet) network.RecvStatus {
	token := p.RecvString(constants.TokenLength)
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	c.CloseToken(token)
	if target, ok := c.targets[token]; ok {
		delete(c.targets, token)
		target.OnFailure()
	}
	return network.RecvOkay
}

func (c *Coordinator) receiveDirectConnect(p *protocol.Packet) network.RecvStatus {
	token := p.RecvString(constants.TokenLength)
	tracking := p.RecvUint8()
	host := p.RecvString(constants.HostnameLength)
	port := p.RecvUint16()
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	c.startAttempt(token, tracking, network.NewAddress(host, port, network.FamilyUnspec), nil)
	return network.RecvOkay
}

func (c *Coordinator) receiveStunRequest(p *protocol.Packet) network.RecvStatus {
	token := p.RecvString(constants.TokenLength)
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	for _, h := range c.stun[token] {
		h.Close()
	}
	hs := make(map[network.Family]*StunHandler, 2)
	for _, family := range []network.Family{network.FamilyIPv6, network.FamilyIPv4} {
		h := newStunHandler(c, token, family)
		hs[family] = h
		c.pool.Start(h.Connect())
	}
	c.stun[token] = hs
	return network.RecvOkay
}

func (c *Coordinator) receiveStunConnect(p *protocol.Packet) network.RecvStatus {
	token := p.RecvString(constants.TokenLength)
	tracking := p.RecvUint8()
	family := network.Family(p.RecvUint8())
	host := p.RecvString(constants.HostnameLength)
	port := p.RecvUint16()
	if p.Malformed() {
		return network.RecvMalformedPacket
	}

	h, ok := c.stun[token][family]
	if !ok || !h.LocalAddr().IsValid() {
		slog.Debug("no stun connection to connect from", "token", token, "family", family.String())
		c.ConnectFailure(token, tracking)
		return network.RecvOkay
	}
	// The STUN socket stays open until the peer connection from its port is up.
	h.Detach()
	c.startAttempt(token, tracking, network.NewAddress(host, port, family), h,
		network.WithFamily(family), network.WithReusePort(), network.WithBindAddress(h.LocalAddr()))
	return network.RecvOkay
}

func (c *Coordinator) receiveNewGRFLookup(p *protocol.Packet) network.RecvStatus {
	cursor := p.RecvUint32()
	n := int(p.RecvUint16())
	for range n {
		idx := p.RecvUint32()
		ident := game.RecvGRFIdentifier(p)
		name := p.RecvString(constants.GRFNameLength)
		if p.Malformed() {
			return network.RecvMalformedPacket
		}
		c.grfLookup[idx] = game.GRFInfo{Ident: ident, Name: name}
	}
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	c.grfCursor = cursor
	return network.RecvOkay
}

func (c *Coordinator) receiveTurnConnect(p *protocol.Packet) network.RecvStatus {
	token := p.RecvString(constants.TokenLength)
	tracking := p.RecvUint8()
	ticket := p.RecvString(constants.TokenLength)
	cs := p.RecvString(constants.HostnamePortLength)
	if p.Malformed() {
		return network.RecvMalformedPacket
	}

	c.killAttempt(token)
	if old, ok := c.turns[token]; ok {
		old.Close()
	}
	h := turn.New(token, tracking, ticket, cs, c)
	c.turns[token] = h
	c.pool.Start(h.Connect(c.connOpts...))
	return network.RecvOkay
}
