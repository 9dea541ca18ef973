package game

import (
	"errors"
	"fmt"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// NewGRF serialisation types inside the game info.
const (
	GRFSerialiseIDMD5     uint8 = iota // GRF ID and MD5
	GRFSerialiseIDMD5Name              // GRF ID, MD5 and name
	GRFSerialiseLookupID               // index into a lookup table sent by the coordinator
)

var (
	ErrGameInfoVersion = errors.New("unsupported game info version")
	ErrGRFSerialise    = errors.New("unknown NewGRF serialisation type")
	ErrGRFLookup       = errors.New("unknown NewGRF lookup id")
)

// GRFIdentifier identifies one NewGRF.
type GRFIdentifier struct {
	GRFID uint32
	MD5   [16]byte
}

// GRFInfo is a NewGRF as advertised by a server.
type GRFInfo struct {
	Ident GRFIdentifier
	Name  string
}

// GRFLookup maps coordinator lookup ids to NewGRFs.
type GRFLookup map[uint32]GRFInfo

// GameInfo is what a server advertises about its game.
type GameInfo struct {
	TicksPlaying      uint64
	GameScriptVersion int32
	GameScriptName    string
	GRFs              []GRFInfo
	CalendarDate      uint32
	CalendarStart     uint32
	CompaniesMax      uint8
	CompaniesOn       uint8
	SpectatorsMax     uint8
	ServerName        string
	ServerRevision    string
	UsePassword       bool
	ClientsMax        uint8
	ClientsOn         uint8
	SpectatorsOn      uint8
	MapWidth          uint16
	MapHeight         uint16
	Landscape         uint8
	Dedicated         bool
}

// SerializeGameInfo writes info in the current version. With names set the
// NewGRF names are included, which only fits in TCP packets.
func SerializeGameInfo(p *protocol.Packet, info *GameInfo, names bool) {
	p.SendUint8(constants.GameInfoVersion)

	p.SendUint64(info.TicksPlaying)

	grfType := GRFSerialiseIDMD5
	if names {
		grfType = GRFSerialiseIDMD5Name
	}
	p.SendUint8(grfType)

	p.SendUint32(uint32(info.GameScriptVersion))
	p.SendString(info.GameScriptName)

	grfs := info.GRFs
	if len(grfs) > constants.MaxGRFCount {
		grfs = grfs[:constants.MaxGRFCount]
	}
	p.SendUint8(uint8(len(grfs)))
	for _, g := range grfs {
		SendGRFIdentifier(p, g.Ident)
		if names {
			p.SendString(g.Name)
		}
	}

	p.SendUint32(info.CalendarDate)
	p.SendUint32(info.CalendarStart)

	p.SendUint8(info.CompaniesMax)
	p.SendUint8(info.CompaniesOn)
	p.SendUint8(info.SpectatorsMax)

	p.SendString(info.ServerName)
	p.SendString(info.ServerRevision)
	p.SendBool(info.UsePassword)
	p.SendUint8(info.ClientsMax)
	p.SendUint8(info.ClientsOn)
	p.SendUint8(info.SpectatorsOn)
	p.SendUint16(info.MapWidth)
	p.SendUint16(info.MapHeight)
	p.SendUint8(info.Landscape)
	p.SendBool(info.Dedicated)
}

// DeserializeGameInfo reads a game info of version 4 up to the current one.
// lookup resolves NewGRFs sent by lookup id and may be nil otherwise.
func DeserializeGameInfo(p *protocol.Packet, lookup GRFLookup) (GameInfo, error) {
	var info GameInfo
	version := p.RecvUint8()
	if version < 4 || version > constants.GameInfoVersion {
		return info, fmt.Errorf("%w: %d", ErrGameInfoVersion, version)
	}

	grfType := GRFSerialiseIDMD5
	switch version {
	case 7:
		info.TicksPlaying = p.RecvUint64()
		fallthrough
	case 6:
		grfType = p.RecvUint8()
		if grfType > GRFSerialiseLookupID {
			return info, fmt.Errorf("%w: %d", ErrGRFSerialise, grfType)
		}
		fallthrough
	case 5:
		info.GameScriptVersion = int32(p.RecvUint32())
		info.GameScriptName = p.RecvString(constants.GameScriptNameLength)
		fallthrough
	case 4:
		n := int(p.RecvUint8())
		for range n {
			var g GRFInfo
			switch grfType {
			case GRFSerialiseIDMD5:
				g.Ident = RecvGRFIdentifier(p)
			case GRFSerialiseIDMD5Name:
				g.Ident = RecvGRFIdentifier(p)
				g.Name = p.RecvString(constants.GRFNameLength)
			case GRFSerialiseLookupID:
				id := p.RecvUint32()
				found, ok := lookup[id]
				if !ok {
					return info, fmt.Errorf("%w: %d", ErrGRFLookup, id)
				}
				g = found
			}
			info.GRFs = append(info.GRFs, g)
		}
	}

	info.CalendarDate = p.RecvUint32()
	info.CalendarStart = p.RecvUint32()
	info.CompaniesMax = p.RecvUint8()
	info.CompaniesOn = p.RecvUint8()
	info.SpectatorsMax = p.RecvUint8()
	info.ServerName = p.RecvString(constants.NameLength)
	info.ServerRevision = p.RecvString(constants.RevisionLength)
	info.UsePassword = p.RecvBool()
	info.ClientsMax = p.RecvUint8()
	info.ClientsOn = p.RecvUint8()
	info.SpectatorsOn = p.RecvUint8()
	info.MapWidth = p.RecvUint16()
	info.MapHeight = p.RecvUint16()
	info.Landscape = p.RecvUint8()
	info.Dedicated = p.RecvBool()

	if p.Malformed() {
		return info, protocol.ErrPacketTooSmall
	}
	return info, nil
}

// SendGRFIdentifier writes a GRF ID followed by its MD5.
func SendGRFIdentifier(p *protocol.Packet, id GRFIdentifier) {
	p.SendUint32(id.GRFID)
	for _, b := range id.MD5 {
		p.SendUint8(b)
	}
}

// RecvGRFIdentifier reads what SendGRFIdentifier wrote.
func RecvGRFIdentifier(p *protocol.Packet) GRFIdentifier {
	var id GRFIdentifier
	id.GRFID = p.RecvUint32()
	p.RecvBytes(id.MD5[:])
	return id
}
