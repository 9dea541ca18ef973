// Package content implements the content protocol: querying the catalogue of
// downloadable add-ons and fetching them, over TCP or from an HTTP mirror.
package content

import (
	"fmt"
	"slices"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// PacketContentType is the type byte of a content packet. The order is part of
// the wire format.
type PacketContentType uint8

const (
	PacketClientInfoList PacketContentType = iota
	PacketClientInfoID
	PacketClientInfoExtID
	PacketClientInfoExtIDMD5
	PacketServerInfo
	PacketClientContent
	PacketServerContent
	PacketContentEnd
)

var packetContentTypeNames = [...]string{
	"CLIENT_INFO_LIST", "CLIENT_INFO_ID", "CLIENT_INFO_EXTID", "CLIENT_INFO_EXTID_MD5",
	"SERVER_INFO", "CLIENT_CONTENT", "SERVER_CONTENT",
}

func (t PacketContentType) String() string {
	if int(t) < len(packetContentTypeNames) {
		return packetContentTypeNames[t]
	}
	return fmt.Sprintf("PacketContentType(%d)", uint8(t))
}

// ContentType is the kind of an add-on. The values are stored in catalogues.
type ContentType uint8

const (
	TypeBaseGraphics ContentType = iota + 1
	TypeNewGRF
	TypeAI
	TypeAILibrary
	TypeScenario
	TypeHeightmap
	TypeBaseSounds
	TypeBaseMusic
	TypeGame
	TypeGameLibrary
	TypeEnd
)

// TypeBegin is the first valid content type.
const TypeBegin = TypeBaseGraphics

// TypeInvalid marks unknown or uninitialised content.
const TypeInvalid ContentType = 0xFF

var contentTypeNames = [...]string{
	TypeBaseGraphics: "base-graphics",
	TypeNewGRF:       "newgrf",
	TypeAI:           "ai",
	TypeAILibrary:    "ai-library",
	TypeScenario:     "scenario",
	TypeHeightmap:    "heightmap",
	TypeBaseSounds:   "base-sounds",
	TypeBaseMusic:    "base-music",
	TypeGame:         "game-script",
	TypeGameLibrary:  "game-script-library",
}

func (t ContentType) String() string {
	if t >= TypeBegin && t < TypeEnd {
		return contentTypeNames[t]
	}
	return fmt.Sprintf("ContentType(%d)", uint8(t))
}

// Valid reports whether t names a real content type.
func (t ContentType) Valid() bool { return t >= TypeBegin && t < TypeEnd }

// ParseContentType is the inverse of String.
func ParseContentType(s string) (ContentType, error) {
	for t := TypeBegin; t < TypeEnd; t++ {
		if contentTypeNames[t] == s {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown content type %q", s)
}

// SubDir is the directory, relative to the download root, content of this
// type is stored in.
func (t ContentType) SubDir() string {
	switch t {
	case TypeBaseGraphics, TypeBaseSounds, TypeBaseMusic:
		return "baseset"
	case TypeNewGRF:
		return "newgrf"
	case TypeAI:
		return "ai"
	case TypeAILibrary:
		return "ai/library"
	case TypeScenario:
		return "scenario"
	case TypeHeightmap:
		return "scenario/heightmap"
	case TypeGame:
		return "game"
	case TypeGameLibrary:
		return "game/library"
	default:
		return ""
	}
}

// ContentID is the server side identifier of a piece of content.
type ContentID uint32

// InvalidContentID marks an unset id.
const InvalidContentID ContentID = 0xFFFFFFFF

// ContentState is the selection state of an entry in the client's catalogue.
type ContentState uint8

const (
	StateUnselected ContentState = iota
	StateSelected
	StateAutoSelected
	StateAlreadyHere
	StateDoesNotExist
	StateInvalid
)

func (s ContentState) String() string {
	switch s {
	case StateUnselected:
		return "unselected"
	case StateSelected:
		return "selected"
	case StateAutoSelected:
		return "auto-selected"
	case StateAlreadyHere:
		return "already-here"
	case StateDoesNotExist:
		return "does-not-exist"
	default:
		return "invalid"
	}
}

// ContentInfo describes one piece of content.
type ContentInfo struct {
	Type         ContentType
	ID           ContentID
	FileSize     uint32
	Filename     string
	Name         string
	Version      string
	URL          string
	Description  string
	UniqueID     uint32 // GRF ID or script short name
	MD5          [16]byte
	Dependencies []ContentID
	Tags         []string

	State   ContentState
	Upgrade bool
}

// IsSelected reports whether the content is or will be present after downloading.
func (ci *ContentInfo) IsSelected() bool {
	switch ci.State {
	case StateSelected, StateAutoSelected, StateAlreadyHere:
		return true
	default:
		return false
	}
}

// IsValid reports whether the entry describes existing content of a known type.
func (ci *ContentInfo) IsValid() bool {
	return ci.State < StateInvalid && ci.Type.Valid()
}

// Clone returns a deep copy.
func (ci *ContentInfo) Clone() *ContentInfo {
	c := *ci
	c.Dependencies = slices.Clone(ci.Dependencies)
	c.Tags = slices.Clone(ci.Tags)
	return &c
}

// ExternalID identifies content by what the game knows about it locally.
type ExternalID struct {
	Type     ContentType
	UniqueID uint32
	MD5      [16]byte // zero unless matched by checksum
}

func writeInfo(p *protocol.Packet, ci *ContentInfo) {
	p.SendUint8(uint8(ci.Type))
	p.SendUint32(uint32(ci.ID))
	p.SendUint32(ci.FileSize)
	p.SendString(ci.Name)
	p.SendString(ci.Version)
	p.SendString(ci.URL)
	p.SendString(ci.Description)
	p.SendUint32(ci.UniqueID)
	p.SendBytes(ci.MD5[:])

	deps := ci.Dependencies[:min(len(ci.Dependencies), 255)]
	p.SendUint8(uint8(len(deps)))
	for _, d := range deps {
		p.SendUint32(uint32(d))
	}
	tags := ci.Tags[:min(len(ci.Tags), 255)]
	p.SendUint8(uint8(len(tags)))
	for _, t := range tags {
		p.SendString(t)
	}
}

func readInfo(p *protocol.Packet) *ContentInfo {
	ci := &ContentInfo{
		Type:     ContentType(p.RecvUint8()),
		ID:       ContentID(p.RecvUint32()),
		FileSize: p.RecvUint32(),
	}
	ci.Name = p.RecvString(constants.ContentNameLength)
	ci.Version = p.RecvString(constants.ContentVersionLength)
	ci.URL = p.RecvString(constants.ContentURLLength)
	ci.Description = p.RecvString(constants.ContentDescLength)
	ci.UniqueID = p.RecvUint32()
	p.RecvBytes(ci.MD5[:])

	n := int(p.RecvUint8())
	for range n {
		if p.Malformed() {
			break
		}
		ci.Dependencies = append(ci.Dependencies, ContentID(p.RecvUint32()))
	}
	n = int(p.RecvUint8())
	for range n {
		if p.Malformed() {
			break
		}
		ci.Tags = append(ci.Tags, p.RecvString(constants.ContentTagLength))
	}
	return ci
}
