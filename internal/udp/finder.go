package udp

import (
	"log/slog"
	"time"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/game"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// searchTicks is how long a LAN search keeps listening for answers.
const searchTicks = 300

// FinderOption is a functional option for Finder configuration.
type FinderOption func(*Finder)

// WithBind binds the finder to the given addresses instead of the wildcard.
func WithBind(bind ...network.Address) FinderOption {
	return func(f *Finder) { f.bind = bind }
}

// WithBroadcastPort changes the port broadcasts are sent to.
func WithBroadcastPort(port uint16) FinderOption {
	return func(f *Finder) { f.port = port }
}

// Finder searches for servers on the LAN and queries single servers.
// Answers are collected into a ServerList.
type Finder struct {
	*network.UDPHandler

	list        *ServerList
	bind        []network.Address
	port        uint16
	searchUntil time.Time
}

// NewFinder creates a finder adding what it finds to list.
func NewFinder(list *ServerList, opts ...FinderOption) *Finder {
	f := &Finder{list: list, port: constants.DefaultPort}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.UDPHandler = network.NewUDPHandler(f.bind, f)
	return f
}

// Search broadcasts a find-server request unless a search is still running.
func (f *Finder) Search() {
	if f.Searching() {
		return
	}
	slog.Info("searching for servers on the lan", "port", f.port)
	p := protocol.New(f.UDPHandler, uint8(PacketClientFindServer), constants.UDPMTU)
	f.SendPacket(p, network.NewAddress("255.255.255.255", f.port, network.FamilyIPv4), true, true)
	f.searchUntil = nowFunc().Add(searchTicks * constants.MillisecondsPerTick * time.Millisecond)
}

// Searching reports whether a LAN search is still collecting answers.
func (f *Finder) Searching() bool {
	return nowFunc().Before(f.searchUntil)
}

// Query asks one server for its game info. The server is added to the list
// right away and marked online once it answers.
func (f *Finder) Query(addr network.Address) {
	f.list.Add(addr.AddressString(false), true)
	p := protocol.New(f.UDPHandler, uint8(PacketClientFindServer), constants.UDPMTU)
	f.SendPacket(p, addr, false, false)
}

// Poll handles the answers that arrived since the last call.
func (f *Finder) Poll() {
	f.ReceivePackets()
}

func (f *Finder) HandleUDPPacket(p *protocol.Packet, from network.Address) {
	switch t := PacketUDPType(p.GetPacketType()); t {
	case PacketServerResponse:
		info, err := game.DeserializeGameInfo(p, nil)
		if err != nil {
			slog.Debug("malformed server response", "from", from.String(), "error", err)
			return
		}
		cs := from.AddressString(false)
		slog.Debug("server response", "from", cs, "name", info.ServerName)
		f.list.Update(cs, info)
	default:
		slog.Debug("unexpected udp packet", "type", t.String(), "from", from.String())
	}
}
