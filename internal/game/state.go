package game

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ClientInfo is what every participant knows about a client.
type ClientInfo struct {
	ID        ClientID
	Name      string
	Company   CompanyID
	PublicKey string
	JoinedAt  time.Time
}

// NetworkState is the network-wide state of one game session: frame counters,
// synchronisation seeds and the client list. It is owned by the loop goroutine
// and passed explicitly to whatever needs it.
type NetworkState struct {
	FrameCounter       uint32 // frame the local game is at
	FrameCounterServer uint32 // frame the server is at (client side)
	FrameCounterMax    uint32 // frame the client may run up to
	LastSyncFrame      uint32

	SyncFrame uint32 // frame SyncSeed1/2 belong to, 0 when nothing is pending
	SyncSeed1 uint32
	SyncSeed2 uint32

	// OwnClientID is the id the server handed us; ClientIDServer on a server.
	OwnClientID ClientID

	// BanList holds addresses or netmasks refused at accept time.
	BanList []string
	// BindAddresses are the addresses a server listens on.
	BindAddresses []string

	clients map[ClientID]*ClientInfo
}

// NewNetworkState creates an empty state.
func NewNetworkState() *NetworkState {
	return &NetworkState{clients: make(map[ClientID]*ClientInfo)}
}

// Client returns the info of id, or nil.
func (s *NetworkState) Client(id ClientID) *ClientInfo { return s.clients[id] }

// ClientByName finds a client by exact name.
func (s *NetworkState) ClientByName(name string) *ClientInfo {
	for _, ci := range s.clients {
		if ci.Name == name {
			return ci
		}
	}
	return nil
}

// SetClient stores or replaces a client info.
func (s *NetworkState) SetClient(ci *ClientInfo) { s.clients[ci.ID] = ci }

// RemoveClient forgets a client.
func (s *NetworkState) RemoveClient(id ClientID) { delete(s.clients, id) }

// Clients lists every known client ordered by id.
func (s *NetworkState) Clients() []*ClientInfo {
	list := make([]*ClientInfo, 0, len(s.clients))
	for _, ci := range s.clients {
		list = append(list, ci)
	}
	slices.SortFunc(list, func(a, b *ClientInfo) int { return cmp.Compare(a.ID, b.ID) })
	return list
}

// ResetClients forgets every client.
func (s *NetworkState) ResetClients() { clear(s.clients) }

// IsBanned reports whether host matches an entry of the ban list.
func (s *NetworkState) IsBanned(matches func(netmask string) bool) bool {
	return slices.ContainsFunc(s.BanList, matches)
}

// Ban adds an entry; duplicates are ignored.
func (s *NetworkState) Ban(entry string) bool {
	if slices.Contains(s.BanList, entry) {
		return false
	}
	s.BanList = append(s.BanList, entry)
	return true
}

// Unban removes an entry.
func (s *NetworkState) Unban(entry string) bool {
	i := slices.Index(s.BanList, entry)
	if i < 0 {
		return false
	}
	s.BanList = slices.Delete(s.BanList, i, i+1)
	return true
}

// MakeClientNameUnique returns name, or name with a " #n" suffix when it is
// taken by another client. ok is false when no free name was found.
func (s *NetworkState) MakeClientNameUnique(name string, self ClientID) (string, bool) {
	taken := func(n string) bool {
		ci := s.ClientByName(n)
		return ci != nil && ci.ID != self
	}
	if !taken(name) {
		return name, true
	}
	for i := 1; i <= 100; i++ {
		candidate := name + " #" + strconv.Itoa(i)
		if !taken(candidate) {
			return candidate, true
		}
	}
	return name, false
}

// IsValidClientName rejects empty names and names starting with a space.
func IsValidClientName(name string) bool {
	return name != "" && !strings.HasPrefix(name, " ")
}
