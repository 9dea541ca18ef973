package game

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/udisondev/ttdnet/internal/config"
	"github.com/udisondev/ttdnet/internal/network"
)

// fakeSim is a deterministic simulation: its random seeds depend only on the
// number of ticks run, which is what the saved map carries.
type fakeSim struct {
	mu        sync.Mutex
	ticks     uint32
	salt      uint32
	mapSize   int
	grfs      []GRFInfo
	companies map[CompanyID]bool
	executed  []CommandPacket
	loadErr   error
}

func newFakeSim() *fakeSim {
	return &fakeSim{mapSize: 64 * 1024, companies: map[CompanyID]bool{0: true}}
}

func (f *fakeSim) SaveMap() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := make([]byte, 4+f.mapSize)
	binary.LittleEndian.PutUint32(data, f.ticks)
	for i := 4; i < len(data); i++ {
		data[i] = byte(i)
	}
	return data, nil
}

func (f *fakeSim) LoadMap(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	if len(data) < 4 {
		return errors.New("short map")
	}
	f.ticks = binary.LittleEndian.Uint32(data)
	return nil
}

func (f *fakeSim) RunTick() {
	f.mu.Lock()
	f.ticks++
	f.mu.Unlock()
}

func (f *fakeSim) RandomSeeds() (uint32, uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks*2654435761 + f.salt, f.ticks ^ 0x5bd1e995
}

func (f *fakeSim) ExecuteCommand(cp *CommandPacket) {
	f.mu.Lock()
	f.executed = append(f.executed, *cp)
	f.mu.Unlock()
}

func (f *fakeSim) CompanyExists(c CompanyID) bool { return f.companies[c] }

func (f *fakeSim) NewGRFs() []GRFInfo { return f.grfs }

func (f *fakeSim) FillGameInfo(info *GameInfo) {
	info.TicksPlaying = uint64(f.ticks)
	info.CompaniesOn = uint8(len(f.companies))
}

func (f *fakeSim) Executed() []CommandPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CommandPacket(nil), f.executed...)
}

type chatEvent struct {
	action NetworkAction
	from   ClientID
	self   bool
	msg    string
}

// recorder collects client events.
type recorder struct {
	NopEvents

	mu           sync.Mutex
	chats        []chatEvent
	rcon         []string
	left         map[ClientID]NetworkErrorCode
	disconnected bool
	status       network.RecvStatus
	code         NetworkErrorCode
	joinStatus   []JoinStatus
}

func (r *recorder) JoinStatusChanged(s JoinStatus, _ uint8, _, _ uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.joinStatus); n == 0 || r.joinStatus[n-1] != s {
		r.joinStatus = append(r.joinStatus, s)
	}
}

func (r *recorder) ChatReceived(action NetworkAction, from ClientID, self bool, msg string, _ uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, chatEvent{action, from, self, msg})
}

func (r *recorder) RConReply(_ uint16, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rcon = append(r.rcon, text)
}

func (r *recorder) ClientLeft(id ClientID, code NetworkErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.left == nil {
		r.left = make(map[ClientID]NetworkErrorCode)
	}
	r.left[id] = code
}

func (r *recorder) Disconnected(status network.RecvStatus, code NetworkErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = true
	r.status = status
	r.code = code
}

func (r *recorder) Disconnect() (bool, network.RecvStatus, NetworkErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected, r.status, r.code
}

func (r *recorder) Chats() []chatEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chatEvent(nil), r.chats...)
}

func (r *recorder) RCon() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rcon...)
}

func (r *recorder) Left(id ClientID) (NetworkErrorCode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.left[id]
	return code, ok
}

// addrConn gives a pipe a TCP remote address so ban checks never resolve "pipe".
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

func testServerConfig() config.Server {
	cfg := config.DefaultServer()
	cfg.ServerName = "Test Server"
	cfg.BytesPerFrame = 0
	cfg.SyncFrequency = 4
	return cfg
}

type testPlayer struct {
	client *Client
	sim    *fakeSim
	events *recorder
	seen   []ServerStatus
}

type harness struct {
	t       *testing.T
	srv     *Server
	sim     *fakeSim
	players []*testPlayer
}

func newHarness(t *testing.T, cfg config.Server, opts ...ServerOption) *harness {
	t.Helper()
	sim := newFakeSim()
	h := &harness{t: t, sim: sim, srv: NewServer(cfg, NewNetworkState(), sim, opts...)}
	t.Cleanup(func() {
		for _, p := range h.players {
			p.client.CloseConnection()
			p.client.CloseSocket()
		}
		h.srv.Shutdown()
	})
	return h
}

// connect wires a new client to the server through a pipe and starts joining.
func (h *harness) connect(cfg ClientConfig, remote string, prepare func(*testPlayer)) *testPlayer {
	h.t.Helper()
	p := &testPlayer{sim: newFakeSim(), events: &recorder{}}
	if prepare != nil {
		prepare(p)
	}
	c, err := NewClient(cfg, NewNetworkState(), p.sim, GRFSet{}, p.events)
	require.NoError(h.t, err)
	p.client = c

	serverEnd, clientEnd := net.Pipe()
	if remote == "" {
		remote = "192.0.2.10:50000"
	}
	h.srv.AcceptSocket(network.NewConnSocket(addrConn{Conn: serverEnd, remote: net.TCPAddrFromAddrPort(netip.MustParseAddrPort(remote))}))
	c.AcceptSocket(network.NewConnSocket(clientEnd))
	h.players = append(h.players, p)
	return p
}

func (h *harness) pump() {
	h.srv.Tick()
	for _, p := range h.players {
		p.client.Poll()
		if n := len(p.seen); n == 0 || p.seen[n-1] != p.client.Status() {
			p.seen = append(p.seen, p.client.Status())
		}
	}
}

func (h *harness) until(msg string, cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.pump()
		return cond()
	}, 10*time.Second, time.Millisecond, msg)
}

// serverClient returns the server's handler for the player's client id.
func (h *harness) serverClient(p *testPlayer) *ServerClient {
	return h.srv.client(p.client.state.OwnClientID)
}

func (h *harness) active(p *testPlayer) bool {
	if p.client.Status() != StatusActive {
		return false
	}
	cs := h.serverClient(p)
	return cs != nil && cs.Status() == ClientActive
}

func (h *harness) join(name string) *testPlayer {
	h.t.Helper()
	p := h.connect(ClientConfig{PlayerName: name, Company: CompanySpectator}, "", nil)
	h.until(name+" becomes active", func() bool { return h.active(p) })
	return p
}

func newPipeSockets() (serverEnd, clientEnd network.Socket) {
	a, b := net.Pipe()
	remote := net.TCPAddrFromAddrPort(netip.MustParseAddrPort("192.0.2.20:50000"))
	return network.NewConnSocket(addrConn{Conn: a, remote: remote}), network.NewConnSocket(b)
}
