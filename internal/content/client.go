package content

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/nethttp"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// clientIdleTimeout closes a connection nothing happened on for this long.
const clientIdleTimeout = 60 * time.Second

// Callback is told about what the content client does. All methods run on
// the goroutine calling Poll.
type Callback interface {
	OnConnect(success bool)
	OnDisconnect()
	OnReceiveContentInfo(ci *ContentInfo)
	OnDownloadProgress(ci *ContentInfo, bytes int)
	OnDownloadComplete(id ContentID)
	OnDownloadFailed(id ContentID)
}

// NopCallback implements Callback with no-ops; embed it to override a few.
type NopCallback struct{}

func (NopCallback) OnConnect(bool)                       {}
func (NopCallback) OnDisconnect()                        {}
func (NopCallback) OnReceiveContentInfo(*ContentInfo)    {}
func (NopCallback) OnDownloadProgress(*ContentInfo, int) {}
func (NopCallback) OnDownloadComplete(ContentID)         {}
func (NopCallback) OnDownloadFailed(ContentID)           {}

// ClientOption is a functional option for Client configuration.
type ClientOption func(*Client)

// WithMirror downloads over HTTP from mirrorURI first and only falls back
// to the content server for what the mirror cannot deliver.
func WithMirror(h *nethttp.Client, mirrorURI string) ClientOption {
	return func(c *Client) {
		c.http = h
		c.mirror = mirrorURI
	}
}

// WithCallback adds a callback.
func WithCallback(cb Callback) ClientOption {
	return func(c *Client) {
		if cb != nil {
			c.callbacks = append(c.callbacks, cb)
		}
	}
}

// WithInstalled reports which catalogue entries are already present locally.
func WithInstalled(fn func(ci *ContentInfo) bool) ClientOption {
	return func(c *Client) { c.installed = fn }
}

// WithConnectorPool connects on demand: sending while disconnected starts a
// connector in pool.
func WithConnectorPool(pool *network.ConnectorPool) ClientOption {
	return func(c *Client) { c.pool = pool }
}

// WithConnectorOptions passes options to the connector of Connect.
func WithConnectorOptions(opts ...network.ConnectorOption) ClientOption {
	return func(c *Client) { c.connOpts = append(c.connOpts, opts...) }
}

// Client keeps the catalogue of known content, the selection and the
// downloads in progress.
type Client struct {
	*network.TCPHandler

	server      string
	downloadDir string
	http        *nethttp.Client
	mirror      string
	callbacks   []Callback
	installed   func(ci *ContentInfo) bool
	connOpts    []network.ConnectorOption
	pool        *network.ConnectorPool

	connecting   bool
	outbox       []*protocol.Packet
	lastActivity time.Time

	infos     []*ContentInfo
	byID      map[ContentID]*ContentInfo
	requested map[ContentID]bool

	cur         *download // TCP download in progress
	httpPending int       // mirror requests and files in flight
}

// NewClient creates a content client for the server at connectionString
// storing downloads below downloadDir.
func NewClient(connectionString, downloadDir string, opts ...ClientOption) *Client {
	c := &Client{
		TCPHandler:  network.NewTCPHandler(nil),
		server:      connectionString,
		downloadDir: downloadDir,
		byID:        make(map[ContentID]*ContentInfo),
		requested:   make(map[ContentID]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Connect starts connecting when not connected yet. The returned connector
// must be polled; it is nil when nothing needs to be done.
func (c *Client) Connect() *network.Connector {
	if c.IsConnected() || c.connecting {
		return nil
	}
	c.connecting = true
	return network.NewConnector(c.server, constants.ContentServerPort, c, c.connOpts...)
}

func (c *Client) OnConnect(conn net.Conn) { c.AcceptSocket(network.NewConnSocket(conn)) }

func (c *Client) OnFailure() {
	c.connecting = false
	slog.Warn("connecting to content server failed", "server", c.server)
	for _, cb := range c.callbacks {
		cb.OnConnect(false)
	}
	c.outbox = nil
	c.failTCP()
}

// AcceptSocket takes over an established connection and sends everything
// requested while connecting.
func (c *Client) AcceptSocket(sock network.Socket) {
	c.connecting = false
	c.Attach(sock)
	c.lastActivity = nowFunc()
	for _, p := range c.outbox {
		c.TCPHandler.SendPacket(p)
	}
	c.outbox = nil
	for _, cb := range c.callbacks {
		cb.OnConnect(true)
	}
}

// SendPacket sends p now when connected, otherwise once the connection is up.
func (c *Client) SendPacket(p *protocol.Packet) {
	if c.IsConnected() {
		c.TCPHandler.SendPacket(p)
		return
	}
	c.outbox = append(c.outbox, p)
	if c.pool != nil {
		if cn := c.Connect(); cn != nil {
			c.pool.Start(cn)
		}
	}
}

func (c *Client) newPacket(t PacketContentType) *protocol.Packet {
	return protocol.New(c.TCPHandler, uint8(t), constants.TCPMTU)
}

// Poll delivers HTTP results, handles received packets and flushes the send
// queue. An idle connection is closed.
func (c *Client) Poll() {
	if c.http != nil {
		c.http.Receive()
	}
	if !c.IsConnected() {
		return
	}
	status := c.ReceivePackets(c, constants.MaxPacketsToReceive)
	if status != network.RecvOkay {
		c.Close()
		return
	}
	if c.SendPackets(false) == network.SendClosed {
		c.Close()
		return
	}
	if c.cur == nil && c.IsPacketQueueEmpty() && nowFunc().Sub(c.lastActivity) > clientIdleTimeout {
		slog.Debug("closing idle content connection", "server", c.server)
		c.Close()
	}
}

// Close drops the connection; a TCP download in progress fails.
func (c *Client) Close() {
	if !c.IsConnected() {
		return
	}
	c.CloseConnection()
	c.CloseSocket()
	c.failTCP()
	clear(c.requested)
	for _, cb := range c.callbacks {
		cb.OnDisconnect()
	}
}

// HandlePacket dispatches one packet from the content server.
func (c *Client) HandlePacket(p *protocol.Packet) network.RecvStatus {
	if c.HasClientQuit() {
		return network.RecvClientQuit
	}
	c.lastActivity = nowFunc()

	t := PacketContentType(p.GetPacketType())
	switch t {
	case PacketServerInfo:
		return c.receiveServerInfo(p)
	case PacketServerContent:
		return c.receiveServerContent(p)
	case PacketClientInfoList, PacketClientInfoID, PacketClientInfoExtID, PacketClientInfoExtIDMD5,
		PacketClientContent, PacketContentEnd:
		slog.Warn("unexpected packet", "server", c.server, "type", t)
		return network.RecvMalformedPacket
	default:
		slog.Warn("illegal packet", "server", c.server, "type", t)
		return network.RecvMalformedPacket
	}
}

// RequestContentList asks for everything of type t; TypeEnd asks for every type.
func (c *Client) RequestContentList(t ContentType) {
	if t == TypeEnd {
		for t := TypeBegin; t < TypeEnd; t++ {
			c.RequestContentList(t)
		}
		return
	}
	p := c.newPacket(PacketClientInfoList)
	p.SendUint8(uint8(t))
	p.SendUint32(0xFFFFFFFF)
	p.SendUint8(1)
	p.SendString("vanilla")
	p.SendString(constants.Revision)
	c.SendPacket(p)
}

// RequestContentListByIDs asks for the entries with the given ids, skipping
// those already asked for on this connection.
func (c *Client) RequestContentListByIDs(ids []ContentID) {
	var todo []ContentID
	for _, id := range ids {
		if c.requested[id] {
			continue
		}
		c.requested[id] = true
		todo = append(todo, id)
	}
	for chunk := range slices.Chunk(todo, maxIDsPerPacket) {
		p := c.newPacket(PacketClientInfoID)
		p.SendUint16(uint16(len(chunk)))
		for _, id := range chunk {
			p.SendUint32(uint32(id))
		}
		c.SendPacket(p)
	}
}

// RequestContentListExtIDs asks for the entries matching what the game has
// locally; withMD5 also compares checksums.
func (c *Client) RequestContentListExtIDs(ids []ExternalID, withMD5 bool) {
	t := PacketClientInfoExtID
	if withMD5 {
		t = PacketClientInfoExtIDMD5
	}
	for chunk := range slices.Chunk(ids, 255) {
		p := c.newPacket(t)
		p.SendUint8(uint8(len(chunk)))
		for _, id := range chunk {
			p.SendUint8(uint8(id.Type))
			p.SendUint32(id.UniqueID)
			if withMD5 {
				p.SendBytes(id.MD5[:])
			}
		}
		c.SendPacket(p)
	}
}

// Get returns the catalogue entry for id.
func (c *Client) Get(id ContentID) (*ContentInfo, bool) {
	ci, ok := c.byID[id]
	return ci, ok
}

// Infos returns the catalogue in the order entries arrived.
func (c *Client) Infos() []*ContentInfo { return slices.Clone(c.infos) }

// Clear forgets the catalogue.
func (c *Client) Clear() {
	c.infos = nil
	clear(c.byID)
	clear(c.requested)
}

func (c *Client) receiveServerInfo(p *protocol.Packet) network.RecvStatus {
	ci := readInfo(p)
	if p.Malformed() {
		return network.RecvMalformedPacket
	}

	if !ci.Type.Valid() {
		// The server does not know what we asked for.
		if known, ok := c.byID[ci.ID]; ok {
			known.State = StateDoesNotExist
			c.notifyInfo(known)
		}
		return network.RecvOkay
	}

	if c.installed != nil && c.installed(ci) {
		ci.State = StateAlreadyHere
	}

	if old, ok := c.byID[ci.ID]; ok {
		if ci.State != StateAlreadyHere && old.State != StateDoesNotExist && old.State != StateInvalid {
			ci.State = old.State
		}
		ci.Filename = old.Filename
		*old = *ci
		ci = old
	} else {
		c.infos = append(c.infos, ci)
		c.byID[ci.ID] = ci
	}

	// Something selected may have been waiting for this dependency.
	if ci.State == StateUnselected && c.isNeeded(ci.ID) {
		ci.State = StateAutoSelected
	}

	var missing []ContentID
	for _, dep := range ci.Dependencies {
		if _, ok := c.byID[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		c.RequestContentListByIDs(missing)
	}

	c.notifyInfo(ci)
	return network.RecvOkay
}

func (c *Client) notifyInfo(ci *ContentInfo) {
	for _, cb := range c.callbacks {
		cb.OnReceiveContentInfo(ci)
	}
}

// Select marks id for download and auto-selects its dependencies.
func (c *Client) Select(id ContentID) {
	ci, ok := c.byID[id]
	if !ok || !ci.IsValid() || ci.State == StateDoesNotExist {
		return
	}
	if ci.State == StateUnselected || ci.State == StateAutoSelected {
		ci.State = StateSelected
	}
	c.selectDependencies(ci)
}

func (c *Client) selectDependencies(ci *ContentInfo) {
	for _, dep := range ci.Dependencies {
		d, ok := c.byID[dep]
		if !ok || d.State != StateUnselected {
			continue
		}
		d.State = StateAutoSelected
		c.selectDependencies(d)
	}
}

// Unselect removes id from the download, together with everything selected
// that depends on it, and drops dependencies nothing needs anymore.
func (c *Client) Unselect(id ContentID) {
	ci, ok := c.byID[id]
	if !ok || (ci.State != StateSelected && ci.State != StateAutoSelected) {
		return
	}
	ci.State = StateUnselected
	for _, other := range c.infos {
		if (other.State == StateSelected || other.State == StateAutoSelected) && slices.Contains(other.Dependencies, id) {
			c.Unselect(other.ID)
		}
	}
	c.pruneAutoSelected()
}

// SelectAll selects every valid entry that is not present yet.
func (c *Client) SelectAll() {
	for _, ci := range c.infos {
		if ci.State == StateUnselected && ci.IsValid() {
			c.Select(ci.ID)
		}
	}
}

// SelectUpgrade selects the entries that upgrade something installed.
func (c *Client) SelectUpgrade() {
	for _, ci := range c.infos {
		if ci.Upgrade && ci.State == StateUnselected {
			c.Select(ci.ID)
		}
	}
}

// UnselectAll clears the selection.
func (c *Client) UnselectAll() {
	for _, ci := range c.infos {
		if ci.State == StateSelected || ci.State == StateAutoSelected {
			ci.State = StateUnselected
		}
	}
}

// ToggleSelectedState flips the selection of id.
func (c *Client) ToggleSelectedState(id ContentID) {
	ci, ok := c.byID[id]
	if !ok {
		return
	}
	switch ci.State {
	case StateSelected, StateAutoSelected:
		c.Unselect(id)
	case StateUnselected:
		c.Select(id)
	}
}

func (c *Client) isNeeded(id ContentID) bool {
	for _, ci := range c.infos {
		if (ci.State == StateSelected || ci.State == StateAutoSelected) && slices.Contains(ci.Dependencies, id) {
			return true
		}
	}
	return false
}

func (c *Client) pruneAutoSelected() {
	for changed := true; changed; {
		changed = false
		for _, ci := range c.infos {
			if ci.State == StateAutoSelected && !c.isNeeded(ci.ID) {
				ci.State = StateUnselected
				changed = true
			}
		}
	}
}

// SelectedFiles is the number and total size of the entries a download would fetch.
func (c *Client) SelectedFiles() (files int, bytes int64) {
	for _, ci := range c.infos {
		if ci.State == StateSelected || ci.State == StateAutoSelected {
			files++
			bytes += int64(ci.FileSize)
		}
	}
	return files, bytes
}

// DownloadSelectedContent fetches every selected entry, from the mirror
// when one is configured, otherwise from the content server.
func (c *Client) DownloadSelectedContent() (files int, bytes int64) {
	var ids []ContentID
	for _, ci := range c.infos {
		if ci.State == StateSelected || ci.State == StateAutoSelected {
			ids = append(ids, ci.ID)
			bytes += int64(ci.FileSize)
		}
	}
	if len(ids) == 0 {
		return 0, 0
	}
	if c.http != nil && c.mirror != "" {
		c.downloadHTTP(ids)
	} else {
		c.downloadTCP(ids)
	}
	return len(ids), bytes
}

// Busy reports whether downloads are still in progress.
func (c *Client) Busy() bool {
	return c.cur != nil || c.httpPending > 0 || len(c.outbox) > 0
}

func (c *Client) contentPath(ci *ContentInfo, filename string) (string, error) {
	dir := filepath.Join(c.downloadDir, filepath.FromSlash(ci.Type.SubDir()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return filepath.Join(dir, safeFilename(filename, ci.ID)), nil
}
