package content

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// maxIDsPerPacket is how many u32 ids fit in a packet after the u16 count.
const maxIDsPerPacket = (constants.TCPMTU - 2 - 1 - 2) / 4

// session is the server side of one content connection.
type session struct {
	*network.TCPHandler

	server       *Server
	remote       string
	closed       bool
	lastActivity time.Time

	queue     []ContentID // files still to send
	file      *os.File
	remaining uint32
}

func newSession(s *Server, sock network.Socket) *session {
	cs := &session{
		TCPHandler:   network.NewTCPHandler(sock),
		server:       s,
		lastActivity: nowFunc(),
	}
	if addr := sock.RemoteAddr(); addr != nil {
		cs.remote = addr.String()
	}
	cs.SetObserver(s.observer)
	return cs
}

func (cs *session) newPacket(t PacketContentType) *protocol.Packet {
	return protocol.New(cs.TCPHandler, uint8(t), constants.TCPMTU)
}

func (cs *session) busy() bool {
	return cs.file != nil || len(cs.queue) > 0 || !cs.IsPacketQueueEmpty()
}

func (cs *session) context() (context.Context, context.CancelFunc) {
	ctx := cs.server.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, queryTimeout)
}

// HandlePacket dispatches one packet from the client.
func (cs *session) HandlePacket(p *protocol.Packet) network.RecvStatus {
	if cs.HasClientQuit() {
		return network.RecvClientQuit
	}
	cs.lastActivity = nowFunc()

	t := PacketContentType(p.GetPacketType())
	switch t {
	case PacketClientInfoList:
		return cs.receiveInfoList(p)
	case PacketClientInfoID:
		return cs.receiveInfoID(p)
	case PacketClientInfoExtID:
		return cs.receiveInfoExtID(p, false)
	case PacketClientInfoExtIDMD5:
		return cs.receiveInfoExtID(p, true)
	case PacketClientContent:
		return cs.receiveContent(p)
	case PacketServerInfo, PacketServerContent, PacketContentEnd:
		slog.Warn("unexpected packet", "remote", cs.remote, "type", t)
		return network.RecvMalformedPacket
	default:
		slog.Warn("illegal packet", "remote", cs.remote, "type", t)
		return network.RecvMalformedPacket
	}
}

func (cs *session) receiveInfoList(p *protocol.Packet) network.RecvStatus {
	t := ContentType(p.RecvUint8())
	version := p.RecvUint32()
	branches := int(p.RecvUint8())
	for range branches {
		name := p.RecvString(constants.ContentVersionLength)
		release := p.RecvString(constants.ContentVersionLength)
		slog.Debug("content list branch", "remote", cs.remote, "branch", name, "version", release)
	}
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	if !t.Valid() {
		slog.Warn("content list for invalid type", "remote", cs.remote, "type", t)
		return network.RecvMalformedPacket
	}

	ctx, cancel := cs.context()
	defer cancel()
	infos, err := cs.server.store.ListByType(ctx, t)
	if err != nil {
		slog.Error("listing content", "type", t, "version", version, "error", err)
		return network.RecvOkay
	}
	for _, ci := range infos {
		cs.sendInfo(ci)
	}
	return network.RecvOkay
}

func (cs *session) receiveInfoID(p *protocol.Packet) network.RecvStatus {
	n := int(p.RecvUint16())
	ids := make([]ContentID, 0, n)
	for range n {
		if p.Malformed() {
			break
		}
		ids = append(ids, ContentID(p.RecvUint32()))
	}
	if p.Malformed() {
		return network.RecvMalformedPacket
	}

	ctx, cancel := cs.context()
	defer cancel()
	infos, err := cs.server.store.GetByIDs(ctx, ids)
	if err != nil {
		slog.Error("looking up content", "ids", len(ids), "error", err)
		return network.RecvOkay
	}
	found := make(map[ContentID]*ContentInfo, len(infos))
	for _, ci := range infos {
		found[ci.ID] = ci
	}
	for _, id := range ids {
		if ci, ok := found[id]; ok {
			cs.sendInfo(ci)
			continue
		}
		cs.sendInfo(&ContentInfo{Type: TypeInvalid, ID: id})
	}
	return network.RecvOkay
}

func (cs *session) receiveInfoExtID(p *protocol.Packet, withMD5 bool) network.RecvStatus {
	n := int(p.RecvUint8())
	keys := make([]ExternalID, 0, n)
	for range n {
		if p.Malformed() {
			break
		}
		k := ExternalID{Type: ContentType(p.RecvUint8()), UniqueID: p.RecvUint32()}
		if withMD5 {
			p.RecvBytes(k.MD5[:])
		}
		keys = append(keys, k)
	}
	if p.Malformed() {
		return network.RecvMalformedPacket
	}

	ctx, cancel := cs.context()
	defer cancel()
	infos, err := cs.server.store.GetByExternalIDs(ctx, keys)
	if err != nil {
		slog.Error("looking up content", "external_ids", len(keys), "error", err)
		return network.RecvOkay
	}
	for _, k := range keys {
		ci := matchExternal(infos, k)
		if ci == nil {
			ci = &ContentInfo{Type: TypeInvalid, ID: InvalidContentID, UniqueID: k.UniqueID, MD5: k.MD5}
		}
		cs.sendInfo(ci)
	}
	return network.RecvOkay
}

func matchExternal(infos []*ContentInfo, k ExternalID) *ContentInfo {
	for _, ci := range infos {
		if ci.Type != k.Type || ci.UniqueID != k.UniqueID {
			continue
		}
		if k.MD5 != [16]byte{} && ci.MD5 != k.MD5 {
			continue
		}
		return ci
	}
	return nil
}

func (cs *session) receiveContent(p *protocol.Packet) network.RecvStatus {
	n := int(p.RecvUint16())
	for range n {
		if p.Malformed() {
			break
		}
		cs.queue = append(cs.queue, ContentID(p.RecvUint32()))
	}
	if p.Malformed() {
		return network.RecvMalformedPacket
	}
	return network.RecvOkay
}

func (cs *session) sendInfo(ci *ContentInfo) {
	p := cs.newPacket(PacketServerInfo)
	writeInfo(p, ci)
	cs.SendPacket(p)
}

// sendChunks queues the next pieces of the requested files without letting
// the send queue run away from the socket.
func (cs *session) sendChunks() {
	for range chunkPacketsPerTick {
		if cs.QueueLen() >= sendQueueHighWater {
			return
		}
		if cs.file == nil {
			if len(cs.queue) == 0 {
				return
			}
			id := cs.queue[0]
			cs.queue = cs.queue[1:]
			cs.openFile(id)
			continue
		}

		p := cs.newPacket(PacketServerContent)
		buf := make([]byte, min(int(cs.remaining), constants.TCPMTU))
		n, err := io.ReadFull(cs.file, buf)
		if err != nil {
			slog.Error("reading content file", "file", cs.file.Name(), "error", err)
			cs.abortFile()
			cs.server.closeSession(cs, network.RecvConnectionLost)
			return
		}
		if rest := p.SendBytes(buf[:n]); len(rest) > 0 {
			if _, err := cs.file.Seek(-int64(len(rest)), io.SeekCurrent); err != nil {
				cs.abortFile()
				cs.server.closeSession(cs, network.RecvConnectionLost)
				return
			}
			n -= len(rest)
		}
		cs.SendPacket(p)
		cs.remaining -= uint32(n)
		if cs.remaining == 0 {
			cs.abortFile()
		}
	}
}

// openFile sends the header for id and prepares streaming its file. Content
// that does not exist gets a header with size zero, and so does an empty file:
// size zero means "no such content" on the wire.
func (cs *session) openFile(id ContentID) {
	ctx, cancel := cs.context()
	defer cancel()

	notFound := func() {
		p := cs.newPacket(PacketServerContent)
		p.SendUint8(uint8(TypeInvalid))
		p.SendUint32(uint32(id))
		p.SendUint32(0)
		p.SendString("")
		cs.SendPacket(p)
	}

	infos, err := cs.server.store.GetByIDs(ctx, []ContentID{id})
	if err != nil || len(infos) == 0 || infos[0].Filename == "" {
		if err != nil {
			slog.Error("looking up content", "id", id, "error", err)
		}
		notFound()
		return
	}
	ci := infos[0]

	path := filepath.Join(cs.server.cfg.ContentDir, filepath.Base(ci.Filename))
	f, err := os.Open(path)
	if err != nil {
		slog.Error("opening content file", "id", id, "path", path, "error", err)
		notFound()
		return
	}
	st, err := f.Stat()
	if err != nil || st.Size() == 0 || st.Size() > int64(^uint32(0)) {
		if err == nil {
			slog.Warn("content file not servable", "id", id, "path", path, "size", st.Size())
		}
		f.Close()
		notFound()
		return
	}

	p := cs.newPacket(PacketServerContent)
	p.SendUint8(uint8(ci.Type))
	p.SendUint32(uint32(ci.ID))
	p.SendUint32(uint32(st.Size()))
	p.SendString(ci.Filename)
	cs.SendPacket(p)

	cs.server.observer.ContentServed(ci.Type, uint32(st.Size()))
	slog.Info("sending content", "remote", cs.remote, "id", id, "file", ci.Filename, "size", st.Size())
	cs.file = f
	cs.remaining = uint32(st.Size())
}

func (cs *session) abortFile() {
	if cs.file != nil {
		cs.file.Close()
		cs.file = nil
	}
	cs.remaining = 0
}
