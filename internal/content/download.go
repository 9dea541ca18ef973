package content

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/protocol"
)

// download is one file being written below the download directory.
type download struct {
	info    *ContentInfo
	path    string
	file    *os.File
	size    uint32
	written uint32
}

func (c *Client) startDownload(ci *ContentInfo, filename string, size uint32) (*download, error) {
	path, err := c.contentPath(ci, filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path + ".tmp")
	if err != nil {
		return nil, fmt.Errorf("creating download file: %w", err)
	}
	ci.Filename = filename
	return &download{info: ci, path: path, file: f, size: size}, nil
}

func (d *download) write(data []byte) error {
	if uint64(d.written)+uint64(len(data)) > uint64(d.size) {
		return fmt.Errorf("%s: %d bytes more than announced", d.path, uint64(d.written)+uint64(len(data))-uint64(d.size))
	}
	if _, err := d.file.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", d.path, err)
	}
	d.written += uint32(len(data))
	return nil
}

func (d *download) done() bool { return d.written == d.size }

// finish moves the complete file into place.
func (d *download) finish() error {
	if err := d.file.Close(); err != nil {
		os.Remove(d.file.Name())
		return fmt.Errorf("closing %s: %w", d.path, err)
	}
	if !d.done() {
		os.Remove(d.file.Name())
		return fmt.Errorf("%s: got %d of %d bytes", d.path, d.written, d.size)
	}
	if err := os.Rename(d.file.Name(), d.path); err != nil {
		os.Remove(d.file.Name())
		return fmt.Errorf("renaming %s: %w", d.path, err)
	}
	return nil
}

func (d *download) abort() {
	d.file.Close()
	os.Remove(d.file.Name())
}

// safeFilename keeps downloads inside their directory whatever the peer sends.
func safeFilename(name string, id ContentID) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == string(filepath.Separator) || name == "" {
		return fmt.Sprintf("content-%d", id)
	}
	return name
}

func (c *Client) completed(ci *ContentInfo) {
	ci.State = StateAlreadyHere
	slog.Info("content downloaded", "id", ci.ID, "name", ci.Name, "file", ci.Filename)
	for _, cb := range c.callbacks {
		cb.OnDownloadComplete(ci.ID)
	}
}

func (c *Client) failed(id ContentID) {
	for _, cb := range c.callbacks {
		cb.OnDownloadFailed(id)
	}
}

func (c *Client) progress(ci *ContentInfo, n int) {
	for _, cb := range c.callbacks {
		cb.OnDownloadProgress(ci, n)
	}
}

// downloadTCP asks the content server for the files of ids.
func (c *Client) downloadTCP(ids []ContentID) {
	for chunk := range slices.Chunk(ids, maxIDsPerPacket) {
		p := c.newPacket(PacketClientContent)
		p.SendUint16(uint16(len(chunk)))
		for _, id := range chunk {
			p.SendUint32(uint32(id))
		}
		c.SendPacket(p)
	}
}

// failTCP reports the TCP download in progress as failed.
func (c *Client) failTCP() {
	if c.cur == nil {
		return
	}
	d := c.cur
	c.cur = nil
	d.abort()
	c.failed(d.info.ID)
}

func (c *Client) receiveServerContent(p *protocol.Packet) network.RecvStatus {
	if c.cur == nil {
		t := ContentType(p.RecvUint8())
		id := ContentID(p.RecvUint32())
		size := p.RecvUint32()
		filename := p.RecvString(constants.ContentFilenameLength)
		if p.Malformed() {
			return network.RecvMalformedPacket
		}

		ci, ok := c.byID[id]
		if !ok {
			ci = &ContentInfo{ID: id, Type: t, FileSize: size}
		}
		if size == 0 {
			slog.Warn("content not available on the server", "id", id)
			ci.State = StateDoesNotExist
			c.failed(id)
			return network.RecvOkay
		}
		if !t.Valid() {
			slog.Warn("content of invalid type", "id", id, "type", t)
			return network.RecvMalformedPacket
		}
		ci.Type = t

		d, err := c.startDownload(ci, filename, size)
		if err != nil {
			// Nothing sensible can be done with the rest of the stream.
			slog.Error("starting download", "id", id, "error", err)
			c.failed(id)
			return network.RecvConnectionLost
		}
		c.cur = d
		if p.RemainingBytesToRead() == 0 {
			return network.RecvOkay
		}
	}

	data := make([]byte, p.RemainingBytesToRead())
	p.RecvBytes(data)
	if err := c.cur.write(data); err != nil {
		slog.Error("receiving content", "id", c.cur.info.ID, "error", err)
		c.failTCP()
		return network.RecvConnectionLost
	}
	c.progress(c.cur.info, len(data))

	if c.cur.done() {
		d := c.cur
		c.cur = nil
		if err := d.finish(); err != nil {
			slog.Error("finishing download", "id", d.info.ID, "error", err)
			c.failed(d.info.ID)
			return network.RecvOkay
		}
		c.completed(d.info)
	}
	return network.RecvOkay
}

// downloadHTTP asks the mirror where the files of ids live and fetches them;
// whatever the mirror cannot serve is requested from the content server.
func (c *Client) downloadHTTP(ids []ContentID) {
	var body strings.Builder
	for i, id := range ids {
		if i > 0 {
			body.WriteByte('\n')
		}
		body.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	c.httpPending++
	c.http.Connect(c.mirror, &mirrorRequest{client: c, ids: ids}, body.String())
}

// mirrorRequest collects the mirror's CSV answer: one
// "id,type,filesize,filename,url" line per file it has.
type mirrorRequest struct {
	client *Client
	ids    []ContentID
	body   bytes.Buffer
}

func (r *mirrorRequest) IsCancelled() bool { return false }

func (r *mirrorRequest) OnFailure() {
	c := r.client
	c.httpPending--
	slog.Warn("content mirror failed, using the content server", "files", len(r.ids))
	c.downloadTCP(r.ids)
}

func (r *mirrorRequest) OnReceiveData(data []byte) {
	if data != nil {
		r.body.Write(data)
		return
	}
	c := r.client
	c.httpPending--

	entries, err := parseMirrorList(r.body.Bytes())
	if err != nil {
		slog.Warn("malformed mirror reply, using the content server", "error", err)
		c.downloadTCP(r.ids)
		return
	}

	served := make(map[ContentID]bool, len(entries))
	for _, e := range entries {
		ci, ok := c.byID[e.id]
		if !ok || !slices.Contains(r.ids, e.id) || served[e.id] {
			continue
		}
		served[e.id] = true
		ci.Type = e.typ
		d, err := c.startDownload(ci, e.filename, e.size)
		if err != nil {
			slog.Error("starting download", "id", e.id, "error", err)
			c.failed(e.id)
			continue
		}
		c.httpPending++
		c.http.Connect(e.url, &fileRequest{client: c, dl: d}, "")
	}

	var rest []ContentID
	for _, id := range r.ids {
		if !served[id] {
			rest = append(rest, id)
		}
	}
	if len(rest) > 0 {
		c.downloadTCP(rest)
	}
}

type mirrorEntry struct {
	id       ContentID
	typ      ContentType
	size     uint32
	filename string
	url      string
}

func parseMirrorList(data []byte) ([]mirrorEntry, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = 5
	r.TrimLeadingSpace = true

	var entries []mirrorEntry
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseUint(rec[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("content id %q: %w", rec[0], err)
		}
		typ, err := strconv.ParseUint(rec[1], 10, 8)
		if err != nil || !ContentType(typ).Valid() {
			return nil, fmt.Errorf("content type %q", rec[1])
		}
		size, err := strconv.ParseUint(rec[2], 10, 32)
		if err != nil || size == 0 {
			return nil, fmt.Errorf("file size %q", rec[2])
		}
		if rec[4] == "" {
			return nil, fmt.Errorf("content %d has no url", id)
		}
		entries = append(entries, mirrorEntry{
			id:       ContentID(id),
			typ:      ContentType(typ),
			size:     uint32(size),
			filename: rec[3],
			url:      rec[4],
		})
	}
}

// fileRequest writes one mirror download to disk.
type fileRequest struct {
	client *Client
	dl     *download
	failed bool
}

func (r *fileRequest) IsCancelled() bool { return r.failed }

func (r *fileRequest) OnFailure() {
	c := r.client
	c.httpPending--
	r.dl.abort()
	slog.Warn("mirror download failed, using the content server", "id", r.dl.info.ID)
	c.downloadTCP([]ContentID{r.dl.info.ID})
}

func (r *fileRequest) OnReceiveData(data []byte) {
	if r.failed {
		if data == nil {
			// The transfer ended before it noticed the cancellation.
			r.OnFailure()
		}
		return
	}
	if data != nil {
		if err := r.dl.write(data); err != nil {
			// Cancel; OnFailure falls back to the content server.
			slog.Warn("mirror download", "id", r.dl.info.ID, "error", err)
			r.failed = true
			return
		}
		r.client.progress(r.dl.info, len(data))
		return
	}

	c := r.client
	c.httpPending--
	if err := r.dl.finish(); err != nil {
		slog.Warn("mirror download incomplete, using the content server", "id", r.dl.info.ID, "error", err)
		c.downloadTCP([]ContentID{r.dl.info.ID})
		return
	}
	c.completed(r.dl.info)
}
