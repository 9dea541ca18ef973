package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/ttdnet/internal/config"
	"github.com/udisondev/ttdnet/internal/nethttp"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/testutil"
)

type memStore struct {
	mu    sync.Mutex
	infos []*ContentInfo
	err   error
}

func (m *memStore) ListByType(_ context.Context, t ContentType) ([]*ContentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ContentInfo
	for _, ci := range m.infos {
		if ci.Type == t {
			out = append(out, ci.Clone())
		}
	}
	return out, m.err
}

func (m *memStore) GetByIDs(_ context.Context, ids []ContentID) ([]*ContentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ContentInfo
	for _, ci := range m.infos {
		if slices.Contains(ids, ci.ID) {
			out = append(out, ci.Clone())
		}
	}
	return out, m.err
}

func (m *memStore) GetByExternalIDs(_ context.Context, ids []ExternalID) ([]*ContentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ContentInfo
	for _, ci := range m.infos {
		for _, k := range ids {
			if ci.Type == k.Type && ci.UniqueID == k.UniqueID {
				out = append(out, ci.Clone())
				break
			}
		}
	}
	return out, m.err
}

func (m *memStore) Upsert(_ context.Context, ci *ContentInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = slices.DeleteFunc(m.infos, func(o *ContentInfo) bool { return o.ID == ci.ID })
	m.infos = append(m.infos, ci.Clone())
	return nil
}

type events struct {
	NopCallback
	connected  int
	infos      []ContentID
	progress   int
	completed  []ContentID
	failed     []ContentID
	disconnect int
}

func (e *events) OnConnect(ok bool) {
	if ok {
		e.connected++
	}
}

func (e *events) OnDisconnect()                            { e.disconnect++ }
func (e *events) OnReceiveContentInfo(ci *ContentInfo)     { e.infos = append(e.infos, ci.ID) }
func (e *events) OnDownloadProgress(_ *ContentInfo, n int) { e.progress += n }
func (e *events) OnDownloadComplete(id ContentID)          { e.completed = append(e.completed, id) }
func (e *events) OnDownloadFailed(id ContentID)            { e.failed = append(e.failed, id) }

type rig struct {
	t      *testing.T
	store  *memStore
	srv    *Server
	client *Client
	events *events
	dir    string
	files  string
}

func catalogue() []*ContentInfo {
	return []*ContentInfo{
		{Type: TypeNewGRF, ID: 1, Name: "trains", Version: "1.0", UniqueID: 0x11, Filename: "trains.tar", Dependencies: []ContentID{2}},
		{Type: TypeNewGRF, ID: 2, Name: "base trains", Version: "2.0", UniqueID: 0x22, Filename: "base.tar", MD5: [16]byte{2}},
		{Type: TypeAI, ID: 3, Name: "admiral", Version: "27", UniqueID: 0x33, Filename: "admiral.tar", Dependencies: []ContentID{4}},
		{Type: TypeAILibrary, ID: 4, Name: "pathfinder", Version: "4", UniqueID: 0x44, Filename: "pf.tar"},
		{Type: TypeNewGRF, ID: 5, Name: "gone", Version: "1", UniqueID: 0x55, Filename: "gone.tar"},
	}
}

func newRig(t *testing.T, opts ...ClientOption) *rig {
	t.Helper()
	r := &rig{t: t, store: &memStore{}, events: &events{}, dir: t.TempDir(), files: t.TempDir()}

	for _, ci := range catalogue() {
		if ci.ID != 5 {
			data := fileData(ci.ID)
			ci.FileSize = uint32(len(data))
			require.NoError(t, os.WriteFile(filepath.Join(r.files, ci.Filename), data, 0o644))
		} else {
			ci.FileSize = 10
		}
		require.NoError(t, r.store.Upsert(context.Background(), ci))
	}

	cfg := config.DefaultContentServer()
	cfg.ContentDir = r.files
	r.srv = NewServer(cfg, r.store)
	t.Cleanup(r.srv.Shutdown)

	opts = append([]ClientOption{WithCallback(r.events)}, opts...)
	r.client = NewClient("content.example.org", r.dir, opts...)
	t.Cleanup(r.client.Close)

	a, b := testutil.PipeConn(t)
	r.srv.AcceptSocket(network.NewConnSocket(a))
	r.client.AcceptSocket(network.NewConnSocket(b))
	return r
}

// fileData is large enough to span several packets for every id but 4.
func fileData(id ContentID) []byte {
	if id == 4 {
		return []byte("small library")
	}
	return bytes.Repeat([]byte(fmt.Sprintf("content %d|", id)), 8000)
}

func (r *rig) pump() {
	r.srv.Tick(context.Background())
	r.client.Poll()
}

func (r *rig) until(cond func() bool) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		r.pump()
		return cond()
	}, 10*time.Second, time.Millisecond)
}

func (r *rig) known(ids ...ContentID) func() bool {
	return func() bool {
		for _, id := range ids {
			if _, ok := r.client.Get(id); !ok {
				return false
			}
		}
		return true
	}
}

func TestContent_ListByTypeFetchesDependencies(t *testing.T) {
	r := newRig(t)
	r.client.RequestContentList(TypeAI)

	// 4 is an AI library, so it only shows up as a dependency of 3.
	r.until(r.known(3, 4))

	ai, _ := r.client.Get(3)
	assert.Equal(t, "admiral", ai.Name)
	assert.Equal(t, TypeAI, ai.Type)
	assert.Equal(t, []ContentID{4}, ai.Dependencies)
	assert.Equal(t, StateUnselected, ai.State)
	_, ok := r.client.Get(1)
	assert.False(t, ok, "only AI content was asked for")
	assert.Equal(t, 1, r.events.connected)
	assert.Equal(t, []ContentID{3, 4}, r.events.infos)
}

func TestContent_RequestAllTypes(t *testing.T) {
	r := newRig(t)
	r.client.RequestContentList(TypeEnd)
	r.until(r.known(1, 2, 3, 4, 5))
	assert.Len(t, r.client.Infos(), 5)
}

func TestContent_UnknownIDDoesNotExist(t *testing.T) {
	r := newRig(t)
	r.client.RequestContentList(TypeNewGRF)
	r.until(r.known(1, 2, 5))

	r.store.mu.Lock()
	r.store.infos = slices.DeleteFunc(r.store.infos, func(ci *ContentInfo) bool { return ci.ID == 5 })
	r.store.mu.Unlock()

	r.client.RequestContentListByIDs([]ContentID{5, 5})
	r.until(func() bool {
		ci, _ := r.client.Get(5)
		return ci.State == StateDoesNotExist
	})
	assert.Len(t, r.client.Infos(), 3)
}

func TestContent_ExternalIDs(t *testing.T) {
	r := newRig(t)
	r.client.RequestContentListExtIDs([]ExternalID{
		{Type: TypeNewGRF, UniqueID: 0x22, MD5: [16]byte{2}},
		{Type: TypeNewGRF, UniqueID: 0x11, MD5: [16]byte{9}}, // checksum differs
		{Type: TypeAI, UniqueID: 0x99},
	}, true)
	r.until(r.known(2))
	for range 20 {
		r.pump()
	}
	_, ok := r.client.Get(1)
	assert.False(t, ok)
	assert.Len(t, r.client.Infos(), 1)

	r.client.RequestContentListExtIDs([]ExternalID{{Type: TypeNewGRF, UniqueID: 0x11}}, false)
	r.until(r.known(1))
}

func TestContent_Selection(t *testing.T) {
	r := newRig(t)
	r.client.RequestContentList(TypeEnd)
	r.until(r.known(1, 2, 3, 4, 5))

	get := func(id ContentID) ContentState {
		ci, _ := r.client.Get(id)
		return ci.State
	}

	r.client.Select(1)
	assert.Equal(t, StateSelected, get(1))
	assert.Equal(t, StateAutoSelected, get(2))

	r.client.Select(2)
	assert.Equal(t, StateSelected, get(2), "explicit selection wins over auto")

	r.client.Unselect(2)
	assert.Equal(t, StateUnselected, get(2))
	assert.Equal(t, StateUnselected, get(1), "1 cannot work without 2")

	r.client.ToggleSelectedState(3)
	assert.Equal(t, StateSelected, get(3))
	assert.Equal(t, StateAutoSelected, get(4))
	files, size := r.client.SelectedFiles()
	assert.Equal(t, 2, files)
	assert.Equal(t, int64(len(fileData(3))+len(fileData(4))), size)

	r.client.ToggleSelectedState(3)
	assert.Equal(t, StateUnselected, get(3))
	assert.Equal(t, StateUnselected, get(4), "auto-selected dependency is dropped")

	r.client.SelectAll()
	for _, id := range []ContentID{1, 2, 3, 4, 5} {
		assert.True(t, func() bool { ci, _ := r.client.Get(id); return ci.IsSelected() }(), id)
	}
	r.client.UnselectAll()
	files, _ = r.client.SelectedFiles()
	assert.Zero(t, files)
}

func TestContent_InstalledIsAlreadyHere(t *testing.T) {
	r := newRig(t, WithInstalled(func(ci *ContentInfo) bool { return ci.ID == 2 }))
	r.client.RequestContentList(TypeNewGRF)
	r.until(r.known(1, 2))

	r.client.Select(1)
	ci, _ := r.client.Get(2)
	assert.Equal(t, StateAlreadyHere, ci.State)
	files, _ := r.client.SelectedFiles()
	assert.Equal(t, 1, files)
}

func TestContent_DownloadOverTCP(t *testing.T) {
	r := newRig(t)
	r.client.RequestContentList(TypeAI)
	r.until(r.known(3, 4))

	r.client.Select(3)
	files, size := r.client.DownloadSelectedContent()
	assert.Equal(t, 2, files)
	r.until(func() bool { return len(r.events.completed) == 2 })

	assert.ElementsMatch(t, []ContentID{3, 4}, r.events.completed)
	assert.Empty(t, r.events.failed)
	assert.Equal(t, int(size), r.events.progress)
	assert.False(t, r.client.Busy())

	got, err := os.ReadFile(filepath.Join(r.dir, "ai", "admiral.tar"))
	require.NoError(t, err)
	assert.Equal(t, fileData(3), got)
	got, err = os.ReadFile(filepath.Join(r.dir, "ai", "library", "pf.tar"))
	require.NoError(t, err)
	assert.Equal(t, fileData(4), got)

	ci, _ := r.client.Get(3)
	assert.Equal(t, StateAlreadyHere, ci.State)
	assert.Equal(t, "admiral.tar", ci.Filename)
	_, err = os.Stat(filepath.Join(r.dir, "ai", "admiral.tar.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestContent_DownloadMissingFile(t *testing.T) {
	r := newRig(t)
	r.client.RequestContentList(TypeNewGRF)
	r.until(r.known(1, 2, 5))

	r.client.Select(5)
	r.client.DownloadSelectedContent()
	r.until(func() bool { return len(r.events.failed) == 1 })

	assert.Equal(t, []ContentID{5}, r.events.failed)
	ci, _ := r.client.Get(5)
	assert.Equal(t, StateDoesNotExist, ci.State)
	assert.True(t, r.client.IsConnected(), "a missing file is not a protocol error")
}

func TestContent_EmptyFileDoesNotExist(t *testing.T) {
	r := newRig(t)
	require.NoError(t, os.WriteFile(filepath.Join(r.files, "gone.tar"), nil, 0o644))
	r.client.RequestContentList(TypeNewGRF)
	r.until(r.known(1, 2, 5))

	r.client.Select(5)
	r.client.DownloadSelectedContent()
	r.until(func() bool { return len(r.events.failed) == 1 })

	assert.Equal(t, []ContentID{5}, r.events.failed)
	assert.Empty(t, r.events.completed)
	ci, _ := r.client.Get(5)
	assert.Equal(t, StateDoesNotExist, ci.State)
	_, err := os.Stat(filepath.Join(r.dir, "newgrf", "gone.tar"))
	assert.True(t, os.IsNotExist(err), "nothing is written for an empty file")
}

func TestContent_IllegalPacketClosesSession(t *testing.T) {
	r := newRig(t)
	r.client.SendPacket(r.client.newPacket(PacketServerInfo))
	r.until(func() bool { return r.srv.Sessions() == 0 })
	r.until(func() bool { return !r.client.IsConnected() })
	assert.Equal(t, 1, r.events.disconnect)
}

// mirror serves the CSV listing for the ids it knows and their files.
func mirror(t *testing.T, known map[ContentID]string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPost {
			body, _ := io.ReadAll(req.Body)
			for _, line := range strings.Split(string(body), "\n") {
				var id ContentID
				if _, err := fmt.Sscan(line, &id); err != nil {
					continue
				}
				name, ok := known[id]
				if !ok {
					continue
				}
				fmt.Fprintf(w, "%d,%d,%d,%s,%s/files/%d\n", id, TypeNewGRF, len(fileData(id)), name, srv.URL, id)
			}
			return
		}
		var id ContentID
		if _, err := fmt.Sscanf(req.URL.Path, "/files/%d", &id); err != nil {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write(fileData(id))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startHTTP(t *testing.T) *nethttp.Client {
	t.Helper()
	h := nethttp.NewClient(nethttp.WithChunkSize(4096))
	h.Start(context.Background())
	t.Cleanup(h.Shutdown)
	return h
}

func TestContent_DownloadFromMirrorWithFallback(t *testing.T) {
	m := mirror(t, map[ContentID]string{1: "trains-mirror.tar"})
	r := newRig(t, WithMirror(startHTTP(t), m.URL+"/list"))
	r.client.RequestContentList(TypeNewGRF)
	r.until(r.known(1, 2))

	r.client.Select(1)
	files, _ := r.client.DownloadSelectedContent()
	require.Equal(t, 2, files)
	r.until(func() bool { return len(r.events.completed) == 2 })
	assert.False(t, r.client.Busy())

	got, err := os.ReadFile(filepath.Join(r.dir, "newgrf", "trains-mirror.tar"))
	require.NoError(t, err)
	assert.Equal(t, fileData(1), got, "1 came from the mirror")
	got, err = os.ReadFile(filepath.Join(r.dir, "newgrf", "base.tar"))
	require.NoError(t, err)
	assert.Equal(t, fileData(2), got, "2 came from the content server")
}

func TestContent_MirrorDownFallsBackToTCP(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	r := newRig(t, WithMirror(startHTTP(t), down.URL))
	r.client.RequestContentList(TypeAI)
	r.until(r.known(3, 4))
	r.client.Select(3)
	r.client.DownloadSelectedContent()
	r.until(func() bool { return len(r.events.completed) == 2 })
	assert.Empty(t, r.events.failed)
}

func TestContent_ConnectsOnDemand(t *testing.T) {
	store := &memStore{}
	require.NoError(t, store.Upsert(context.Background(), &ContentInfo{Type: TypeGame, ID: 9, Name: "gs", Filename: "gs.tar"}))
	srv := NewServer(config.DefaultContentServer(), store)
	ln, addr := testutil.ListenTCP(t)
	ctx, cancel := testutil.ContextWithCancel(t)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.NoError(t, testutil.WaitForTCPReady(addr, 2*time.Second))

	var pool network.ConnectorPool
	ev := &events{}
	c := NewClient(addr, t.TempDir(), WithConnectorPool(&pool), WithCallback(ev))
	t.Cleanup(c.Close)

	c.RequestContentList(TypeGame)
	assert.Equal(t, 1, pool.Len())
	c.RequestContentList(TypeGame)
	assert.Equal(t, 1, pool.Len(), "one connection at a time")

	require.Eventually(t, func() bool {
		pool.CheckCallbacks()
		c.Poll()
		_, ok := c.Get(9)
		return ok
	}, 10*time.Second, time.Millisecond)
	assert.Equal(t, 1, ev.connected)
}

func TestContent_StoreFailureAnswersNothing(t *testing.T) {
	r := newRig(t)
	r.store.mu.Lock()
	r.store.err = testutil.ErrSimulated
	r.store.mu.Unlock()

	r.client.RequestContentList(TypeNewGRF)
	for range 50 {
		r.pump()
	}
	assert.Empty(t, r.client.Infos())
	assert.True(t, r.client.IsConnected(), "a catalogue error does not drop the session")
}
