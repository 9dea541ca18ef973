package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/ttdnet/internal/config"
	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/network"
)

var nowFunc = time.Now

const (
	acceptQueueSize = 64
	tickInterval    = 10 * time.Millisecond
	// queryTimeout bounds one catalogue lookup.
	queryTimeout = 5 * time.Second
	// idleTimeout closes sessions that neither asked nor received anything.
	idleTimeout = 5 * time.Minute
	// chunkPacketsPerTick bounds the file chunks queued for one session per tick.
	chunkPacketsPerTick = 16
	// sendQueueHighWater stops queueing chunks while the socket is behind.
	sendQueueHighWater = 8
)

// ServerObserver is told about sessions and traffic of a content server.
type ServerObserver interface {
	network.TrafficObserver
	SessionsOnline(n int)
	ContentServed(t ContentType, size uint32)
}

type nopObserver struct{}

func (nopObserver) PacketSent(int)                    {}
func (nopObserver) PacketReceived(int)                {}
func (nopObserver) SessionsOnline(int)                {}
func (nopObserver) ContentServed(ContentType, uint32) {}

// ServerOption is a functional option for Server configuration.
type ServerOption func(*Server)

// WithObserver installs a metrics observer.
func WithObserver(o ServerObserver) ServerOption {
	return func(s *Server) {
		if o != nil {
			s.observer = o
		}
	}
}

// Server answers catalogue queries from a Store and streams content files
// from a directory. Everything except AcceptSocket runs on the goroutine
// calling Tick (or Serve).
type Server struct {
	cfg      config.ContentServer
	store    Store
	observer ServerObserver

	sessions []*session
	incoming chan network.Socket
	ctx      context.Context // of the running Tick, for store lookups

	mu        sync.Mutex
	listeners []net.Listener
}

// NewServer creates a content server.
func NewServer(cfg config.ContentServer, store Store, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		observer: nopObserver{},
		incoming: make(chan network.Socket, acceptQueueSize),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Listen opens the content listeners.
func (s *Server) Listen() ([]net.Listener, error) {
	addr := network.ParseConnectionString(s.cfg.BindAddress, uint16(s.cfg.Port))
	if s.cfg.BindAddress == "" {
		addr = network.NewAddress("", uint16(s.cfg.Port), network.FamilyUnspec)
	}
	lns, err := addr.ListenTCP()
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return lns, nil
}

// Addrs returns the addresses the server listens on.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	lns, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, lns...)
}

// Serve accepts on the given listeners until ctx is done.
func (s *Server) Serve(ctx context.Context, lns ...net.Listener) error {
	s.mu.Lock()
	s.listeners = lns
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, ln := range lns {
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
		g.Go(func() error {
			slog.Info("content server listening", "address", ln.Addr())
			return s.acceptLoop(ctx, ln)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.Shutdown()
				return nil
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Error("accepting connection", "error", err)
			continue
		}
		select {
		case s.incoming <- network.NewConnSocket(conn):
		case <-ctx.Done():
			conn.Close()
			return nil
		}
	}
}

// AcceptSocket hands an established connection to the server. It is safe to
// call from any goroutine.
func (s *Server) AcceptSocket(sock network.Socket) {
	s.incoming <- sock
}

// Tick accepts new sessions, answers their requests and streams queued files.
func (s *Server) Tick(ctx context.Context) {
	s.ctx = ctx
	s.acceptPending()
	now := nowFunc()
	for _, cs := range s.sessions {
		if cs.closed {
			continue
		}
		status := cs.ReceivePackets(cs, constants.MaxPacketsToReceive)
		if status != network.RecvOkay {
			s.closeSession(cs, status)
			continue
		}
		cs.sendChunks()
		if cs.closed {
			continue
		}
		if cs.SendPackets(false) == network.SendClosed {
			s.closeSession(cs, network.RecvConnectionLost)
			continue
		}
		if cs.busy() {
			cs.lastActivity = now
		} else if now.Sub(cs.lastActivity) > idleTimeout {
			slog.Info("content session idle", "remote", cs.remote)
			s.closeSession(cs, network.RecvOkay)
		}
	}
	s.reap()
}

func (s *Server) acceptPending() {
	for {
		select {
		case sock := <-s.incoming:
			cs := newSession(s, sock)
			s.sessions = append(s.sessions, cs)
			s.observer.SessionsOnline(len(s.sessions))
			slog.Debug("content session opened", "remote", cs.remote)
		default:
			return
		}
	}
}

func (s *Server) closeSession(cs *session, status network.RecvStatus) {
	if cs.closed {
		return
	}
	cs.closed = true
	cs.abortFile()
	cs.SendPackets(true)
	cs.CloseConnection()
	cs.CloseSocket()
	slog.Debug("content session closed", "remote", cs.remote, "status", status)
}

func (s *Server) reap() {
	live := s.sessions[:0]
	for _, cs := range s.sessions {
		if !cs.closed {
			live = append(live, cs)
		}
	}
	clear(s.sessions[len(live):])
	if len(live) != len(s.sessions) {
		s.observer.SessionsOnline(len(live))
	}
	s.sessions = live
}

// Sessions is the number of open sessions.
func (s *Server) Sessions() int { return len(s.sessions) }

// Shutdown closes every session.
func (s *Server) Shutdown() {
	s.acceptPending()
	for _, cs := range s.sessions {
		s.closeSession(cs, network.RecvOkay)
	}
	s.reap()
}
