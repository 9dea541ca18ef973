package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectHandler receives the outcome of a Connector. Both methods are called
// from the goroutine polling the connector, never from a background goroutine.
type ConnectHandler interface {
	OnConnect(conn net.Conn)
	OnFailure()
}

// ConnectorStatus is the state of a Connector.
type ConnectorStatus uint8

const (
	ConnectorInit       ConnectorStatus = iota // Connector has been created but not started.
	ConnectorResolving                         // Resolving the hostname on a background goroutine.
	ConnectorFailure                           // Resolving or connecting failed.
	ConnectorConnecting                        // Trying the resolved addresses.
	ConnectorConnected                         // One attempt succeeded.
)

func (s ConnectorStatus) String() string {
	switch s {
	case ConnectorInit:
		return "init"
	case ConnectorResolving:
		return "resolving"
	case ConnectorFailure:
		return "failure"
	case ConnectorConnecting:
		return "connecting"
	case ConnectorConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	defaultDialTimeout = 3 * time.Second
	defaultStagger     = 250 * time.Millisecond
)

type (
	resolveFunc func(ctx context.Context, addr Address, family Family) ([]netip.AddrPort, error)
	dialFunc    func(ctx context.Context, local, remote netip.AddrPort, reuse bool) (net.Conn, error)
)

type dialResult struct {
	attempt int
	conn    net.Conn
	err     error
}

// Connector establishes an outgoing TCP connection without blocking the caller.
// The hostname is resolved on a background goroutine; then the candidates are
// dialled one after another, starting the next one when the previous has not
// answered within the stagger delay.
type Connector struct {
	address     Address
	family      Family
	handler     ConnectHandler
	bind        netip.AddrPort
	reuse       bool
	dialTimeout time.Duration
	stagger     time.Duration
	resolve     resolveFunc
	dial        dialFunc
	now         func() time.Time

	killed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	resolveDone bool
	resolveErr  error
	resolved    []netip.AddrPort

	// Owned by the polling goroutine.
	status        ConnectorStatus
	addresses     []netip.AddrPort
	results       chan dialResult
	next          int
	inflight      int
	lastAttempt   time.Time
	sockToAddress map[int]netip.AddrPort // attempt number -> address, for diagnostics
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithFamily restricts resolution to one address family.
func WithFamily(f Family) ConnectorOption {
	return func(c *Connector) { c.family = f }
}

// WithBindAddress dials from a fixed local address and enables port reuse.
func WithBindAddress(local netip.AddrPort) ConnectorOption {
	return func(c *Connector) {
		c.bind = local
		c.reuse = true
	}
}

// WithReusePort dials with SO_REUSEADDR so the local port can be bound again later.
func WithReusePort() ConnectorOption {
	return func(c *Connector) { c.reuse = true }
}

// WithDialTimeout limits each single dial attempt.
func WithDialTimeout(d time.Duration) ConnectorOption {
	return func(c *Connector) { c.dialTimeout = d }
}

// WithStagger sets the delay before the next candidate is tried in parallel.
func WithStagger(d time.Duration) ConnectorOption {
	return func(c *Connector) { c.stagger = d }
}

func withResolver(r resolveFunc) ConnectorOption {
	return func(c *Connector) { c.resolve = r }
}

// NewConnector creates a connector for a connection string like "host:port".
func NewConnector(connectionString string, defaultPort uint16, handler ConnectHandler, opts ...ConnectorOption) *Connector {
	return NewConnectorForAddress(ParseConnectionString(connectionString, defaultPort), handler, opts...)
}

// NewConnectorForAddress creates a connector for an address.
func NewConnectorForAddress(addr Address, handler ConnectHandler, opts ...ConnectorOption) *Connector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connector{
		address:       addr,
		handler:       handler,
		dialTimeout:   defaultDialTimeout,
		stagger:       defaultStagger,
		resolve:       resolveCandidates,
		dial:          dialTCP,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		status:        ConnectorInit,
		sockToAddress: make(map[int]netip.AddrPort),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns the current state.
func (c *Connector) Status() ConnectorStatus { return c.status }

// Address returns the target address.
func (c *Connector) Address() Address { return c.address }

// Kill abandons the connector. It is safe to call from any goroutine and at any
// time; once called, neither OnConnect nor OnFailure will be invoked.
func (c *Connector) Kill() {
	c.killed.Store(true)
	c.cancel()
}

// Killed reports whether Kill was called.
func (c *Connector) Killed() bool { return c.killed.Load() }

// Check advances the state machine and delivers the outcome. It returns true
// once the connector is finished and can be dropped.
func (c *Connector) Check() bool {
	if c.killed.Load() {
		c.abandon()
		return true
	}

	switch c.status {
	case ConnectorInit:
		c.status = ConnectorResolving
		go c.resolveLoop()
		return false

	case ConnectorResolving:
		c.mu.Lock()
		done, err, addrs := c.resolveDone, c.resolveErr, c.resolved
		c.mu.Unlock()
		if !done {
			return false
		}
		if err != nil || len(addrs) == 0 {
			slog.Warn("could not resolve", "address", c.address.String(), "error", err)
			c.status = ConnectorFailure
			c.handler.OnFailure()
			return true
		}
		c.addresses = addrs
		c.results = make(chan dialResult, len(addrs))
		c.status = ConnectorConnecting
		return c.checkConnecting()

	case ConnectorConnecting:
		return c.checkConnecting()

	default:
		return true
	}
}

func (c *Connector) checkConnecting() bool {
	for drained := false; !drained; {
		select {
		case r := <-c.results:
			c.inflight--
			if r.err != nil {
				slog.Debug("connect attempt failed", "address", c.sockToAddress[r.attempt].String(), "error", r.err)
				continue
			}
			slog.Debug("connected", "address", c.sockToAddress[r.attempt].String())
			c.status = ConnectorConnected
			c.cancel()
			go drainResults(c.results, c.inflight)
			c.inflight = 0
			c.handler.OnConnect(r.conn)
			return true
		default:
			drained = true
		}
	}

	now := c.now()
	if c.next < len(c.addresses) && (c.inflight == 0 || now.Sub(c.lastAttempt) >= c.stagger) {
		c.startAttempt(now)
	}

	if c.next >= len(c.addresses) && c.inflight == 0 {
		slog.Info("could not connect", "address", c.address.String())
		c.status = ConnectorFailure
		c.handler.OnFailure()
		return true
	}
	return false
}

func (c *Connector) startAttempt(now time.Time) {
	attempt := c.next
	remote := c.addresses[attempt]
	c.next++
	c.inflight++
	c.lastAttempt = now
	c.sockToAddress[attempt] = remote

	results := c.results
	go func() {
		var r dialResult
		defer func() {
			if p := recover(); p != nil {
				slog.Error("connect attempt panicked", "address", remote.String(), "panic", p)
				r = dialResult{attempt: attempt, err: fmt.Errorf("dial panicked: %v", p)}
			}
			results <- r
		}()

		ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
		defer cancel()
		conn, err := c.dial(ctx, c.bind, remote, c.reuse)
		r = dialResult{attempt: attempt, conn: conn, err: err}
	}()
}

func (c *Connector) resolveLoop() {
	var (
		addrs []netip.AddrPort
		err   error
	)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("resolver panicked", "address", c.address.String(), "panic", p)
			err = fmt.Errorf("resolver panicked: %v", p)
		}
		c.mu.Lock()
		c.resolved, c.resolveErr, c.resolveDone = addrs, err, true
		c.mu.Unlock()
	}()
	addrs, err = c.resolve(c.ctx, c.address, c.family)
}

func (c *Connector) abandon() {
	c.cancel()
	if c.status == ConnectorConnecting && c.inflight > 0 {
		go drainResults(c.results, c.inflight)
		c.inflight = 0
	}
}

// drainResults closes connections of attempts that finished after the outcome was decided.
func drainResults(results <-chan dialResult, n int) {
	for range n {
		if r := <-results; r.conn != nil {
			_ = r.conn.Close()
		}
	}
}

func resolveCandidates(ctx context.Context, addr Address, family Family) ([]netip.AddrPort, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	return addr.Candidates(ctx, family)
}

func dialTCP(ctx context.Context, local, remote netip.AddrPort, reuse bool) (net.Conn, error) {
	d := net.Dialer{}
	if local.IsValid() {
		d.LocalAddr = net.TCPAddrFromAddrPort(local)
	}
	if reuse {
		d.Control = reuseControl
	}
	return d.DialContext(ctx, tcpNetwork(remote.Addr()), remote.String())
}

// ConnectorPool owns the live connectors of one game loop and polls them.
type ConnectorPool struct {
	connectors []*Connector
}

// Start adds c to the pool; it starts on the next CheckCallbacks.
func (p *ConnectorPool) Start(c *Connector) *Connector {
	p.connectors = append(p.connectors, c)
	return c
}

// CheckCallbacks polls every connector and drops the finished ones.
func (p *ConnectorPool) CheckCallbacks() {
	current := p.connectors
	p.connectors = nil

	var live []*Connector
	for _, c := range current {
		if !c.Check() {
			live = append(live, c)
		}
	}
	// Callbacks may have started new connectors.
	p.connectors = append(live, p.connectors...)
}

// KillAll abandons every connector.
func (p *ConnectorPool) KillAll() {
	for _, c := range p.connectors {
		c.Kill()
	}
	p.connectors = nil
}

// Len is the number of live connectors.
func (p *ConnectorPool) Len() int { return len(p.connectors) }
