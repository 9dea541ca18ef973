package network

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu        sync.Mutex
	connected []net.Conn
	failures  int
}

func (r *recordingHandler) OnConnect(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, conn)
}

func (r *recordingHandler) OnFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func (r *recordingHandler) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected), r.failures
}

func listenLoopback(t *testing.T) (net.Listener, netip.AddrPort) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		var accepted []net.Conn
		defer func() {
			for _, c := range accepted {
				c.Close()
			}
		}()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted = append(accepted, c)
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr).AddrPort()
}

// closedPort returns a loopback address nothing listens on.
func closedPort(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	ap := ln.Addr().(*net.TCPAddr).AddrPort()
	require.NoError(t, ln.Close())
	return ap
}

func staticResolver(addrs ...netip.AddrPort) resolveFunc {
	return func(context.Context, Address, Family) ([]netip.AddrPort, error) {
		return addrs, nil
	}
}

func pollUntilDone(t *testing.T, c *Connector) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !c.Check() {
		require.True(t, time.Now().Before(deadline), "connector did not finish, status %s", c.Status())
		time.Sleep(time.Millisecond)
	}
}

func TestConnector_Connects(t *testing.T) {
	_, ap := listenLoopback(t)
	h := &recordingHandler{}
	c := NewConnector(ap.String(), 0, h)

	pollUntilDone(t, c)
	connected, failures := h.counts()
	assert.Equal(t, 1, connected)
	assert.Zero(t, failures)
	assert.Equal(t, ConnectorConnected, c.Status())
	h.connected[0].Close()
}

func TestConnector_FallsBackToNextCandidate(t *testing.T) {
	_, good := listenLoopback(t)
	bad := closedPort(t)
	h := &recordingHandler{}
	c := NewConnector("multi.example", 0, h, withResolver(staticResolver(bad, good)))

	pollUntilDone(t, c)
	connected, failures := h.counts()
	require.Equal(t, 1, connected)
	assert.Zero(t, failures)
	assert.Equal(t, good.String(), h.connected[0].RemoteAddr().String())
	assert.Len(t, c.sockToAddress, 2)
	h.connected[0].Close()
}

func TestConnector_FailsWhenAllCandidatesFail(t *testing.T) {
	h := &recordingHandler{}
	c := NewConnector("x", 0, h, withResolver(staticResolver(closedPort(t), closedPort(t))))

	pollUntilDone(t, c)
	connected, failures := h.counts()
	assert.Zero(t, connected)
	assert.Equal(t, 1, failures)
	assert.Equal(t, ConnectorFailure, c.Status())
}

func TestConnector_ResolveFailure(t *testing.T) {
	h := &recordingHandler{}
	failing := func(context.Context, Address, Family) ([]netip.AddrPort, error) {
		return nil, errors.New("nxdomain")
	}
	c := NewConnector("nowhere.invalid", 0, h, withResolver(failing))

	pollUntilDone(t, c)
	_, failures := h.counts()
	assert.Equal(t, 1, failures)
}

func TestConnector_KillDuringResolveSuppressesCallbacks(t *testing.T) {
	_, ap := listenLoopback(t)
	release := make(chan struct{})
	resolving := make(chan struct{})
	blocking := func(ctx context.Context, _ Address, _ Family) ([]netip.AddrPort, error) {
		close(resolving)
		<-release
		return []netip.AddrPort{ap}, nil
	}

	h := &recordingHandler{}
	c := NewConnector("slow.example", 0, h, withResolver(blocking))
	require.False(t, c.Check())
	<-resolving

	c.Kill()
	close(release)

	assert.True(t, c.Check())
	for range 50 {
		c.Check()
		time.Sleep(time.Millisecond)
	}
	connected, failures := h.counts()
	assert.Zero(t, connected)
	assert.Zero(t, failures)
}

func TestConnectorPool_DropsFinished(t *testing.T) {
	_, ap := listenLoopback(t)
	h := &recordingHandler{}
	var pool ConnectorPool
	pool.Start(NewConnector(ap.String(), 0, h))
	killed := pool.Start(NewConnector("slow", 0, &recordingHandler{}, withResolver(func(ctx context.Context, _ Address, _ Family) ([]netip.AddrPort, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	killed.Kill()

	require.Eventually(t, func() bool {
		pool.CheckCallbacks()
		return pool.Len() == 0
	}, 5*time.Second, time.Millisecond)

	connected, _ := h.counts()
	assert.Equal(t, 1, connected)
	h.connected[0].Close()
}
