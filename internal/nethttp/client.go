// Package nethttp performs HTTP transfers on a single worker goroutine. The
// owner enqueues requests with Connect and polls Receive once per tick; every
// callback runs inside Receive, never on the worker.
package nethttp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/ttdnet/internal/constants"
)

const (
	defaultChunkSize = 16 * 1024
	defaultTimeout   = 30 * time.Second
)

type request struct {
	uri  string
	cb   *ThreadSafeCallback
	data string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithChunkSize sets how many body bytes are delivered per OnReceiveData.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// Client owns the request queue and the worker goroutine.
type Client struct {
	http      *http.Client
	userAgent string
	chunkSize int

	mu       sync.Mutex
	requests []request
	closed   bool
	wake     chan struct{}

	newMu        sync.Mutex
	newCallbacks []*ThreadSafeCallback

	// callbacks is only touched by the goroutine calling Receive.
	callbacks []*ThreadSafeCallback

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewClient creates a client; Start launches its worker.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: fmt.Sprintf("OpenTTD/%s", constants.Revision),
		chunkSize: defaultChunkSize,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start runs the worker until ctx is done or Shutdown is called.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.group, ctx = errgroup.WithContext(ctx)
	c.group.Go(func() error {
		c.worker(ctx)
		return nil
	})
}

// Connect queues a transfer of uri. With data set the request is a form POST,
// otherwise a GET. cb hears about the result through Receive.
func (c *Client) Connect(uri string, cb Callback, data string) {
	tsc := newThreadSafeCallback(cb)
	c.newMu.Lock()
	c.newCallbacks = append(c.newCallbacks, tsc)
	c.newMu.Unlock()

	c.mu.Lock()
	if c.closed || uri == "" {
		c.mu.Unlock()
		tsc.OnFailure()
		return
	}
	c.requests = append(c.requests, request{uri: uri, cb: tsc, data: data})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Receive delivers queued results to their callbacks. Call it from the
// goroutine that owns the callbacks.
func (c *Client) Receive() {
	c.newMu.Lock()
	// New callbacks join after this round; a callback may Connect again.
	added := c.newCallbacks
	c.newCallbacks = nil
	c.newMu.Unlock()
	c.callbacks = append(c.callbacks, added...)

	for _, cb := range c.callbacks {
		cb.HandleQueue()
	}
	c.callbacks = slices.DeleteFunc(c.callbacks, (*ThreadSafeCallback).done)
}

// Pending is the number of transfers whose outcome was not delivered yet.
func (c *Client) Pending() int {
	c.newMu.Lock()
	n := len(c.newCallbacks)
	c.newMu.Unlock()
	return n + len(c.callbacks)
}

// Shutdown stops the worker, fails whatever is still queued and delivers the
// outstanding callbacks.
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		_ = c.group.Wait()
	}
	c.failQueued()
	c.Receive()
}

func (c *Client) worker(ctx context.Context) {
	for {
		req, ok := c.next(ctx)
		if !ok {
			c.failQueued()
			return
		}
		c.transfer(ctx, req)
	}
}

func (c *Client) next(ctx context.Context) (request, bool) {
	for {
		c.mu.Lock()
		if len(c.requests) > 0 {
			req := c.requests[0]
			c.requests = c.requests[1:]
			c.mu.Unlock()
			return req, true
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return request{}, false
		case <-c.wake:
		}
	}
}

func (c *Client) failQueued() {
	c.mu.Lock()
	queued := c.requests
	c.requests = nil
	c.mu.Unlock()
	for _, req := range queued {
		req.cb.OnFailure()
	}
}

func (c *Client) transfer(ctx context.Context, req request) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("http transfer panicked", "uri", req.uri, "panic", r)
			req.cb.OnFailure()
		}
	}()

	method, body := http.MethodGet, io.Reader(nil)
	if req.data != "" {
		method, body = http.MethodPost, strings.NewReader(req.data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.uri, body)
	if err != nil {
		slog.Warn("invalid http request", "uri", req.uri, "error", err)
		req.cb.OnFailure()
		return
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		slog.Warn("http request failed", "uri", req.uri, "error", err)
		req.cb.OnFailure()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("http request failed", "uri", req.uri, "status", resp.StatusCode)
		req.cb.OnFailure()
		return
	}

	buf := make([]byte, c.chunkSize)
	for {
		if req.cb.IsCancelled() {
			slog.Debug("http request cancelled", "uri", req.uri)
			req.cb.OnFailure()
			return
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			req.cb.OnReceiveData(append([]byte(nil), buf[:n]...))
		}
		if err == io.EOF {
			req.cb.OnReceiveData(nil)
			return
		}
		if err != nil {
			slog.Warn("reading http response", "uri", req.uri, "error", err)
			req.cb.OnFailure()
			return
		}
	}
}
