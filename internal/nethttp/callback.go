package nethttp

import (
	"sync"
	"sync/atomic"
)

// Callback receives the outcome of one transfer. Its methods are only ever
// called from the goroutine that polls Client.Receive.
type Callback interface {
	// OnFailure reports that the transfer failed or was cancelled. No other
	// call follows.
	OnFailure()
	// OnReceiveData delivers a chunk of the body; nil marks the end.
	OnReceiveData(data []byte)
	// IsCancelled is polled to abort the transfer. The callback must stay
	// usable until OnFailure was delivered.
	IsCancelled() bool
}

type event struct {
	data    []byte
	failure bool
}

// ThreadSafeCallback buffers what the worker reports and replays it on the
// polling goroutine in HandleQueue.
type ThreadSafeCallback struct {
	cb        Callback
	cancelled atomic.Bool

	mu       sync.Mutex
	queue    []event
	finished bool
}

func newThreadSafeCallback(cb Callback) *ThreadSafeCallback {
	return &ThreadSafeCallback{cb: cb}
}

// OnFailure queues a failure; safe from any goroutine.
func (t *ThreadSafeCallback) OnFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.queue = append(t.queue, event{failure: true})
	t.finished = true
}

// OnReceiveData queues a chunk, or the end of the body when data is nil.
func (t *ThreadSafeCallback) OnReceiveData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.queue = append(t.queue, event{data: data})
	if data == nil {
		t.finished = true
	}
}

// IsCancelled is what the callback answered during the last HandleQueue.
func (t *ThreadSafeCallback) IsCancelled() bool { return t.cancelled.Load() }

// HandleQueue delivers everything queued so far to the wrapped callback.
func (t *ThreadSafeCallback) HandleQueue() {
	t.cancelled.Store(t.cb.IsCancelled())

	t.mu.Lock()
	queue := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, e := range queue {
		if e.failure {
			t.cb.OnFailure()
			continue
		}
		t.cb.OnReceiveData(e.data)
	}
}

// IsQueueEmpty reports whether nothing waits for HandleQueue.
func (t *ThreadSafeCallback) IsQueueEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue) == 0
}

func (t *ThreadSafeCallback) done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished && len(t.queue) == 0
}
