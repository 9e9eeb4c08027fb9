package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"autognosis/internal/logging"
)

// Hub is an in-process message switch connecting Endpoints. It is used by
// single-process multi-node setups and tests.
type Hub struct {
	mu    sync.RWMutex
	nodes map[uint32]*Endpoint
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[uint32]*Endpoint)}
}

// Join attaches node id with an inbox of size buffer (a default when ≤0).
// Joining an id twice replaces the previous endpoint.
func (h *Hub) Join(id uint32, buffer int) *Endpoint {
	if buffer <= 0 {
		buffer = defaultInbox
	}
	e := &Endpoint{id: id, hub: h, inbox: make(chan []byte, buffer)}
	h.mu.Lock()
	h.nodes[id] = e
	h.mu.Unlock()
	return e
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	if h.nodes[e.id] == e {
		delete(h.nodes, e.id)
	}
	h.mu.Unlock()
}

// Endpoint is one node's attachment to a Hub.
type Endpoint struct {
	id      uint32
	hub     *Hub
	inbox   chan []byte
	dropped atomic.Uint64
	closed  atomic.Bool
}

// Send copies data to the recipient's inbox, or to every other endpoint
// for a broadcast. Unknown recipients are silently skipped.
func (e *Endpoint) Send(ctx context.Context, recipient uint32, data []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.mu.RLock()
	defer e.hub.mu.RUnlock()
	if recipient != 0 {
		if dst, ok := e.hub.nodes[recipient]; ok {
			dst.offer(data)
		}
		return nil
	}
	for id, dst := range e.hub.nodes {
		if id != e.id {
			dst.offer(data)
		}
	}
	return nil
}

func (e *Endpoint) offer(data []byte) {
	if e.closed.Load() {
		return
	}
	select {
	case e.inbox <- append([]byte(nil), data...):
	default:
		e.dropped.Add(1)
		logging.TransportDebug("node %d inbox full, dropping message", e.id)
	}
}

// Inbox implements Transport.
func (e *Endpoint) Inbox() <-chan []byte { return e.inbox }

// Dropped implements Transport.
func (e *Endpoint) Dropped() uint64 { return e.dropped.Load() }

// Close detaches the endpoint. It is safe to call more than once.
func (e *Endpoint) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.hub.leave(e)
	}
	return nil
}
