// Package transport moves encoded coordination messages between nodes.
// Sends are fire-and-forget; received bytes are queued on a bounded inbox
// and dropped when the inbox is full.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// Transport is implemented by every peer transport.
type Transport interface {
	// Send delivers data to recipient, or to every peer when recipient is 0.
	Send(ctx context.Context, recipient uint32, data []byte) error
	// Inbox yields received messages. It is never closed.
	Inbox() <-chan []byte
	// Dropped counts inbound messages discarded because the inbox was full.
	Dropped() uint64
	Close() error
}

const defaultInbox = 256
