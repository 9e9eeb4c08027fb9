package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"autognosis/internal/logging"
)

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Name          string        `yaml:"name"`
	InboxSize     int           `yaml:"inbox_size"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DefaultNATSConfig returns settings for a local NATS server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "autognosis",
		Name:          "autognosis-node",
		InboxSize:     defaultInbox,
		ReconnectWait: 2 * time.Second,
	}
}

// BroadcastSubject is the subject every node subscribes to.
func BroadcastSubject(prefix string) string { return prefix + ".broadcast" }

// NodeSubject is the subject addressing a single node.
func NodeSubject(prefix string, id uint32) string { return fmt.Sprintf("%s.node.%d", prefix, id) }

// NATS carries messages over core NATS subjects: one shared broadcast
// subject and one subject per node.
type NATS struct {
	id     uint32
	cfg    NATSConfig
	nc     *nats.Conn
	owned  bool
	inbox  chan []byte
	subs   []*nats.Subscription
	once   sync.Once
	closed atomic.Bool

	dropped atomic.Uint64
}

// DialNATS connects to cfg.URL and subscribes node id to its subjects.
func DialNATS(id uint32, cfg NATSConfig) (*NATS, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.TransportError("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Transport("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	t, err := newNATS(id, cfg, nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// NewNATS attaches to an existing connection. The connection is not closed
// by Close.
func NewNATS(id uint32, cfg NATSConfig, nc *nats.Conn) (*NATS, error) {
	return newNATS(id, cfg, nc)
}

func newNATS(id uint32, cfg NATSConfig, nc *nats.Conn) (*NATS, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultNATSConfig().SubjectPrefix
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInbox
	}
	t := &NATS{id: id, cfg: cfg, nc: nc, inbox: make(chan []byte, cfg.InboxSize)}
	for _, subj := range []string{BroadcastSubject(cfg.SubjectPrefix), NodeSubject(cfg.SubjectPrefix, id)} {
		sub, err := nc.Subscribe(subj, t.onMsg)
		if err != nil {
			t.unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", subj, err)
		}
		t.subs = append(t.subs, sub)
	}
	logging.Transport("node %d listening on %s.{broadcast,node.%d}", id, cfg.SubjectPrefix, id)
	return t, nil
}

func (t *NATS) onMsg(m *nats.Msg) {
	if t.closed.Load() {
		return
	}
	select {
	case t.inbox <- m.Data:
	default:
		t.dropped.Add(1)
		logging.TransportDebug("inbox full, dropping message on %s", m.Subject)
	}
}

// Send publishes data on the broadcast subject or the recipient's subject.
// Publishing is buffered by the client and does not wait for peers.
func (t *NATS) Send(ctx context.Context, recipient uint32, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subj := BroadcastSubject(t.cfg.SubjectPrefix)
	if recipient != 0 {
		subj = NodeSubject(t.cfg.SubjectPrefix, recipient)
	}
	return t.nc.Publish(subj, data)
}

// Inbox implements Transport.
func (t *NATS) Inbox() <-chan []byte { return t.inbox }

// Dropped implements Transport.
func (t *NATS) Dropped() uint64 { return t.dropped.Load() }

// Conn exposes the underlying connection so other components can share it.
func (t *NATS) Conn() *nats.Conn { return t.nc }

func (t *NATS) unsubscribe() {
	for _, s := range t.subs {
		if err := s.Unsubscribe(); err != nil && t.nc.IsConnected() {
			logging.TransportDebug("unsubscribe %s: %v", s.Subject, err)
		}
	}
	t.subs = nil
}

// Close unsubscribes and, for dialed transports, closes the connection.
func (t *NATS) Close() error {
	t.once.Do(func() {
		t.closed.Store(true)
		t.unsubscribe()
		if t.owned {
			t.nc.Close()
		}
		logging.Transport("node %d transport closed", t.id)
	})
	return nil
}
