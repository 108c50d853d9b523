package relays

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/threadstr/threadstr/lib/logging"
)

// Timeouts for relay I/O. Short bounds connects and query-to-EOSE waits,
// Default bounds publishes.
const (
	ShortTimeout   = 5600 * time.Millisecond
	DefaultTimeout = 7000 * time.Millisecond
)

// Subscription is one filtered event stream on a relay.
type Subscription interface {
	Events() <-chan *nostr.Event
	EndOfStoredEvents() <-chan struct{}
	ClosedReason() <-chan string
	Unsub()
}

// Conn is a live relay connection.
type Conn interface {
	Subscribe(ctx context.Context, filters []nostr.Filter) (Subscription, error)
	Publish(ctx context.Context, event nostr.Event) error
	Close() error
}

// Connector dials relays. The nostr implementation is the default; tests
// inject fakes.
type Connector interface {
	Connect(ctx context.Context, url string) (Conn, error)
}

// NostrConnector dials relays over go-nostr websockets.
type NostrConnector struct{}

func (NostrConnector) Connect(ctx context.Context, url string) (Conn, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{relay: relay}, nil
}

type nostrConn struct {
	relay *nostr.Relay
}

func (c *nostrConn) Subscribe(ctx context.Context, filters []nostr.Filter) (Subscription, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return &nostrSubscription{sub: sub}, nil
}

func (c *nostrConn) Publish(ctx context.Context, event nostr.Event) error {
	return c.relay.Publish(ctx, event)
}

func (c *nostrConn) Close() error {
	return c.relay.Close()
}

type nostrSubscription struct {
	sub *nostr.Subscription
}

func (s *nostrSubscription) Events() <-chan *nostr.Event        { return s.sub.Events }
func (s *nostrSubscription) EndOfStoredEvents() <-chan struct{} { return s.sub.EndOfStoredEvents }
func (s *nostrSubscription) ClosedReason() <-chan string        { return s.sub.ClosedReason }
func (s *nostrSubscription) Unsub()                             { s.sub.Unsub() }

// Pool maps a relay URL to at most one live connection, shared by every
// concurrent subscription and publish. Connections are dialed lazily and
// kept until CloseAll.
type Pool struct {
	connector Connector
	conns     *xsync.MapOf[string, *poolEntry]

	// DialTimeout bounds connection attempts. Set before first use.
	DialTimeout time.Duration
}

type poolEntry struct {
	mu   sync.Mutex
	conn Conn
}

// NewPool wraps a Connector. A nil connector uses the nostr websocket one.
func NewPool(connector Connector) *Pool {
	if connector == nil {
		connector = NostrConnector{}
	}
	return &Pool{
		connector:   connector,
		conns:       xsync.NewMapOf[string, *poolEntry](),
		DialTimeout: ShortTimeout,
	}
}

// Get returns the pooled connection for a relay URL, dialing it under the
// short timeout if needed. A failed dial is not cached; the next Get
// retries.
func (p *Pool) Get(ctx context.Context, url string) (Conn, error) {
	url = nostr.NormalizeURL(url)
	entry, _ := p.conns.LoadOrStore(url, &poolEntry{})

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.conn != nil {
		return entry.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.DialTimeout)
	defer cancel()
	conn, err := p.connector.Connect(dialCtx, url)
	if err != nil {
		return nil, err
	}
	entry.conn = conn
	return conn, nil
}

// Drop discards the pooled connection for a relay, closing it if live.
// Used when a connection turns out to be dead mid-operation.
func (p *Pool) Drop(url string) {
	url = nostr.NormalizeURL(url)
	entry, ok := p.conns.LoadAndDelete(url)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.conn != nil {
		if err := entry.conn.Close(); err != nil {
			logging.Debugf("error closing connection to %s: %v", url, err)
		}
		entry.conn = nil
	}
}

// CloseAll tears down every pooled connection.
func (p *Pool) CloseAll() {
	p.conns.Range(func(url string, entry *poolEntry) bool {
		entry.mu.Lock()
		if entry.conn != nil {
			if err := entry.conn.Close(); err != nil {
				logging.Debugf("error closing connection to %s: %v", url, err)
			}
			entry.conn = nil
		}
		entry.mu.Unlock()
		p.conns.Delete(url)
		return true
	})
}
