package client

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/config"
	"github.com/threadstr/threadstr/lib/logging"
	"github.com/threadstr/threadstr/lib/moderation"
	"github.com/threadstr/threadstr/lib/relays"
	"github.com/threadstr/threadstr/lib/signing"
	"github.com/threadstr/threadstr/lib/stores"
	badgerstore "github.com/threadstr/threadstr/lib/stores/badgerhold"
)

// Decision is the verdict of the host application's per-event hook.
// Content, when non-empty, replaces the event content before persisting;
// Rank is an optional presentation score carried through to the store.
type Decision struct {
	Accept  bool
	Content string
	Rank    int
}

// ReceiveHook lets the embedding application filter or rewrite incoming
// events before they are persisted.
type ReceiveHook func(id, npub string, kind int, content string) Decision

// Options wires a Client. Zero values get sensible defaults: the global
// viper config, a badger store at the configured path and the websocket
// connector.
type Options struct {
	Config    *lib.Config
	Store     stores.Store
	Connector relays.Connector
	Signer    signing.Signer
	OnReceive ReceiveHook
}

// Client is the embedding surface of the library. One Client serves many
// threads; per-anchor state lives on the Thread returned by Load.
type Client struct {
	cfg        *lib.Config
	store      stores.Store
	ownsStore  bool
	pool       *relays.Pool
	stats      *relays.Recorder
	caps       *relays.Capabilities
	ranker     *relays.Ranker
	tracker    *relays.Tracker
	mux        *relays.Mux
	publisher  *relays.Publisher
	moderation *moderation.Pipeline
	onReceive  ReceiveHook

	mu          sync.Mutex
	signer      signing.Signer
	readRelays  []string
	writeRelays []string
	modKicked   bool
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.GetConfig()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	store := opts.Store
	ownsStore := false
	if store == nil {
		path := cfg.Storage.Path
		if cfg.Storage.InMemory {
			path = ""
		}
		opened, err := badgerstore.InitStore(path)
		if err != nil {
			return nil, err
		}
		store = opened
		ownsStore = true
	}

	pool := relays.NewPool(opts.Connector)
	stats := relays.NewRecorder(store)
	caps := relays.NewCapabilities(store)
	ranker := relays.NewRanker(stats, caps)
	tracker := relays.NewTracker(store)
	mux := relays.NewMux(pool, ranker, tracker, stats, caps)
	publisher := relays.NewPublisher(pool, ranker, stats)
	if ms := cfg.Timeouts.ShortMS; ms > 0 {
		pool.DialTimeout = time.Duration(ms) * time.Millisecond
		mux.EoseTimeout = pool.DialTimeout
	}
	if ms := cfg.Timeouts.DefaultMS; ms > 0 {
		publisher.AckTimeout = time.Duration(ms) * time.Millisecond
	}

	client := &Client{
		cfg:        cfg,
		store:      store,
		ownsStore:  ownsStore,
		pool:       pool,
		stats:      stats,
		caps:       caps,
		ranker:     ranker,
		tracker:    tracker,
		mux:        mux,
		publisher:  publisher,
		moderation: moderation.NewPipeline(store, cfg.Moderation.SpamAPIURL, nil),
		onReceive:  opts.OnReceive,
		signer:     opts.Signer,
	}
	client.SetRelays(cfg.Relays.Read, cfg.Relays.Read)
	return client, nil
}

// SetSigner installs the signer used for publishes.
func (c *Client) SetSigner(signer signing.Signer) {
	c.mu.Lock()
	c.signer = signer
	c.mu.Unlock()
}

// SetRelays replaces the read and write relay sets. Names are normalized,
// deduplicated and capped at the configured maximum.
func (c *Client) SetRelays(read, write []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readRelays = normalizeRelaySet(read, c.cfg.Relays.MaxRelays)
	c.writeRelays = normalizeRelaySet(write, c.cfg.Relays.MaxRelays)
}

// ReadRelays returns the current read relay set.
func (c *Client) ReadRelays() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.readRelays...)
}

// WriteRelays returns the current write relay set.
func (c *Client) WriteRelays() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writeRelays...)
}

// Store exposes the persistent cache, mainly for reactive accessors like
// WatchNotes.
func (c *Client) Store() stores.Store {
	return c.store
}

// WatchNotes registers a live query against the local cache.
func (c *Client) WatchNotes(query stores.NoteQuery, fn func([]lib.NoteEvent)) stores.CancelFunc {
	return c.store.WatchNotes(query, fn)
}

// writePowTarget is the difficulty outgoing events are mined to: the
// configured base difficulty raised to the highest relay floor that is
// still within the configured mining ceiling.
func (c *Client) writePowTarget(ctx context.Context) int {
	target := c.cfg.Pow.WriteDifficulty
	for _, relayName := range c.WriteRelays() {
		info := c.caps.Info(ctx, relayName)
		if info.Info == nil || info.Info.Limitation == nil {
			continue
		}
		floor := info.Info.Limitation.MinPowDifficulty
		if floor > target && floor <= c.cfg.Pow.MaxWrite {
			target = floor
		}
	}
	return target
}

// kickModeration loads the block filters and, once per Client, refreshes
// the external spam sources in the background.
func (c *Client) kickModeration(ctx context.Context) {
	c.mu.Lock()
	kicked := c.modKicked
	c.modKicked = true
	c.mu.Unlock()
	if kicked {
		return
	}

	lastUpdate, err := c.moderation.LoadFilters()
	if err != nil {
		logging.Warnf("failed to load block filters: %v", err)
		return
	}
	if c.cfg.FeatureDisabled("spamNostrBand") || !c.cfg.Moderation.CheckUpdates {
		return
	}
	go c.moderation.RefreshFilters(context.WithoutCancel(ctx), lastUpdate)
}

// Close releases the relay pool and, when the Client opened it, the store.
func (c *Client) Close() error {
	c.pool.CloseAll()
	if !c.ownsStore {
		return nil
	}
	return c.store.Close()
}

func normalizeRelaySet(names []string, maxRelays int) []string {
	if maxRelays <= 0 {
		maxRelays = 32
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		normalized := nostr.NormalizeURL(name)
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
		if len(out) == maxRelays {
			break
		}
	}
	return out
}
