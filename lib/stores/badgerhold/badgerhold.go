package badgerhold

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/timshannon/badgerhold/v4"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/logging"
	"github.com/threadstr/threadstr/lib/stores"
)

// Key prefixes. Every record lives under a typed prefix so tables can
// share the single badger keyspace.
const (
	prefixNote       = "note:"
	prefixReaction   = "reaction:"
	prefixAggregate  = "aggregate:"
	prefixProfile    = "profile:"
	prefixRelayInfo  = "relayinfo:"
	prefixRelayStat  = "relaystat:"
	prefixWatermark  = "watermark:"
	prefixBlock      = "block:"
	prefixCommunity  = "community:"
	prefixModeration = "modsource:"
)

// BadgerholdStore implements stores.Store on badgerhold over badger with
// CBOR-encoded values.
type BadgerholdStore struct {
	Ctx    context.Context
	cancel context.CancelFunc

	DatabasePath string
	Database     *badgerhold.Store

	watchers  map[int]*noteWatcher
	watcherID int
	watchMu   sync.Mutex

	closed bool
	mu     sync.RWMutex
}

var _ stores.Store = (*BadgerholdStore)(nil)

func cborEncode(value interface{}) ([]byte, error) {
	return cbor.Marshal(value)
}

func cborDecode(data []byte, value interface{}) error {
	return cbor.Unmarshal(data, value)
}

// InitStore opens (or creates) the database at basepath. An empty basepath
// opens an in-memory database, used by tests and by hosts that do not want
// a durable cache.
func InitStore(basepath string) (*BadgerholdStore, error) {
	store := &BadgerholdStore{
		DatabasePath: basepath,
		watchers:     make(map[int]*noteWatcher),
	}

	ctx, cancel := context.WithCancel(context.Background())
	store.Ctx = ctx
	store.cancel = cancel

	options := badgerhold.DefaultOptions
	options.Encoder = cborEncode
	options.Decoder = cborDecode
	if basepath == "" {
		options.Options = options.Options.WithInMemory(true)
	} else {
		options.Dir = basepath
		options.ValueDir = basepath
	}
	// The cache holds comment threads, not media; keep badger's footprint
	// small inside host applications.
	options.Options = options.Options.
		WithBlockCacheSize(16 << 20).
		WithIndexCacheSize(8 << 20).
		WithMemTableSize(8 << 20).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	var err error
	store.Database, err = badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logging.Debugf("opened threadstr cache at %q", basepath)

	return store, nil
}

// Close stops watchers and closes the underlying database. Safe to call
// more than once.
func (store *BadgerholdStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil
	}
	store.closed = true
	store.cancel()
	store.stopWatchers()

	return store.Database.Close()
}

// notFound normalizes badgerhold's sentinel into (nil, nil) lookups.
func notFound(err error) bool {
	return err == badgerhold.ErrNotFound
}

// ──────── aggregates ────────

func aggregateKey(anchor string, kind int) string {
	return fmt.Sprintf("%s%s:%d", prefixAggregate, anchor, kind)
}

// GetAggregate returns the per-(anchor, kind) accumulator or nil.
func (store *BadgerholdStore) GetAggregate(anchor string, kind int) (*lib.AggregateEvent, error) {
	var aggregate lib.AggregateEvent
	err := store.Database.Get(aggregateKey(anchor, kind), &aggregate)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &aggregate, nil
}

// SaveAggregate upserts the accumulator.
func (store *BadgerholdStore) SaveAggregate(aggregate lib.AggregateEvent) error {
	return store.Database.Upsert(aggregateKey(aggregate.Anchor, aggregate.Kind), aggregate)
}

// ──────── profiles ────────

// GetProfile returns cached author metadata or nil.
func (store *BadgerholdStore) GetProfile(pubkey string) (*lib.Profile, error) {
	var profile lib.Profile
	err := store.Database.Get(prefixProfile+pubkey, &profile)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// SaveProfile upserts author metadata.
func (store *BadgerholdStore) SaveProfile(profile lib.Profile) error {
	return store.Database.Upsert(prefixProfile+profile.PubKey, profile)
}

// AllProfiles returns every cached profile.
func (store *BadgerholdStore) AllProfiles() ([]lib.Profile, error) {
	var results []lib.Profile
	err := store.Database.Find(&results, nil)
	if err != nil && !notFound(err) {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	return results, nil
}

// ──────── communities ────────

// GetCommunity returns a cached community definition or nil.
func (store *BadgerholdStore) GetCommunity(address string) (*lib.Community, error) {
	var community lib.Community
	err := store.Database.Get(prefixCommunity+address, &community)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &community, nil
}

// SaveCommunity upserts a community definition.
func (store *BadgerholdStore) SaveCommunity(community lib.Community) error {
	return store.Database.Upsert(prefixCommunity+community.Address, community)
}

// ──────── moderation sources ────────

// GetModerationSource returns the refresh watermark for an external
// block-list source, or nil when the source was never fetched.
func (store *BadgerholdStore) GetModerationSource(name string) (*lib.ModerationSource, error) {
	var source lib.ModerationSource
	err := store.Database.Get(prefixModeration+name, &source)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &source, nil
}

// SaveModerationSource upserts a source watermark.
func (store *BadgerholdStore) SaveModerationSource(source lib.ModerationSource) error {
	return store.Database.Upsert(prefixModeration+source.Name, source)
}
