package relays

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadstr/threadstr/lib"
	badgerstore "github.com/threadstr/threadstr/lib/stores/badgerhold"
)

// ──────── fake transport ────────

type fakeSub struct {
	events chan *nostr.Event
	eose   chan struct{}
	closed chan string
	once   sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		events: make(chan *nostr.Event, 16),
		eose:   make(chan struct{}, 1),
		closed: make(chan string, 1),
	}
}

func (s *fakeSub) Events() <-chan *nostr.Event        { return s.events }
func (s *fakeSub) EndOfStoredEvents() <-chan struct{} { return s.eose }
func (s *fakeSub) ClosedReason() <-chan string        { return s.closed }
func (s *fakeSub) Unsub()                             { s.once.Do(func() { close(s.events) }) }

type fakeConn struct {
	sub        *fakeSub
	filters    []nostr.Filter
	publishErr error
	published  []nostr.Event
	mu         sync.Mutex
}

func (c *fakeConn) Subscribe(_ context.Context, filters []nostr.Filter) (Subscription, error) {
	c.mu.Lock()
	c.filters = filters
	c.mu.Unlock()
	return c.sub, nil
}

func (c *fakeConn) Publish(_ context.Context, event nostr.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, event)
	return nil
}

func (c *fakeConn) Close() error { return nil }

type fakeConnector struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	fail  map[string]error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{conns: make(map[string]*fakeConn), fail: make(map[string]error)}
}

func (f *fakeConnector) add(url string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := &fakeConn{sub: newFakeSub()}
	f.conns[nostr.NormalizeURL(url)] = conn
	return conn
}

func (f *fakeConnector) Connect(_ context.Context, url string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[url]; err != nil {
		return nil, err
	}
	conn, ok := f.conns[url]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return conn, nil
}

// ──────── harness ────────

type harness struct {
	store   *badgerstore.BadgerholdStore
	conns   *fakeConnector
	pool    *Pool
	stats   *Recorder
	caps    *Capabilities
	ranker  *Ranker
	tracker *Tracker
	mux     *Mux
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := badgerstore.InitStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conns := newFakeConnector()
	pool := NewPool(conns)
	t.Cleanup(pool.CloseAll)
	stats := NewRecorder(store)
	caps := NewCapabilities(store)
	ranker := NewRanker(stats, caps)
	tracker := NewTracker(store)
	return &harness{
		store:   store,
		conns:   conns,
		pool:    pool,
		stats:   stats,
		caps:    caps,
		ranker:  ranker,
		tracker: tracker,
		mux:     NewMux(pool, ranker, tracker, stats, caps),
	}
}

// seedInfo pre-populates the capability cache so tests never hit the network.
func (h *harness) seedInfo(t *testing.T, url string, doc *nip11.RelayInformationDocument) {
	t.Helper()
	require.NoError(t, h.store.SaveRelayInfo(lib.RelayInfo{
		Name:             nostr.NormalizeURL(url),
		Info:             doc,
		LastFetchAttempt: lib.CurrentTime(),
	}))
}

func testEvent(id string, createdAt int64) *nostr.Event {
	return &nostr.Event{ID: id, Kind: lib.KindComment, CreatedAt: nostr.Timestamp(createdAt)}
}

// ──────── stats ────────

func TestRecorderRingAndMedian(t *testing.T) {
	h := newHarness(t)

	for _, latency := range []int64{30, 10, 50} {
		h.stats.Record("wss://a.example", lib.KindComment, latency, false)
	}
	assert.Equal(t, int64(30), h.stats.Median("wss://a.example", lib.KindComment))

	// no kind samples falls back to the general bucket
	h.stats.Record("wss://b.example", GeneralBucket, 80, false)
	assert.Equal(t, int64(80), h.stats.Median("wss://b.example", lib.KindComment))

	// overwrite replaces the newest slot instead of advancing the ring
	h.stats.RecordFailure("wss://a.example", lib.KindComment, true)
	stats, err := h.store.RelayStats("wss://a.example")
	require.NoError(t, err)
	count := 0
	for _, stat := range stats {
		if stat.KindBucket == lib.KindComment {
			count++
		}
	}
	assert.Equal(t, 3, count, "overwrite must not grow the ring")
}

func TestRecorderRingWrapsAround(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < lib.RelayStatRingSize+2; i++ {
		h.stats.Record("wss://a.example", lib.KindComment, int64(10*(i+1)), false)
	}
	stats, err := h.store.RelayStats("wss://a.example")
	require.NoError(t, err)
	assert.Len(t, stats, lib.RelayStatRingSize)
}

// ──────── ranker ────────

func TestRankPartitionsByLatency(t *testing.T) {
	h := newHarness(t)
	h.seedInfo(t, "wss://fast.example", nil)
	h.seedInfo(t, "wss://faster.example", nil)
	h.seedInfo(t, "wss://fresh.example", nil)

	h.stats.Record("wss://fast.example", lib.KindComment, 200, false)
	h.stats.Record("wss://faster.example", lib.KindComment, 50, false)

	ranking := h.ranker.Rank(context.Background(), []string{
		"wss://fast.example", "wss://faster.example", "wss://fresh.example",
	}, Intent{Kind: lib.KindComment})

	assert.Equal(t, []string{"wss://faster.example", "wss://fast.example"}, ranking.Fast)
	assert.Equal(t, []string{"wss://fresh.example"}, ranking.Slow)
	assert.Zero(t, ranking.Unsupported)
}

func TestRankPromotesSlowWhenFastIsEmpty(t *testing.T) {
	h := newHarness(t)
	h.seedInfo(t, "wss://fresh.example", nil)

	ranking := h.ranker.Rank(context.Background(), []string{"wss://fresh.example"}, Intent{})
	assert.Equal(t, []string{"wss://fresh.example"}, ranking.Fast)
	assert.Empty(t, ranking.Slow)
}

func TestRankOfflineCoolDown(t *testing.T) {
	h := newHarness(t)
	h.seedInfo(t, "wss://dead.example", nil)
	for i := 0; i < lib.RelayStatRingSize; i++ {
		h.stats.RecordFailure("wss://dead.example", lib.KindComment, false)
	}

	ranking := h.ranker.Rank(context.Background(), []string{"wss://dead.example"}, Intent{Kind: lib.KindComment})
	assert.Equal(t, 1, ranking.Offline, "all-failure relay inside cool-down is offline")
	assert.Empty(t, ranking.Fast)
}

func TestRankWritePowFloorUnsupported(t *testing.T) {
	h := newHarness(t)
	h.seedInfo(t, "wss://pow.example", &nip11.RelayInformationDocument{
		Limitation: &nip11.RelayLimitationDocument{MinPowDifficulty: 25},
	})
	h.seedInfo(t, "wss://open.example", nil)

	event := testEvent("e1", 100)
	ranking := h.ranker.Rank(context.Background(),
		[]string{"wss://pow.example", "wss://open.example"},
		Intent{Kind: lib.KindComment, Write: true, Event: event, MaxPow: 20})

	assert.Equal(t, 1, ranking.Unsupported)
	assert.NotContains(t, ranking.Fast, "wss://pow.example")
	assert.NotContains(t, ranking.Slow, "wss://pow.example")
}

func TestRankReadAuthExcluded(t *testing.T) {
	h := newHarness(t)
	h.seedInfo(t, "wss://auth.example", nil)
	h.caps.MarkReadAuth("wss://auth.example")

	ranking := h.ranker.Rank(context.Background(), []string{"wss://auth.example"}, Intent{})
	assert.Equal(t, 1, ranking.Unsupported)
}

// ──────── watermarks ────────

func TestWatermarkMonotonic(t *testing.T) {
	h := newHarness(t)

	h.tracker.RecordObserved("anchor1", map[string]int64{"wss://a.example": 100})
	h.tracker.RecordObserved("anchor1", map[string]int64{"wss://a.example": 50})
	marks := h.tracker.LatestFor("anchor1")
	assert.Equal(t, int64(100), marks["wss://a.example"], "watermark must not regress")

	h.tracker.RecordObserved("anchor1", map[string]int64{"wss://a.example": 200})
	marks = h.tracker.LatestFor("anchor1")
	assert.Equal(t, int64(200), marks["wss://a.example"])

	// a different anchor is independent
	marks = h.tracker.LatestFor("anchor2")
	assert.Empty(t, marks)
}

func TestSinceForRewind(t *testing.T) {
	now := int64(1_000_000)

	assert.Zero(t, SinceFor(0, now), "no watermark means no bound")
	recent := now - 10*lib.MinuteInSecs
	assert.Equal(t, recent-lib.HourInSecs, SinceFor(recent, now), "recent watermark rewinds a full hour")
	stale := now - 3*lib.DayInSecs
	assert.Equal(t, stale+1, SinceFor(stale, now), "stale watermark rewinds one second")
}

func TestApplySinceExemptions(t *testing.T) {
	filters := []nostr.Filter{
		{Kinds: []int{lib.KindComment, lib.KindReaction}},
		{Kinds: []int{lib.KindReaction, lib.KindZapReceipt}},
		{IDs: []string{"root1"}},
	}
	out := applySince(filters, 500)

	require.NotNil(t, out[0].Since)
	assert.EqualValues(t, 500, *out[0].Since)
	assert.Nil(t, out[1].Since, "aggregate-only filter is exempt")
	assert.Nil(t, out[2].Since, "root-event lookup is exempt")
	assert.Nil(t, filters[0].Since, "input filters are not mutated")
}

// ──────── multiplexer ────────

func TestMuxDeduplicatesAcrossRelays(t *testing.T) {
	h := newHarness(t)
	h.seedInfo(t, "wss://a.example", nil)
	h.seedInfo(t, "wss://b.example", nil)
	connA := h.conns.add("wss://a.example")
	connB := h.conns.add("wss://b.example")

	var mu sync.Mutex
	var delivered []string
	eoseDone := make(chan struct{})

	filters := []nostr.Filter{{Kinds: []int{lib.KindComment}}}
	handle := h.mux.SubscribeMany(context.Background(), "anchor1",
		map[string][]nostr.Filter{"wss://a.example": filters, "wss://b.example": filters},
		Intent{Kind: lib.KindComment},
		Callbacks{
			OnEvent: func(event *nostr.Event, relayName string) {
				mu.Lock()
				delivered = append(delivered, event.ID)
				mu.Unlock()
			},
			OnEoseGlobal: func() { close(eoseDone) },
		})
	defer handle.Close()

	shared := testEvent("dup1", 100)
	connA.sub.events <- shared
	// wait until relay A delivered it so attribution order is deterministic
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)
	connB.sub.events <- shared
	require.Eventually(t, func() bool {
		return len(handle.SeenOn("dup1")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	connA.sub.eose <- struct{}{}
	connB.sub.eose <- struct{}{}

	select {
	case <-eoseDone:
	case <-time.After(2 * time.Second):
		t.Fatal("global EOSE never fired")
	}

	mu.Lock()
	assert.Equal(t, []string{"dup1"}, delivered, "event delivered exactly once")
	mu.Unlock()
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, handle.SeenOn("dup1"))
}

func TestMuxGlobalEoseWaitsForEveryRelay(t *testing.T) {
	h := newHarness(t)
	for _, url := range []string{"wss://a.example", "wss://b.example", "wss://c.example"} {
		h.seedInfo(t, url, nil)
	}
	connA := h.conns.add("wss://a.example")
	connB := h.conns.add("wss://b.example")
	connC := h.conns.add("wss://c.example")

	var mu sync.Mutex
	var relayEoses []string
	globalFired := make(chan struct{})

	filters := []nostr.Filter{{Kinds: []int{lib.KindComment}}}
	handle := h.mux.SubscribeMany(context.Background(), "anchor1",
		map[string][]nostr.Filter{
			"wss://a.example": filters,
			"wss://b.example": filters,
			"wss://c.example": filters,
		},
		Intent{Kind: lib.KindComment},
		Callbacks{
			OnEoseRelay: func(relayName string) {
				mu.Lock()
				relayEoses = append(relayEoses, relayName)
				mu.Unlock()
			},
			OnEoseGlobal: func() {
				mu.Lock()
				count := len(relayEoses)
				mu.Unlock()
				// A closed with an error, so only B and C EOSE for real
				assert.Equal(t, 2, count, "global EOSE fired before every relay finished")
				close(globalFired)
			},
		})
	defer handle.Close()

	// relay A errors out first; it must count as an implicit EOSE
	connA.sub.closed <- "error: connection reset"
	time.Sleep(50 * time.Millisecond)
	select {
	case <-globalFired:
		t.Fatal("global EOSE fired after a single relay error")
	default:
	}

	connB.sub.eose <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	select {
	case <-globalFired:
		t.Fatal("global EOSE fired with one relay still streaming")
	default:
	}

	connC.sub.eose <- struct{}{}
	select {
	case <-globalFired:
	case <-time.After(2 * time.Second):
		t.Fatal("global EOSE never fired")
	}
}

func TestMuxRecordsWatermarksOnEose(t *testing.T) {
	h := newHarness(t)
	h.seedInfo(t, "wss://a.example", nil)
	conn := h.conns.add("wss://a.example")

	eoseDone := make(chan struct{})
	handle := h.mux.SubscribeMany(context.Background(), "anchor1",
		map[string][]nostr.Filter{"wss://a.example": {{Kinds: []int{lib.KindComment}}}},
		Intent{Kind: lib.KindComment},
		Callbacks{OnEoseGlobal: func() { close(eoseDone) }})
	defer handle.Close()

	conn.sub.events <- testEvent("e1", 400)
	conn.sub.events <- testEvent("e2", 900)
	require.Eventually(t, func() bool {
		return len(handle.SeenOn("e2")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	conn.sub.eose <- struct{}{}
	select {
	case <-eoseDone:
	case <-time.After(2 * time.Second):
		t.Fatal("global EOSE never fired")
	}

	marks := h.tracker.LatestFor("anchor1")
	assert.Equal(t, int64(900), marks["wss://a.example"])
}

func TestMuxAuthChallengeMarksRelay(t *testing.T) {
	h := newHarness(t)
	h.seedInfo(t, "wss://auth.example", nil)
	conn := h.conns.add("wss://auth.example")

	closeDone := make(chan struct{})
	handle := h.mux.SubscribeMany(context.Background(), "anchor1",
		map[string][]nostr.Filter{"wss://auth.example": {{Kinds: []int{lib.KindComment}}}},
		Intent{Kind: lib.KindComment},
		Callbacks{OnCloseGlobal: func() { close(closeDone) }})

	conn.sub.closed <- "auth-required: please authenticate"
	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never wound down")
	}
	handle.Close()

	info, err := h.store.GetRelayInfo("wss://auth.example")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, info.ReadAuth)
}

func TestMuxCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedInfo(t, "wss://a.example", nil)
	h.conns.add("wss://a.example")

	handle := h.mux.SubscribeMany(context.Background(), "anchor1",
		map[string][]nostr.Filter{"wss://a.example": {{Kinds: []int{lib.KindComment}}}},
		Intent{Kind: lib.KindComment}, Callbacks{})

	handle.Close()
	handle.Close()
	assert.True(t, handle.Closed())

	states := handle.RelayStates()
	assert.Equal(t, RelayClosed, states["wss://a.example"], "relay subscription must be closed")
}

// ──────── publisher ────────

func TestPublishAwaitsFastPartition(t *testing.T) {
	h := newHarness(t)
	h.seedInfo(t, "wss://good.example", nil)
	h.seedInfo(t, "wss://bad.example", nil)
	h.stats.Record("wss://good.example", lib.KindComment, 40, false)
	h.stats.Record("wss://bad.example", lib.KindComment, 60, false)

	good := h.conns.add("wss://good.example")
	bad := h.conns.add("wss://bad.example")
	bad.publishErr = context.DeadlineExceeded

	publisher := NewPublisher(h.pool, h.ranker, h.stats)
	event := testEvent("pub1", 100)
	result := publisher.Publish(context.Background(), event,
		[]string{"wss://good.example", "wss://bad.example"}, Intent{Kind: lib.KindComment, MaxPow: 20})

	assert.Equal(t, 1, result.OK)
	assert.Equal(t, 1, result.Failures)
	good.mu.Lock()
	assert.Len(t, good.published, 1)
	good.mu.Unlock()
}

func TestPublishSlowPartitionStillAttempted(t *testing.T) {
	h := newHarness(t)
	h.seedInfo(t, "wss://fast.example", nil)
	h.seedInfo(t, "wss://slow.example", nil)
	// only the fast relay has samples; the slow one is unsampled and lands
	// in the slow partition
	h.stats.Record("wss://fast.example", lib.KindComment, 40, false)

	fast := h.conns.add("wss://fast.example")
	slow := h.conns.add("wss://slow.example")

	publisher := NewPublisher(h.pool, h.ranker, h.stats)
	result := publisher.Publish(context.Background(), testEvent("pub2", 100),
		[]string{"wss://fast.example", "wss://slow.example"}, Intent{Kind: lib.KindComment, MaxPow: 20})

	assert.Equal(t, 1, result.OK, "result reflects only the awaited partition")
	fast.mu.Lock()
	assert.Len(t, fast.published, 1)
	fast.mu.Unlock()

	assert.Eventually(t, func() bool {
		slow.mu.Lock()
		defer slow.mu.Unlock()
		return len(slow.published) == 1
	}, 2*time.Second, 10*time.Millisecond, "slow relay attempted in the background")
}
