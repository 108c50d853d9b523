package relays

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/logging"
)

// Callbacks for one multiplexed subscription. OnEvent fires at most once
// per event id regardless of how many relays return it. OnEoseGlobal fires
// exactly once, strictly after every relay has either reached its own end
// of stored events or closed.
type Callbacks struct {
	OnEvent       func(event *nostr.Event, relayName string)
	OnEoseRelay   func(relayName string)
	OnEoseGlobal  func()
	OnCloseGlobal func()
}

// RelayState is the per-relay subscription state. Transitions are
// Opening -> Streaming -> Eosed or Closed; Eosed still transitions to
// Closed when the stream ends. Closed is terminal.
type RelayState int32

const (
	RelayOpening RelayState = iota
	RelayStreaming
	RelayEosed
	RelayClosed
)

// Handle states. Active -> Closing -> Closed, no transition skips states.
const (
	handleActive int32 = iota
	handleClosing
	handleClosed
)

// Mux opens filtered subscriptions across a ranked relay set, merges and
// deduplicates their event streams, and coordinates the single global
// end-of-stored-events signal the rest of the library keys on.
type Mux struct {
	pool    *Pool
	ranker  *Ranker
	tracker *Tracker
	stats   *Recorder
	caps    *Capabilities

	// EoseTimeout bounds how long a relay may take to report the end of
	// its stored events before it is counted as failed. Set before use.
	EoseTimeout time.Duration
}

func NewMux(pool *Pool, ranker *Ranker, tracker *Tracker, stats *Recorder, caps *Capabilities) *Mux {
	return &Mux{pool: pool, ranker: ranker, tracker: tracker, stats: stats, caps: caps,
		EoseTimeout: ShortTimeout}
}

// Handle controls one multiplexed subscription.
type Handle struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
	once   sync.Once

	mu      sync.Mutex
	seenOn  map[string][]string
	maxSeen map[string]int64
	states  map[string]RelayState
}

// SeenOn lists the relays an event id arrived from, in arrival order.
func (h *Handle) SeenOn(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seenOn[id]...)
}

// RelayStates snapshots the per-relay state machine.
func (h *Handle) RelayStates() map[string]RelayState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]RelayState, len(h.states))
	for name, state := range h.states {
		out[name] = state
	}
	return out
}

// Closed reports whether Close has completed.
func (h *Handle) Closed() bool {
	return h.state.Load() == handleClosed
}

// Close cancels every per-relay subscription and waits for them to wind
// down, including relays still opening. Safe to call repeatedly and
// concurrently.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.state.Store(handleClosing)
		h.cancel()
		h.wg.Wait()
		h.state.Store(handleClosed)
	})
}

// recordSeen registers relay attribution for an event and reports whether
// this is the first sighting (i.e. the event should be delivered).
func (h *Handle) recordSeen(event *nostr.Event, relayName string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	prior := h.seenOn[event.ID]
	h.seenOn[event.ID] = append(prior, relayName)
	if ts := int64(event.CreatedAt); ts > h.maxSeen[relayName] {
		h.maxSeen[relayName] = ts
	}
	return len(prior) == 0
}

func (h *Handle) setState(relayName string, state RelayState) {
	h.mu.Lock()
	h.states[relayName] = state
	h.mu.Unlock()
}

func (h *Handle) snapshotMaxSeen() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.maxSeen))
	for name, ts := range h.maxSeen {
		out[name] = ts
	}
	return out
}

// eoseCounter fires the global EOSE callback once every relay has been
// accounted for, whether by a real EOSE or by close/error.
type eoseCounter struct {
	remaining atomic.Int32
	once      sync.Once
	fire      func()
}

func (c *eoseCounter) markDone() {
	if c.remaining.Add(-1) == 0 {
		c.once.Do(c.fire)
	}
}

// SubscribeMany opens one logical subscription per relay and merges the
// streams. Unsupported relays are dropped up front; the rest are opened
// concurrently, fastest and most-backlogged first. The returned handle is
// live immediately; events flow until Close.
func (m *Mux) SubscribeMany(ctx context.Context, anchor string, relayFilters map[string][]nostr.Filter, intent Intent, cb Callbacks) *Handle {
	subCtx, cancel := context.WithCancel(ctx)
	handle := &Handle{
		cancel:  cancel,
		seenOn:  make(map[string][]string),
		maxSeen: make(map[string]int64),
		states:  make(map[string]RelayState),
	}

	names := make([]string, 0, len(relayFilters))
	for name := range relayFilters {
		names = append(names, name)
	}
	ranking := m.ranker.Rank(ctx, names, intent)
	marks := m.tracker.LatestFor(anchor)

	candidates := append(append([]string(nil), ranking.Fast...), ranking.Slow...)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ranking.Scores[a] != ranking.Scores[b] {
			return ranking.Scores[a] < ranking.Scores[b]
		}
		// older watermark first, to surface backlog sooner
		return marks[a] < marks[b]
	})
	if ranking.Unsupported > 0 {
		logging.Debugf("dropped %d unsupported relays for %s", ranking.Unsupported, anchor)
	}

	counter := &eoseCounter{fire: func() {
		m.tracker.RecordObserved(anchor, handle.snapshotMaxSeen())
		if cb.OnEoseGlobal != nil {
			cb.OnEoseGlobal()
		}
	}}
	counter.remaining.Store(int32(len(candidates)))

	now := lib.CurrentTime()
	for _, relayName := range candidates {
		filters := applySince(relayFilters[relayName], SinceFor(marks[relayName], now))
		handle.setState(relayName, RelayOpening)
		handle.wg.Add(1)
		go m.runRelay(subCtx, handle, counter, relayName, filters, intent.Kind, cb)
	}

	go func() {
		handle.wg.Wait()
		m.tracker.RecordObserved(anchor, handle.snapshotMaxSeen())
		if len(candidates) == 0 {
			counter.once.Do(counter.fire)
		}
		if cb.OnCloseGlobal != nil {
			cb.OnCloseGlobal()
		}
	}()

	return handle
}

// contentKinds are the kinds whose filters take an incremental `since`.
// Root-event lookups (by id) and aggregate recounts must see full history.
var contentKinds = map[int]bool{
	lib.KindComment:   true,
	lib.KindHighlight: true,
	lib.KindLongForm:  true,
}

func applySince(filters []nostr.Filter, since int64) []nostr.Filter {
	if since <= 0 {
		return filters
	}
	out := make([]nostr.Filter, len(filters))
	copy(out, filters)
	for i := range out {
		if len(out[i].IDs) > 0 {
			continue
		}
		eligible := false
		for _, kind := range out[i].Kinds {
			if contentKinds[kind] {
				eligible = true
				break
			}
		}
		if !eligible {
			continue
		}
		ts := nostr.Timestamp(since)
		out[i].Since = &ts
	}
	return out
}

func (m *Mux) runRelay(ctx context.Context, handle *Handle, counter *eoseCounter, relayName string, filters []nostr.Filter, kind int, cb Callbacks) {
	defer handle.wg.Done()
	defer handle.setState(relayName, RelayClosed)

	counted := false
	markEose := func() {
		if !counted {
			counted = true
			counter.markDone()
		}
	}
	defer markEose()

	bucket := GeneralBucket
	if kind != 0 {
		bucket = kind
	}
	start := time.Now()

	conn, err := m.pool.Get(ctx, relayName)
	if err != nil {
		m.classifyFailure(relayName, err.Error())
		m.stats.RecordFailure(relayName, GeneralBucket, false)
		return
	}

	sub, err := conn.Subscribe(ctx, filters)
	if err != nil {
		m.classifyFailure(relayName, err.Error())
		m.stats.RecordFailure(relayName, bucket, false)
		m.pool.Drop(relayName)
		return
	}
	defer sub.Unsub()
	handle.setState(relayName, RelayStreaming)

	received := 0
	eosed := false
	eoseTimer := time.NewTimer(m.EoseTimeout)
	defer eoseTimer.Stop()
	timeout := eoseTimer.C
	// nilled after first receipt; go-nostr closes this channel on EOSE
	eoseCh := sub.EndOfStoredEvents()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				if !eosed {
					m.stats.RecordFailure(relayName, bucket, false)
				}
				return
			}
			if event == nil {
				continue
			}
			received++
			if handle.recordSeen(event, relayName) && cb.OnEvent != nil {
				cb.OnEvent(event, relayName)
			}

		case <-eoseCh:
			eoseCh = nil
			eosed = true
			timeout = nil
			handle.setState(relayName, RelayEosed)
			elapsed := time.Since(start).Milliseconds()
			perEvent := elapsed / int64(max(1, received))
			m.stats.Record(relayName, bucket, perEvent, false)
			if cb.OnEoseRelay != nil {
				cb.OnEoseRelay(relayName)
			}
			markEose()

		case reason := <-sub.ClosedReason():
			m.classifyFailure(relayName, reason)
			if !eosed {
				m.stats.RecordFailure(relayName, bucket, false)
			}
			return

		case <-timeout:
			// no EOSE within the short window: penalize but keep the
			// stream open in case the relay is merely slow
			eosed = true
			timeout = nil
			m.stats.RecordFailure(relayName, bucket, false)
			markEose()

		case <-ctx.Done():
			return
		}
	}
}

// classifyFailure inspects a close reason or transport error and updates
// the capability cache. Auth challenges and write-only rejections change
// future ranking; anything else is only logged.
func (m *Mux) classifyFailure(relayName, reason string) {
	lower := strings.ToLower(reason)
	switch {
	case strings.HasPrefix(lower, "auth-required"), strings.Contains(lower, "auth-required:"):
		m.caps.MarkReadAuth(relayName)
	case strings.Contains(lower, "write-only"):
		m.caps.MarkWriteOnly(relayName)
	default:
		logging.Debugf("relay %s closed: %s", relayName, reason)
	}
}
