package relays

import (
	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/logging"
	"github.com/threadstr/threadstr/lib/stores"
)

// Tracker maintains per-(relay, anchor) high-water marks so incremental
// queries can skip events already seen from that relay.
type Tracker struct {
	store stores.Store
}

func NewTracker(store stores.Store) *Tracker {
	return &Tracker{store: store}
}

// LatestFor returns relay name to last-seen timestamp for an anchor. Relays
// with no watermark are simply absent.
func (t *Tracker) LatestFor(anchor string) map[string]int64 {
	marks, err := t.store.WatermarksForAnchor(anchor)
	if err != nil {
		logging.Warnf("failed to load watermarks for %s: %v", anchor, err)
		return map[string]int64{}
	}
	return marks
}

// SinceFor converts a relay's watermark into the `since` bound for its next
// query. A recent watermark (within the last hour) is rewound by that full
// hour to absorb clock skew and late cross-relay delivery; a stale one is
// rewound by a single second. Returns 0 when the relay has no watermark,
// meaning no bound.
func SinceFor(lastTimestamp, now int64) int64 {
	if lastTimestamp == 0 {
		return 0
	}
	if now-lastTimestamp <= lib.HourInSecs {
		return lastTimestamp - lib.HourInSecs
	}
	return lastTimestamp + 1
}

// RecordObserved merges the max observed timestamp per relay into the
// stored watermarks. A watermark only ever moves forward; stale updates
// from a slow relay pass are dropped. Anonymous subscriptions (empty
// anchor) are not tracked.
func (t *Tracker) RecordObserved(anchor string, maxPerRelay map[string]int64) {
	if anchor == "" || len(maxPerRelay) == 0 {
		return
	}
	stored := t.LatestFor(anchor)
	for relayName, observed := range maxPerRelay {
		if observed <= stored[relayName] {
			continue
		}
		err := t.store.SaveWatermark(lib.Watermark{
			RelayName:     relayName,
			Anchor:        anchor,
			LastTimestamp: observed,
		})
		if err != nil {
			logging.Warnf("failed to save watermark for %s: %v", relayName, err)
		}
	}
}
