package relays

import (
	"context"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/threadstr/threadstr/lib"
)

// OfflineCoolDown is how long after its latest failure a dead relay stays
// excluded before it becomes eligible for retry (as slow).
const OfflineCoolDown = int64(30) // seconds

// Intent describes what the caller wants from the ranked relays.
type Intent struct {
	Kind      int          // event kind of the query or publish, 0 if none
	Write     bool         // publish rather than subscribe
	Event     *nostr.Event // the event being published, for write checks
	MaxPow    int          // highest proof-of-work floor the caller can mine
	AllowPaid bool
	Languages []string
}

// Ranking partitions a candidate relay set by observed quality. Fast is
// ordered by ascending median latency; Slow relays have no usable samples
// or are cooling down from failures; Unsupported relays failed eligibility
// and must not be used at all.
type Ranking struct {
	Fast        []string
	Slow        []string
	Offline     int
	Unsupported int
	Scores      map[string]int64
}

// Ranker classifies relays for reads and writes using the capability cache
// and the latency recorder.
type Ranker struct {
	stats *Recorder
	caps  *Capabilities
}

func NewRanker(stats *Recorder, caps *Capabilities) *Ranker {
	return &Ranker{stats: stats, caps: caps}
}

// Rank partitions the candidate relays for the given intent. If no relay
// lands in Fast, every Slow relay is promoted so the caller never ends up
// with an empty set while usable relays remain.
func (r *Ranker) Rank(ctx context.Context, relayNames []string, intent Intent) Ranking {
	ranking := Ranking{Scores: make(map[string]int64)}
	now := lib.CurrentTime()

	bucket := GeneralBucket
	if intent.Kind != 0 {
		bucket = intent.Kind
	}

	for _, name := range relayNames {
		name = nostr.NormalizeURL(name)
		info := r.caps.Info(ctx, name)

		eligible := ReadEligible(info, intent.Languages)
		if intent.Write {
			eligible = WriteEligible(info, WriteIntent{
				Event:     intent.Event,
				MaxPow:    intent.MaxPow,
				AllowPaid: intent.AllowPaid,
			})
		}
		if !eligible {
			ranking.Unsupported++
			continue
		}

		median := r.stats.Median(name, bucket)
		ranking.Scores[name] = median
		switch {
		case median == lib.FailedLatency:
			if now-r.stats.LastFailureAt(name) <= OfflineCoolDown {
				ranking.Offline++
			} else {
				ranking.Slow = append(ranking.Slow, name)
			}
		case median == 0:
			// never sampled
			ranking.Slow = append(ranking.Slow, name)
		default:
			ranking.Fast = append(ranking.Fast, name)
		}
	}

	sort.Slice(ranking.Fast, func(i, j int) bool {
		a, b := ranking.Fast[i], ranking.Fast[j]
		if ranking.Scores[a] != ranking.Scores[b] {
			return ranking.Scores[a] < ranking.Scores[b]
		}
		return a < b
	})
	sort.Strings(ranking.Slow)

	if len(ranking.Fast) == 0 {
		ranking.Fast = ranking.Slow
		ranking.Slow = nil
	}
	return ranking
}
