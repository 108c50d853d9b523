package relays

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/threadstr/threadstr/lib/logging"
)

// PublishResult counts the awaited (fast-partition) outcomes of a fanout.
// Slow relays are still attempted and recorded in stats, but the caller is
// not blocked on them.
type PublishResult struct {
	OK       int
	Failures int
}

// Publisher fans a signed event out to write-eligible relays.
type Publisher struct {
	pool   *Pool
	ranker *Ranker
	stats  *Recorder

	// AckTimeout bounds each relay's acceptance wait. Set before use.
	AckTimeout time.Duration
}

func NewPublisher(pool *Pool, ranker *Ranker, stats *Recorder) *Publisher {
	return &Publisher{pool: pool, ranker: ranker, stats: stats, AckTimeout: DefaultTimeout}
}

// Publish sends the event to every write-eligible relay: concurrently to
// the fast partition, which is awaited, and fire-and-forget to the slow
// partition. Every attempt is timed into the stats ring either way. The
// result reflects only the awaited partition.
func (p *Publisher) Publish(ctx context.Context, event *nostr.Event, relayNames []string, intent Intent) PublishResult {
	intent.Write = true
	intent.Event = event
	ranking := p.ranker.Rank(ctx, relayNames, intent)

	logging.Infof("publishing %s to %d fast, %d slow relays (%d unsupported, %d offline)",
		event.ID, len(ranking.Fast), len(ranking.Slow), ranking.Unsupported, ranking.Offline)

	var result PublishResult
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, relayName := range ranking.Fast {
		wg.Add(1)
		go func(relayName string) {
			defer wg.Done()
			ok := p.publishOne(ctx, relayName, event, intent.Kind)
			mu.Lock()
			if ok {
				result.OK++
			} else {
				result.Failures++
			}
			mu.Unlock()
		}(relayName)
	}

	for _, relayName := range ranking.Slow {
		go func(relayName string) {
			p.publishOne(context.WithoutCancel(ctx), relayName, event, intent.Kind)
		}(relayName)
	}

	wg.Wait()
	return result
}

// publishOne attempts a single relay publish under the default timeout and
// records its latency, or a failure mark, into the stats ring.
func (p *Publisher) publishOne(ctx context.Context, relayName string, event *nostr.Event, kind int) bool {
	bucket := GeneralBucket
	if kind != 0 {
		bucket = kind
	}

	start := time.Now()
	conn, err := p.pool.Get(ctx, relayName)
	if err != nil {
		p.stats.RecordFailure(relayName, GeneralBucket, false)
		return false
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.AckTimeout)
	defer cancel()
	if err := conn.Publish(pubCtx, *event); err != nil {
		logging.Debugf("publish to %s rejected: %v", relayName, err)
		p.stats.RecordFailure(relayName, bucket, false)
		return false
	}
	p.stats.Record(relayName, bucket, time.Since(start).Milliseconds(), false)
	return true
}
