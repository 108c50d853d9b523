package relays

import (
	"sort"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/logging"
	"github.com/threadstr/threadstr/lib/stores"
)

// GeneralBucket collects samples not tied to an event kind, such as raw
// connect latencies. Kind buckets use the kind number itself.
const GeneralBucket = -1

// Recorder keeps a ring of the last few latency samples per (relay, kind
// bucket) and answers median queries for the ranker.
type Recorder struct {
	store stores.Store
}

func NewRecorder(store stores.Store) *Recorder {
	return &Recorder{store: store}
}

// Record stores one latency sample, overwriting the oldest ring slot. With
// overwrite set, it reuses the newest slot instead, so an immediate failure
// mark does not push older samples out of the ring.
func (r *Recorder) Record(relayName string, bucket int, latencyMS int64, overwrite bool) {
	stats, err := r.store.RelayStats(relayName)
	if err != nil {
		logging.Warnf("failed to load relay stats for %s: %v", relayName, err)
		return
	}

	slots := bucketSlots(stats, bucket)
	serial := 0
	if len(slots) > 0 {
		// newest slot by observation time, tie-broken by serial since
		// timestamps only have second resolution
		newest := slots[0]
		for _, slot := range slots[1:] {
			if slot.ObservedAt > newest.ObservedAt ||
				(slot.ObservedAt == newest.ObservedAt && slot.Serial > newest.Serial) {
				newest = slot
			}
		}
		if overwrite {
			serial = newest.Serial
		} else {
			serial = (newest.Serial + 1) % lib.RelayStatRingSize
		}
	}

	err = r.store.SaveRelayStat(lib.RelayStat{
		RelayName:  relayName,
		KindBucket: bucket,
		Serial:     serial,
		LatencyMS:  latencyMS,
		ObservedAt: lib.CurrentTime(),
	})
	if err != nil {
		logging.Warnf("failed to save relay stat for %s: %v", relayName, err)
	}
}

// RecordFailure marks a failed connect or query.
func (r *Recorder) RecordFailure(relayName string, bucket int, overwrite bool) {
	r.Record(relayName, bucket, lib.FailedLatency, overwrite)
}

// Median returns the median latency for a relay, preferring samples of the
// exact kind bucket and falling back to the general bucket. Zero means no
// samples at all.
func (r *Recorder) Median(relayName string, bucket int) int64 {
	stats, err := r.store.RelayStats(relayName)
	if err != nil {
		logging.Warnf("failed to load relay stats for %s: %v", relayName, err)
		return 0
	}

	slots := bucketSlots(stats, bucket)
	if len(slots) == 0 && bucket != GeneralBucket {
		slots = bucketSlots(stats, GeneralBucket)
	}
	latencies := make([]int64, 0, len(slots))
	for _, slot := range slots {
		latencies = append(latencies, slot.LatencyMS)
	}
	return medianOrZero(latencies)
}

// LastFailureAt returns the unix time of the relay's most recent failure
// sample, or zero when none is recorded. Drives the offline cool-down.
func (r *Recorder) LastFailureAt(relayName string) int64 {
	stats, err := r.store.RelayStats(relayName)
	if err != nil {
		return 0
	}
	var latest int64
	for _, stat := range stats {
		if stat.Failed() && stat.ObservedAt > latest {
			latest = stat.ObservedAt
		}
	}
	return latest
}

func bucketSlots(stats []lib.RelayStat, bucket int) []lib.RelayStat {
	var slots []lib.RelayStat
	for _, stat := range stats {
		if stat.KindBucket == bucket {
			slots = append(slots, stat)
		}
	}
	return slots
}

func medianOrZero(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}
