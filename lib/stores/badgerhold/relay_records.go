package badgerhold

import (
	"fmt"

	"github.com/timshannon/badgerhold/v4"

	"github.com/threadstr/threadstr/lib"
)

// ──────── relay info ────────

// GetRelayInfo returns the cached NIP-11 record for a relay, or nil when the
// relay has never been probed.
func (store *BadgerholdStore) GetRelayInfo(relayName string) (*lib.RelayInfo, error) {
	var info lib.RelayInfo
	err := store.Database.Get(prefixRelayInfo+relayName, &info)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// SaveRelayInfo upserts the cached NIP-11 record for a relay.
func (store *BadgerholdStore) SaveRelayInfo(info lib.RelayInfo) error {
	if err := store.Database.Upsert(prefixRelayInfo+info.Name, info); err != nil {
		return fmt.Errorf("failed to save relay info for %s: %w", info.Name, err)
	}
	return nil
}

// AllRelayInfos returns every cached relay info record.
func (store *BadgerholdStore) AllRelayInfos() ([]lib.RelayInfo, error) {
	var results []lib.RelayInfo
	err := store.Database.Find(&results, nil)
	if err != nil && !notFound(err) {
		return nil, fmt.Errorf("failed to query relay infos: %w", err)
	}
	return results, nil
}

// ──────── latency stats ────────

// RelayStats returns every recorded latency sample for a relay, across all
// kind buckets. Ring arithmetic lives in the relays package; storage only
// keys each slot.
func (store *BadgerholdStore) RelayStats(relayName string) ([]lib.RelayStat, error) {
	var results []lib.RelayStat
	err := store.Database.Find(&results,
		badgerhold.Where("RelayName").Eq(relayName).Index("RelayName"))
	if err != nil && !notFound(err) {
		return nil, fmt.Errorf("failed to query relay stats for %s: %w", relayName, err)
	}
	return results, nil
}

// SaveRelayStat upserts one ring slot, overwriting whatever sample the
// (relay, bucket, serial) slot held before.
func (store *BadgerholdStore) SaveRelayStat(stat lib.RelayStat) error {
	key := fmt.Sprintf("%s%s:%d:%d", prefixRelayStat, stat.RelayName, stat.KindBucket, stat.Serial)
	if err := store.Database.Upsert(key, stat); err != nil {
		return fmt.Errorf("failed to save relay stat for %s: %w", stat.RelayName, err)
	}
	return nil
}

// ──────── sync watermarks ────────

// WatermarksForAnchor returns relay name to last-seen timestamp for an anchor.
func (store *BadgerholdStore) WatermarksForAnchor(anchor string) (map[string]int64, error) {
	var results []lib.Watermark
	err := store.Database.Find(&results,
		badgerhold.Where("Anchor").Eq(anchor).Index("Anchor"))
	if err != nil && !notFound(err) {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	marks := make(map[string]int64, len(results))
	for _, mark := range results {
		marks[mark.RelayName] = mark.LastTimestamp
	}
	return marks, nil
}

// SaveWatermark upserts the watermark for one (relay, anchor) pair.
func (store *BadgerholdStore) SaveWatermark(mark lib.Watermark) error {
	key := fmt.Sprintf("%s%s:%s", prefixWatermark, mark.RelayName, mark.Anchor)
	if err := store.Database.Upsert(key, mark); err != nil {
		return fmt.Errorf("failed to save watermark for %s: %w", mark.RelayName, err)
	}
	return nil
}
