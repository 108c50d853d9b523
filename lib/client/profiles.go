package client

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/logging"
	"github.com/threadstr/threadstr/lib/relays"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// profileMetadata is the kind-0 content payload. Field names vary across
// clients, so both spellings of each are read.
type profileMetadata struct {
	Name         string `json:"name"`
	DisplayName  string `json:"displayName"`
	DisplayName2 string `json:"display_name"`
	Picture      string `json:"picture"`
	Image        string `json:"image"`
}

// UpdateProfiles refreshes kind-0 metadata for the given authors. Profiles
// checked within the last six hours are skipped; the rest are fetched in
// one subscription bounded by the oldest check time, so an author checked
// an hour ago only pulls metadata newer than that.
func (c *Client) UpdateProfiles(ctx context.Context, pubkeys []string) error {
	now := lib.CurrentTime()
	var stale []string
	var since int64 = -1
	for _, pubkey := range pubkeys {
		profile, err := c.store.GetProfile(pubkey)
		if err != nil {
			return err
		}
		if profile != nil && now-profile.LastChecked < lib.SixHoursInSecs {
			continue
		}
		stale = append(stale, pubkey)
		var checked int64
		if profile != nil {
			checked = profile.LastChecked
		}
		if since == -1 || checked < since {
			since = checked
		}
	}
	if len(stale) == 0 {
		return nil
	}

	filter := nostr.Filter{Kinds: []int{lib.KindProfileMetadata}, Authors: stale}
	if since > 0 {
		ts := nostr.Timestamp(since + 1)
		filter.Since = &ts
	}

	relayNames := append(c.ReadRelays(), c.cfg.Relays.Profile...)
	relayNames = normalizeRelaySet(relayNames, c.cfg.Relays.MaxRelays)

	events := c.querySync(ctx, relayNames, filter, relays.Intent{Kind: lib.KindProfileMetadata})
	logging.Debugf("profile refresh: %d stale authors, %d metadata events", len(stale), len(events))

	for _, event := range events {
		if err := c.ingestProfile(event, now); err != nil {
			logging.Warnf("failed to save profile %s: %v", event.PubKey, err)
		}
	}

	// authors with no metadata anywhere still get their check time stamped
	// so they are not re-queried for another six hours
	for _, pubkey := range stale {
		profile, err := c.store.GetProfile(pubkey)
		if err != nil {
			return err
		}
		if profile == nil {
			profile = &lib.Profile{PubKey: pubkey}
		}
		profile.LastChecked = now
		if err := c.store.SaveProfile(*profile); err != nil {
			return err
		}
	}
	return nil
}

// ingestProfile merges one kind-0 event into the cache. An older event
// only fills fields the cached profile is missing; a newer one replaces
// them.
func (c *Client) ingestProfile(event *nostr.Event, now int64) error {
	var meta profileMetadata
	if err := json.Unmarshal([]byte(event.Content), &meta); err != nil {
		logging.Debugf("unparseable metadata from %s: %v", event.PubKey, err)
		return nil
	}
	name := meta.DisplayName
	if name == "" {
		name = meta.DisplayName2
	}
	if name == "" {
		name = meta.Name
	}
	picture := meta.Image
	if picture == "" {
		picture = meta.Picture
	}

	existing, err := c.store.GetProfile(event.PubKey)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = &lib.Profile{PubKey: event.PubKey}
	}

	newer := int64(event.CreatedAt) > existing.CreatedAt
	if newer {
		existing.Name = name
		existing.Picture = picture
		existing.CreatedAt = int64(event.CreatedAt)
	} else {
		if existing.Name == "" {
			existing.Name = name
		}
		if existing.Picture == "" {
			existing.Picture = picture
		}
	}
	existing.LastChecked = now
	return c.store.SaveProfile(*existing)
}
