package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/logging"
	"github.com/threadstr/threadstr/lib/relays"
)

// RefreshCommunityModeration pulls a community's definition and, from its
// moderators, any reports and mute lists, folding them into the local
// block set. Address is the 34550:pubkey:identifier coordinate. A
// community checked within the last day is skipped.
func (c *Client) RefreshCommunityModeration(ctx context.Context, address string) error {
	parts := strings.SplitN(address, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed community address %q", address)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind != lib.KindCommunityDefinition {
		return fmt.Errorf("not a community address: %q", address)
	}

	community, err := c.store.GetCommunity(address)
	if err != nil {
		return err
	}
	now := lib.CurrentTime()
	if community != nil && now-community.LastChecked < lib.DayInSecs {
		return nil
	}

	readRelays := c.ReadRelays()
	definitions := c.querySync(ctx, readRelays, nostr.Filter{
		Authors: []string{parts[1]},
		Kinds:   []int{lib.KindCommunityDefinition},
		Tags:    nostr.TagMap{"d": {parts[2]}},
	}, relays.Intent{Kind: lib.KindCommunityDefinition})
	for _, event := range definitions {
		if err := c.moderation.Consume(event, true); err != nil {
			logging.Warnf("bad community definition %s: %v", event.ID, err)
		}
	}

	community, err = c.store.GetCommunity(address)
	if err != nil {
		return err
	}
	if community == nil {
		return nil
	}

	authors := community.Moderators
	if !c.moderation.IsModerator(address, parts[1]) {
		authors = append(authors, parts[1])
	}
	actions := c.querySync(ctx, readRelays, nostr.Filter{
		Authors: authors,
		Kinds:   []int{lib.KindReport, lib.KindMuteList},
	}, relays.Intent{Kind: lib.KindReport})

	applied := 0
	for _, event := range actions {
		trusted := event.PubKey == parts[1] || c.moderation.IsModerator(address, event.PubKey)
		if err := c.moderation.Consume(event, trusted); err != nil {
			return err
		}
		if trusted {
			applied++
		}
	}
	logging.Infof("community %s: applied %d moderation events", address, applied)
	return nil
}
