package moderation

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/logging"
	"github.com/threadstr/threadstr/lib/stores"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultSpamAPIURL is the external spam-cluster source queried by
// RefreshFilters.
const DefaultSpamAPIURL = "https://spam.nostr.band/spam_api?method=get_current_spam"

const httpTimeout = 5600 * time.Millisecond

// Pipeline turns reports, mute lists and external spam clusters into a
// block decision set consulted on every incoming event.
type Pipeline struct {
	store  stores.Store
	client *http.Client
	apiURL string

	mu      sync.Mutex
	events  map[string]bool
	pubkeys map[string]bool
	used    map[string]bool // ids already marked used this session
}

// NewPipeline wires the pipeline to a store. A nil client gets the default
// short-timeout one; an empty apiURL gets DefaultSpamAPIURL.
func NewPipeline(store stores.Store, apiURL string, client *http.Client) *Pipeline {
	if apiURL == "" {
		apiURL = DefaultSpamAPIURL
	}
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &Pipeline{
		store:   store,
		client:  client,
		apiURL:  apiURL,
		events:  make(map[string]bool),
		pubkeys: make(map[string]bool),
		used:    make(map[string]bool),
	}
}

// LoadFilters loads both block tables into the in-memory decision set,
// purging unused entries older than a week. It returns the newest addedAt
// across both tables, the watermark RefreshFilters rate-limits against.
func (p *Pipeline) LoadFilters() (int64, error) {
	now := lib.CurrentTime()
	var lastUpdate int64

	for _, list := range []lib.BlockList{lib.BlockedEvents, lib.BlockedPubkeys} {
		blocks, err := p.store.AllBlocks(list)
		if err != nil {
			return 0, fmt.Errorf("failed to load %s blocks: %w", list, err)
		}
		var outdated []string
		for _, block := range blocks {
			if block.AddedAt > lastUpdate {
				lastUpdate = block.AddedAt
			}
			if !block.Used && now >= block.AddedAt+lib.WeekInSecs {
				outdated = append(outdated, block.ID)
				continue
			}
			p.addToSet(list, block.ID)
		}
		if len(outdated) > 0 {
			if err := p.store.DeleteBlocks(list, outdated); err != nil {
				logging.Warnf("failed to purge %d stale %s blocks: %v", len(outdated), list, err)
			}
		}
	}
	return lastUpdate, nil
}

// spamClusters is the shape of the external spam API response. Each view
// returns clusters keyed cluster_events or cluster_pubkeys, each holding
// the ids under the view's name.
type spamClusters struct {
	ClusterEvents []struct {
		Events []string `json:"events"`
	} `json:"cluster_events"`
	ClusterPubkeys []struct {
		Pubkeys []string `json:"pubkeys"`
	} `json:"cluster_pubkeys"`
}

// RefreshFilters pulls external spam clusters into the block tables, at
// most once per day per source. Each source carries its own last-update
// watermark, so a failing source does not starve the others.
func (p *Pipeline) RefreshFilters(ctx context.Context, lastUpdate int64) {
	now := lib.CurrentTime()
	if now < lastUpdate+lib.DayInSecs {
		hours := float64(lastUpdate+lib.DayInSecs-now) / float64(lib.HourInSecs)
		logging.Debugf("spam filters will be updated in %.1f hours", hours)
		return
	}

	for list, view := range map[lib.BlockList]string{
		lib.BlockedEvents:  "events",
		lib.BlockedPubkeys: "pubkeys",
	} {
		sourceName := "spam.nostr.band/" + view
		source, err := p.store.GetModerationSource(sourceName)
		if err != nil {
			logging.Warnf("failed to load moderation source %s: %v", sourceName, err)
			continue
		}
		if source != nil && now < source.LastUpdate+lib.DayInSecs {
			continue
		}

		if err := p.refreshSource(ctx, list, view, now); err != nil {
			logging.Warnf("failed to refresh %s: %v", sourceName, err)
			continue
		}
		err = p.store.SaveModerationSource(lib.ModerationSource{Name: sourceName, LastUpdate: now})
		if err != nil {
			logging.Warnf("failed to save moderation source %s: %v", sourceName, err)
		}
	}
}

func (p *Pipeline) refreshSource(ctx context.Context, list lib.BlockList, view string, now int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"&view="+view, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var clusters spamClusters
	if err := json.NewDecoder(resp.Body).Decode(&clusters); err != nil {
		return fmt.Errorf("malformed spam cluster response: %w", err)
	}

	var ids []string
	for _, cluster := range clusters.ClusterEvents {
		ids = append(ids, cluster.Events...)
	}
	for _, cluster := range clusters.ClusterPubkeys {
		ids = append(ids, cluster.Pubkeys...)
	}

	added := 0
	reason := fmt.Sprintf("block-listed %s by spam.nostr.band", view[:len(view)-1])
	for _, id := range ids {
		if p.inSet(list, id) {
			continue
		}
		p.addToSet(list, id)
		err := p.store.SaveBlock(list, lib.Block{ID: id, AddedAt: now, Reason: reason})
		if err != nil {
			return err
		}
		added++
	}
	logging.Infof("spam filter %s added %d entries", view, added)
	return nil
}

// ApplyBlock records a block and enforces its consequences. Blocks are
// idempotent once used. Blocking an event whose author is already
// pubkey-blocked defers to the pubkey block instead of adding a redundant
// event record; blocking a pubkey purges everything stored by that author.
func (p *Pipeline) ApplyBlock(list lib.BlockList, id string, reason string) error {
	if list == lib.BlockedEvents {
		if converted, err := p.deferToPubkeyBlock(id, reason); err != nil {
			return err
		} else if converted {
			return nil
		}
	}

	block, err := p.store.GetBlock(list, id)
	if err != nil {
		return err
	}
	if block != nil && block.Used {
		return nil
	}
	if block == nil {
		block = &lib.Block{ID: id, AddedAt: lib.CurrentTime()}
	}
	block.Used = true
	if block.Reason == "" {
		block.Reason = reason
	}
	if err := p.store.SaveBlock(list, *block); err != nil {
		return err
	}
	p.addToSet(list, id)

	if list == lib.BlockedPubkeys {
		return p.purgeAuthor(id)
	}
	return nil
}

// deferToPubkeyBlock checks whether the event's author is already blocked;
// if so, the author block is marked used and the author's content purged.
func (p *Pipeline) deferToPubkeyBlock(eventID, reason string) (bool, error) {
	note, err := p.store.GetNote(eventID)
	if err != nil || note == nil {
		return false, err
	}
	authorBlock, err := p.store.GetBlock(lib.BlockedPubkeys, note.PubKey)
	if err != nil || authorBlock == nil {
		return false, err
	}
	return true, p.ApplyBlock(lib.BlockedPubkeys, note.PubKey, reason)
}

func (p *Pipeline) purgeAuthor(pubkey string) error {
	notes, err := p.store.DeleteNotesByAuthor(pubkey)
	if err != nil {
		return err
	}
	reactions, err := p.store.DeleteReactionsByAuthor(pubkey)
	if err != nil {
		return err
	}
	if notes+reactions > 0 {
		logging.Infof("purged %d notes and %d reactions by blocked author %s", notes, reactions, pubkey)
	}
	return nil
}

// Blocked is the admission check consulted for every incoming event. A hit
// marks the matching record used so it survives the weekly purge.
func (p *Pipeline) Blocked(eventID, pubkey string) bool {
	p.mu.Lock()
	eventHit := p.events[eventID]
	pubkeyHit := p.pubkeys[pubkey]
	p.mu.Unlock()

	if pubkeyHit {
		p.markUsed(lib.BlockedPubkeys, pubkey)
		return true
	}
	if eventHit {
		p.markUsed(lib.BlockedEvents, eventID)
		return true
	}
	return false
}

func (p *Pipeline) markUsed(list lib.BlockList, id string) {
	p.mu.Lock()
	already := p.used[id]
	p.used[id] = true
	p.mu.Unlock()
	if already {
		return
	}
	if err := p.ApplyBlock(list, id, ""); err != nil {
		logging.Warnf("failed to mark block %s used: %v", id, err)
	}
}

// Consume ingests a moderation-bearing protocol event. Community
// definitions are always recorded; reports and mute lists change the block
// set only when the caller established the author's moderator standing.
func (p *Pipeline) Consume(event *nostr.Event, trusted bool) error {
	switch event.Kind {
	case lib.KindCommunityDefinition:
		return p.consumeCommunity(event)
	case lib.KindReport:
		if !trusted {
			return nil
		}
		return p.consumeReport(event)
	case lib.KindMuteList:
		if !trusted {
			return nil
		}
		return p.consumeMuteList(event)
	}
	return nil
}

func (p *Pipeline) consumeCommunity(event *nostr.Event) error {
	identifier := ""
	var moderators []string
	for _, tag := range event.Tags {
		switch {
		case len(tag) >= 2 && tag[0] == "d":
			identifier = tag[1]
		case len(tag) >= 4 && tag[0] == "p" && tag[3] == "moderator":
			moderators = append(moderators, tag[1])
		}
	}
	if identifier == "" {
		return fmt.Errorf("community definition without identifier")
	}
	return p.store.SaveCommunity(lib.Community{
		Address:     fmt.Sprintf("%d:%s:%s", lib.KindCommunityDefinition, event.PubKey, identifier),
		Moderators:  moderators,
		LastChecked: lib.CurrentTime(),
	})
}

func (p *Pipeline) consumeReport(event *nostr.Event) error {
	reason := "reported by moderator"
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			// an event report targets the event, not its author
			return p.ApplyBlock(lib.BlockedEvents, tag[1], reason)
		}
	}
	// no event target: the report is about the pubkey itself
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			return p.ApplyBlock(lib.BlockedPubkeys, tag[1], reason)
		}
	}
	return nil
}

func (p *Pipeline) consumeMuteList(event *nostr.Event) error {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			if err := p.ApplyBlock(lib.BlockedPubkeys, tag[1], "muted by moderator"); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsModerator reports whether a pubkey moderates the given community.
func (p *Pipeline) IsModerator(address, pubkey string) bool {
	community, err := p.store.GetCommunity(address)
	if err != nil || community == nil {
		return false
	}
	for _, moderator := range community.Moderators {
		if moderator == pubkey {
			return true
		}
	}
	return false
}

func (p *Pipeline) addToSet(list lib.BlockList, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if list == lib.BlockedEvents {
		p.events[id] = true
	} else {
		p.pubkeys[id] = true
	}
}

func (p *Pipeline) inSet(list lib.BlockList, id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if list == lib.BlockedEvents {
		return p.events[id]
	}
	return p.pubkeys[id]
}
