package client

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/logging"
	"github.com/threadstr/threadstr/lib/relays"
	"github.com/threadstr/threadstr/lib/signing"
	"github.com/threadstr/threadstr/lib/stores"
)

// webRootMarker is the arrow a genuine kind-1 root for a web page carries
// in its content, distinguishing it from a random comment that mentions
// the same URL.
const webRootMarker = "↴"

// Thread is one loaded discussion: the anchor, its discovered root events
// and the live subscription feeding the local cache.
type Thread struct {
	ID           string
	Anchor       lib.Anchor
	RootIDs      []string
	AnchorAuthor string

	client *Client
	handle *relays.Handle
}

// Close stops the thread's live subscription.
func (t *Thread) Close() {
	if t.handle != nil {
		t.handle.Close()
	}
}

// Comments returns the thread's notes from the local cache, newest first.
func (t *Thread) Comments() ([]lib.NoteEvent, error) {
	notes, err := t.client.store.FindNotes(t.noteQuery())
	if err != nil {
		return nil, err
	}
	lib.SortNotesByDate(notes)
	return notes, nil
}

// CountComments is the number of locally cached notes under this thread.
func (t *Thread) CountComments() (int, error) {
	notes, err := t.client.store.FindNotes(t.noteQuery())
	return len(notes), err
}

// Watch registers a live query for the thread's notes.
func (t *Thread) Watch(fn func([]lib.NoteEvent)) stores.CancelFunc {
	return t.client.store.WatchNotes(t.noteQuery(), fn)
}

func (t *Thread) noteQuery() stores.NoteQuery {
	if t.Anchor.Type == lib.AnchorNaddr {
		return stores.NoteQuery{
			Index:  stores.NotesByAddress,
			Keys:   []interface{}{t.Anchor.Value},
			Anchor: t.Anchor.Value,
		}
	}
	keys := make([]interface{}, 0, len(t.RootIDs))
	for _, id := range t.RootIDs {
		keys = append(keys, id)
	}
	return stores.NoteQuery{Index: stores.NotesByRoot, Keys: keys, Anchor: t.Anchor.Value}
}

// Load attaches to an anchor: it discovers the thread's root events,
// opens the multiplexed subscription for comments, highlights, reactions
// and zap receipts, and starts feeding the local cache. The returned
// Thread stays live until closed.
func (c *Client) Load(ctx context.Context, rawAnchor string) (*Thread, error) {
	anchor, err := lib.ParseAnchor(rawAnchor, c.cfg.Relays.LegacyAnchors)
	if err != nil {
		return nil, err
	}

	thread := &Thread{ID: uuid.NewString(), Anchor: anchor, client: c}
	readRelays := c.ReadRelays()
	logging.Infof("loading thread %s for %s on %d relays", thread.ID, anchor.Value, len(readRelays))

	if err := c.discoverRoots(ctx, thread, readRelays); err != nil {
		return nil, err
	}

	filter, ok := thread.commentFilter()
	if !ok {
		// no root event exists anywhere yet; the thread starts empty and
		// publishing the first comment creates the root
		logging.Infof("no root events for %s", anchor.Value)
		c.kickModeration(ctx)
		return thread, nil
	}

	filter.Kinds = []int{lib.KindComment, lib.KindHighlight, lib.KindReaction, lib.KindZapReceipt}
	relayFilters := make(map[string][]nostr.Filter, len(readRelays))
	for _, relayName := range readRelays {
		relayFilters[relayName] = []nostr.Filter{filter}
	}

	session := &loadSession{client: c, thread: thread}
	thread.handle = c.mux.SubscribeMany(ctx, anchor.Value, relayFilters,
		relays.Intent{Kind: lib.KindComment, Languages: c.cfg.Content.Languages},
		relays.Callbacks{
			OnEvent:      session.onEvent,
			OnEoseGlobal: func() { session.onEose(ctx) },
		})

	c.kickModeration(ctx)
	return thread, nil
}

// discoverRoots fills the thread's root ids and anchor author, looking in
// the local cache first and falling back to a synchronous remote query.
// Root queries never carry a since bound.
func (c *Client) discoverRoots(ctx context.Context, thread *Thread, readRelays []string) error {
	anchor := thread.Anchor
	var local []lib.NoteEvent
	var remoteFilter nostr.Filter

	switch anchor.Type {
	case lib.AnchorHTTP:
		found, err := c.store.FindNotes(stores.NoteQuery{
			Index: stores.NotesByURL,
			Keys:  []interface{}{anchor.Value},
		})
		if err != nil {
			return err
		}
		local = found
		urls := []string{anchor.Value}
		if !c.cfg.Relays.LegacyAnchors {
			urls = append(urls, anchor.Value+"/")
		}
		remoteFilter = nostr.Filter{
			Kinds: []int{lib.KindComment, lib.KindWebAnchor},
			Tags:  nostr.TagMap{"r": urls},
		}

	case lib.AnchorNote:
		note, err := c.store.GetNote(anchor.Value)
		if err != nil {
			return err
		}
		if note != nil {
			thread.RootIDs = []string{note.ID}
			thread.AnchorAuthor = note.PubKey
			return nil
		}
		remoteFilter = nostr.Filter{IDs: []string{anchor.Value}}

	case lib.AnchorNaddr:
		parts := strings.SplitN(anchor.Value, ":", 3)
		kind, err := strconv.Atoi(parts[0])
		if err != nil {
			return err
		}
		found, err := c.store.FindNotes(stores.NoteQuery{
			Index: stores.NotesByIdentifier,
			Keys:  []interface{}{parts[2]},
		})
		if err != nil {
			return err
		}
		for _, note := range found {
			if note.PubKey == parts[1] {
				local = append(local, note)
			}
		}
		remoteFilter = nostr.Filter{
			Authors: []string{parts[1]},
			Kinds:   []int{kind},
			Tags:    nostr.TagMap{"d": {parts[2]}},
		}
	}

	for _, note := range local {
		thread.RootIDs = append(thread.RootIDs, note.ID)
	}
	if len(local) > 0 {
		thread.AnchorAuthor = local[0].PubKey
		return nil
	}

	remote := c.querySync(ctx, readRelays, remoteFilter, relays.Intent{Kind: lib.KindComment})
	for _, event := range remote {
		if !c.genuineRoot(anchor, event) {
			continue
		}
		note := lib.EventToNote(event)
		if err := c.store.SaveNote(note); err != nil {
			return err
		}
		thread.RootIDs = append(thread.RootIDs, event.ID)
		if thread.AnchorAuthor == "" {
			thread.AnchorAuthor = event.PubKey
		}
	}
	return nil
}

// genuineRoot guards http anchors against random comments that merely
// mention the URL: only legacy web-anchor events and comments carrying the
// marker count as roots.
func (c *Client) genuineRoot(anchor lib.Anchor, event *nostr.Event) bool {
	if anchor.Type != lib.AnchorHTTP {
		return true
	}
	if event.Kind == lib.KindWebAnchor {
		return true
	}
	return event.Kind == lib.KindComment && strings.Contains(event.Content, webRootMarker)
}

func (t *Thread) commentFilter() (nostr.Filter, bool) {
	if t.Anchor.Type == lib.AnchorNaddr {
		return nostr.Filter{Tags: nostr.TagMap{"a": {t.Anchor.Value}}}, true
	}
	if len(t.RootIDs) == 0 {
		return nostr.Filter{}, false
	}
	return nostr.Filter{Tags: nostr.TagMap{"e": t.RootIDs}}, true
}

// querySync runs a one-shot query across the read relays: it subscribes,
// collects events until the global EOSE and closes.
func (c *Client) querySync(ctx context.Context, relayNames []string, filter nostr.Filter, intent relays.Intent) []*nostr.Event {
	relayFilters := make(map[string][]nostr.Filter, len(relayNames))
	for _, relayName := range relayNames {
		relayFilters[relayName] = []nostr.Filter{filter}
	}

	var mu sync.Mutex
	var events []*nostr.Event
	done := make(chan struct{})
	handle := c.mux.SubscribeMany(ctx, "", relayFilters, intent, relays.Callbacks{
		OnEvent: func(event *nostr.Event, relayName string) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		},
		OnEoseGlobal: func() { close(done) },
	})
	defer handle.Close()

	select {
	case <-done:
	case <-ctx.Done():
	}
	mu.Lock()
	defer mu.Unlock()
	return events
}

// loadSession accumulates per-subscription aggregate input between the
// subscribe call and the global EOSE.
type loadSession struct {
	client *Client
	thread *Thread

	mu       sync.Mutex
	eosed    bool
	likeIDs  []string
	zaps     map[string]string // zap receipt id -> bolt11 invoice
	profiles map[string]bool   // authors seen, for the metadata backfill
}

// onEvent validates and persists one incoming event. Rejections are
// silent: a policy miss is not an error, the event just never lands in
// the cache.
func (s *loadSession) onEvent(event *nostr.Event, relayName string) {
	c := s.client

	if c.cfg.Pow.MinRead > 0 && !powOK(event, c.cfg.Pow.MinRead) {
		return
	}
	if c.moderation.Blocked(event.ID, event.PubKey) {
		return
	}
	content := event.Content
	rank := 0
	if c.onReceive != nil {
		npub, _ := nip19.EncodePublicKey(event.PubKey)
		decision := c.onReceive(event.ID, npub, event.Kind, event.Content)
		if !decision.Accept {
			return
		}
		if decision.Content != "" {
			content = decision.Content
		}
		rank = decision.Rank
	}

	switch event.Kind {
	case lib.KindComment, lib.KindHighlight, lib.KindLongForm:
		if strings.TrimSpace(content) == "" {
			return
		}
		note := lib.EventToNote(event)
		note.Content = content
		note.Rank = rank
		if err := c.store.SaveNote(note); err != nil {
			logging.Warnf("failed to save note %s: %v", event.ID, err)
			return
		}
		s.mu.Lock()
		eosed := s.eosed
		if s.profiles == nil {
			s.profiles = make(map[string]bool)
		}
		s.profiles[event.PubKey] = true
		s.mu.Unlock()
		if eosed {
			s.backfillProfiles(context.WithoutCancel(context.Background()))
		}

	case lib.KindReaction:
		if c.cfg.FeatureDisabled("likes") {
			return
		}
		reaction := lib.EventToReaction(event, s.thread.Anchor.Value)
		if reaction.Vote() == lib.VoteNeutral {
			return
		}
		if err := c.store.SaveReaction(reaction); err != nil {
			logging.Warnf("failed to save reaction %s: %v", event.ID, err)
		}
		if reaction.Vote() != lib.VoteUp {
			return
		}
		s.mu.Lock()
		eosed := s.eosed
		if !eosed {
			s.likeIDs = append(s.likeIDs, event.ID)
		}
		s.mu.Unlock()
		// once stored events have drained, live reactions fold into the
		// aggregate immediately instead of waiting for a batch
		if eosed {
			c.mergeLikes(s.thread.Anchor.Value, []string{event.ID})
		}

	case lib.KindZapReceipt:
		if c.cfg.FeatureDisabled("zaps") {
			return
		}
		invoice := event.Tags.GetFirst([]string{"bolt11"})
		if invoice == nil || len(*invoice) < 2 {
			return
		}
		s.mu.Lock()
		eosed := s.eosed
		if !eosed {
			if s.zaps == nil {
				s.zaps = make(map[string]string)
			}
			s.zaps[event.ID] = (*invoice)[1]
		}
		s.mu.Unlock()
		if eosed {
			c.mergeZaps(s.thread.Anchor.Value, map[string]string{event.ID: (*invoice)[1]})
		}
	}
}

// onEose runs the coordinated end-of-stream work: aggregate recompute and
// profile backfill.
func (s *loadSession) onEose(ctx context.Context) {
	s.mu.Lock()
	s.eosed = true
	likeIDs := s.likeIDs
	s.likeIDs = nil
	zaps := s.zaps
	s.zaps = nil
	if s.thread.AnchorAuthor != "" {
		if s.profiles == nil {
			s.profiles = make(map[string]bool)
		}
		s.profiles[s.thread.AnchorAuthor] = true
	}
	s.mu.Unlock()

	c := s.client
	anchor := s.thread.Anchor.Value
	if len(likeIDs) > 0 {
		c.mergeLikes(anchor, likeIDs)
	}
	if len(zaps) > 0 {
		c.mergeZaps(anchor, zaps)
	}
	s.backfillProfiles(context.WithoutCancel(ctx))
}

// backfillProfiles drains the pending author set into an asynchronous
// metadata refresh. Recently checked authors cost nothing, so calling
// this per live comment is fine.
func (s *loadSession) backfillProfiles(ctx context.Context) {
	s.mu.Lock()
	var authors []string
	for pubkey := range s.profiles {
		authors = append(authors, pubkey)
	}
	s.profiles = nil
	s.mu.Unlock()
	if len(authors) == 0 {
		return
	}
	go func() {
		if err := s.client.UpdateProfiles(ctx, authors); err != nil {
			logging.Warnf("profile backfill failed: %v", err)
		}
	}()
}

// mergeLikes folds newly seen reaction ids into the likes aggregate.
// Re-adding an id is a no-op, so replays across relays never double count.
func (c *Client) mergeLikes(anchor string, ids []string) {
	aggregate, err := c.store.GetAggregate(anchor, lib.KindReaction)
	if err != nil {
		logging.Warnf("failed to load likes aggregate: %v", err)
		return
	}
	if aggregate == nil {
		aggregate = &lib.AggregateEvent{Anchor: anchor, Kind: lib.KindReaction}
	}
	if added := aggregate.Merge(ids); len(added) == 0 {
		return
	}
	if err := c.store.SaveAggregate(*aggregate); err != nil {
		logging.Warnf("failed to save likes aggregate: %v", err)
	}
}

// mergeZaps folds newly seen zap receipts into the zaps aggregate, summing
// the invoice amounts in sats. Ids already counted are skipped before
// decoding, so the sum never double counts.
func (c *Client) mergeZaps(anchor string, zaps map[string]string) {
	aggregate, err := c.store.GetAggregate(anchor, lib.KindZapReceipt)
	if err != nil {
		logging.Warnf("failed to load zaps aggregate: %v", err)
		return
	}
	if aggregate == nil {
		aggregate = &lib.AggregateEvent{Anchor: anchor, Kind: lib.KindZapReceipt}
	}

	changed := false
	for id, invoice := range zaps {
		if aggregate.Contains(id) {
			continue
		}
		decoded, err := decodepay.Decodepay(invoice)
		if err != nil {
			logging.Debugf("undecodable bolt11 invoice on zap %s: %v", id, err)
			continue
		}
		aggregate.IDs = append(aggregate.IDs, id)
		aggregate.Sum += decoded.MSatoshi / 1000
		changed = true
	}
	if !changed {
		return
	}
	if err := c.store.SaveAggregate(*aggregate); err != nil {
		logging.Warnf("failed to save zaps aggregate: %v", err)
	}
}

func powOK(event *nostr.Event, minimum int) bool {
	return lib.PowFromTags(event.Tags) >= minimum && signing.VerifyPow(event.ID, minimum)
}
