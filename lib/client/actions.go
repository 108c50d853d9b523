package client

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/logging"
	"github.com/threadstr/threadstr/lib/relays"
	"github.com/threadstr/threadstr/lib/signing"
)

var (
	nostrEntityPattern = regexp.MustCompile(`nostr:((?:npub|nprofile|note|nevent|naddr)1[a-z0-9]+)`)
	hashtagPattern     = regexp.MustCompile(`(?:^|\s)#([a-zA-Z0-9]+)`)
)

// PublishComment signs and publishes a comment under the thread's anchor.
// ReplyTo, when set, must be the id of a locally cached note; the comment
// is threaded under it. For a web anchor with no root yet, a root event is
// created and published first.
func (c *Client) PublishComment(ctx context.Context, thread *Thread, content string, replyTo string) (*lib.NoteEvent, error) {
	signer, err := c.currentSigner()
	if err != nil {
		return nil, err
	}
	if replyTo != "" && c.cfg.FeatureDisabled("replies") {
		return nil, fmt.Errorf("replies are disabled")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty comment")
	}
	if limit := c.cfg.Content.MaxCommentLength; limit > 0 && len(content) > limit {
		return nil, fmt.Errorf("comment exceeds %d characters", limit)
	}

	if thread.Anchor.Type == lib.AnchorHTTP && len(thread.RootIDs) == 0 {
		if err := c.createWebRoot(ctx, thread, signer); err != nil {
			return nil, err
		}
	}

	tags, err := c.threadTags(thread, signer.PublicKey(), replyTo)
	if err != nil {
		return nil, err
	}
	tags = append(tags, mentionTags(content)...)
	tags = append(tags, c.languageTags()...)
	if c.cfg.Content.ClientTag != "" {
		tags = append(tags, nostr.Tag{"client", c.cfg.Content.ClientTag})
	}

	event := &nostr.Event{Kind: lib.KindComment, Content: content, Tags: tags}
	note, err := c.signAndPublish(ctx, event)
	if err != nil {
		return nil, err
	}
	return note, nil
}

// Vote toggles the signer's reaction on a note. Voting the same way twice
// removes the vote; switching direction replaces it. Prior reactions by
// the signer are retracted with a deletion event before any new vote goes
// out.
func (c *Client) Vote(ctx context.Context, thread *Thread, noteID string, vote lib.VoteKind) error {
	if c.cfg.FeatureDisabled("votes") {
		return fmt.Errorf("votes are disabled")
	}
	signer, err := c.currentSigner()
	if err != nil {
		return err
	}
	note, err := c.store.GetNote(noteID)
	if err != nil {
		return err
	}
	if note == nil {
		return fmt.Errorf("unknown note %s", noteID)
	}

	reactions, err := c.store.ReactionsByNote(noteID)
	if err != nil {
		return err
	}
	var own []lib.ReactionEvent
	var latest lib.VoteKind
	var latestAt int64
	for _, reaction := range reactions {
		if reaction.PubKey != signer.PublicKey() {
			continue
		}
		own = append(own, reaction)
		if reaction.CreatedAt >= latestAt {
			latestAt = reaction.CreatedAt
			latest = reaction.Vote()
		}
	}
	if latest == vote {
		vote = lib.VoteNeutral
	}

	if len(own) > 0 {
		if err := c.retractReactions(ctx, own); err != nil {
			return err
		}
	}
	if vote == lib.VoteNeutral {
		return nil
	}

	content := "+"
	if vote == lib.VoteDown {
		content = "-"
	}
	tags := nostr.Tags{}
	if root := thread.rootFor(noteID); root != "" && root != noteID {
		tags = append(tags, nostr.Tag{"e", root, "", "root"})
		tags = append(tags, nostr.Tag{"e", noteID, "", "reply"})
	} else {
		tags = append(tags, nostr.Tag{"e", noteID, "", "root"})
	}
	tags = append(tags, nostr.Tag{"p", note.PubKey})

	event := &nostr.Event{Kind: lib.KindReaction, Content: content, Tags: tags}
	if err := c.finalize(ctx, event); err != nil {
		return err
	}
	result := c.publisher.Publish(ctx, event, c.WriteRelays(), c.writeIntent(event))
	if result.OK == 0 {
		return fmt.Errorf("vote rejected by every relay")
	}
	return c.store.SaveReaction(lib.EventToReaction(event, thread.Anchor.Value))
}

// Report publishes a kind-1984 report for a note and blocks it locally in
// the same motion, so the reporter never sees it again regardless of what
// the relays do with the report.
// The reportType is the NIP-56 category (spam, nudity, illegal, ...)
// carried on the e tag; reason is free text for the event content.
func (c *Client) Report(ctx context.Context, noteID, reportType, reason string) error {
	if _, err := c.currentSigner(); err != nil {
		return err
	}
	note, err := c.store.GetNote(noteID)
	if err != nil {
		return err
	}
	if note == nil {
		return fmt.Errorf("unknown note %s", noteID)
	}

	event := &nostr.Event{
		Kind:    lib.KindReport,
		Content: reason,
		Tags: nostr.Tags{
			{"e", noteID, reportType},
			{"p", note.PubKey},
		},
	}
	if err := c.finalize(ctx, event); err != nil {
		return err
	}
	c.publisher.Publish(ctx, event, c.WriteRelays(), c.writeIntent(event))
	return c.moderation.ApplyBlock(lib.BlockedEvents, noteID, "reported: "+reason)
}

// createWebRoot mints the web-anchor root event for a page that has never
// been commented on and publishes it ahead of the first comment.
func (c *Client) createWebRoot(ctx context.Context, thread *Thread, signer signing.Signer) error {
	event := &nostr.Event{
		Kind: lib.KindWebAnchor,
		Tags: nostr.Tags{{"r", thread.Anchor.Value}},
	}
	if err := c.finalize(ctx, event); err != nil {
		return err
	}
	if err := c.store.SaveNote(lib.EventToNote(event)); err != nil {
		return err
	}
	result := c.publisher.Publish(ctx, event, c.WriteRelays(), c.writeIntent(event))
	if result.OK == 0 {
		return fmt.Errorf("root event rejected by every relay")
	}
	thread.RootIDs = append(thread.RootIDs, event.ID)
	logging.Infof("created web root %s for %s", event.ID, thread.Anchor.Value)
	return nil
}

// threadTags builds the NIP-10 threading tags for a comment.
func (c *Client) threadTags(thread *Thread, signerPubkey, replyTo string) (nostr.Tags, error) {
	tags := nostr.Tags{}

	if thread.Anchor.Type == lib.AnchorNaddr {
		tags = append(tags, nostr.Tag{"a", thread.Anchor.Value, "", "root"})
	} else if root := thread.rootFor(replyTo); root != "" {
		tags = append(tags, nostr.Tag{"e", root, "", "root"})
	}

	mentioned := map[string]bool{signerPubkey: true}
	if replyTo != "" {
		parent, err := c.store.GetNote(replyTo)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("unknown parent note %s", replyTo)
		}
		if parent.ID != thread.rootFor(replyTo) {
			tags = append(tags, nostr.Tag{"e", parent.ID, "", "reply"})
		}
		if !mentioned[parent.PubKey] {
			mentioned[parent.PubKey] = true
			tags = append(tags, nostr.Tag{"p", parent.PubKey})
		}
	}

	if thread.AnchorAuthor != "" && !mentioned[thread.AnchorAuthor] {
		tags = append(tags, nostr.Tag{"p", thread.AnchorAuthor})
	}
	return tags, nil
}

// rootFor picks the thread root a new event should point at. When the
// reply target is itself one of the roots, that root wins; otherwise the
// first discovered root does.
func (t *Thread) rootFor(replyTo string) string {
	for _, id := range t.RootIDs {
		if id == replyTo {
			return id
		}
	}
	if len(t.RootIDs) > 0 {
		return t.RootIDs[0]
	}
	return ""
}

// mentionTags extracts p, e and a tags from nostr: entities in the
// content, plus t tags for hashtags.
func mentionTags(content string) nostr.Tags {
	var tags nostr.Tags
	for _, match := range nostrEntityPattern.FindAllStringSubmatch(content, -1) {
		prefix, data, err := nip19.Decode(match[1])
		if err != nil {
			continue
		}
		switch prefix {
		case "npub":
			tags = append(tags, nostr.Tag{"p", data.(string)})
		case "nprofile":
			tags = append(tags, nostr.Tag{"p", data.(nostr.ProfilePointer).PublicKey})
		case "note":
			tags = append(tags, nostr.Tag{"e", data.(string)})
		case "nevent":
			tags = append(tags, nostr.Tag{"e", data.(nostr.EventPointer).ID})
		case "naddr":
			ep := data.(nostr.EntityPointer)
			address := fmt.Sprintf("%d:%s:%s", ep.Kind, ep.PublicKey, ep.Identifier)
			tags = append(tags, nostr.Tag{"a", address, "", "mention"})
		}
	}
	for _, match := range hashtagPattern.FindAllStringSubmatch(content, -1) {
		tags = append(tags, nostr.Tag{"t", strings.ToLower(match[1])})
	}
	return tags
}

// languageTags labels the comment with the first configured language per
// NIP-32.
func (c *Client) languageTags() nostr.Tags {
	if len(c.cfg.Content.Languages) == 0 {
		return nil
	}
	return nostr.Tags{
		{"L", "ISO-639-1"},
		{"l", c.cfg.Content.Languages[0], "ISO-639-1"},
	}
}

// retractReactions publishes a deletion covering the signer's prior
// reactions and removes them from the local cache.
func (c *Client) retractReactions(ctx context.Context, reactions []lib.ReactionEvent) error {
	tags := nostr.Tags{}
	ids := make([]string, 0, len(reactions))
	for _, reaction := range reactions {
		tags = append(tags, nostr.Tag{"e", reaction.ID})
		ids = append(ids, reaction.ID)
	}
	tags = append(tags, nostr.Tag{"k", "7"})

	event := &nostr.Event{Kind: lib.KindDeletion, Tags: tags}
	if err := c.finalize(ctx, event); err != nil {
		return err
	}
	c.publisher.Publish(ctx, event, c.WriteRelays(), c.writeIntent(event))
	return c.store.DeleteReactions(ids)
}

// signAndPublish finalizes a comment, requires at least one relay to
// accept it and mirrors it into the local cache.
func (c *Client) signAndPublish(ctx context.Context, event *nostr.Event) (*lib.NoteEvent, error) {
	if err := c.finalize(ctx, event); err != nil {
		return nil, err
	}
	result := c.publisher.Publish(ctx, event, c.WriteRelays(), c.writeIntent(event))
	if result.OK == 0 {
		return nil, fmt.Errorf("comment rejected by every relay")
	}
	note := lib.EventToNote(event)
	if err := c.store.SaveNote(note); err != nil {
		return nil, err
	}
	return &note, nil
}

func (c *Client) finalize(ctx context.Context, event *nostr.Event) error {
	signer, err := c.currentSigner()
	if err != nil {
		return err
	}
	return signing.Finalize(event, signer, c.writePowTarget(ctx))
}

func (c *Client) writeIntent(event *nostr.Event) relays.Intent {
	return relays.Intent{
		Kind:      event.Kind,
		Write:     true,
		Event:     event,
		MaxPow:    c.cfg.Pow.MaxWrite,
		AllowPaid: c.cfg.Relays.AllowPaid,
		Languages: c.cfg.Content.Languages,
	}
}

func (c *Client) currentSigner() (signing.Signer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signer == nil {
		return nil, fmt.Errorf("no signer configured")
	}
	return c.signer, nil
}
