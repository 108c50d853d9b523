package lib

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Event kinds handled by the library. Kept as local constants so the
// supported set is visible in one place.
const (
	KindProfileMetadata     = 0
	KindComment             = 1
	KindDeletion            = 5
	KindReaction            = 7
	KindWebAnchor           = 8812 // legacy root marker for http anchors
	KindHighlight           = 9802
	KindReport              = 1984
	KindZapReceipt          = 9735
	KindMuteList            = 10000
	KindLongForm            = 30023
	KindCommunityDefinition = 34550
)

// Time windows shared across the store, ranker and moderation pipeline.
const (
	MinuteInSecs   = int64(60)
	HourInSecs     = 60 * MinuteInSecs
	SixHoursInSecs = 6 * HourInSecs
	DayInSecs      = 24 * HourInSecs
	WeekInSecs     = 7 * DayInSecs
)

// CurrentTime returns the unix time in seconds, the unit every record in
// the store uses for timestamps.
func CurrentTime() int64 {
	return time.Now().Unix()
}

// AnchorType discriminates the external identifier a thread attaches to.
type AnchorType string

const (
	AnchorHTTP  AnchorType = "http"  // a web page URL
	AnchorNote  AnchorType = "note"  // a plain event id
	AnchorNaddr AnchorType = "naddr" // an addressable coordinate kind:pubkey:identifier
)

// Anchor is the identifier a discussion thread is attached to.
type Anchor struct {
	Type  AnchorType `json:"type"`
	Value string     `json:"value"`
}

// ParseAnchor turns a raw anchor string (URL, note1/nevent1/naddr1 entity or
// bare hex id) into an Anchor. A malformed anchor is a contract violation
// and returns an error rather than a degraded value.
func ParseAnchor(raw string, keepTrailingSlashes bool) (Anchor, error) {
	anchor := strings.TrimSpace(raw)
	if anchor == "" {
		return Anchor{}, fmt.Errorf("empty anchor")
	}

	if strings.HasPrefix(anchor, "http") {
		normalized, err := NormalizeURL(anchor, !keepTrailingSlashes)
		if err != nil {
			return Anchor{}, fmt.Errorf("malformed anchor %q: %w", raw, err)
		}
		return Anchor{Type: AnchorHTTP, Value: normalized}, nil
	}

	if prefix, data, err := nip19.Decode(anchor); err == nil {
		switch prefix {
		case "note":
			return Anchor{Type: AnchorNote, Value: data.(string)}, nil
		case "nevent":
			return Anchor{Type: AnchorNote, Value: data.(nostr.EventPointer).ID}, nil
		case "naddr":
			ep := data.(nostr.EntityPointer)
			return Anchor{Type: AnchorNaddr, Value: fmt.Sprintf("%d:%s:%s", ep.Kind, ep.PublicKey, ep.Identifier)}, nil
		}
		return Anchor{}, fmt.Errorf("unsupported anchor entity %q", prefix)
	}

	// Bare 64-char hex event ids are accepted as note anchors.
	if len(anchor) == 64 && isHex(anchor) {
		return Anchor{Type: AnchorNote, Value: anchor}, nil
	}

	return Anchor{}, fmt.Errorf("malformed anchor %q", raw)
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// NormalizeURL strips fragments and, optionally, trailing slashes so that a
// URL anchor always maps to the same thread.
func NormalizeURL(raw string, removeSlashes bool) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Fragment = ""
	if removeSlashes {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String(), nil
}

// NoteEvent is the projection of a content-bearing event (comment,
// highlight, long-form article or web-anchor root) used for threading.
// It is a pure function of the raw event's tags and content.
type NoteEvent struct {
	ID        string   `json:"id"`
	Kind      int      `json:"kind" badgerholdIndex:"Kind"`
	Content   string   `json:"content"`
	CreatedAt int64    `json:"created_at"`
	PubKey    string   `json:"pubkey" badgerholdIndex:"PubKey"`
	Root      string   `json:"root,omitempty" badgerholdIndex:"Root"`
	Reply     string   `json:"reply,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
	Profiles  []string `json:"profiles,omitempty"`

	// Addressable-coordinate reference (a tag) and whether it was a mention.
	Address          string `json:"address,omitempty" badgerholdIndex:"Address"`
	AddressIsMention bool   `json:"address_is_mention,omitempty"`

	URL        string   `json:"url,omitempty" badgerholdIndex:"URL"` // r tag
	Hashtags   []string `json:"hashtags,omitempty"`
	Identifier string   `json:"identifier,omitempty" badgerholdIndex:"Identifier"` // d tag
	Title      string   `json:"title,omitempty"`
	Pow        int      `json:"pow"`
	Client     string   `json:"client,omitempty"`
	Language   string   `json:"language,omitempty"`

	// Rank is a host-assigned presentation score, set by the receive hook.
	Rank int `json:"rank,omitempty"`
}

// VoteKind classifies a reaction's content as a vote.
type VoteKind int

const (
	VoteDown    VoteKind = -1
	VoteNeutral VoteKind = 0
	VoteUp      VoteKind = 1
)

// ReactionEvent is the projection of a kind-7 reaction.
type ReactionEvent struct {
	ID        string `json:"id"`
	NoteID    string `json:"note_id" badgerholdIndex:"NoteID"`
	PubKey    string `json:"pubkey" badgerholdIndex:"PubKey"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	Pow       int    `json:"pow"`
	Anchor    string `json:"anchor" badgerholdIndex:"Anchor"`
}

// Vote maps the reaction content to a vote: "-" is a downvote, "" and "+"
// are upvotes, anything else is not a vote.
func (r ReactionEvent) Vote() VoteKind {
	switch {
	case r.Content == "-":
		return VoteDown
	case r.Content == "" || r.Content == "+":
		return VoteUp
	default:
		return VoteNeutral
	}
}

// AggregateEvent accumulates per-(anchor, kind) counters, e.g. likes or zap
// totals. Re-adding an id already in IDs must not change Sum or the count.
type AggregateEvent struct {
	Anchor string   `json:"anchor" badgerholdIndex:"Anchor"`
	Kind   int      `json:"kind"`
	IDs    []string `json:"ids"`
	Sum    int64    `json:"sum,omitempty"` // millisats for zaps, unused for likes
}

// Contains reports whether the aggregate already counted the given id.
func (a *AggregateEvent) Contains(id string) bool {
	for _, existing := range a.IDs {
		if existing == id {
			return true
		}
	}
	return false
}

// Merge adds ids not yet counted and returns the ones that were new.
func (a *AggregateEvent) Merge(ids []string) []string {
	var added []string
	for _, id := range ids {
		if !a.Contains(id) {
			a.IDs = append(a.IDs, id)
			added = append(added, id)
		}
	}
	return added
}

// Profile is cached author metadata used for presentation.
type Profile struct {
	PubKey      string `json:"pubkey"`
	CreatedAt   int64  `json:"created_at"`
	LastChecked int64  `json:"last_checked"`
	Name        string `json:"name,omitempty"`
	Picture     string `json:"picture,omitempty"`
}

// RelayInfo caches a relay's NIP-11 information document. Info is nil when
// the last fetch attempt produced nothing parseable.
type RelayInfo struct {
	Name             string                          `json:"name"`
	Info             *nip11.RelayInformationDocument `json:"info,omitempty"`
	LastFetchAttempt int64                           `json:"last_fetch_attempt"`
	ReadAuth         bool                            `json:"read_auth,omitempty"`
	WriteOnly        bool                            `json:"write_only,omitempty"`
}

// RelayInfoTTL is how long a fetched info document stays fresh;
// RelayInfoRetryTTL applies when the last attempt produced no document.
const (
	RelayInfoTTL      = WeekInSecs
	RelayInfoRetryTTL = 10 * MinuteInSecs
)

// Expired reports whether the cached info should be refetched.
func (r RelayInfo) Expired(now int64) bool {
	if r.LastFetchAttempt == 0 {
		return true
	}
	ttl := RelayInfoRetryTTL
	if r.Info != nil {
		ttl = RelayInfoTTL
	}
	return now > r.LastFetchAttempt+ttl
}

// FailedLatency marks a connection or query failure in the stats ring.
const FailedLatency = int64(1<<63 - 1)

// RelayStatRingSize is the number of latency samples kept per
// (relay, kind bucket).
const RelayStatRingSize = 5

// RelayStat is one slot of the per-(relay, kind bucket) latency ring.
type RelayStat struct {
	RelayName  string `json:"relay_name" badgerholdIndex:"RelayName"`
	KindBucket int    `json:"kind_bucket"`
	Serial     int    `json:"serial"` // ring index 0..RelayStatRingSize-1
	LatencyMS  int64  `json:"latency_ms"`
	ObservedAt int64  `json:"observed_at"`
}

// Failed reports whether this sample recorded a failure.
func (s RelayStat) Failed() bool {
	return s.LatencyMS == FailedLatency
}

// Watermark is the highest createdAt attributed to a relay for an anchor,
// used to bound incremental queries.
type Watermark struct {
	RelayName     string `json:"relay_name"`
	Anchor        string `json:"anchor" badgerholdIndex:"Anchor"`
	LastTimestamp int64  `json:"last_timestamp"`
}

// BlockList names the two block tables.
type BlockList string

const (
	BlockedEvents  BlockList = "events"
	BlockedPubkeys BlockList = "pubkeys"
)

// Block is a single block/spam record. Used marks that the block was
// actually invoked; unused entries expire after a week.
type Block struct {
	ID      string `json:"id"`
	AddedAt int64  `json:"added_at"`
	Used    bool   `json:"used"`
	Reason  string `json:"reason,omitempty"`
}

// Community caches a community definition's moderator set.
type Community struct {
	Address     string   `json:"address"`
	Moderators  []string `json:"moderators"`
	LastChecked int64    `json:"last_checked"`
}

// ModerationSource tracks the last successful refresh per external
// block-list source, mirroring relay watermarks but scoped to moderation.
type ModerationSource struct {
	Name       string `json:"name"`
	LastUpdate int64  `json:"last_update"`
}

// EventToNote derives a NoteEvent from a raw event. It only inspects tags
// and content, so recomputing it from the same event yields the same note.
func EventToNote(e *nostr.Event) NoteEvent {
	note := NoteEvent{
		ID:        e.ID,
		Kind:      e.Kind,
		Content:   e.Content,
		CreatedAt: int64(e.CreatedAt),
		PubKey:    e.PubKey,
		Pow:       PowFromTags(e.Tags),
	}

	refs := parseThreadRefs(e.Tags)
	note.Root = refs.root
	note.Reply = refs.reply
	note.Mentions = refs.mentions

	seenTags := make(map[string]bool)
	for _, tag := range e.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "p":
			note.Profiles = append(note.Profiles, tag[1])
		case "a":
			if note.Address == "" {
				note.Address = tag[1]
				note.AddressIsMention = len(tag) > 3 && tag[3] == "mention"
			}
		case "r":
			if note.URL == "" {
				note.URL = tag[1]
			}
		case "t":
			if !seenTags[tag[1]] {
				seenTags[tag[1]] = true
				note.Hashtags = append(note.Hashtags, tag[1])
			}
		case "d":
			if note.Identifier == "" {
				note.Identifier = tag[1]
			}
		case "title":
			if note.Title == "" {
				note.Title = tag[1]
			}
		case "client":
			if note.Client == "" {
				note.Client = tag[1]
			}
		case "l":
			if note.Language == "" {
				note.Language = tag[1]
			}
		}
	}

	return note
}

// EventToReaction derives a ReactionEvent from a kind-7 event. The target
// note is the marked reply, else the marked root, else the first e tag.
func EventToReaction(e *nostr.Event, anchor string) ReactionEvent {
	refs := parseThreadRefs(e.Tags)
	noteID := refs.reply
	if noteID == "" {
		noteID = refs.root
	}
	if noteID == "" {
		noteID = refs.first
	}

	return ReactionEvent{
		ID:        e.ID,
		NoteID:    noteID,
		PubKey:    e.PubKey,
		Content:   e.Content,
		CreatedAt: int64(e.CreatedAt),
		Pow:       PowFromTags(e.Tags),
		Anchor:    anchor,
	}
}

// PowFromTags reads the committed difficulty from a NIP-13 nonce tag.
// It reflects the author's intent, not the achieved leading zero bits.
func PowFromTags(tags nostr.Tags) int {
	for _, tag := range tags {
		if len(tag) > 2 && tag[0] == "nonce" {
			if pow, err := strconv.Atoi(tag[2]); err == nil {
				return pow
			}
		}
	}
	return 0
}

type threadRefs struct {
	root     string
	reply    string
	first    string
	mentions []string
}

// parseThreadRefs applies NIP-10 marker semantics with the positional
// fallback: an unmarked single e tag is the root, the last of several
// unmarked e tags is the reply.
func parseThreadRefs(tags nostr.Tags) threadRefs {
	var refs threadRefs
	var unmarked []string
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		if refs.first == "" {
			refs.first = tag[1]
		}
		marker := ""
		if len(tag) > 3 {
			marker = tag[3]
		}
		switch marker {
		case "root":
			refs.root = tag[1]
		case "reply":
			refs.reply = tag[1]
		case "mention":
			refs.mentions = append(refs.mentions, tag[1])
		default:
			unmarked = append(unmarked, tag[1])
		}
	}
	if refs.root == "" && len(unmarked) > 0 {
		refs.root = unmarked[0]
	}
	if refs.reply == "" && len(unmarked) > 1 {
		refs.reply = unmarked[len(unmarked)-1]
	}
	return refs
}

// SortNotesByDate orders newest first, breaking timestamp ties by id so the
// order is deterministic across relays.
func SortNotesByDate(notes []NoteEvent) {
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].CreatedAt != notes[j].CreatedAt {
			return notes[i].CreatedAt > notes[j].CreatedAt
		}
		return notes[i].ID < notes[j].ID
	})
}
