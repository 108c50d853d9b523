package lib

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnchorURL(t *testing.T) {
	anchor, err := ParseAnchor("https://example.com/post/42/#comments", false)
	require.NoError(t, err)
	assert.Equal(t, AnchorHTTP, anchor.Type)
	assert.Equal(t, "https://example.com/post/42", anchor.Value)

	// legacy mode keeps the trailing slash so old threads stay reachable
	anchor, err = ParseAnchor("https://example.com/post/42/", true)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/post/42/", anchor.Value)
}

func TestParseAnchorEntities(t *testing.T) {
	id := strings.Repeat("ab", 32)
	pk := strings.Repeat("cd", 32)

	encodedNote, err := nip19.EncodeNote(id)
	require.NoError(t, err)
	anchor, err := ParseAnchor(encodedNote, false)
	require.NoError(t, err)
	assert.Equal(t, AnchorNote, anchor.Type)
	assert.Equal(t, id, anchor.Value)

	encodedEvent, err := nip19.EncodeEvent(id, []string{"wss://relay.test"}, pk)
	require.NoError(t, err)
	anchor, err = ParseAnchor(encodedEvent, false)
	require.NoError(t, err)
	assert.Equal(t, AnchorNote, anchor.Type)
	assert.Equal(t, id, anchor.Value)

	encodedEntity, err := nip19.EncodeEntity(pk, KindLongForm, "my-article", nil)
	require.NoError(t, err)
	anchor, err = ParseAnchor(encodedEntity, false)
	require.NoError(t, err)
	assert.Equal(t, AnchorNaddr, anchor.Type)
	assert.Equal(t, "30023:"+pk+":my-article", anchor.Value)

	// bare hex event id
	anchor, err = ParseAnchor(id, false)
	require.NoError(t, err)
	assert.Equal(t, AnchorNote, anchor.Type)
	assert.Equal(t, id, anchor.Value)
}

func TestParseAnchorRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "not-an-anchor", strings.Repeat("z", 64)} {
		_, err := ParseAnchor(raw, false)
		assert.Error(t, err, "anchor %q", raw)
	}

	npub, err := nip19.EncodePublicKey(strings.Repeat("cd", 32))
	require.NoError(t, err)
	_, err = ParseAnchor(npub, false)
	assert.Error(t, err, "a pubkey is not a thread anchor")
}

func TestReactionVoteMapping(t *testing.T) {
	assert.Equal(t, VoteDown, ReactionEvent{Content: "-"}.Vote())
	assert.Equal(t, VoteUp, ReactionEvent{Content: "+"}.Vote())
	assert.Equal(t, VoteUp, ReactionEvent{Content: ""}.Vote())
	assert.Equal(t, VoteNeutral, ReactionEvent{Content: "🔥"}.Vote())
	assert.Equal(t, VoteNeutral, ReactionEvent{Content: "++"}.Vote())
}

func TestAggregateMergeIdempotent(t *testing.T) {
	agg := AggregateEvent{Anchor: "a", Kind: KindReaction}

	added := agg.Merge([]string{"one", "two"})
	assert.Equal(t, []string{"one", "two"}, added)

	added = agg.Merge([]string{"two", "three"})
	assert.Equal(t, []string{"three"}, added)
	assert.Len(t, agg.IDs, 3)
	assert.True(t, agg.Contains("one"))
	assert.False(t, agg.Contains("four"))
}

func TestRelayInfoExpiry(t *testing.T) {
	now := int64(1_000_000_000)

	assert.True(t, RelayInfo{}.Expired(now), "never fetched")

	fetched := RelayInfo{LastFetchAttempt: now, Info: &nip11.RelayInformationDocument{Name: "r"}}
	assert.False(t, fetched.Expired(now+RelayInfoTTL))
	assert.True(t, fetched.Expired(now+RelayInfoTTL+1))

	missed := RelayInfo{LastFetchAttempt: now}
	assert.False(t, missed.Expired(now+RelayInfoRetryTTL))
	assert.True(t, missed.Expired(now+RelayInfoRetryTTL+1))
}

func TestEventToNoteTagProjection(t *testing.T) {
	root := strings.Repeat("11", 32)
	reply := strings.Repeat("22", 32)
	mention := strings.Repeat("33", 32)
	author := strings.Repeat("44", 32)

	event := &nostr.Event{
		ID:        strings.Repeat("55", 32),
		Kind:      KindComment,
		PubKey:    author,
		Content:   "hello",
		CreatedAt: 1700000000,
		Tags: nostr.Tags{
			{"e", root, "", "root"},
			{"e", reply, "", "reply"},
			{"e", mention, "", "mention"},
			{"p", author},
			{"a", "34550:" + author + ":gardening", "", "mention"},
			{"r", "https://example.com/post"},
			{"t", "golang"},
			{"t", "golang"},
			{"t", "nostr"},
			{"d", "my-article"},
			{"title", "A Title"},
			{"client", "threadstr"},
			{"l", "en"},
			{"nonce", "12345", "20"},
		},
	}

	note := EventToNote(event)
	assert.Equal(t, root, note.Root)
	assert.Equal(t, reply, note.Reply)
	assert.Equal(t, []string{mention}, note.Mentions)
	assert.Equal(t, []string{author}, note.Profiles)
	assert.Equal(t, "34550:"+author+":gardening", note.Address)
	assert.True(t, note.AddressIsMention)
	assert.Equal(t, "https://example.com/post", note.URL)
	assert.Equal(t, []string{"golang", "nostr"}, note.Hashtags)
	assert.Equal(t, "my-article", note.Identifier)
	assert.Equal(t, "A Title", note.Title)
	assert.Equal(t, "threadstr", note.Client)
	assert.Equal(t, "en", note.Language)
	assert.Equal(t, 20, note.Pow)
}

func TestEventToNotePositionalFallback(t *testing.T) {
	first := strings.Repeat("11", 32)
	middle := strings.Repeat("22", 32)
	last := strings.Repeat("33", 32)

	single := EventToNote(&nostr.Event{Tags: nostr.Tags{{"e", first}}})
	assert.Equal(t, first, single.Root)
	assert.Empty(t, single.Reply)

	several := EventToNote(&nostr.Event{Tags: nostr.Tags{
		{"e", first}, {"e", middle}, {"e", last},
	}})
	assert.Equal(t, first, several.Root)
	assert.Equal(t, last, several.Reply)
}

func TestEventToReactionTargetPrecedence(t *testing.T) {
	root := strings.Repeat("11", 32)
	reply := strings.Repeat("22", 32)

	marked := EventToReaction(&nostr.Event{Tags: nostr.Tags{
		{"e", root, "", "root"},
		{"e", reply, "", "reply"},
	}}, "anchor")
	assert.Equal(t, reply, marked.NoteID)
	assert.Equal(t, "anchor", marked.Anchor)

	rootOnly := EventToReaction(&nostr.Event{Tags: nostr.Tags{
		{"e", root, "", "root"},
	}}, "anchor")
	assert.Equal(t, root, rootOnly.NoteID)

	bare := EventToReaction(&nostr.Event{Tags: nostr.Tags{
		{"e", root},
	}}, "anchor")
	assert.Equal(t, root, bare.NoteID)
}

func TestPowFromTags(t *testing.T) {
	assert.Equal(t, 0, PowFromTags(nil))
	assert.Equal(t, 0, PowFromTags(nostr.Tags{{"nonce", "12345"}}))
	assert.Equal(t, 0, PowFromTags(nostr.Tags{{"nonce", "12345", "abc"}}))
	assert.Equal(t, 21, PowFromTags(nostr.Tags{{"nonce", "12345", "21"}}))
}

func TestSortNotesByDateDeterministic(t *testing.T) {
	notes := []NoteEvent{
		{ID: "b", CreatedAt: 100},
		{ID: "a", CreatedAt: 100},
		{ID: "c", CreatedAt: 200},
	}
	SortNotesByDate(notes)
	assert.Equal(t, "c", notes[0].ID)
	assert.Equal(t, "a", notes[1].ID)
	assert.Equal(t, "b", notes[2].ID)
}
